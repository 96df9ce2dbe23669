package mcp

import (
	"errors"
	"fmt"
)

var (
	// ErrFrozen is returned when registering a tool after the registry has
	// been handed to a server.
	ErrFrozen = errors.New("registry is frozen")
	// ErrDuplicateTool is returned when a tool name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// ToolNotFoundError reports a call to an unregistered tool.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// SchemaError reports arguments that failed validation. The handler was
// not run.
type SchemaError struct {
	Tool string
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %v", e.Tool, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// InvocationError wraps a failure returned by a tool handler.
type InvocationError struct {
	Tool string
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *InvocationError) Unwrap() error { return e.Err }

// PanicError reports a tool handler that panicked.
type PanicError struct {
	Tool  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Tool, e.Value)
}
