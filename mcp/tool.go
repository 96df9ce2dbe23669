package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bpowers/mcpd/schema"
)

// Handler runs a tool. args has already been validated against the tool's
// parameters and is always a JSON object. The returned value is encoded as
// JSON.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a named, schema-described callable.
type Tool struct {
	Name        string
	Title       string
	Description string
	Params      schema.Params

	// Blocking marks handlers that perform I/O or otherwise wait. They run
	// on the server's worker pool instead of the session worker.
	Blocking bool

	Handler Handler
}

// NewTool adapts a typed function into a Tool. Arguments are decoded into
// In after validation.
func NewTool[In, Out any](name, description string, params schema.Params, fn func(context.Context, In) (Out, error)) Tool {
	return Tool{
		Name:        name,
		Description: description,
		Params:      params,
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in In
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
			return fn(ctx, in)
		},
	}
}
