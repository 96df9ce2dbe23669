// Package schema describes tool parameters and validates call arguments
// against them.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

type Type string

const (
	String  Type = "string"
	Number  Type = "number"
	Integer Type = "integer"
	Boolean Type = "boolean"
	Object  Type = "object"
	Array   Type = "array"
)

func (t Type) valid() bool {
	switch t {
	case String, Number, Integer, Boolean, Object, Array:
		return true
	}
	return false
}

// Param is one named, typed tool parameter. Parameters are required unless
// Optional is set.
type Param struct {
	Name        string
	Type        Type
	Description string
	Optional    bool
}

// Params is an ordered parameter list.
type Params []Param

// JSONSchema returns the object schema describing ps. Unknown properties
// are rejected.
func (ps Params) JSONSchema() *jsonschema.Schema {
	s := &jsonschema.Schema{
		Type:                 string(Object),
		Properties:           make(map[string]*jsonschema.Schema, len(ps)),
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
	for _, p := range ps {
		s.Properties[p.Name] = &jsonschema.Schema{
			Type:        string(p.Type),
			Description: p.Description,
		}
		if !p.Optional {
			s.Required = append(s.Required, p.Name)
		}
	}
	return s
}

func (ps Params) check() error {
	seen := make(map[string]bool, len(ps))
	for i, p := range ps {
		if p.Name == "" {
			return fmt.Errorf("param %d: name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("param %q: duplicate name", p.Name)
		}
		if !p.Type.valid() {
			return fmt.Errorf("param %q: unknown type %q", p.Name, p.Type)
		}
		seen[p.Name] = true
	}
	return nil
}

// Validator checks arguments against a compiled parameter list.
type Validator struct {
	params   Params
	resolved *jsonschema.Resolved
	raw      json.RawMessage
}

// Compile prepares ps for validation.
func Compile(ps Params) (*Validator, error) {
	if err := ps.check(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	s := ps.JSONSchema()
	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Validator{
		params:   append(Params(nil), ps...),
		resolved: resolved,
		raw:      raw,
	}, nil
}

// Params returns the parameters in declaration order.
func (v *Validator) Params() Params {
	return append(Params(nil), v.params...)
}

// Raw returns the JSON encoding of the schema.
func (v *Validator) Raw() json.RawMessage {
	return v.raw
}

// Normalize maps absent or null arguments to an empty object.
func Normalize(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return trimmed
}

// Validate checks args against the schema. A nil error means the
// arguments may be passed to the tool.
func (v *Validator) Validate(args json.RawMessage) error {
	args = Normalize(args)

	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return &Error{Reason: "arguments are not valid JSON", Err: err}
	}
	if _, ok := instance.(map[string]any); !ok {
		return &Error{Reason: "arguments must be a JSON object"}
	}
	if err := v.resolved.Validate(instance); err != nil {
		return &Error{Reason: "arguments do not match schema", Err: err}
	}
	return nil
}

// Error reports arguments rejected by a Validator.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}
