// Package tool provides the tool contract an agent run dispatches against:
// declarative parameter schemas over a closed set of kinds, argument
// validation, a concurrency-safe registry, and a handful of builtins.
package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/drover-dev/drover/agent"
)

// Kind enumerates the parameter types a tool schema may declare. The set is
// closed: validation fails on anything else rather than silently passing.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
)

// Field declares a single named parameter.
type Field struct {
	Kind        Kind
	Description string
	Required    bool

	// String constraints.
	Enum      []string
	Pattern   string
	MinLength int
	MaxLength int

	// Numeric constraints.
	Minimum *float64
	Maximum *float64

	// Items describes array elements when Kind is KindArray.
	Items *Field

	// Properties describes nested fields when Kind is KindObject.
	Properties map[string]Field
}

// Schema maps parameter names to their declarations.
type Schema map[string]Field

// JSONSchema renders the schema as a JSON-schema object suitable for a
// model's tools parameter. Required names are emitted sorted so the
// rendering is deterministic.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s))
	var required []string
	for name, field := range s {
		props[name] = field.jsonSchema()
		if field.Required {
			required = append(required, name)
		}
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		sort.Strings(required)
		out["required"] = required
	}
	return out
}

func (f Field) jsonSchema() map[string]any {
	out := map[string]any{"type": string(f.Kind)}
	if f.Description != "" {
		out["description"] = f.Description
	}
	if len(f.Enum) > 0 {
		out["enum"] = append([]string(nil), f.Enum...)
	}
	if f.Pattern != "" {
		out["pattern"] = f.Pattern
	}
	if f.MinLength > 0 {
		out["minLength"] = f.MinLength
	}
	if f.MaxLength > 0 {
		out["maxLength"] = f.MaxLength
	}
	if f.Minimum != nil {
		out["minimum"] = *f.Minimum
	}
	if f.Maximum != nil {
		out["maximum"] = *f.Maximum
	}
	if f.Items != nil {
		out["items"] = f.Items.jsonSchema()
	}
	if len(f.Properties) > 0 {
		nested := Schema(f.Properties).JSONSchema()
		out["properties"] = nested["properties"]
		if req, ok := nested["required"]; ok {
			out["required"] = req
		}
	}
	return out
}

// Handler executes a tool call. Arguments have already been validated
// against the tool's schema by the dispatcher.
type Handler func(ctx context.Context, args Args) (map[string]any, error)

// SchemaProvider is implemented by tools that expose their typed schema,
// letting the dispatcher validate without re-parsing the JSON definition.
type SchemaProvider interface {
	Schema() Schema
}

type simpleTool struct {
	name        string
	description string
	schema      Schema
	run         Handler
}

// New builds an agent.Tool from a name, description, schema and handler.
func New(name, description string, schema Schema, handler Handler) agent.Tool {
	return &simpleTool{
		name:        name,
		description: description,
		schema:      schema,
		run:         handler,
	}
}

func (t *simpleTool) Definition() agent.ToolDefinition {
	return agent.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  mustJSON(t.schema.JSONSchema()),
	}
}

func (t *simpleTool) Schema() Schema {
	return t.schema
}

func (t *simpleTool) Execute(ctx context.Context, args map[string]any) (*agent.ToolOutcome, error) {
	data, err := t.run(ctx, Args(args))
	if err != nil {
		return nil, err
	}
	return &agent.ToolOutcome{Success: true, Data: data}, nil
}

// SchemaFromDefinition decodes a JSON-schema tool definition back into a
// typed Schema so externally supplied tools can still be validated. Only
// the closed kind set is understood; unknown constructs are an error.
func SchemaFromDefinition(def agent.ToolDefinition) (Schema, error) {
	if len(def.Parameters) == 0 {
		return Schema{}, nil
	}
	var raw struct {
		Type       string                    `json:"type"`
		Properties map[string]map[string]any `json:"properties"`
		Required   []string                  `json:"required"`
	}
	if err := json.Unmarshal(def.Parameters, &raw); err != nil {
		return nil, fmt.Errorf("decoding parameters for %s: %w", def.Name, err)
	}
	if raw.Type != "" && raw.Type != "object" {
		return nil, fmt.Errorf("tool %s: parameters must describe an object, got %q", def.Name, raw.Type)
	}
	required := make(map[string]bool, len(raw.Required))
	for _, name := range raw.Required {
		required[name] = true
	}
	schema := make(Schema, len(raw.Properties))
	for name, prop := range raw.Properties {
		field, err := fieldFromJSON(prop)
		if err != nil {
			return nil, fmt.Errorf("tool %s, field %s: %w", def.Name, name, err)
		}
		field.Required = required[name]
		schema[name] = field
	}
	return schema, nil
}

func fieldFromJSON(prop map[string]any) (Field, error) {
	kind, _ := prop["type"].(string)
	switch Kind(kind) {
	case KindString, KindNumber, KindBoolean, KindArray, KindObject:
	case "integer":
		kind = string(KindNumber)
	default:
		return Field{}, fmt.Errorf("unsupported type %q", kind)
	}

	f := Field{Kind: Kind(kind)}
	if desc, ok := prop["description"].(string); ok {
		f.Description = desc
	}
	if pattern, ok := prop["pattern"].(string); ok {
		f.Pattern = pattern
	}
	if enum, ok := prop["enum"].([]any); ok {
		for _, v := range enum {
			if s, ok := v.(string); ok {
				f.Enum = append(f.Enum, s)
			}
		}
	}
	if n, ok := prop["minLength"].(float64); ok {
		f.MinLength = int(n)
	}
	if n, ok := prop["maxLength"].(float64); ok {
		f.MaxLength = int(n)
	}
	if n, ok := prop["minimum"].(float64); ok {
		v := n
		f.Minimum = &v
	}
	if n, ok := prop["maximum"].(float64); ok {
		v := n
		f.Maximum = &v
	}
	if items, ok := prop["items"].(map[string]any); ok {
		item, err := fieldFromJSON(items)
		if err != nil {
			return Field{}, fmt.Errorf("items: %w", err)
		}
		f.Items = &item
	}
	if props, ok := prop["properties"].(map[string]any); ok {
		nestedRequired := map[string]bool{}
		if req, ok := prop["required"].([]any); ok {
			for _, v := range req {
				if s, ok := v.(string); ok {
					nestedRequired[s] = true
				}
			}
		}
		f.Properties = make(map[string]Field, len(props))
		for name, nested := range props {
			nestedProp, ok := nested.(map[string]any)
			if !ok {
				return Field{}, fmt.Errorf("property %s is not an object", name)
			}
			nf, err := fieldFromJSON(nestedProp)
			if err != nil {
				return Field{}, fmt.Errorf("property %s: %w", name, err)
			}
			nf.Required = nestedRequired[name]
			f.Properties[name] = nf
		}
	}
	return f, nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("tool: marshaling schema: %v", err))
	}
	return data
}

// Float64 returns a pointer to v, for Minimum and Maximum declarations.
func Float64(v float64) *float64 {
	return &v
}
