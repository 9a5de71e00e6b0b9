package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator is a compiled structured-output model. It serves two callers:
// the provider layer uses Schema as the response-format contract, and the
// orchestrator uses Validate against the model's JSON output.
type Validator struct {
	Name     string
	Schema   map[string]any
	compiled *jsonschema.Schema
}

// CompileModel resolves inheritance and compiles the named model into a
// validator. Call after Validate has accepted the bundle.
func (b *Bundle) CompileModel(name string) (*Validator, error) {
	def, ok := b.Models[name]
	if !ok {
		return nil, invalid("unknown structured output %q", name)
	}

	schema := b.modelSchema(def)
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %q: %w", name, err)
	}
	compiled, err := jsonschema.CompileString(name+".json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	return &Validator{Name: name, Schema: schema, compiled: compiled}, nil
}

// effectiveFields merges inherited fields, nearest definition winning.
func (b *Bundle) effectiveFields(def ModelDef) map[string]FieldDef {
	fields := map[string]FieldDef{}
	if def.Inherits != "" {
		if parent, ok := b.Models[def.Inherits]; ok {
			for k, v := range b.effectiveFields(parent) {
				fields[k] = v
			}
		}
	}
	for k, v := range def.Fields {
		fields[k] = v
	}
	return fields
}

func (b *Bundle) modelSchema(def ModelDef) map[string]any {
	fields := b.effectiveFields(def)
	properties := map[string]any{}
	var required []string
	for name, fd := range fields {
		properties[name] = b.fieldSchema(fd)
		if !fd.Optional {
			required = append(required, name)
		}
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (b *Bundle) fieldSchema(fd FieldDef) map[string]any {
	var schema map[string]any
	switch fd.Type {
	case "str":
		schema = map[string]any{"type": "string"}
	case "int":
		schema = map[string]any{"type": "integer"}
	case "float":
		schema = map[string]any{"type": "number"}
	case "bool":
		schema = map[string]any{"type": "boolean"}
	case "enum":
		vals := make([]any, len(fd.Values))
		for i, v := range fd.Values {
			vals[i] = v
		}
		schema = map[string]any{"enum": vals}
	case "list":
		schema = map[string]any{"type": "array", "items": b.fieldSchema(*fd.Items)}
	case "dict":
		schema = map[string]any{"type": "object", "additionalProperties": b.fieldSchema(*fd.Items)}
	case "union":
		variants := make([]any, len(fd.Variants))
		for i, v := range fd.Variants {
			variants[i] = b.fieldSchema(v)
		}
		schema = map[string]any{"anyOf": variants}
	case "model":
		if ref, ok := b.Models[fd.Ref]; ok {
			schema = b.modelSchema(ref)
		} else {
			schema = map[string]any{"type": "object"}
		}
	case "object":
		properties := map[string]any{}
		var required []string
		for name, sub := range fd.Fields {
			properties[name] = b.fieldSchema(sub)
			if !sub.Optional {
				required = append(required, name)
			}
		}
		schema = map[string]any{"type": "object", "properties": properties}
		if len(required) > 0 {
			schema["required"] = required
		}
	default:
		schema = map[string]any{}
	}
	if fd.Description != "" {
		schema["description"] = fd.Description
	}
	return schema
}

// Validate checks arbitrary decoded JSON against the model.
func (v *Validator) Validate(data any) error {
	if err := v.compiled.Validate(data); err != nil {
		return fmt.Errorf("structured output %q: %w", v.Name, err)
	}
	return nil
}

// ValidateRaw decodes raw JSON and validates it, returning the decoded map.
func (v *Validator) ValidateRaw(raw []byte) (map[string]any, error) {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("structured output %q: %w", v.Name, err)
	}
	if err := v.Validate(data); err != nil {
		return nil, err
	}
	obj, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("structured output %q: not an object", v.Name)
	}
	return obj, nil
}
