package expand

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configSchema is compiled once; every step must conform before the
// configuration is ever expanded into flows. This is additive
// strictness only — a schema-valid config's runtime behavior is
// entirely governed by the Flow Engine and Step Kernel, never by this
// validator.
var configSchema = map[string]any{
	"type": "array",
	"items": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type": "string",
				"enum": []any{"codex", "openai", "cmd"},
			},
			"prompt":                    map[string]any{"type": "string"},
			"prmpt_file":                map[string]any{"type": "string"},
			"cmd":                       map[string]any{"type": "string"},
			"name":                      map[string]any{"type": "string"},
			"array":                     map[string]any{"type": "boolean"},
			"web_search":                map[string]any{"type": "boolean"},
			"stdin_file":                map[string]any{"type": "string"},
			"exit_on_empty_response":    map[string]any{"type": "boolean"},
			"exit_on_response_contains": map[string]any{"type": "string"},
			"primary_bucket":            map[string]any{"type": "string"},
			"inputs": map[string]any{
				"type": "array",
				"items": map[string]any{
					"anyOf": []any{
						map[string]any{"type": "string"},
						map[string]any{"type": "integer"},
					},
				},
			},
			"response_buckets": map[string]any{
				"type": "array",
				"items": map[string]any{
					"anyOf": []any{
						map[string]any{"type": "string"},
						map[string]any{
							"type":          "object",
							"minProperties": 1,
							"maxProperties": 1,
						},
					},
				},
			},
		},
		"required": []any{"type"},
	},
}

// compiledSchema lazily compiles configSchema on first use.
var compiledSchema *jsonschema.Schema

func compile() (*jsonschema.Schema, error) {
	if compiledSchema != nil {
		return compiledSchema, nil
	}

	data, err := json.Marshal(configSchema)
	if err != nil {
		return nil, fmt.Errorf("marshaling config schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.json", bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("adding config schema resource: %w", err)
	}
	schema, err := compiler.Compile("config.json")
	if err != nil {
		return nil, fmt.Errorf("compiling config schema: %w", err)
	}
	compiledSchema = schema
	return schema, nil
}

// ValidateConfig checks raw (the top-level JSON array of step objects)
// against the step schema before any decoding into step.Spec happens.
func ValidateConfig(raw []byte) error {
	schema, err := compile()
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing configuration JSON: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("configuration failed validation: %w", err)
	}
	return nil
}
