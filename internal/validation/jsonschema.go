// Package validation checks graph definitions against an embedded JSON
// Schema before they reach the engine. Schema validation catches shape
// problems with field-level locations; the engine's BuildGraph enforces the
// structural rules (reachability, cycles, kind arities) the schema cannot
// express.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/dcastano/stepgate/pkg/schema"
)

// graphSchemaJSON is the JSON Schema for GraphDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepgate.dev/schemas/graph.json",
  "type": "object",
  "required": ["id", "nodes"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1
    },
    "entry_node_id": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "defaults": { "$ref": "#/$defs/defaults" },
    "input_schema": {
      "type": "object"
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "kind": {
          "type": "string",
          "enum": ["task", "decision", "join"]
        },
        "label": { "type": "string" },
        "phase": { "type": "string" },
        "gate_required": { "type": "boolean" },
        "payload": {},
        "estimated_cost": {
          "type": "number",
          "minimum": 0
        },
        "priority": { "type": "integer" },
        "max_retries": {
          "type": "integer",
          "minimum": 0
        },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": {
          "type": "string",
          "minLength": 1
        },
        "to": {
          "type": "string",
          "minLength": 1
        },
        "condition": { "$ref": "#/$defs/condition" }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["expression"],
      "properties": {
        "engine": {
          "type": "string",
          "enum": ["cel", "expr", "jq"]
        },
        "expression": {
          "type": "string",
          "minLength": 1
        }
      },
      "additionalProperties": false
    },
    "defaults": {
      "type": "object",
      "properties": {
        "node_timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_retries": {
          "type": "integer",
          "minimum": 0
        }
      },
      "additionalProperties": false
    }
  }
}`

// GraphValidator validates GraphDefinitions against the embedded JSON Schema.
// Safe for concurrent use.
type GraphValidator struct {
	graphSchema *jsonschema.Schema

	// mu guards the cache for dynamic payload schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewGraphValidator creates a validator with the graph schema pre-compiled.
func NewGraphValidator() (*GraphValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource("https://stepgate.dev/schemas/graph.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}

	compiled, err := c.Compile("https://stepgate.dev/schemas/graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &GraphValidator{
		graphSchema: compiled,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a GraphDefinition against the graph schema.
func (v *GraphValidator) ValidateDefinition(def *schema.GraphDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize graph definition").WithCause(err)
	}

	if err := v.graphSchema.Validate(doc); err != nil {
		return toStepgateError(err)
	}
	return nil
}

// ValidateRaw validates raw JSON bytes as a GraphDefinition and decodes them.
// This is the entry point for definitions arriving over the wire.
func (v *GraphValidator) ValidateRaw(raw []byte) (*schema.GraphDefinition, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph definition is not valid JSON").WithCause(err)
	}
	if err := v.graphSchema.Validate(doc); err != nil {
		return nil, toStepgateError(err)
	}

	var def schema.GraphDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode graph definition").WithCause(err)
	}
	return &def, nil
}

// ValidateInputs validates run inputs against a JSON Schema provided as raw
// bytes. The schema is compiled and cached for subsequent calls.
func (v *GraphValidator) ValidateInputs(inputs map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(inputs)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize inputs").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toStepgateError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *GraphValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("stepgate://input-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toStepgateError converts a jsonschema.ValidationError into a StepgateError
// with clear, actionable messages for agent consumption.
func toStepgateError(err error) *schema.StepgateError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
