// Package validator provides JSON schema validation for workflow definitions
// and agent registration documents.
package validator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates workflow definitions and agent registrations.
type Validator struct {
	definitionSchema   *jsonschema.Schema
	registrationSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err returns nil for a valid result, otherwise an error listing every failure.
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		path := e.Path
		if path == "" {
			path = "$"
		}
		msgs = append(msgs, path+": "+e.Message)
	}
	return errors.New(strings.Join(msgs, "; "))
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true

	if err := compiler.AddResource("definition.json", strings.NewReader(definitionSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add definition schema: %w", err)
	}
	if err := compiler.AddResource("registration.json", strings.NewReader(registrationSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add registration schema: %w", err)
	}

	definitionSchema, err := compiler.Compile("definition.json")
	if err != nil {
		return nil, fmt.Errorf("compile definition schema: %w", err)
	}
	registrationSchema, err := compiler.Compile("registration.json")
	if err != nil {
		return nil, fmt.Errorf("compile registration schema: %w", err)
	}

	return &Validator{
		definitionSchema:   definitionSchema,
		registrationSchema: registrationSchema,
	}, nil
}

// ValidateDefinition validates a decoded workflow definition document.
func (v *Validator) ValidateDefinition(def map[string]any) *ValidationResult {
	return v.validate(v.definitionSchema, def)
}

// ValidateRegistration validates a decoded agent registration document.
func (v *Validator) ValidateRegistration(reg map[string]any) *ValidationResult {
	return v.validate(v.registrationSchema, reg)
}

// ValidateDefinitionJSON validates a JSON-encoded workflow definition.
func (v *Validator) ValidateDefinitionJSON(data []byte) *ValidationResult {
	var def map[string]any
	if err := json.Unmarshal(data, &def); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateDefinition(def)
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data any) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}

	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		result.Errors = extractErrors(verr)
	}
	if len(result.Errors) == 0 {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}

	return result
}

// extractErrors recursively extracts leaf validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	if len(verr.Causes) == 0 {
		return []ValidationError{{Path: verr.InstanceLocation, Message: verr.Message}}
	}

	var out []ValidationError
	for _, cause := range verr.Causes {
		out = append(out, extractErrors(cause)...)
	}
	return out
}

// Embedded JSON schemas

const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "definition.json",
  "title": "Workflow Definition",
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1
    },
    "name": {
      "type": "string"
    },
    "description": {
      "type": "string"
    },
    "version": {
      "type": ["string", "number"]
    },
    "tasks": {
      "type": "array",
      "items": { "$ref": "#/$defs/task" }
    }
  },
  "$defs": {
    "task": {
      "type": "object",
      "required": ["task_id"],
      "properties": {
        "task_id": {
          "type": "string",
          "minLength": 1
        },
        "capability": {
          "type": "string"
        },
        "parameters": {
          "type": "object"
        },
        "next_task_id": {
          "type": "string"
        }
      }
    }
  }
}`

const registrationSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "registration.json",
  "title": "Agent Registration",
  "type": "object",
  "required": ["agent_id"],
  "properties": {
    "agent_id": {
      "type": "string",
      "minLength": 1,
      "pattern": "^[A-Za-z0-9][A-Za-z0-9._:-]*$"
    },
    "name": {
      "type": "string"
    },
    "version": {
      "type": "string"
    },
    "capabilities": {
      "type": "array",
      "items": { "type": "string" }
    },
    "contact_endpoint": {
      "type": "string",
      "format": "uri"
    },
    "metadata": {
      "type": "object"
    }
  }
}`
