package workflow

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// definitionSchema guards the raw definition document submitted by the
// builder before it is decoded into models. Structural semantics (ordering,
// thread references, predicates) are checked afterwards by the Validator.
const definitionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "trigger", "tree"],
  "properties": {
    "name": {"type": "string", "minLength": 3},
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["record_created", "record_updated", "stage_changed", "schedule"]
        },
        "filter": {"type": "object"},
        "cron": {"type": "string"}
      }
    },
    "tree": {
      "type": "object",
      "required": ["root", "steps"],
      "properties": {
        "root": {"type": "array", "items": {"type": "string"}},
        "steps": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "required": ["id", "type"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "type": {
                "type": "string",
                "enum": ["email", "sms", "call", "task", "condition"]
              },
              "order": {"type": "integer", "minimum": 0},
              "delay": {"type": ["string", "number"]}
            }
          }
        }
      }
    }
  }
}`

var definitionSchemaLoader = gojsonschema.NewStringLoader(definitionSchema)

// ValidateDefinitionDocument checks a raw JSON definition against the schema.
// Returns a ValidationError listing every violation.
func ValidateDefinitionDocument(document []byte) error {
	result, err := gojsonschema.Validate(definitionSchemaLoader, gojsonschema.NewBytesLoader(document))
	if err != nil {
		return newValidationError("", fmt.Errorf("definition document is not valid JSON: %w", err))
	}

	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, violation := range result.Errors() {
		details = append(details, violation.String())
	}

	return newValidationError("", fmt.Errorf("definition document rejected: %s", strings.Join(details, "; ")))
}
