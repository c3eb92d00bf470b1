package decision

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Providers must answer with a decisions object; anything else counts
// as a provider failure and advances the failover chain.
const decisionSchema = `{
	"type": "object",
	"required": ["decisions"],
	"properties": {
		"decisions": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["action", "symbol"],
				"properties": {
					"action": {"type": "string", "pattern": "^(?i)(buy|sell|hold)$"},
					"symbol": {"type": "string", "minLength": 1},
					"quantity": {"type": "integer", "minimum": 0},
					"allocation_pct": {"type": "number", "minimum": 0, "maximum": 1},
					"confidence": {"type": "number", "minimum": 0, "maximum": 1},
					"reasoning": {"type": "string"}
				}
			}
		}
	}
}`

var compiledSchema = jsonschema.MustCompileString("decision.json", decisionSchema)

func validatePayload(raw string) error {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return fmt.Errorf("decision payload is not valid JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("decision payload failed schema validation: %w", err)
	}
	return nil
}
