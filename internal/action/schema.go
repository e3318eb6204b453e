package action

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// recordSchema validates a persisted action record. Unknown fields pass
// through untouched; a record missing a required field fails, which makes the
// loader discard the whole persisted queue rather than replay partial intent.
const recordSchema = `{
	"type": "object",
	"required": ["id", "kind", "status", "retry_count", "created_at", "payload"],
	"properties": {
		"id":          {"type": "string", "minLength": 1},
		"kind":        {"type": "string", "enum": [
			"update_compensation",
			"update_compensation_by_assignment",
			"batch_update_compensations",
			"apply_for_exchange",
			"add_assignment_to_exchange",
			"remove_own_exchange"
		]},
		"status":      {"type": "string", "enum": ["pending", "syncing", "failed"]},
		"retry_count": {"type": "integer", "minimum": 0},
		"error":       {"type": "string"},
		"conflict":    {"type": "boolean"},
		"created_at":  {"type": "integer", "minimum": 0},
		"payload":     {"type": "object"}
	}
}`

var compiledRecordSchema = gojsonschema.NewStringLoader(recordSchema)

// ValidateRecord checks one raw persisted record against the action record
// schema.
func ValidateRecord(raw json.RawMessage) error {
	res, err := gojsonschema.Validate(compiledRecordSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("validate action record: %w", err)
	}
	if !res.Valid() {
		errs := res.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("invalid action record: %s: %s", errs[0].Field(), errs[0].Description())
		}
		return fmt.Errorf("invalid action record")
	}
	return nil
}
