package schema

import (
	"encoding/json"
	"fmt"
)

// ValidateSchema validates a value against a JSON schema payload. It compiles
// the schema on every call; use a Registry for repeated validation.
func ValidateSchema(id string, schema []byte, value any) error {
	if len(schema) == 0 {
		return fmt.Errorf("schema is empty")
	}
	compiled, err := compile(id, schema)
	if err != nil {
		return err
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// normalizeValue turns raw JSON into the generic form the validator expects.
// yaml.v3 decodes objects as map[string]any already, so those pass through.
func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return decodeJSON(v)
	case []byte:
		return decodeJSON(v)
	default:
		return value, nil
	}
}

func decodeJSON(data []byte) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
