package challenge

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

var errMissingExternalID = errors.New("external_id is required")

// Decode parses a JSON challenge definition. Bytes that are not a JSON
// object, or an object without external_id, are invalid payloads. A field of
// the wrong JSON type is a validation failure. Everything else (a missing
// name, say) is left for the store to validate.
func Decode(raw []byte) (UpsertCommand, error) {
	var cmd UpsertCommand

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return cmd, &DecodeError{Err: errors.New("payload is not a JSON object")}
	}
	if err := json.Unmarshal(trimmed, &cmd); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return UpsertCommand{}, typeMismatch(typeErr)
		}
		return UpsertCommand{}, &DecodeError{Err: err}
	}

	cmd.ExternalID = strings.TrimSpace(cmd.ExternalID)
	if cmd.ExternalID == "" {
		return UpsertCommand{}, &DecodeError{Err: errMissingExternalID}
	}
	return cmd, nil
}

func typeMismatch(err *json.UnmarshalTypeError) *ValidationError {
	field := err.Field
	if field == "" {
		field = "body"
	}
	return &ValidationError{
		Details: err.Error(),
		Fields:  map[string]string{field: "type=" + err.Type.String()},
	}
}
