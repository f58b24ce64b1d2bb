package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"vitalwatch/internal/model"
	"vitalwatch/internal/normalize"
)

// DecodePayload parses one reading body. Malformed JSON and fields of the
// wrong type are validation failures.
func DecodePayload(data []byte) (normalize.Payload, error) {
	var p normalize.Payload
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return p, model.Invalid("body", "empty")
	}
	if err := json.Unmarshal(data, &p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return normalize.Payload{}, model.Invalid(typeErr.Field, fmt.Sprintf("must be %s", typeErr.Type))
		}
		return normalize.Payload{}, model.Invalid("body", "malformed JSON")
	}
	return p, nil
}
