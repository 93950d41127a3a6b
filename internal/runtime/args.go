package runtime

import (
	"bytes"
	"encoding/json"
)

// DecodeArgs strictly decodes instruction arguments. Unknown fields and
// trailing data are MALFORMED_TRANSACTION faults.
func DecodeArgs[T any](raw json.RawMessage) (T, error) {
	var args T
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, NewFault(FaultMalformedTransaction, "decode args: %v", err)
	}
	if dec.More() {
		return args, NewFault(FaultMalformedTransaction, "decode args: trailing data")
	}
	return args, nil
}
