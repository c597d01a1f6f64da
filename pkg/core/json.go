package core

import (
	"encoding/json"
	"fmt"
)

// JSONEncode encodes a value to JSON bytes (fail-fast).
//
// Go 1.24+: Sonic's JIT loader is not compatible with the Go runtime ABI changes,
// so the standard library encoder is used.
func JSONEncode(v interface{}) ([]byte, error) {
	// Fail-fast: validate input
	if v == nil {
		return nil, &Error{Code: "INVALID_INPUT", Message: "cannot encode nil value"}
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}
	return data, nil
}

// JSONDecode decodes JSON bytes to a value (fail-fast).
func JSONDecode(data []byte, v interface{}) error {
	// Fail-fast: validate inputs
	if len(data) == 0 {
		return &Error{Code: "INVALID_INPUT", Message: "cannot decode empty data"}
	}
	if v == nil {
		return &Error{Code: "INVALID_INPUT", Message: "cannot decode into nil value"}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	return nil
}

// JSONReencode converts a decoded generic value (map[string]interface{}, []interface{})
// into a typed target by round-tripping through JSON.
func JSONReencode(src interface{}, target interface{}) error {
	data, err := JSONEncode(src)
	if err != nil {
		return err
	}
	return JSONDecode(data, target)
}
