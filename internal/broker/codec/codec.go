// Package codec converts typed payloads to and from the text stored on events.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Codec encodes values into event payloads and decodes them back.
type Codec interface {
	Encode(v any) (string, error)
	Decode(payload string, v any) error
}

// JSON is the default codec.
type JSON struct{}

// Encode implements Codec.
func (JSON) Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	return string(b), nil
}

// Decode implements Codec. Unknown fields are rejected so that a payload of
// the wrong shape is reported instead of silently zero-filled.
func (JSON) Decode(payload string, v any) error {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	return nil
}
