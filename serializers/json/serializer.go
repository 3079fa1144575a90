// Package json is the JSON payload codec.
package json

import (
	"bytes"
	"encoding/json"
)

// Serializer encodes payloads as JSON
type Serializer struct {
	useNumber             bool
	disallowUnknownFields bool
}

// NewSerializer creates a new JSON serializer
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Marshal converts v to JSON bytes
func (s *Serializer) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON bytes into v
func (s *Serializer) Unmarshal(data []byte, v interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	if s.useNumber {
		decoder.UseNumber()
	}
	if s.disallowUnknownFields {
		decoder.DisallowUnknownFields()
	}
	return decoder.Decode(v)
}

// GetFormat returns the serialization format name
func (s *Serializer) GetFormat() string {
	return "json"
}

// UseNumber returns whether to use json.Number
func (s *Serializer) UseNumber() bool {
	return s.useNumber
}

// SetUseNumber sets whether to use json.Number
func (s *Serializer) SetUseNumber(useNumber bool) {
	s.useNumber = useNumber
}

// SetStrict makes Unmarshal reject fields the target does not declare
func (s *Serializer) SetStrict(strict bool) {
	s.disallowUnknownFields = strict
}
