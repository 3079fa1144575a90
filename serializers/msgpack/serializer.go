// Package msgpack is the MessagePack payload codec.
package msgpack

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer encodes payloads as MessagePack
type Serializer struct {
	jsonTags bool
}

// NewSerializer creates a new MessagePack serializer. Struct fields are
// named by their json tags so payload types can be shared with the JSON codec.
func NewSerializer() *Serializer {
	return &Serializer{jsonTags: true}
}

// Marshal converts v to MessagePack bytes
func (s *Serializer) Marshal(v interface{}) ([]byte, error) {
	if !s.jsonTags {
		return msgpack.Marshal(v)
	}

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes MessagePack bytes into v
func (s *Serializer) Unmarshal(data []byte, v interface{}) error {
	if !s.jsonTags {
		return msgpack.Unmarshal(data, v)
	}

	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)

	dec.Reset(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// GetFormat returns the serialization format name
func (s *Serializer) GetFormat() string {
	return "msgpack"
}

// SetJSONTags toggles naming struct fields by their json tags
func (s *Serializer) SetJSONTags(enabled bool) {
	s.jsonTags = enabled
}
