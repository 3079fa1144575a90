package msgpack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

type payload struct {
	URL   string `json:"url"`
	Tries int    `json:"tries"`
}

func TestSerializer_JSONTags(t *testing.T) {
	s := NewSerializer()
	assert.Equal(t, "msgpack", s.GetFormat())

	data, err := s.Marshal(payload{URL: "https://example.com", Tries: 3})
	require.NoError(t, err)

	// fields are keyed by their json names
	var raw map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	assert.Equal(t, "https://example.com", raw["url"])

	var back payload
	require.NoError(t, s.Unmarshal(data, &back))
	assert.Equal(t, payload{URL: "https://example.com", Tries: 3}, back)
}

func TestSerializer_PlainTags(t *testing.T) {
	s := NewSerializer()
	s.SetJSONTags(false)

	data, err := s.Marshal(payload{URL: "u", Tries: 1})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(data, &raw))
	assert.Equal(t, "u", raw["URL"])

	var back payload
	require.NoError(t, s.Unmarshal(data, &back))
	assert.Equal(t, "u", back.URL)
}
