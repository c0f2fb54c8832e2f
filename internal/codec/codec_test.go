package codec_test

import (
	"bytes"
	"testing"

	"codeberg.org/mutker/tamer/internal/codec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Kind    string `cbor:"kind"`
	Version uint32 `cbor:"version"`
	Body    []byte `cbor:"body,omitempty"`
}

func TestDeterministic(t *testing.T) {
	a, err := codec.Marshal(map[string]int{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	b, err := codec.Marshal(map[string]int{"c": 3, "a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestStream(t *testing.T) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf)
	require.NoError(t, enc.Encode(envelope{Kind: "schema", Version: 1}))
	require.NoError(t, enc.Encode(envelope{Kind: "frame", Version: 1, Body: []byte{1, 2}}))

	dec := codec.NewDecoder(&buf)
	var first, second envelope
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "schema", first.Kind)
	assert.Equal(t, []byte{1, 2}, second.Body)
}
