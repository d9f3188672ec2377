package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCompressDecompress(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.SliceOfN(rapid.Byte(), 1, 8192).Draw(t, "in")

		compressed, err := Compress(in)
		require.NoError(t, err)

		out, err := Decompress(compressed)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})
}

func TestCompress_Empty(t *testing.T) {
	compressed, err := Compress(nil)
	require.NoError(t, err)
	assert.NotEmpty(t, compressed)

	out, err := Decompress(compressed)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDecompress_Garbage(t *testing.T) {
	_, err := Decompress([]byte("definitely not gzip"))
	assert.Error(t, err)

	_, err = Decompress(nil)
	assert.Error(t, err)
}

func TestDecompress_RejectsOversizedPayload(t *testing.T) {
	old := maxPayloadSize
	maxPayloadSize = 1024
	t.Cleanup(func() { maxPayloadSize = old })

	compressed, err := Compress(bytes.Repeat([]byte{0}, 4096))
	require.NoError(t, err)

	_, err = Decompress(compressed)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	data, err := Encode(&Frame{
		Type:          FullServerResponse,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
		Payload:       bytes.Repeat([]byte{'a'}, 4096),
	})
	require.NoError(t, err)
	_, err = Decode(data)
	assert.True(t, errors.Is(err, ErrBadPayload))

	exact, err := Compress(bytes.Repeat([]byte{1}, 1024))
	require.NoError(t, err)
	out, err := Decompress(exact)
	require.NoError(t, err)
	assert.Len(t, out, 1024)
}
