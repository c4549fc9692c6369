package compressor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZstdRoundTrip(t *testing.T) {
	c, err := NewZstdCompressor(3)
	require.NoError(t, err)
	defer c.Close()
	c.SetMinCompressSize(64)

	small := []byte("tiny")
	large := bytes.Repeat([]byte("collaborative-state "), 200)

	for _, src := range [][]byte{small, large, {}} {
		packet, err := c.Compress(nil, src)
		require.NoError(t, err)
		plain, err := c.Decompress(nil, packet)
		require.NoError(t, err)
		assert.Equal(t, len(src), len(plain))
		assert.True(t, bytes.Equal(src, plain))
	}

	packet, err := c.Compress(nil, large)
	require.NoError(t, err)
	assert.Less(t, len(packet), len(large))
	assert.Equal(t, frameZstd, packet[0])

	packet, err = c.Compress(nil, small)
	require.NoError(t, err)
	assert.Equal(t, frameRaw, packet[0])
}

func TestZstdCorrupted(t *testing.T) {
	c, err := NewZstdCompressorWithConcurrency(0, 1)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Decompress(nil, nil)
	assert.ErrorIs(t, err, ErrCorruptedFrame)
	_, err = c.Decompress(nil, []byte{0x7f, 0x01})
	assert.ErrorIs(t, err, ErrCorruptedFrame)
	_, err = c.Decompress(nil, []byte{frameZstd, 0x01, 0x02})
	assert.Error(t, err)
}

func TestZstdClosed(t *testing.T) {
	c, err := NewZstdCompressor(0)
	require.NoError(t, err)
	c.Close()
	_, err = c.Compress(nil, []byte("x"))
	assert.Error(t, err)
	_, err = c.Decompress(nil, []byte{frameRaw})
	assert.Error(t, err)
}

func TestNop(t *testing.T) {
	var c Compressor = NopCompressor{}
	out, err := c.Compress(nil, []byte("x"))
	require.NoError(t, err)
	out, err = c.Decompress(nil, out)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)
}
