package spdy

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressionContextContinuity(t *testing.T) {
	var comp headerCompressor
	var decomp headerDecompressor

	// Blocks must decode in order across one pair of contexts, the way a
	// session uses them for the lifetime of a connection.
	for i := 0; i < 20; i++ {
		block := HeaderBlock{
			{Name: "method", Values: []string{"GET"}},
			{Name: "url", Values: []string{fmt.Sprintf("/page/%d", i)}},
			{Name: "version", Values: []string{"HTTP/1.1"}},
		}
		raw, err := encodeHeaderBlock(block)
		require.NoError(t, err)
		compressed, ferr := comp.compress(raw)
		require.Nil(t, ferr)
		decoded, ferr := decomp.decode(compressed)
		require.Nil(t, ferr)
		assert.Equal(t, block, decoded)
	}
}

func TestCompressionUsesDictionary(t *testing.T) {
	var comp headerCompressor
	block := HeaderBlock{
		{Name: "content-type", Values: []string{"text/html"}},
		{Name: "content-length", Values: []string{"42"}},
	}
	raw, err := encodeHeaderBlock(block)
	require.NoError(t, err)
	compressed, ferr := comp.compress(raw)
	require.Nil(t, ferr)
	// Dictionary priming makes header blocks shrink even on first use.
	assert.Less(t, len(compressed), len(raw))
}

func TestDecompressFailureOnGarbage(t *testing.T) {
	var decomp headerDecompressor
	_, ferr := decomp.decode([]byte("this is not a zlib stream at all"))
	require.NotNil(t, ferr)
	assert.Equal(t, ErrCodeDecompressFailure, ferr.Code)
}

func TestDecompressFailureWithoutDictionary(t *testing.T) {
	// A peer that fails to prime the dictionary produces streams we must
	// reject rather than misread.
	var wrong headerCompressor
	raw, err := encodeHeaderBlock(HeaderBlock{{Name: "a", Values: []string{"b"}}})
	require.NoError(t, err)
	compressed, ferr := wrong.compress(raw)
	require.Nil(t, ferr)
	// Corrupt the dictionary checksum in the zlib header.
	compressed[2] ^= 0xff
	var decomp headerDecompressor
	_, ferr = decomp.decode(compressed)
	require.NotNil(t, ferr)
	assert.Equal(t, ErrCodeDecompressFailure, ferr.Code)
}
