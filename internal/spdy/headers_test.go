package spdy

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderBlockRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		block HeaderBlock
	}{
		{
			name: "request style",
			block: HeaderBlock{
				{Name: "method", Values: []string{"GET"}},
				{Name: "url", Values: []string{"/index.html"}},
				{Name: "version", Values: []string{"HTTP/1.1"}},
				{Name: "host", Values: []string{"example.com"}},
			},
		},
		{
			name: "multi valued",
			block: HeaderBlock{
				{Name: "accept", Values: []string{"text/html", "text/plain"}},
				{Name: "cookie", Values: []string{"a=1", "b=2", "c=3"}},
			},
		},
		{
			name:  "empty value",
			block: HeaderBlock{{Name: "x-empty", Values: []string{""}}},
		},
		{
			name:  "empty block",
			block: HeaderBlock{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := encodeHeaderBlock(tt.block)
			require.NoError(t, err)
			decoded, err := decodeHeaderBlock(bytes.NewReader(raw))
			require.NoError(t, err)
			// Encoding then decoding is the identity, as an ordered list.
			assert.Equal(t, tt.block, decoded)
		})
	}
}

func TestHeaderBlockEncodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		block HeaderBlock
	}{
		{"duplicate name", HeaderBlock{
			{Name: "accept", Values: []string{"a"}},
			{Name: "accept", Values: []string{"b"}},
		}},
		{"empty name", HeaderBlock{{Name: "", Values: []string{"v"}}}},
		{"uppercase name", HeaderBlock{{Name: "Accept", Values: []string{"v"}}}},
		{"nul in name", HeaderBlock{{Name: "a\x00b", Values: []string{"v"}}}},
		{"oversize value", HeaderBlock{{Name: "a", Values: []string{strings.Repeat("x", 1<<16)}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := encodeHeaderBlock(tt.block)
			assert.Error(t, err)
		})
	}
}

func TestHeaderBlockMaxFieldLengths(t *testing.T) {
	block := HeaderBlock{{
		Name:   strings.Repeat("n", 1<<16-1),
		Values: []string{strings.Repeat("v", 1<<16-1)},
	}}
	raw, err := encodeHeaderBlock(block)
	require.NoError(t, err)
	decoded, err := decodeHeaderBlock(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, block, decoded)
}

func TestHeaderBlockDecodeRejects(t *testing.T) {
	dup := HeaderBlock{{Name: "a", Values: []string{"1"}}, {Name: "b", Values: []string{"2"}}}
	raw, err := encodeHeaderBlock(dup)
	require.NoError(t, err)
	// Patch the second name to collide with the first.
	idx := bytes.Index(raw, []byte("b"))
	raw[idx] = 'a'
	_, err = decodeHeaderBlock(bytes.NewReader(raw))
	assert.Error(t, err, "duplicated names must be rejected")

	// Truncated block.
	raw, err = encodeHeaderBlock(dup)
	require.NoError(t, err)
	_, err = decodeHeaderBlock(bytes.NewReader(raw[:len(raw)-2]))
	assert.Error(t, err)

	// Uppercase name on the wire.
	raw, err = encodeHeaderBlock(HeaderBlock{{Name: "ok", Values: []string{"1"}}})
	require.NoError(t, err)
	raw[bytes.Index(raw, []byte("ok"))] = 'O'
	_, err = decodeHeaderBlock(bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestHeaderBlockAccessors(t *testing.T) {
	var b HeaderBlock
	b.Add("Accept", "text/html", "text/plain")
	b.Add("host", "example.com")
	assert.Equal(t, "text/html", b.Get("accept"))
	assert.Equal(t, []string{"text/html", "text/plain"}, b.Values("ACCEPT"))
	assert.True(t, b.Has("Host"))
	assert.False(t, b.Has("cookie"))
	assert.Equal(t, "", b.Get("cookie"))
}
