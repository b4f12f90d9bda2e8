package spdy

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// HeaderField is one (name, values) entry of a header block. Multiple values
// for one name are carried on the wire NUL-joined inside a single value
// field.
type HeaderField struct {
	Name   string
	Values []string
}

// HeaderBlock is the ordered list of header fields carried by SYN_STREAM,
// SYN_REPLY and HEADERS frames. Names are lowercase ASCII and unique within
// a block.
type HeaderBlock []HeaderField

// Add appends a field to the block, lowercasing the name. It does not check
// for duplicates; encodeHeaderBlock does.
func (b *HeaderBlock) Add(name string, values ...string) {
	*b = append(*b, HeaderField{Name: strings.ToLower(name), Values: values})
}

// Get returns the first value for name, or "" if the block has no such field.
func (b HeaderBlock) Get(name string) string {
	name = strings.ToLower(name)
	for _, f := range b {
		if f.Name == name {
			if len(f.Values) == 0 {
				return ""
			}
			return f.Values[0]
		}
	}
	return ""
}

// Values returns all values for name, or nil.
func (b HeaderBlock) Values(name string) []string {
	name = strings.ToLower(name)
	for _, f := range b {
		if f.Name == name {
			return f.Values
		}
	}
	return nil
}

// Has reports whether the block contains a field named name.
func (b HeaderBlock) Has(name string) bool {
	name = strings.ToLower(name)
	for _, f := range b {
		if f.Name == name {
			return true
		}
	}
	return false
}

const maxHeaderFieldLen = 1<<16 - 1

// isLowerName reports whether s is a valid wire-format header name: nonempty,
// no uppercase ASCII, no NUL.
func isLowerName(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			return false
		}
		if c == 0 {
			return false
		}
	}
	return true
}

// encodeHeaderBlock serializes b into the uncompressed SPDY/2 header-block
// format: a 16-bit big-endian pair count, then for each pair a 16-bit length
// and bytes for the name followed by a 16-bit length and bytes for the value.
// Duplicate names, empty or non-lowercase names, oversize fields and blocks
// above the 24-bit frame length limit are rejected.
func encodeHeaderBlock(b HeaderBlock) ([]byte, error) {
	if len(b) > maxHeaderFieldLen {
		return nil, fmt.Errorf("header block has %d fields, limit %d", len(b), maxHeaderFieldLen)
	}
	seen := make(map[string]struct{}, len(b))
	buf := make([]byte, 2, 64+32*len(b))
	binary.BigEndian.PutUint16(buf, uint16(len(b)))
	for _, f := range b {
		if !isLowerName(f.Name) {
			return nil, fmt.Errorf("invalid header name %q", f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return nil, fmt.Errorf("duplicate header name %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		value := strings.Join(f.Values, "\x00")
		if len(f.Name) > maxHeaderFieldLen {
			return nil, fmt.Errorf("header name %q exceeds %d bytes", f.Name[:32], maxHeaderFieldLen)
		}
		if len(value) > maxHeaderFieldLen {
			return nil, fmt.Errorf("value for header %q exceeds %d bytes", f.Name, maxHeaderFieldLen)
		}
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(f.Name)))
		buf = append(buf, l[:]...)
		buf = append(buf, f.Name...)
		binary.BigEndian.PutUint16(l[:], uint16(len(value)))
		buf = append(buf, l[:]...)
		buf = append(buf, value...)
	}
	if uint64(len(buf)) > uint64(MaxFramePayloadLen) {
		return nil, fmt.Errorf("serialized header block is %d bytes, limit %d", len(buf), MaxFramePayloadLen)
	}
	return buf, nil
}

// decodeHeaderBlock reads one header block from r, which yields the
// decompressed block bytes. A short stream, a duplicated name or a name that
// is not lowercase fails the block.
func decodeHeaderBlock(r io.Reader) (HeaderBlock, error) {
	var countBuf [2]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("reading header pair count: %w", err)
	}
	count := int(binary.BigEndian.Uint16(countBuf[:]))
	block := make(HeaderBlock, 0, count)
	seen := make(map[string]struct{}, count)
	var lenBuf [2]byte
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("reading length of header name %d: %w", i, err)
		}
		name := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("reading header name %d: %w", i, err)
		}
		if !isLowerName(string(name)) {
			return nil, fmt.Errorf("invalid header name %q", name)
		}
		if _, dup := seen[string(name)]; dup {
			return nil, fmt.Errorf("duplicate header name %q", name)
		}
		seen[string(name)] = struct{}{}
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("reading value length for header %q: %w", name, err)
		}
		valueLen := int(binary.BigEndian.Uint16(lenBuf[:]))
		value := make([]byte, valueLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, fmt.Errorf("reading value for header %q: %w", name, err)
		}
		block = append(block, HeaderField{
			Name:   string(name),
			Values: strings.Split(string(value), "\x00"),
		})
	}
	return block, nil
}
