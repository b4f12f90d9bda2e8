package spdy

import (
	"bytes"
	"compress/flate"
	"compress/zlib"
	"errors"
)

// headerCompressor is the outbound header-block compression context. One
// continuous DEFLATE stream, primed with the fixed dictionary, spans every
// block the session sends; blocks must therefore be compressed in the exact
// order they reach the wire.
type headerCompressor struct {
	buf bytes.Buffer
	zw  *zlib.Writer
}

// compress appends raw to the outbound context and returns the compressed
// bytes for this block. Each block is terminated with a sync flush so the
// peer can decode it without waiting for more input.
func (c *headerCompressor) compress(raw []byte) ([]byte, *FramerError) {
	if c.zw == nil {
		zw, err := zlib.NewWriterLevelDict(&c.buf, zlib.BestCompression, []byte(headerDictionary))
		if err != nil {
			return nil, NewFramerErrorWithCause(ErrCodeZlibInitFailure, "initializing header compressor", err)
		}
		c.zw = zw
	}
	c.buf.Reset()
	if _, err := c.zw.Write(raw); err != nil {
		return nil, NewFramerErrorWithCause(ErrCodeCompressFailure, "compressing header block", err)
	}
	if err := c.zw.Flush(); err != nil {
		return nil, NewFramerErrorWithCause(ErrCodeCompressFailure, "flushing header block", err)
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

// headerDecompressor is the inbound header-block decompression context. The
// compressed payloads of successive control frames are appended to one input
// buffer and read through a single zlib reader, mirroring the peer's
// continuous compression stream.
type headerDecompressor struct {
	in bytes.Buffer
	zr interface {
		Read([]byte) (int, error)
	}
}

// decode appends one compressed block to the inbound context and decodes the
// header block it contains.
func (d *headerDecompressor) decode(compressed []byte) (HeaderBlock, *FramerError) {
	d.in.Write(compressed)
	if d.zr == nil {
		zr, err := zlib.NewReaderDict(&d.in, []byte(headerDictionary))
		if err != nil {
			return nil, NewFramerErrorWithCause(ErrCodeDecompressFailure, "initializing header decompressor", err)
		}
		d.zr = zr
	}
	block, err := decodeHeaderBlock(d.zr)
	if err != nil {
		if isZlibError(err) {
			return nil, NewFramerErrorWithCause(ErrCodeDecompressFailure, "decompressing header block", err)
		}
		return nil, NewFramerErrorWithCause(ErrCodeInvalidControlFrame, "malformed header block", err)
	}
	return block, nil
}

// isZlibError distinguishes failures of the DEFLATE layer from structural
// failures in the decompressed bytes.
func isZlibError(err error) bool {
	var corrupt flate.CorruptInputError
	var internal flate.InternalError
	return errors.As(err, &corrupt) ||
		errors.As(err, &internal) ||
		errors.Is(err, zlib.ErrChecksum) ||
		errors.Is(err, zlib.ErrDictionary) ||
		errors.Is(err, zlib.ErrHeader)
}
