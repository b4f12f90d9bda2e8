package spdy

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Visitor receives the output of a Framer. Exactly one method is invoked per
// emitted frame, synchronously within Feed.
//
// The data slice passed to OnStreamData is only valid for the duration of the
// call; the framer reuses its buffers afterwards. Callers that need the bytes
// later must copy them.
type Visitor interface {
	// OnControl is called once for every complete control frame.
	OnControl(frame ControlFrame)
	// OnStreamData is called once for every complete DATA frame. A
	// zero-length data slice with fin set signals end-of-stream with no
	// payload.
	OnStreamData(id StreamID, data []byte, fin bool)
	// OnError is called when the framer latches an error. No further frames
	// will be emitted.
	OnError(err *FramerError)
}

// DefaultControlFrameCap is the default upper bound on a control frame's
// declared payload length.
const DefaultControlFrameCap uint32 = 16 << 20

type framerState int

const (
	stateReadingCommonHeader framerState = iota
	stateControlFramePayload
	stateIgnoreRemainingPayload
	stateForwardStreamFrame
	stateAutoReset
	stateError
)

// Framer is the SPDY/2 frame codec: a streaming parser fed from a caller
// loop, and a serializer for outgoing frames. It owns the session's two
// compression contexts, so one Framer must handle all control frames of a
// connection, in both directions, in wire order.
//
// The Framer never retains caller-provided buffers across Feed calls.
type Framer struct {
	visitor         Visitor
	controlFrameCap uint32

	state framerState
	err   *FramerError

	head    [FrameHeaderLen]byte
	headLen int

	// fields of the frame currently being parsed
	isControl bool
	ctype     ControlType
	flags     Flags
	streamID  StreamID
	remaining uint32
	payload   bytes.Buffer

	compressor   headerCompressor
	decompressor headerDecompressor
}

// NewFramer creates a Framer that reports parsed frames to visitor. A
// controlFrameCap of zero selects DefaultControlFrameCap.
func NewFramer(visitor Visitor, controlFrameCap uint32) *Framer {
	if controlFrameCap == 0 {
		controlFrameCap = DefaultControlFrameCap
	}
	return &Framer{
		visitor:         visitor,
		controlFrameCap: controlFrameCap,
		state:           stateReadingCommonHeader,
	}
}

// Err returns the latched error, or nil.
func (f *Framer) Err() *FramerError { return f.err }

// MidFrame reports whether the parser sits inside a partially received
// frame. A transport EOF at that point means the peer truncated a frame.
func (f *Framer) MidFrame() bool {
	switch f.state {
	case stateReadingCommonHeader:
		return f.headLen > 0
	case stateControlFramePayload, stateForwardStreamFrame, stateIgnoreRemainingPayload:
		return true
	default:
		return false
	}
}

// Feed passes data into the parser and returns the number of bytes consumed.
// It is safe to pass more bytes than one frame; leftover bytes are consumed
// by the next frame within the same call. After an error has latched, Feed
// consumes nothing and returns the latched error.
func (f *Framer) Feed(p []byte) (int, error) {
	if f.state == stateError {
		return 0, f.err
	}
	consumed := 0
	for {
		if f.state == stateAutoReset {
			f.reset()
		}
		if len(p) == 0 {
			return consumed, nil
		}
		switch f.state {
		case stateReadingCommonHeader:
			n := copy(f.head[f.headLen:], p)
			f.headLen += n
			p = p[n:]
			consumed += n
			if f.headLen == FrameHeaderLen {
				f.interpretCommonHeader()
			}
		case stateControlFramePayload, stateForwardStreamFrame, stateIgnoreRemainingPayload:
			n := len(p)
			if uint32(n) > f.remaining {
				n = int(f.remaining)
			}
			if f.state != stateIgnoreRemainingPayload {
				f.payload.Write(p[:n])
			}
			f.remaining -= uint32(n)
			p = p[n:]
			consumed += n
			if f.remaining == 0 {
				f.finishFrame()
			}
		}
		if f.state == stateError {
			return consumed, f.err
		}
	}
}

// reset clears per-frame state between frames. Bytes already handed to Feed
// but not yet consumed are untouched.
func (f *Framer) reset() {
	f.state = stateReadingCommonHeader
	f.headLen = 0
	f.remaining = 0
	f.payload.Reset()
}

// interpretCommonHeader decodes the 8-byte common header in f.head and picks
// the next state. Frames with empty payloads complete immediately.
func (f *Framer) interpretCommonHeader() {
	length := uint32(f.head[5])<<16 | uint32(f.head[6])<<8 | uint32(f.head[7])
	f.remaining = length
	if f.head[0]&0x80 != 0 {
		f.isControl = true
		version := binary.BigEndian.Uint16(f.head[0:2]) & 0x7fff
		f.ctype = ControlType(binary.BigEndian.Uint16(f.head[2:4]))
		f.flags = Flags(f.head[4])
		if version != Version {
			f.fail(NewFramerError(ErrCodeInvalidControlFrame,
				fmt.Sprintf("control frame version %d, want %d", version, Version)))
			return
		}
		if length > f.controlFrameCap {
			f.fail(NewFramerError(ErrCodeControlPayloadTooLarge,
				fmt.Sprintf("control frame declares %d payload bytes, cap %d", length, f.controlFrameCap)))
			return
		}
		switch f.ctype {
		case TypeSynStream, TypeSynReply, TypeRstStream, TypeSettings, TypeNoop, TypePing, TypeGoAway, TypeHeaders:
			f.state = stateControlFramePayload
		default:
			// Unknown control types are skipped, not errors.
			f.state = stateIgnoreRemainingPayload
		}
	} else {
		f.isControl = false
		f.streamID = StreamID(binary.BigEndian.Uint32(f.head[0:4]) & 0x7fffffff)
		f.flags = Flags(f.head[4])
		f.state = stateForwardStreamFrame
	}
	if f.remaining == 0 {
		f.finishFrame()
	}
}

// finishFrame dispatches the completed frame to the visitor and arms the
// auto-reset for the next one.
func (f *Framer) finishFrame() {
	if f.state == stateIgnoreRemainingPayload {
		f.state = stateAutoReset
		return
	}
	if !f.isControl {
		data := f.payload.Bytes()
		if data == nil {
			data = []byte{}
		}
		f.visitor.OnStreamData(f.streamID, data, f.flags&FlagFin != 0)
		f.state = stateAutoReset
		return
	}
	frame, ferr := f.parseControlPayload(f.payload.Bytes())
	if ferr != nil {
		f.fail(ferr)
		return
	}
	f.visitor.OnControl(frame)
	f.state = stateAutoReset
}

// fail latches err and reports it to the visitor.
func (f *Framer) fail(err *FramerError) {
	f.state = stateError
	f.err = err
	f.visitor.OnError(err)
}

// parseControlPayload decodes the payload of the control frame described by
// the current header fields. Header blocks are pulled through the inbound
// decompression context as a side effect, which is why frames must be parsed
// in arrival order even when the session will discard them.
func (f *Framer) parseControlPayload(p []byte) (ControlFrame, *FramerError) {
	switch f.ctype {
	case TypeSynStream:
		if len(p) < 10 {
			return nil, NewFramerError(ErrCodeInvalidControlFrame,
				fmt.Sprintf("SYN_STREAM payload is %d bytes, want at least 10", len(p)))
		}
		headers, ferr := f.decompressor.decode(p[10:])
		if ferr != nil {
			return nil, ferr
		}
		return &SynStreamFrame{
			StreamID:     StreamID(binary.BigEndian.Uint32(p[0:4]) & 0x7fffffff),
			AssociatedTo: StreamID(binary.BigEndian.Uint32(p[4:8]) & 0x7fffffff),
			Priority:     Priority(p[8] >> 6),
			Flags:        f.flags,
			Headers:      headers,
		}, nil
	case TypeSynReply:
		if len(p) < 6 {
			return nil, NewFramerError(ErrCodeInvalidControlFrame,
				fmt.Sprintf("SYN_REPLY payload is %d bytes, want at least 6", len(p)))
		}
		headers, ferr := f.decompressor.decode(p[6:])
		if ferr != nil {
			return nil, ferr
		}
		return &SynReplyFrame{
			StreamID: StreamID(binary.BigEndian.Uint32(p[0:4]) & 0x7fffffff),
			Flags:    f.flags,
			Headers:  headers,
		}, nil
	case TypeRstStream:
		if len(p) != 8 {
			return nil, NewFramerError(ErrCodeInvalidControlFrame,
				fmt.Sprintf("RST_STREAM payload is %d bytes, want 8", len(p)))
		}
		return &RstStreamFrame{
			StreamID: StreamID(binary.BigEndian.Uint32(p[0:4]) & 0x7fffffff),
			Status:   StatusCode(binary.BigEndian.Uint32(p[4:8])),
		}, nil
	case TypeSettings:
		if len(p) < 4 {
			return nil, NewFramerError(ErrCodeInvalidControlFrame,
				fmt.Sprintf("SETTINGS payload is %d bytes, want at least 4", len(p)))
		}
		count := binary.BigEndian.Uint32(p[0:4])
		if uint64(len(p)) != 4+8*uint64(count) {
			return nil, NewFramerError(ErrCodeInvalidControlFrame,
				fmt.Sprintf("SETTINGS declares %d entries but payload is %d bytes", count, len(p)))
		}
		settings := make([]Setting, 0, count)
		for off := 4; off < len(p); off += 8 {
			// The SPDY/2 wire format stores the 24-bit setting id in
			// little-endian byte order. Every deployed implementation kept
			// the bug, so interoperating means keeping it too.
			id := uint32(p[off]) | uint32(p[off+1])<<8 | uint32(p[off+2])<<16
			settings = append(settings, Setting{
				ID:    SettingID(id),
				Flags: Flags(p[off+3]),
				Value: binary.BigEndian.Uint32(p[off+4 : off+8]),
			})
		}
		return &SettingsFrame{Flags: f.flags, Settings: settings}, nil
	case TypeNoop:
		if len(p) != 0 {
			return nil, NewFramerError(ErrCodeInvalidControlFrame,
				fmt.Sprintf("NOOP payload is %d bytes, want 0", len(p)))
		}
		return &NoopFrame{}, nil
	case TypePing:
		if len(p) != 4 {
			return nil, NewFramerError(ErrCodeInvalidControlFrame,
				fmt.Sprintf("PING payload is %d bytes, want 4", len(p)))
		}
		return &PingFrame{ID: binary.BigEndian.Uint32(p)}, nil
	case TypeGoAway:
		if len(p) != 4 {
			return nil, NewFramerError(ErrCodeInvalidControlFrame,
				fmt.Sprintf("GOAWAY payload is %d bytes, want 4", len(p)))
		}
		return &GoAwayFrame{LastGoodStreamID: StreamID(binary.BigEndian.Uint32(p) & 0x7fffffff)}, nil
	case TypeHeaders:
		if len(p) < 6 {
			return nil, NewFramerError(ErrCodeInvalidControlFrame,
				fmt.Sprintf("HEADERS payload is %d bytes, want at least 6", len(p)))
		}
		headers, ferr := f.decompressor.decode(p[6:])
		if ferr != nil {
			return nil, ferr
		}
		return &HeadersFrame{
			StreamID: StreamID(binary.BigEndian.Uint32(p[0:4]) & 0x7fffffff),
			Flags:    f.flags,
			Headers:  headers,
		}, nil
	}
	panic("unreachable: parseControlPayload called for unknown type")
}

// SerializeFrame builds the wire bytes for fr in a freshly allocated buffer.
// SYN_STREAM, SYN_REPLY and HEADERS frames pass their header block through
// the shared outbound compressor, so frames must be serialized in the order
// they will reach the wire.
func (f *Framer) SerializeFrame(fr Frame) ([]byte, error) {
	switch fr := fr.(type) {
	case *SynStreamFrame:
		if err := validStreamID(fr.StreamID); err != nil {
			return nil, err
		}
		if fr.Priority > MaxPriority {
			return nil, fmt.Errorf("priority %d out of range 0..%d", fr.Priority, MaxPriority)
		}
		compressed, err := f.compressHeaders(fr.Headers)
		if err != nil {
			return nil, err
		}
		buf := controlHeader(TypeSynStream, fr.Flags, uint32(10+len(compressed)))
		buf = appendUint31(buf, uint32(fr.StreamID))
		buf = appendUint31(buf, uint32(fr.AssociatedTo))
		buf = append(buf, byte(fr.Priority)<<6, 0)
		return append(buf, compressed...), nil
	case *SynReplyFrame:
		if err := validStreamID(fr.StreamID); err != nil {
			return nil, err
		}
		compressed, err := f.compressHeaders(fr.Headers)
		if err != nil {
			return nil, err
		}
		buf := controlHeader(TypeSynReply, fr.Flags, uint32(6+len(compressed)))
		buf = appendUint31(buf, uint32(fr.StreamID))
		buf = append(buf, 0, 0)
		return append(buf, compressed...), nil
	case *RstStreamFrame:
		if err := validStreamID(fr.StreamID); err != nil {
			return nil, err
		}
		buf := controlHeader(TypeRstStream, 0, 8)
		buf = appendUint31(buf, uint32(fr.StreamID))
		return binary.BigEndian.AppendUint32(buf, uint32(fr.Status)), nil
	case *SettingsFrame:
		buf := controlHeader(TypeSettings, fr.Flags, uint32(4+8*len(fr.Settings)))
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(fr.Settings)))
		for _, s := range fr.Settings {
			buf = append(buf, byte(s.ID), byte(s.ID>>8), byte(s.ID>>16), byte(s.Flags))
			buf = binary.BigEndian.AppendUint32(buf, s.Value)
		}
		return buf, nil
	case *NoopFrame:
		return controlHeader(TypeNoop, 0, 0), nil
	case *PingFrame:
		buf := controlHeader(TypePing, 0, 4)
		return binary.BigEndian.AppendUint32(buf, fr.ID), nil
	case *GoAwayFrame:
		buf := controlHeader(TypeGoAway, 0, 4)
		return appendUint31(buf, uint32(fr.LastGoodStreamID)), nil
	case *HeadersFrame:
		if err := validStreamID(fr.StreamID); err != nil {
			return nil, err
		}
		compressed, err := f.compressHeaders(fr.Headers)
		if err != nil {
			return nil, err
		}
		buf := controlHeader(TypeHeaders, fr.Flags, uint32(6+len(compressed)))
		buf = appendUint31(buf, uint32(fr.StreamID))
		buf = append(buf, 0, 0)
		return append(buf, compressed...), nil
	case *DataFrame:
		if err := validStreamID(fr.StreamID); err != nil {
			return nil, err
		}
		if uint64(len(fr.Data)) > uint64(MaxFramePayloadLen) {
			return nil, fmt.Errorf("DATA payload is %d bytes, limit %d", len(fr.Data), MaxFramePayloadLen)
		}
		buf := make([]byte, 0, FrameHeaderLen+len(fr.Data))
		buf = appendUint31(buf, uint32(fr.StreamID))
		buf = append(buf, byte(fr.Flags), byte(len(fr.Data)>>16), byte(len(fr.Data)>>8), byte(len(fr.Data)))
		return append(buf, fr.Data...), nil
	default:
		return nil, fmt.Errorf("cannot serialize frame type %T", fr)
	}
}

// compressHeaders encodes and compresses a header block. A compression
// failure latches the framer: the outbound context is no longer coherent.
func (f *Framer) compressHeaders(block HeaderBlock) ([]byte, error) {
	raw, err := encodeHeaderBlock(block)
	if err != nil {
		return nil, NewFramerErrorWithCause(ErrCodeInvalidControlFrame, "encoding header block", err)
	}
	compressed, ferr := f.compressor.compress(raw)
	if ferr != nil {
		if f.state != stateError {
			f.state = stateError
			f.err = ferr
		}
		return nil, ferr
	}
	return compressed, nil
}

func validStreamID(id StreamID) error {
	if id == 0 || id > MaxStreamID {
		return fmt.Errorf("invalid stream id %d", id)
	}
	return nil
}

// controlHeader builds the 8-byte common header of a control frame followed
// by room for the payload.
func controlHeader(t ControlType, flags Flags, length uint32) []byte {
	buf := make([]byte, 0, FrameHeaderLen+length)
	buf = binary.BigEndian.AppendUint16(buf, 0x8000|Version)
	buf = binary.BigEndian.AppendUint16(buf, uint16(t))
	return append(buf, byte(flags), byte(length>>16), byte(length>>8), byte(length))
}

func appendUint31(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v&0x7fffffff)
}
