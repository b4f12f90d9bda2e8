package spdy

import "fmt"

// StatusCode is the status carried by a RST_STREAM frame.
type StatusCode uint32

const (
	// StatusProtocolError (1): generic protocol violation on the stream.
	StatusProtocolError StatusCode = 1
	// StatusInvalidStream (2): a frame referenced a stream that is not active.
	StatusInvalidStream StatusCode = 2
	// StatusRefusedStream (3): the stream was declined before any processing.
	StatusRefusedStream StatusCode = 3
	// StatusUnsupportedVersion (4): the peer spoke a version we do not.
	StatusUnsupportedVersion StatusCode = 4
	// StatusCancel (5): the stream is no longer wanted.
	StatusCancel StatusCode = 5
	// StatusInternalError (6): unexpected failure inside the endpoint.
	StatusInternalError StatusCode = 6
	// StatusFlowControlError (7): the peer violated flow control.
	StatusFlowControlError StatusCode = 7
)

// String returns the string representation of the StatusCode.
func (c StatusCode) String() string {
	switch c {
	case StatusProtocolError:
		return "PROTOCOL_ERROR"
	case StatusInvalidStream:
		return "INVALID_STREAM"
	case StatusRefusedStream:
		return "REFUSED_STREAM"
	case StatusUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case StatusCancel:
		return "CANCEL"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	case StatusFlowControlError:
		return "FLOW_CONTROL_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN_STATUS_%d", uint32(c))
	}
}

// FramerErrorCode classifies failures detected by the frame codec. Any of
// these latches the framer: every later Feed consumes nothing and returns the
// same error.
type FramerErrorCode uint8

const (
	// ErrCodeInvalidControlFrame: a control frame was structurally malformed.
	ErrCodeInvalidControlFrame FramerErrorCode = iota + 1
	// ErrCodeControlPayloadTooLarge: a control frame declared a payload above
	// the configured cap.
	ErrCodeControlPayloadTooLarge
	// ErrCodeUnsupportedVersion: names a version mismatch. The Framer does not
	// emit it; it reports a control frame whose version is not 2 as
	// ErrCodeInvalidControlFrame.
	ErrCodeUnsupportedVersion
	// ErrCodeDecompressFailure: the inbound header-block context failed.
	ErrCodeDecompressFailure
	// ErrCodeCompressFailure: the outbound header-block context failed.
	ErrCodeCompressFailure
	// ErrCodeZlibInitFailure: a compression context could not be initialized.
	ErrCodeZlibInitFailure
)

// String returns the string representation of the FramerErrorCode.
func (c FramerErrorCode) String() string {
	switch c {
	case ErrCodeInvalidControlFrame:
		return "INVALID_CONTROL_FRAME"
	case ErrCodeControlPayloadTooLarge:
		return "CONTROL_PAYLOAD_TOO_LARGE"
	case ErrCodeUnsupportedVersion:
		return "UNSUPPORTED_VERSION"
	case ErrCodeDecompressFailure:
		return "DECOMPRESS_FAILURE"
	case ErrCodeCompressFailure:
		return "COMPRESS_FAILURE"
	case ErrCodeZlibInitFailure:
		return "ZLIB_INIT_FAILURE"
	default:
		return fmt.Sprintf("UNKNOWN_FRAMER_ERROR_%d", uint8(c))
	}
}

// FramerError is the error type surfaced by the frame codec. All framer
// errors are fatal to the session that owns the codec.
type FramerError struct {
	Code  FramerErrorCode
	Msg   string
	Cause error
}

// Error returns a string representation of the FramerError.
func (e *FramerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("framer error: %s (%s): %s", e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("framer error: %s (%s)", e.Msg, e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *FramerError) Unwrap() error { return e.Cause }

// NewFramerError creates a new FramerError.
func NewFramerError(code FramerErrorCode, msg string) *FramerError {
	return &FramerError{Code: code, Msg: msg}
}

// NewFramerErrorWithCause creates a new FramerError with an underlying cause.
func NewFramerErrorWithCause(code FramerErrorCode, msg string, cause error) *FramerError {
	return &FramerError{Code: code, Msg: msg, Cause: cause}
}

// StreamError is an error scoped to one stream. It never poisons the session;
// the usual response is a RST_STREAM carrying Code.
type StreamError struct {
	StreamID StreamID
	Code     StatusCode
	Msg      string
	Cause    error
}

// Error returns a string representation of the StreamError.
func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (%s): %s", e.StreamID, e.Msg, e.Code, e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (%s)", e.StreamID, e.Msg, e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *StreamError) Unwrap() error { return e.Cause }

// NewStreamError creates a new StreamError.
func NewStreamError(id StreamID, code StatusCode, msg string) *StreamError {
	return &StreamError{StreamID: id, Code: code, Msg: msg}
}

// ErrStreamCancelled is returned from bridge reads and writes after the peer
// reset the stream. The worker is expected to unwind without producing more
// output.
var ErrStreamCancelled = fmt.Errorf("spdy: stream cancelled by peer")

// ErrSessionClosed is returned from bridge operations after the session shut
// down underneath the stream.
var ErrSessionClosed = fmt.Errorf("spdy: session closed")
