package spdy

import (
	"fmt"
)

// Version is the only SPDY protocol version this package speaks.
const Version uint16 = 2

// FrameHeaderLen is the length of the 8-octet header common to all frames.
const FrameHeaderLen = 8

// MaxStreamID is the largest legal stream identifier (31 bits).
const MaxStreamID StreamID = 1<<31 - 1

// MaxFramePayloadLen is the largest payload a frame can declare (24-bit length).
const MaxFramePayloadLen uint32 = 1<<24 - 1

// StreamID identifies one logical stream on a session. Client-initiated
// streams carry odd ids, server-initiated streams even ids. Zero is reserved
// for frames that apply to the whole session.
type StreamID uint32

// ControlType identifies the kind of a control frame.
type ControlType uint16

const (
	// TypeSynStream (1) opens a new stream.
	TypeSynStream ControlType = 1
	// TypeSynReply (2) answers a SYN_STREAM.
	TypeSynReply ControlType = 2
	// TypeRstStream (3) aborts a stream.
	TypeRstStream ControlType = 3
	// TypeSettings (4) carries session-wide key/value parameters.
	TypeSettings ControlType = 4
	// TypeNoop (5) is ignored on receipt.
	TypeNoop ControlType = 5
	// TypePing (6) carries a 32-bit token reflected by the peer.
	TypePing ControlType = 6
	// TypeGoAway (7) announces orderly shutdown.
	TypeGoAway ControlType = 7
	// TypeHeaders (8) carries additional headers for an open stream.
	TypeHeaders ControlType = 8
)

// String returns the string representation of the ControlType.
func (t ControlType) String() string {
	switch t {
	case TypeSynStream:
		return "SYN_STREAM"
	case TypeSynReply:
		return "SYN_REPLY"
	case TypeRstStream:
		return "RST_STREAM"
	case TypeSettings:
		return "SETTINGS"
	case TypeNoop:
		return "NOOP"
	case TypePing:
		return "PING"
	case TypeGoAway:
		return "GOAWAY"
	case TypeHeaders:
		return "HEADERS"
	default:
		return fmt.Sprintf("UNKNOWN_CONTROL_TYPE_%d", uint16(t))
	}
}

// Flags holds the 8-bit flag field of a frame.
type Flags uint8

const (
	// FlagFin marks the last frame the sender will issue on its half of the
	// stream. Valid on DATA, SYN_STREAM and SYN_REPLY.
	FlagFin Flags = 0x01
	// FlagUnidirectional marks a stream the recipient must not reply on.
	FlagUnidirectional Flags = 0x02
	// FlagSettingsClearSettings instructs the recipient to clear any
	// previously persisted settings.
	FlagSettingsClearSettings Flags = 0x01
)

// Priority orders streams for egress scheduling. 0 is the most urgent,
// MaxPriority the least.
type Priority uint8

// MaxPriority is the largest (least urgent) SPDY/2 priority value. The wire
// field is two bits wide.
const MaxPriority Priority = 3

// SettingID identifies one SETTINGS parameter.
type SettingID uint32

const (
	SettingUploadBandwidth             SettingID = 1
	SettingDownloadBandwidth           SettingID = 2
	SettingRoundTripTime               SettingID = 3
	SettingMaxConcurrentStreams        SettingID = 4
	SettingCurrentCwnd                 SettingID = 5
	SettingDownloadRetransRate         SettingID = 6
	SettingInitialWindowSize           SettingID = 7
	SettingClientCertificateVectorSize SettingID = 8
)

// String returns the string representation of the SettingID.
func (s SettingID) String() string {
	switch s {
	case SettingUploadBandwidth:
		return "SETTINGS_UPLOAD_BANDWIDTH"
	case SettingDownloadBandwidth:
		return "SETTINGS_DOWNLOAD_BANDWIDTH"
	case SettingRoundTripTime:
		return "SETTINGS_ROUND_TRIP_TIME"
	case SettingMaxConcurrentStreams:
		return "SETTINGS_MAX_CONCURRENT_STREAMS"
	case SettingCurrentCwnd:
		return "SETTINGS_CURRENT_CWND"
	case SettingDownloadRetransRate:
		return "SETTINGS_DOWNLOAD_RETRANS_RATE"
	case SettingInitialWindowSize:
		return "SETTINGS_INITIAL_WINDOW_SIZE"
	case SettingClientCertificateVectorSize:
		return "SETTINGS_CLIENT_CERTIFICATE_VECTOR_SIZE"
	default:
		return fmt.Sprintf("UNKNOWN_SETTING_ID_%d", uint32(s))
	}
}

// Setting is a single entry of a SETTINGS frame.
type Setting struct {
	ID    SettingID
	Flags Flags
	Value uint32
}

// Frame is the interface implemented by every SPDY frame this package can
// parse or serialize.
type Frame interface {
	// IsControl reports whether the frame is a control frame.
	IsControl() bool
}

// ControlFrame is implemented by all control frames.
type ControlFrame interface {
	Frame
	// Type returns the control frame type.
	Type() ControlType
}

// SynStreamFrame opens a new stream. The header block travels compressed on
// the wire; here it is always the decoded form.
type SynStreamFrame struct {
	StreamID     StreamID
	AssociatedTo StreamID
	Priority     Priority
	Flags        Flags
	Headers      HeaderBlock
}

func (f *SynStreamFrame) IsControl() bool   { return true }
func (f *SynStreamFrame) Type() ControlType { return TypeSynStream }

// SynReplyFrame answers a SYN_STREAM.
type SynReplyFrame struct {
	StreamID StreamID
	Flags    Flags
	Headers  HeaderBlock
}

func (f *SynReplyFrame) IsControl() bool   { return true }
func (f *SynReplyFrame) Type() ControlType { return TypeSynReply }

// RstStreamFrame aborts one stream with a status code.
type RstStreamFrame struct {
	StreamID StreamID
	Status   StatusCode
}

func (f *RstStreamFrame) IsControl() bool   { return true }
func (f *RstStreamFrame) Type() ControlType { return TypeRstStream }

// SettingsFrame carries session-wide parameters.
type SettingsFrame struct {
	Flags    Flags
	Settings []Setting
}

func (f *SettingsFrame) IsControl() bool   { return true }
func (f *SettingsFrame) Type() ControlType { return TypeSettings }

// Value returns the value for id and whether it was present.
func (f *SettingsFrame) Value(id SettingID) (uint32, bool) {
	for _, s := range f.Settings {
		if s.ID == id {
			return s.Value, true
		}
	}
	return 0, false
}

// NoopFrame carries nothing and is discarded on receipt.
type NoopFrame struct{}

func (f *NoopFrame) IsControl() bool   { return true }
func (f *NoopFrame) Type() ControlType { return TypeNoop }

// PingFrame carries an opaque 32-bit token. The receiver of a ping it did not
// originate reflects the frame unchanged.
type PingFrame struct {
	ID uint32
}

func (f *PingFrame) IsControl() bool   { return true }
func (f *PingFrame) Type() ControlType { return TypePing }

// GoAwayFrame announces that the sender will accept no further streams.
type GoAwayFrame struct {
	LastGoodStreamID StreamID
}

func (f *GoAwayFrame) IsControl() bool   { return true }
func (f *GoAwayFrame) Type() ControlType { return TypeGoAway }

// HeadersFrame carries additional headers for an already open stream.
type HeadersFrame struct {
	StreamID StreamID
	Flags    Flags
	Headers  HeaderBlock
}

func (f *HeadersFrame) IsControl() bool   { return true }
func (f *HeadersFrame) Type() ControlType { return TypeHeaders }

// DataFrame carries opaque stream payload bytes.
type DataFrame struct {
	StreamID StreamID
	Flags    Flags
	Data     []byte
}

func (f *DataFrame) IsControl() bool { return false }

// Fin reports whether the frame carries the FIN flag.
func (f *DataFrame) Fin() bool { return f.Flags&FlagFin != 0 }
