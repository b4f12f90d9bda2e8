package spdy

import (
	"errors"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"example.com/spdyserve/internal/logger"
)

// StreamHandler is the downstream worker for one stream. It runs on an
// executor thread, reads the synthesized HTTP/1.1 request from the bridge
// and writes HTTP/1.1 response bytes back. The session finishes the
// response (CloseWrite) when the handler returns.
type StreamHandler func(b *Bridge)

// Executor runs per-stream work concurrently with the session's ingress
// loop. Submit must either arrange for task to run on another goroutine or
// return an error; running it inline would deadlock the session, because
// bridge reads block. The session does not own the executor's lifetime.
type Executor interface {
	Submit(task func()) error
}

// Status is the terminal state of a session, returned from Serve for the
// collaborator to log.
type Status int

const (
	// StatusClean: the session shut down locally and drained in order.
	StatusClean Status = iota
	// StatusPeerClosed: the peer closed the transport or sent GOAWAY.
	StatusPeerClosed
	// StatusProtocolViolation: the peer violated the protocol; the session sent
	// a best-effort GOAWAY and closed.
	StatusProtocolViolation
	// StatusTransportError: the transport failed mid-session.
	StatusTransportError
)

// String returns the string representation of the Status.
func (s Status) String() string {
	switch s {
	case StatusClean:
		return "Clean"
	case StatusPeerClosed:
		return "PeerClosed"
	case StatusProtocolViolation:
		return "ProtocolError"
	case StatusTransportError:
		return "TransportError"
	default:
		return "UnknownStatus"
	}
}

// SessionState tracks the session lifecycle.
type SessionState int

const (
	SessionActive SessionState = iota
	SessionGoAwaySent
	SessionGoAwayReceived
	SessionClosed
)

// SessionConfig carries the per-session knobs.
type SessionConfig struct {
	// MaxStreams bounds concurrent inbound streams; excess SYN_STREAMs are
	// refused. Zero selects 100.
	MaxStreams int
	// ControlFrameCap bounds a control frame's declared payload. Zero
	// selects DefaultControlFrameCap.
	ControlFrameCap uint32
	// EgressHighWater bounds the bytes buffered for egress across all
	// streams; producers block past it. Zero selects 1 MiB.
	EgressHighWater int
	// ReadIdleTimeout, when nonzero, turns a silent transport into an
	// orderly shutdown.
	ReadIdleTimeout time.Duration
	// PingTimeout, when nonzero, bounds how long a locally initiated PING
	// may stay unanswered before the session fails.
	PingTimeout time.Duration
	// Logger for session events. Nil discards.
	Logger *logger.Logger
}

// Session multiplexes SPDY/2 streams over one transport connection. It owns
// the transport, the framer with its two compression contexts, and the
// stream table; per-stream work runs on the executor.
type Session struct {
	conn    net.Conn
	handler StreamHandler
	exec    Executor
	cfg     SessionConfig
	log     *logger.Logger
	framer  *Framer
	sched   *scheduler

	mu             sync.Mutex
	state          SessionState
	streams        map[StreamID]*Bridge
	lastPeerStream StreamID // largest peer id seen, accepted or not
	lastAccepted   StreamID // largest peer id actually accepted
	peerSettings   map[SettingID]uint32
	draining       bool // our GOAWAY queued; close once idle
	abortFlush     bool // close as soon as the egress queue drains
	drainStatus    Status
	status         Status
	statusSet      bool

	pingMu       sync.Mutex
	nextPingID   uint32
	pendingPings map[uint32]*time.Timer

	writerDone chan struct{}
}

// NewSession wires a session for conn. The handler runs once per accepted
// stream on the executor.
func NewSession(conn net.Conn, handler StreamHandler, exec Executor, cfg SessionConfig) *Session {
	if cfg.MaxStreams == 0 {
		cfg.MaxStreams = 100
	}
	if cfg.EgressHighWater == 0 {
		cfg.EgressHighWater = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	s := &Session{
		conn:         conn,
		handler:      handler,
		exec:         exec,
		cfg:          cfg,
		log:          cfg.Logger.With(logger.Fields{"remote_addr": conn.RemoteAddr().String()}),
		sched:        newScheduler(cfg.EgressHighWater),
		streams:      make(map[StreamID]*Bridge),
		peerSettings: make(map[SettingID]uint32),
		pendingPings: make(map[uint32]*time.Timer),
		drainStatus:  StatusClean,
		writerDone:   make(chan struct{}),
	}
	s.framer = NewFramer(s, cfg.ControlFrameCap)
	return s
}

// Serve drives the session until it terminates and returns its terminal
// status. It runs the ingress loop on the calling goroutine.
func (s *Session) Serve() Status {
	go s.writeLoop()
	s.sched.enqueueControl(&SettingsFrame{Settings: []Setting{
		{ID: SettingMaxConcurrentStreams, Value: uint32(s.cfg.MaxStreams)},
	}})

	buf := make([]byte, 32<<10)
	for {
		if s.cfg.ReadIdleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadIdleTimeout))
		}
		n, err := s.conn.Read(buf)
		if n > 0 {
			if _, ferr := s.framer.Feed(buf[:n]); ferr != nil {
				// OnError already queued the GOAWAY and set the status.
				break
			}
		}
		if err != nil {
			if s.handleReadError(err) {
				break
			}
		}
	}
	<-s.writerDone
	s.teardown()
	return s.Status()
}

// Status returns the terminal status, StatusClean if none was recorded.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Shutdown begins an orderly local shutdown: GOAWAY carrying the largest
// accepted peer stream id, a drain of every active stream, then transport
// close.
func (s *Session) Shutdown() {
	s.startDrain(StatusClean)
}

// SendPing issues a liveness probe with the next locally owned (even) token.
func (s *Session) SendPing() {
	s.pingMu.Lock()
	s.nextPingID += 2
	id := s.nextPingID
	if s.cfg.PingTimeout > 0 {
		s.pendingPings[id] = time.AfterFunc(s.cfg.PingTimeout, func() {
			s.log.Error("ping unanswered, failing session", logger.Fields{"ping_id": id})
			s.hardClose(StatusTransportError)
		})
	}
	s.pingMu.Unlock()
	s.sched.enqueueControl(&PingFrame{ID: id})
}

// --- visitor callbacks (ingress goroutine) ---

// OnControl dispatches one parsed control frame.
func (s *Session) OnControl(frame ControlFrame) {
	switch f := frame.(type) {
	case *SynStreamFrame:
		s.handleSynStream(f)
	case *SynReplyFrame:
		s.handleSynReply(f)
	case *RstStreamFrame:
		s.handleRst(f)
	case *SettingsFrame:
		s.handleSettings(f)
	case *PingFrame:
		s.handlePing(f)
	case *GoAwayFrame:
		s.handleGoAway(f)
	case *HeadersFrame:
		s.handleHeaders(f)
	case *NoopFrame:
		s.log.Debug("NOOP discarded", nil)
	}
}

// OnStreamData routes one DATA frame into its bridge.
func (s *Session) OnStreamData(id StreamID, data []byte, fin bool) {
	s.mu.Lock()
	b, ok := s.streams[id]
	s.mu.Unlock()
	if !ok {
		s.sched.enqueueControl(&RstStreamFrame{StreamID: id, Status: StatusInvalidStream})
		return
	}
	if b.remoteDone() {
		s.log.Warn("DATA after FIN", logger.Fields{"stream_id": uint32(id)})
		s.abortStream(b, StatusInvalidStream)
		return
	}
	// May block on the bridge's inbound bound until the worker catches up.
	b.pushData(data, fin)
}

// OnError handles a latched framer error: best-effort GOAWAY, then close.
func (s *Session) OnError(err *FramerError) {
	s.log.Error("framing error", logger.Fields{"code": err.Code.String(), "error": err.Error()})
	s.startAbort(StatusProtocolViolation)
}

// --- frame handlers ---

func (s *Session) handleSynStream(f *SynStreamFrame) {
	id := f.StreamID
	if id == 0 {
		s.log.Error("SYN_STREAM with stream id 0", nil)
		s.startAbort(StatusProtocolViolation)
		return
	}
	s.mu.Lock()
	if id%2 == 0 {
		// Server-side sessions only accept client-initiated (odd) ids.
		s.mu.Unlock()
		s.sched.enqueueControl(&RstStreamFrame{StreamID: id, Status: StatusProtocolError})
		return
	}
	if id <= s.lastPeerStream {
		// Duplicate or non-monotonic id. The existing stream, if any, is
		// left untouched.
		s.mu.Unlock()
		s.log.Warn("SYN_STREAM with stale stream id", logger.Fields{"stream_id": uint32(id)})
		s.sched.enqueueControl(&RstStreamFrame{StreamID: id, Status: StatusProtocolError})
		return
	}
	s.lastPeerStream = id
	if f.Priority > MaxPriority {
		s.mu.Unlock()
		s.sched.enqueueControl(&RstStreamFrame{StreamID: id, Status: StatusProtocolError})
		return
	}
	if f.AssociatedTo != 0 {
		if _, open := s.streams[f.AssociatedTo]; !open {
			s.mu.Unlock()
			s.sched.enqueueControl(&RstStreamFrame{StreamID: id, Status: StatusProtocolError})
			return
		}
	}
	if s.state == SessionGoAwaySent || s.draining || s.abortFlush {
		s.mu.Unlock()
		s.sched.enqueueControl(&RstStreamFrame{StreamID: id, Status: StatusRefusedStream})
		return
	}
	if len(s.streams) >= s.cfg.MaxStreams {
		s.mu.Unlock()
		s.log.Warn("stream limit reached, refusing stream", logger.Fields{"stream_id": uint32(id), "limit": s.cfg.MaxStreams})
		s.sched.enqueueControl(&RstStreamFrame{StreamID: id, Status: StatusRefusedStream})
		return
	}
	b, err := newBridge(s, f)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("unusable SYN_STREAM header block", logger.Fields{"stream_id": uint32(id), "error": err.Error()})
		s.sched.enqueueControl(&RstStreamFrame{StreamID: id, Status: StatusProtocolError})
		return
	}
	s.streams[id] = b
	s.lastAccepted = id
	s.mu.Unlock()

	if err := s.exec.Submit(func() { s.runStream(b) }); err != nil {
		s.log.Warn("executor refused stream", logger.Fields{"stream_id": uint32(id), "error": err.Error()})
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
		s.sched.enqueueControl(&RstStreamFrame{StreamID: id, Status: StatusRefusedStream})
	}
}

func (s *Session) handleSynReply(f *SynReplyFrame) {
	s.mu.Lock()
	b, ok := s.streams[f.StreamID]
	s.mu.Unlock()
	if !ok {
		s.sched.enqueueControl(&RstStreamFrame{StreamID: f.StreamID, Status: StatusInvalidStream})
		return
	}
	b.handlePeerHeaders(f.Headers)
	if f.Flags&FlagFin != 0 {
		b.finishRemote()
	}
}

func (s *Session) handleHeaders(f *HeadersFrame) {
	s.mu.Lock()
	b, ok := s.streams[f.StreamID]
	s.mu.Unlock()
	if !ok {
		s.sched.enqueueControl(&RstStreamFrame{StreamID: f.StreamID, Status: StatusInvalidStream})
		return
	}
	b.handlePeerHeaders(f.Headers)
	if f.Flags&FlagFin != 0 {
		b.finishRemote()
	}
}

func (s *Session) handleRst(f *RstStreamFrame) {
	s.mu.Lock()
	b, ok := s.streams[f.StreamID]
	if ok {
		delete(s.streams, f.StreamID)
	}
	s.mu.Unlock()
	if !ok {
		// Never answer RST_STREAM with RST_STREAM.
		return
	}
	s.log.Debug("stream reset by peer", logger.Fields{"stream_id": uint32(f.StreamID), "status": f.Status.String()})
	b.cancel(ErrStreamCancelled)
	s.sched.dropStream(b)
	s.sched.wake()
}

func (s *Session) handleSettings(f *SettingsFrame) {
	s.mu.Lock()
	for _, set := range f.Settings {
		s.peerSettings[set.ID] = set.Value
	}
	s.mu.Unlock()
	s.log.Debug("settings received", logger.Fields{"entries": len(f.Settings)})
}

// PeerSetting returns the last value the peer sent for id.
func (s *Session) PeerSetting(id SettingID) (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.peerSettings[id]
	return v, ok
}

func (s *Session) handlePing(f *PingFrame) {
	if f.ID%2 == 1 {
		// Peer-initiated token: reflect it unchanged.
		s.sched.enqueueControl(&PingFrame{ID: f.ID})
		return
	}
	s.pingMu.Lock()
	if t, ok := s.pendingPings[f.ID]; ok {
		t.Stop()
		delete(s.pendingPings, f.ID)
	}
	s.pingMu.Unlock()
}

func (s *Session) handleGoAway(f *GoAwayFrame) {
	s.mu.Lock()
	if s.state == SessionActive {
		s.state = SessionGoAwayReceived
	}
	if s.drainStatus == StatusClean && !s.draining {
		s.drainStatus = StatusPeerClosed
	}
	s.draining = true
	s.mu.Unlock()
	s.log.Info("GOAWAY received", logger.Fields{"last_good_stream": uint32(f.LastGoodStreamID)})
	// Existing streams run to completion; the writer closes once idle.
	s.sched.wake()
}

// --- stream lifecycle ---

// runStream is the unit of work submitted to the executor.
func (s *Session) runStream(b *Bridge) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("stream handler panicked", logger.Fields{
				"stream_id": uint32(b.id),
				"panic":     r,
				"stack":     string(debug.Stack()),
			})
			s.abortStream(b, StatusInternalError)
		}
	}()
	s.handler(b)
	if err := b.CloseWrite(); err != nil && !errors.Is(err, ErrStreamCancelled) && !errors.Is(err, ErrSessionClosed) {
		s.log.Warn("finishing response failed", logger.Fields{"stream_id": uint32(b.id), "error": err.Error()})
	}
}

// abortStream kills one stream with an outbound RST. Safe from any
// goroutine.
func (s *Session) abortStream(b *Bridge, code StatusCode) {
	s.mu.Lock()
	_, active := s.streams[b.id]
	delete(s.streams, b.id)
	s.mu.Unlock()
	b.cancel(ErrStreamCancelled)
	s.sched.dropStream(b)
	if active {
		s.sched.enqueueControl(&RstStreamFrame{StreamID: b.id, Status: code})
	}
	s.sched.wake()
}

// finishStream runs on the writer goroutine after a stream's closing frame
// reached the wire.
func (s *Session) finishStream(b *Bridge) {
	s.mu.Lock()
	_, active := s.streams[b.id]
	delete(s.streams, b.id)
	s.mu.Unlock()
	if active {
		s.log.Access(b.method, b.path, b.status, b.bytesOut, time.Since(b.started), logger.Fields{
			"stream_id": uint32(b.id),
		})
	}
}

// --- shutdown paths ---

// setStatus records the terminal status; the first call wins.
func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	if !s.statusSet {
		s.statusSet = true
		s.status = st
	}
	s.mu.Unlock()
}

// startDrain queues a GOAWAY and lets active streams finish; the writer
// closes the transport once everything has drained.
func (s *Session) startDrain(st Status) {
	s.mu.Lock()
	if s.draining || s.abortFlush {
		s.mu.Unlock()
		return
	}
	s.draining = true
	s.drainStatus = st
	if s.state == SessionActive {
		s.state = SessionGoAwaySent
	}
	last := s.lastAccepted
	s.mu.Unlock()
	s.sched.enqueueControl(&GoAwayFrame{LastGoodStreamID: last})
	s.sched.wake()
}

// startAbort queues a best-effort GOAWAY and closes as soon as the egress
// queue flushes, without waiting for streams.
func (s *Session) startAbort(st Status) {
	s.setStatus(st)
	s.mu.Lock()
	if s.abortFlush {
		s.mu.Unlock()
		return
	}
	s.abortFlush = true
	if s.state == SessionActive {
		s.state = SessionGoAwaySent
	}
	last := s.lastAccepted
	s.mu.Unlock()
	s.sched.enqueueControl(&GoAwayFrame{LastGoodStreamID: last})
	s.sched.wake()
}

// hardClose tears the session down without flushing anything further.
func (s *Session) hardClose(st Status) {
	s.setStatus(st)
	s.cancelAllStreams(ErrSessionClosed)
	s.sched.close()
	s.conn.Close()
	s.mu.Lock()
	s.state = SessionClosed
	s.mu.Unlock()
}

func (s *Session) cancelAllStreams(err error) {
	s.mu.Lock()
	cancelled := make([]*Bridge, 0, len(s.streams))
	for id, b := range s.streams {
		cancelled = append(cancelled, b)
		delete(s.streams, id)
	}
	s.mu.Unlock()
	for _, b := range cancelled {
		b.cancel(err)
		s.sched.dropStream(b)
	}
}

// handleReadError reacts to a transport read failure. It reports whether the
// ingress loop should stop.
func (s *Session) handleReadError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		s.mu.Lock()
		alreadyDraining := s.draining || s.abortFlush
		s.mu.Unlock()
		if !alreadyDraining {
			s.log.Info("idle timeout, starting orderly shutdown", nil)
			s.startDrain(StatusClean)
			return false
		}
		// Still silent while draining: give up waiting.
		s.hardClose(StatusClean)
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		// The transport was closed on our side (drain completion or a hard
		// close elsewhere); the status is already recorded.
		s.setStatus(StatusClean)
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		if s.framer.MidFrame() {
			s.log.Warn("peer closed transport mid-frame", nil)
			s.setStatus(StatusProtocolViolation)
		} else {
			s.setStatus(StatusPeerClosed)
		}
		s.hardClose(s.Status())
		return true
	}
	s.log.Error("transport read failed", logger.Fields{"error": err.Error()})
	s.hardClose(StatusTransportError)
	return true
}

// teardown finalizes after both loops have stopped.
func (s *Session) teardown() {
	s.cancelAllStreams(ErrSessionClosed)
	s.sched.close()
	s.conn.Close()
	s.pingMu.Lock()
	for id, t := range s.pendingPings {
		t.Stop()
		delete(s.pendingPings, id)
	}
	s.pingMu.Unlock()
	s.mu.Lock()
	s.state = SessionClosed
	s.mu.Unlock()
}

// --- egress ---

// writeLoop owns the wire: it serializes frames in scheduler order on a
// single goroutine, which keeps the outbound compression context aligned
// with emission order.
func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		of, b, ok := s.sched.next()
		if !ok {
			return
		}
		if of.frame != nil {
			if b != nil && b.isCancelled() {
				// Raced with a reset; nothing of this stream reaches the
				// wire anymore.
				continue
			}
			data, err := s.framer.SerializeFrame(of.frame)
			if err != nil {
				s.log.Error("serializing frame failed", logger.Fields{"error": err.Error()})
				s.hardClose(StatusProtocolViolation)
				return
			}
			if _, err := s.conn.Write(data); err != nil {
				s.log.Debug("transport write failed", logger.Fields{"error": err.Error()})
				s.hardClose(StatusTransportError)
				return
			}
			if of.closes && b != nil {
				s.finishStream(b)
			}
		}
		if s.readyToClose() {
			s.setStatus(s.currentDrainStatus())
			s.sched.close()
			s.conn.Close()
			s.mu.Lock()
			s.state = SessionClosed
			s.mu.Unlock()
			return
		}
	}
}

func (s *Session) readyToClose() bool {
	s.mu.Lock()
	abort := s.abortFlush
	drain := s.draining && len(s.streams) == 0
	s.mu.Unlock()
	if !abort && !drain {
		return false
	}
	return s.sched.empty()
}

func (s *Session) currentDrainStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainStatus
}
