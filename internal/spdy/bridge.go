package spdy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// defaultInboundHighWater bounds the bytes a bridge buffers for a worker
	// that is slow to read its request body.
	defaultInboundHighWater = 64 << 10
	// maxDataChunk is the largest DATA payload the bridge emits per frame.
	// Small enough that equal-priority streams interleave at a useful grain.
	maxDataChunk = 4 << 10
	// maxResponseHeadBytes bounds how much of a response the bridge will
	// buffer while hunting for the end of the status line and headers.
	maxResponseHeadBytes = 64 << 10
)

// ErrWriteAfterFin is returned when a worker writes response bytes after the
// stream's final frame has been queued.
var ErrWriteAfterFin = errors.New("spdy: response already complete")

// Bridge adapts one SPDY stream to a conventional HTTP/1.1 byte stream.
//
// The inbound side presents the stream as a blocking reader: first the
// synthesized request line and headers, then body bytes in DATA-frame arrival
// order, then EOF once the peer's FIN arrives. The outbound side accepts raw
// HTTP/1.1 response bytes, converts the status line and headers into exactly
// one SYN_REPLY, and frames the body as DATA, the last frame carrying FIN.
//
// A Bridge is owned by its session. The worker goroutine driving it holds
// only this reference and never reaches the session except through it.
type Bridge struct {
	id       StreamID
	priority Priority
	sess     *Session

	// egress is the per-stream frame queue. It is owned and guarded by the
	// session scheduler.
	egress []outFrame

	mu         sync.Mutex
	cond       *sync.Cond
	head       []byte // unread part of the synthesized request head
	inbuf      bytes.Buffer
	inboundCap int
	remoteFin  bool
	cancelErr  error
	cancelled  atomic.Bool

	wmu           sync.Mutex
	respBuf       bytes.Buffer
	headerDone    bool
	localFin      bool
	bodyRemaining int64 // from content-length; -1 when unknown

	// replyHeaders collects header blocks the peer sends on this stream
	// after the SYN_STREAM (SYN_REPLY, HEADERS).
	replyHeaders HeaderBlock

	// access-log accounting
	method   string
	path     string
	status   string
	bytesOut int64
	started  time.Time
}

// newBridge builds the bridge for an accepted SYN_STREAM. It fails if the
// header block lacks the pseudo-headers needed to synthesize a request line.
func newBridge(sess *Session, syn *SynStreamFrame) (*Bridge, error) {
	head, method, path, err := synthesizeRequestHead(syn.Headers)
	if err != nil {
		return nil, err
	}
	b := &Bridge{
		id:            syn.StreamID,
		priority:      syn.Priority,
		sess:          sess,
		head:          head,
		inboundCap:    defaultInboundHighWater,
		remoteFin:     syn.Flags&FlagFin != 0,
		bodyRemaining: -1,
		method:        method,
		path:          path,
		started:       time.Now(),
	}
	b.cond = sync.NewCond(&b.mu)
	return b, nil
}

// StreamID returns the id of the stream this bridge serves.
func (b *Bridge) StreamID() StreamID { return b.id }

// Priority returns the stream's priority.
func (b *Bridge) Priority() Priority { return b.priority }

// Read yields the synthesized HTTP/1.1 request bytes: request line, headers,
// blank line, then body bytes in arrival order. It blocks until bytes are
// available, returns io.EOF after the peer's half-close, and returns
// ErrStreamCancelled (or ErrSessionClosed) once the stream is dead.
func (b *Bridge) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.cancelErr != nil {
			return 0, b.cancelErr
		}
		if len(b.head) > 0 {
			n := copy(p, b.head)
			b.head = b.head[n:]
			return n, nil
		}
		if b.inbuf.Len() > 0 {
			n, _ := b.inbuf.Read(p)
			// Room opened up for the ingress thread.
			b.cond.Broadcast()
			return n, nil
		}
		if b.remoteFin {
			return 0, io.EOF
		}
		b.cond.Wait()
	}
}

// pushData appends one DATA payload to the inbound queue. Called from the
// session's ingress goroutine; blocks while the queue is over its bound. The
// data slice is copied, never retained.
func (b *Bridge) pushData(data []byte, fin bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.cancelErr == nil && b.inbuf.Len() > 0 && b.inbuf.Len()+len(data) > b.inboundCap {
		b.cond.Wait()
	}
	if b.cancelErr != nil {
		return
	}
	b.inbuf.Write(data)
	if fin {
		b.remoteFin = true
	}
	b.cond.Broadcast()
}

// remoteDone reports whether the peer has half-closed its direction.
func (b *Bridge) remoteDone() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remoteFin
}

// finishRemote marks the peer's half of the stream closed without payload.
func (b *Bridge) finishRemote() {
	b.mu.Lock()
	b.remoteFin = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// cancel poisons the bridge. The next worker read or write fails with err.
func (b *Bridge) cancel(err error) {
	b.mu.Lock()
	if b.cancelErr == nil {
		b.cancelErr = err
	}
	b.cancelled.Store(true)
	b.cond.Broadcast()
	b.mu.Unlock()
}

func (b *Bridge) isCancelled() bool { return b.cancelled.Load() }

func (b *Bridge) cancellationError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelErr
}

// handlePeerHeaders records a header block the peer sent after the
// SYN_STREAM.
func (b *Bridge) handlePeerHeaders(h HeaderBlock) {
	b.mu.Lock()
	b.replyHeaders = append(b.replyHeaders, h...)
	b.mu.Unlock()
}

// Write accepts HTTP/1.1 response bytes from the worker. Bytes buffer until
// the status line and headers are complete; then one SYN_REPLY is emitted
// and all further bytes become DATA frames. When a content-length is known,
// the frame carrying the last body byte carries FIN.
//
// Write blocks while the session's egress buffer is over its high-water
// mark.
func (b *Bridge) Write(p []byte) (int, error) {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if err := b.cancellationError(); err != nil {
		return 0, err
	}
	if b.localFin {
		return 0, ErrWriteAfterFin
	}
	total := len(p)
	if !b.headerDone {
		b.respBuf.Write(p)
		idx := bytes.Index(b.respBuf.Bytes(), []byte("\r\n\r\n"))
		if idx < 0 {
			if b.respBuf.Len() > maxResponseHeadBytes {
				err := NewStreamError(b.id, StatusProtocolError, "response head exceeds buffer limit")
				b.sess.abortStream(b, StatusProtocolError)
				return 0, err
			}
			return total, nil
		}
		headBytes := b.respBuf.Bytes()[:idx+4]
		headers, contentLength, status, err := parseResponseHead(headBytes)
		if err != nil {
			b.sess.abortStream(b, StatusProtocolError)
			return 0, NewStreamError(b.id, StatusProtocolError, err.Error())
		}
		b.status = status
		b.bodyRemaining = contentLength
		rest := append([]byte(nil), b.respBuf.Bytes()[idx+4:]...)
		b.respBuf.Reset()
		b.headerDone = true

		reply := &SynReplyFrame{StreamID: b.id, Headers: headers}
		of := outFrame{frame: reply}
		if contentLength == 0 {
			reply.Flags = FlagFin
			of.closes = true
			b.localFin = true
		}
		if err := b.sess.sched.enqueueStream(b, of); err != nil {
			return 0, err
		}
		if len(rest) > 0 {
			if b.localFin {
				return 0, ErrWriteAfterFin
			}
			if err := b.sendBody(rest); err != nil {
				return 0, err
			}
		}
		return total, nil
	}
	if err := b.sendBody(p); err != nil {
		return 0, err
	}
	return total, nil
}

// sendBody frames body bytes as DATA, chunked at maxDataChunk.
func (b *Bridge) sendBody(p []byte) error {
	for len(p) > 0 {
		if b.localFin {
			return ErrWriteAfterFin
		}
		n := len(p)
		if n > maxDataChunk {
			n = maxDataChunk
		}
		if b.bodyRemaining >= 0 && int64(n) > b.bodyRemaining {
			n = int(b.bodyRemaining)
			if n == 0 {
				return ErrWriteAfterFin
			}
		}
		data := make([]byte, n)
		copy(data, p[:n])
		frame := &DataFrame{StreamID: b.id, Data: data}
		of := outFrame{frame: frame, size: n + FrameHeaderLen}
		if b.bodyRemaining >= 0 {
			b.bodyRemaining -= int64(n)
			if b.bodyRemaining == 0 {
				frame.Flags = FlagFin
				of.closes = true
				b.localFin = true
			}
		}
		if err := b.sess.sched.enqueueStream(b, of); err != nil {
			return err
		}
		b.bytesOut += int64(n)
		p = p[n:]
	}
	return nil
}

// CloseWrite ends the response. If the body length was not announced, a
// final empty DATA frame carries the FIN. A response whose head never
// completed is malformed and aborts the stream with PROTOCOL_ERROR.
func (b *Bridge) CloseWrite() error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if b.cancellationError() != nil || b.localFin {
		return nil
	}
	if !b.headerDone {
		b.sess.abortStream(b, StatusProtocolError)
		return NewStreamError(b.id, StatusProtocolError, "response ended before status line and headers completed")
	}
	b.localFin = true
	of := outFrame{
		frame:  &DataFrame{StreamID: b.id, Flags: FlagFin, Data: []byte{}},
		closes: true,
	}
	return b.sess.sched.enqueueStream(b, of)
}

// synthesizeRequestHead renders the SYN_STREAM header block as an HTTP/1.1
// request head. The method, url and version pseudo-headers form the request
// line; host becomes the Host header; scheme is dropped; everything else
// passes through.
func synthesizeRequestHead(h HeaderBlock) (head []byte, method, path string, err error) {
	method = h.Get("method")
	path = h.Get("url")
	version := h.Get("version")
	if method == "" || path == "" || version == "" {
		return nil, "", "", fmt.Errorf("header block is missing method, url or version")
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", method, path, version)
	if host := h.Get("host"); host != "" {
		fmt.Fprintf(&buf, "Host: %s\r\n", host)
	}
	for _, f := range h {
		switch f.Name {
		case "method", "url", "version", "scheme", "host":
			continue
		}
		for _, v := range f.Values {
			fmt.Fprintf(&buf, "%s: %s\r\n", f.Name, v)
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), method, path, nil
}

// parseResponseHead parses an HTTP/1.1 response head into the SYN_REPLY
// header block. The first two entries are status and version; the remaining
// headers are lowercased. Chunked transfer coding is stripped (the host
// formatter must not chunk; a stray header is removed and the body treated
// as unchunked), as are the connection-level headers that have no meaning on
// a multiplexed stream. The returned content length is -1 when unknown.
func parseResponseHead(head []byte) (HeaderBlock, int64, string, error) {
	text := string(head)
	text = strings.TrimSuffix(text, "\r\n\r\n")
	lines := strings.Split(text, "\r\n")
	version, status, ok := strings.Cut(lines[0], " ")
	if !ok || !strings.HasPrefix(version, "HTTP/1.") {
		return nil, 0, "", fmt.Errorf("malformed status line %q", lines[0])
	}
	code, _, _ := strings.Cut(status, " ")
	if len(code) != 3 {
		return nil, 0, "", fmt.Errorf("malformed status code in %q", lines[0])
	}
	if _, err := strconv.Atoi(code); err != nil {
		return nil, 0, "", fmt.Errorf("malformed status code in %q", lines[0])
	}

	block := HeaderBlock{
		{Name: "status", Values: []string{status}},
		{Name: "version", Values: []string{version}},
	}
	contentLength := int64(-1)
	index := map[string]int{}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			return nil, 0, "", fmt.Errorf("malformed header line %q", line)
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		switch name {
		case "connection", "keep-alive", "proxy-connection":
			continue
		case "transfer-encoding":
			// The bridge only speaks identity bodies. See the package
			// comment on the chunked-encoding contract.
			if strings.EqualFold(value, "chunked") {
				continue
			}
			return nil, 0, "", fmt.Errorf("unsupported transfer-encoding %q", value)
		case "status", "version":
			return nil, 0, "", fmt.Errorf("reserved header name %q in response", name)
		case "content-length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return nil, 0, "", fmt.Errorf("malformed content-length %q", value)
			}
			contentLength = n
		}
		if i, dup := index[name]; dup {
			block[i].Values = append(block[i].Values, value)
			continue
		}
		index[name] = len(block)
		block = append(block, HeaderField{Name: name, Values: []string{value}})
	}
	return block, contentLength, status, nil
}
