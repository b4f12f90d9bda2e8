// Package bridgehttp runs standard net/http handlers against a SPDY stream
// bridge. It is the Go form of the host server's request-handling machinery:
// the bridge hands it a synthesized HTTP/1.1 request byte stream, and it
// produces identity-encoded HTTP/1.1 response bytes, never chunked transfer
// coding, so the bridge can frame the body directly.
package bridgehttp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"example.com/spdyserve/internal/logger"
	"example.com/spdyserve/internal/spdy"
)

// Handler adapts h into a stream handler for SPDY sessions.
func Handler(h http.Handler, lg *logger.Logger) spdy.StreamHandler {
	if lg == nil {
		lg = logger.Nop()
	}
	return func(b *spdy.Bridge) {
		req, err := http.ReadRequest(bufio.NewReader(b))
		if err != nil {
			if !errors.Is(err, spdy.ErrStreamCancelled) && !errors.Is(err, spdy.ErrSessionClosed) {
				lg.Warn("unreadable synthesized request", logger.Fields{
					"stream_id": uint32(b.StreamID()),
					"error":     err.Error(),
				})
			}
			return
		}
		defer req.Body.Close()
		rw := &responseWriter{w: b, header: make(http.Header)}
		h.ServeHTTP(rw, req)
		rw.finish()
	}
}

// responseWriter renders handler output as an unchunked HTTP/1.1 response on
// the bridge. The head is written by WriteHeader, or implicitly on the first
// body write (or at finish), so a Content-Length the handler set beforehand
// passes through and the bridge can put FIN on the last body frame.
type responseWriter struct {
	w           io.Writer
	header      http.Header
	status      int
	wroteHeader bool
	failed      bool
}

// Header returns the response header map.
func (w *responseWriter) Header() http.Header { return w.header }

// WriteHeader writes the status line and headers to the bridge.
func (w *responseWriter) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = status

	text := http.StatusText(status)
	if text == "" {
		text = "Status"
	}
	head := fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, text)
	names := make([]string, 0, len(w.header))
	for name := range w.header {
		switch http.CanonicalHeaderKey(name) {
		case "Transfer-Encoding", "Connection", "Keep-Alive":
			// Never emitted; body framing is the transport's business.
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range w.header[name] {
			head += fmt.Sprintf("%s: %s\r\n", name, value)
		}
	}
	head += "\r\n"
	if _, err := io.WriteString(w.w, head); err != nil {
		w.failed = true
	}
}

// Write sends body bytes through the bridge.
func (w *responseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		if w.header.Get("Content-Type") == "" {
			w.header.Set("Content-Type", http.DetectContentType(p))
		}
		w.WriteHeader(http.StatusOK)
	}
	if w.failed {
		return 0, spdy.ErrStreamCancelled
	}
	return w.w.Write(p)
}

// Flush is a no-op: bytes reach the session scheduler as soon as the
// response head is complete.
func (w *responseWriter) Flush() {}

// finish completes a response for handlers that never wrote anything.
func (w *responseWriter) finish() {
	if w.wroteHeader {
		return
	}
	if w.header.Get("Content-Length") == "" {
		w.header.Set("Content-Length", strconv.Itoa(0))
	}
	w.WriteHeader(http.StatusOK)
}
