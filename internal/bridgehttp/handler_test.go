package bridgehttp_test

import (
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/spdyserve/internal/bridgehttp"
	"example.com/spdyserve/internal/spdy"
)

type goExecutor struct{}

func (goExecutor) Submit(task func()) error {
	go task()
	return nil
}

type frameSink struct{ ch chan interface{} }

type dataFrame struct {
	id   spdy.StreamID
	data []byte
	fin  bool
}

func (s frameSink) OnControl(frame spdy.ControlFrame) { s.ch <- frame }
func (s frameSink) OnStreamData(id spdy.StreamID, data []byte, fin bool) {
	s.ch <- dataFrame{id: id, data: append([]byte(nil), data...), fin: fin}
}
func (s frameSink) OnError(err *spdy.FramerError) { s.ch <- err }

// TestHandlerEndToEnd drives a net/http handler through a whole session:
// SPDY frames in, SPDY frames out, HTTP in the middle.
func TestHandlerEndToEnd(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, "ping", string(body))
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "world")
	})

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	sess := spdy.NewSession(serverConn, bridgehttp.Handler(mux, nil), goExecutor{}, spdy.SessionConfig{})
	go sess.Serve()

	ch := make(chan interface{}, 64)
	framer := spdy.NewFramer(frameSink{ch}, 0)
	go func() {
		buf := make([]byte, 16<<10)
		for {
			n, err := clientConn.Read(buf)
			if n > 0 {
				if _, ferr := framer.Feed(buf[:n]); ferr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	var headers spdy.HeaderBlock
	headers.Add("method", "POST")
	headers.Add("url", "/hello")
	headers.Add("version", "HTTP/1.1")
	headers.Add("host", "example.com")
	headers.Add("content-length", "4")
	syn, err := framer.SerializeFrame(&spdy.SynStreamFrame{StreamID: 1, Headers: headers})
	require.NoError(t, err)
	_, err = clientConn.Write(syn)
	require.NoError(t, err)
	body, err := framer.SerializeFrame(&spdy.DataFrame{StreamID: 1, Flags: spdy.FlagFin, Data: []byte("ping")})
	require.NoError(t, err)
	_, err = clientConn.Write(body)
	require.NoError(t, err)

	next := func() interface{} {
		select {
		case f := <-ch:
			return f
		case <-time.After(2 * time.Second):
			t.Fatal("no frame from server")
			return nil
		}
	}

	var reply *spdy.SynReplyFrame
	for reply == nil {
		f := next()
		if r, ok := f.(*spdy.SynReplyFrame); ok {
			reply = r
		}
	}
	assert.Equal(t, spdy.StreamID(1), reply.StreamID)
	assert.Equal(t, "200 OK", reply.Headers.Get("status"))
	assert.Equal(t, "text/plain", reply.Headers.Get("content-type"))
	assert.Equal(t, "5", reply.Headers.Get("content-length"))

	data, ok := next().(dataFrame)
	require.True(t, ok)
	assert.Equal(t, "world", string(data.data))
	assert.True(t, data.fin)
}
