package server

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/spdyserve/internal/config"
	"example.com/spdyserve/internal/logger"
	"example.com/spdyserve/internal/spdy"
)

type goExecutor struct{}

func (goExecutor) Submit(task func()) error {
	go task()
	return nil
}

// writeSelfSignedCert drops a throwaway certificate and key into dir.
func writeSelfSignedCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile,
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(keyFile,
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2")
		w.Write([]byte("ok"))
	})
	srv, err := New(cfg, logger.Nop(), handler, goExecutor{})
	require.NoError(t, err)
	return srv
}

func TestAdvertisedProtocols(t *testing.T) {
	srv := newTestServer(t, nil)
	assert.Equal(t, []string{"spdy/2", "http/1.1"}, srv.advertisedProtocols())

	disabled := false
	srv = newTestServer(t, func(c *config.Config) { c.Spdy.Enabled = &disabled })
	assert.Equal(t, []string{"http/1.1"}, srv.advertisedProtocols())
}

func TestHTTP1Fallback(t *testing.T) {
	srv := newTestServer(t, nil)
	serverConn, clientConn := net.Pipe()
	go srv.handleConn(serverConn)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(clientConn))

	resp, err := http.ReadResponse(bufio.NewReader(clientConn), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTLSProtocolSelection(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSignedCert(t, dir)
	srv := newTestServer(t, func(c *config.Config) {
		c.Server.TLSCertFile = certFile
		c.Server.TLSKeyFile = keyFile
	})

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   srv.advertisedProtocols(),
	})
	require.NoError(t, err)
	go srv.Serve(ln)
	defer srv.Shutdown()

	// A client asking for spdy/2 gets it and is greeted with SETTINGS.
	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"spdy/2"},
	})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Handshake())
	assert.Equal(t, ProtocolName, conn.ConnectionState().NegotiatedProtocol)

	got := make(chan spdy.ControlFrame, 1)
	framer := spdy.NewFramer(settingsSink{got}, 0)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		if _, ferr := framer.Feed(buf[:n]); ferr != nil {
			t.Fatalf("framing error: %v", ferr)
		}
		select {
		case f := <-got:
			settings, ok := f.(*spdy.SettingsFrame)
			require.True(t, ok)
			_, present := settings.Value(spdy.SettingMaxConcurrentStreams)
			assert.True(t, present)
			return
		default:
		}
	}
}

func TestTLSFallbackToHTTP1(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeSelfSignedCert(t, dir)
	srv := newTestServer(t, nil)

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   srv.advertisedProtocols(),
	})
	require.NoError(t, err)
	go srv.Serve(ln)
	defer srv.Shutdown()

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{"http/1.1"},
	})
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest(http.MethodGet, "http://localhost/", nil)
	require.NoError(t, err)
	require.NoError(t, req.Write(conn))
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type settingsSink struct{ ch chan spdy.ControlFrame }

func (s settingsSink) OnControl(frame spdy.ControlFrame)        { s.ch <- frame }
func (s settingsSink) OnStreamData(spdy.StreamID, []byte, bool) {}
func (s settingsSink) OnError(*spdy.FramerError)                {}

func TestShutdownStopsAccepting(t *testing.T) {
	srv := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()
	time.Sleep(20 * time.Millisecond)
	srv.Shutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}

	// A second Serve on a shut-down server refuses to run.
	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Error(t, srv.Serve(ln2))
}

func TestSingleConnListener(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	ln := newSingleConnListener(serverConn)

	conn, err := ln.Accept()
	require.NoError(t, err)

	second := make(chan error, 1)
	go func() {
		_, err := ln.Accept()
		second <- err
	}()
	select {
	case <-second:
		t.Fatal("second Accept must block until the connection closes")
	case <-time.After(50 * time.Millisecond):
	}

	conn.Close()
	select {
	case err := <-second:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("second Accept did not unblock")
	}
}
