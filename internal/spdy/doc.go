// Package spdy implements the server side of the SPDY/2 protocol: the frame
// codec with its shared header-compression contexts, the session state
// machine that multiplexes streams over one transport connection, and the
// per-stream bridge that presents each stream to a downstream worker as a
// conventional HTTP/1.1 byte exchange.
//
// A session is driven by the goroutine that calls Serve; per-stream work is
// handed to an Executor and must run elsewhere, because bridge reads block.
//
// The bridge only speaks identity-encoded response bodies. Whatever produces
// the HTTP/1.1 response bytes must not apply chunked transfer coding; a
// stray "Transfer-Encoding: chunked" header is stripped before the
// SYN_REPLY is built and the body is framed as-is. Response body boundaries
// come from the SPDY FIN bit, never from the transfer coding.
package spdy
