package tunnel

import "net"

// bufferSize is the fixed per-direction read buffer size (spec.md §3, §4.7).
const bufferSize = 1 << 20 // 1 MiB

// endpoint wraps one side — local or remote — of a session: the owned TCP
// connection and its preallocated read buffer. It corresponds to "Poll" in
// spec.md §3.
type endpoint struct {
	conn net.Conn
	buf  []byte
}

func newEndpoint(conn net.Conn) *endpoint {
	return &endpoint{conn: conn, buf: make([]byte, bufferSize)}
}

// readChunk performs a single Read into the endpoint's buffer, always at
// offset 0. A short read is not accumulated across separate readChunk
// calls — the next call overwrites whatever was read before. This
// reproduces a known limitation of the uvsocks source this session driver
// is ported from (original_source/src/uvsocks.c): a SOCKS5 reply that
// straddles two reads can be lost. See SPEC_FULL.md §9 — intentionally not
// fixed.
func (e *endpoint) readChunk() (int, error) {
	return e.conn.Read(e.buf)
}

func (e *endpoint) close() error {
	return e.conn.Close()
}
