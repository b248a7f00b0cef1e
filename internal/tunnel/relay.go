package tunnel

import (
	"sync"

	"github.com/craigderington/lazysocks/pkg/types"
)

// startRelay splices local and remote once a session has reached
// StateTunnel: two goroutines, each copying one direction, running until
// either side closes or errors (spec.md §4.7).
func (s *session) startRelay() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pump(s.local, s.remote, types.StatusLocalRead)
	}()
	go func() {
		defer wg.Done()
		s.pump(s.remote, s.local, types.StatusRemoteRead)
	}()
	wg.Wait()
}

// pump copies from src to dst until src.Read fails. Unlike the handshake
// steps, a full relay copy reads directly off the connection rather than
// through readChunk — it is not subject to the fragmented-reply
// limitation described in SPEC_FULL.md §9, since no minimum-length reply
// is ever awaited here. Both endpoints are closed once the loop ends, so
// the peer pump's blocked Read unblocks too; the original proxy() this is
// ported from left that half-closed instead, which could wedge a session
// forever on a one-directional EOF.
//
// A clean peer close (io.EOF) is reported through errKind exactly like any
// other read error: uvsocks_remote_read/uvsocks_local_read treat a
// negative libuv read result — which includes UV_EOF — identically to a
// hard error, always signaling and destroying the session (spec.md §4.2,
// §8 Concrete Scenario 5). There is no EOF special case to carry forward.
func (s *session) pump(src, dst *endpoint, errKind types.StatusKind) {
	buf := make([]byte, bufferSize)
	for {
		n, err := src.conn.Read(buf)
		if n > 0 {
			if werr := s.write(dst, buf[:n]); werr != nil {
				s.fail(errKind, werr)
				break
			}
		}
		if err != nil {
			s.fail(errKind, err)
			break
		}
	}
	_ = src.close()
	_ = dst.close()
}
