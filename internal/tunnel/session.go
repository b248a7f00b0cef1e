package tunnel

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/craigderington/lazysocks/internal/socks5"
	"github.com/craigderington/lazysocks/pkg/types"
)

// session drives one proxied connection through HANDSHAKE -> AUTHENTICATE
// -> ESTABLISH -> [BIND] -> TUNNEL (spec.md §4.2). Every session runs its
// own goroutine for the blocking setup steps and records its state there
// under mu; session registration, status/ready notifications and teardown
// bookkeeping are marshaled onto the tunnel's reactor goroutine.
type session struct {
	id      uuid.UUID
	tunnel  *Tunnel
	forward *Forward

	local  *endpoint
	remote *endpoint

	mu    sync.RWMutex
	state types.SessionState

	// writeMu serializes writes across both directions of the relay. One
	// mutex per session, not per endpoint — spec.md §4.3 notes that a
	// session's two pumps never write to the same endpoint concurrently
	// save for teardown, so a single lock is sufficient and simpler than
	// two.
	writeMu sync.Mutex

	// destroyOnce guards teardown: both relay pumps can fail at once when
	// one side closes the connection, and fail() calls destroy() on
	// whichever pump noticed first.
	destroyOnce sync.Once
}

func newSession(t *Tunnel, f *Forward) *session {
	return &session{
		id:      uuid.New(),
		tunnel:  t,
		forward: f,
		state:   types.StateNone,
	}
}

func (s *session) setState(st types.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) State() types.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// write sends b over dst under the session-wide write lock.
func (s *session) write(dst *endpoint, b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := dst.conn.Write(b)
	return err
}

// waitForReply blocks until at least minLen bytes have been read from
// remote in a single readChunk call, or an error occurs. It does not
// accumulate short reads across calls — each retry starts back at buffer
// offset 0, so a reply fragmented across two TCP segments can be lost.
// This mirrors uvsocks.c's handling of context->remote->buf and is
// intentionally not fixed; see SPEC_FULL.md §9.
func (s *session) waitForReply(minLen int) ([]byte, error) {
	for {
		n, err := s.remote.readChunk()
		if err != nil {
			return nil, err
		}
		if n >= minLen {
			return s.remote.buf[:n], nil
		}
	}
}

// fail reports kind/err for this session's forward on the reactor
// goroutine and then tears the session down.
func (s *session) fail(kind types.StatusKind, err error) {
	s.tunnel.queue.push(func() {
		s.tunnel.notifyStatus(kind, err, s.forward)
	})
	s.destroy()
}

// destroy closes both endpoints and unregisters the session. For a BIND
// forward it also schedules a fresh listening session, since the proxy
// stops listening on our behalf once a session ends (spec.md §4.5).
func (s *session) destroy() {
	s.destroyOnce.Do(func() {
		if s.local != nil {
			_ = s.local.close()
		}
		if s.remote != nil {
			_ = s.remote.close()
		}
		s.tunnel.queue.push(func() {
			s.tunnel.unregisterSession(s)
			if s.forward.Kind == types.ForwardBind {
				s.tunnel.scheduleReverseForward(s.forward)
			}
		})
	})
}

// runConnect drives the CONNECT path: dial the proxy, negotiate, and
// relay between the already-accepted local connection and the new
// SOCKS5-tunneled remote connection. It must run on a dedicated goroutine
// — every step below can block.
func (s *session) runConnect() {
	defer s.destroy()

	proxyIP, err := resolveHost(s.tunnel.proxyHost)
	if err != nil {
		s.reportResolveErr(err)
		return
	}
	remoteIP, err := resolveHost(s.forward.RemoteHost)
	if err != nil {
		s.reportResolveErr(err)
		return
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", proxyIP, s.tunnel.proxyPort))
	if err != nil {
		s.fail(types.StatusConnect, err)
		return
	}
	s.remote = newEndpoint(conn)

	if !s.tunnel.runOnReactor(func() { s.tunnel.registerSession(s) }) {
		// Tunnel is shutting down; nothing will ever drain our
		// registration closure, so there is nothing left to tear down
		// on the reactor either. Just release the socket we opened.
		return
	}

	if err := s.negotiate(remoteIP, s.forward.RemotePort, socks5.CmdConnect); err != nil {
		return
	}

	s.setState(types.StateTunnel)
	s.startRelay()
}

// runReverse drives the BIND path: negotiate a listening port on the
// proxy, report it via the forward's Ready callback, wait for the
// proxy's second reply announcing a connected peer, then dial the local
// destination and relay.
func (s *session) runReverse() {
	defer s.destroy()

	proxyIP, err := resolveHost(s.tunnel.proxyHost)
	if err != nil {
		s.reportResolveErr(err)
		return
	}
	listenIP, err := resolveHost(s.forward.ListenHost)
	if err != nil {
		s.reportResolveErr(err)
		return
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", proxyIP, s.tunnel.proxyPort))
	if err != nil {
		s.fail(types.StatusConnect, err)
		return
	}
	s.remote = newEndpoint(conn)

	if !s.tunnel.runOnReactor(func() { s.tunnel.registerSession(s) }) {
		return
	}

	if err := s.handshakeAndAuth(); err != nil {
		return
	}

	req := socks5.Request(socks5.CmdBind, ipv4Bytes(listenIP), uint16(s.forward.ListenPort))
	if err := s.write(s.remote, req); err != nil {
		s.fail(types.StatusForward, err)
		return
	}
	s.setState(types.StateEstablish)

	first, err := s.waitForReply(socks5.ReplyLen)
	if err != nil {
		s.fail(types.StatusPollRemoteReadStart, err)
		return
	}
	if err := socks5.ParseReply(first); err != nil {
		s.fail(types.StatusForward, err)
		return
	}
	boundPort, err := socks5.BindPort(first)
	if err != nil {
		s.fail(types.StatusForward, err)
		return
	}
	s.setState(types.StateBind)
	proxyHost := s.tunnel.proxyHost
	s.tunnel.queue.push(func() {
		s.tunnel.notifyReady(s.forward, s.forward.RemoteHost, s.forward.RemotePort, proxyHost, int(boundPort))
	})

	second, err := s.waitForReply(socks5.ReplyLen)
	if err != nil {
		s.fail(types.StatusRemoteRead, err)
		return
	}
	if err := socks5.ParseReply(second); err != nil {
		s.fail(types.StatusForward, err)
		return
	}

	local, err := net.Dial("tcp", fmt.Sprintf("%s:%d", s.forward.RemoteHost, s.forward.RemotePort))
	if err != nil {
		s.fail(types.StatusLocalServer, err)
		return
	}
	s.local = newEndpoint(local)

	s.setState(types.StateTunnel)
	s.startRelay()
}

// negotiate runs HANDSHAKE -> AUTHENTICATE -> ESTABLISH for a CONNECT
// request against addr:port, leaving the session in StateEstablish on
// success.
func (s *session) negotiate(addr net.IP, port int, cmd byte) error {
	if err := s.handshakeAndAuth(); err != nil {
		return err
	}

	req := socks5.Request(cmd, ipv4Bytes(addr), uint16(port))
	if err := s.write(s.remote, req); err != nil {
		s.fail(types.StatusForward, err)
		return err
	}
	s.setState(types.StateEstablish)

	reply, err := s.waitForReply(socks5.ReplyLen)
	if err != nil {
		s.fail(types.StatusRemoteRead, err)
		return err
	}
	if err := socks5.ParseReply(reply); err != nil {
		s.fail(types.StatusForward, err)
		return err
	}
	return nil
}

func (s *session) handshakeAndAuth() error {
	s.setState(types.StateHandshake)
	if err := s.write(s.remote, socks5.Greeting()); err != nil {
		s.fail(types.StatusHandshake, err)
		return err
	}
	greetReply, err := s.waitForReply(socks5.GreetingReplyLen)
	if err != nil {
		s.fail(types.StatusHandshake, err)
		return err
	}
	if err := socks5.ParseGreetingReply(greetReply); err != nil {
		s.fail(types.StatusHandshake, err)
		return err
	}

	s.setState(types.StateAuthenticate)
	authReq, err := socks5.AuthRequest(s.tunnel.username, s.tunnel.password)
	if err != nil {
		s.fail(types.StatusAuth, err)
		return err
	}
	if err := s.write(s.remote, authReq); err != nil {
		s.fail(types.StatusAuth, err)
		return err
	}
	authReply, err := s.waitForReply(socks5.AuthReplyLen)
	if err != nil {
		s.fail(types.StatusAuth, err)
		return err
	}
	if err := socks5.ParseAuthReply(authReply); err != nil {
		s.fail(types.StatusAuth, err)
		return err
	}
	return nil
}

func (s *session) reportResolveErr(err error) {
	kind := types.StatusDNSResolve
	if errors.Is(err, errAddrInfo) {
		kind = types.StatusDNSAddrInfo
	}
	s.fail(kind, err)
}
