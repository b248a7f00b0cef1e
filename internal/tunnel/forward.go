package tunnel

import (
	"fmt"
	"net"

	"github.com/craigderington/lazysocks/pkg/types"
)

// Forward is the reactor-owned state behind one registered ForwardSpec:
// for ForwardConnect it also holds the local listener; for ForwardBind it
// holds nothing extra, since the "listener" lives on the proxy.
type Forward struct {
	types.ForwardSpec

	tunnel   *Tunnel
	listener net.Listener
	closeCh  chan struct{}
}

// dispatchConnect opens f's local listener and starts accepting. Must run
// on the reactor goroutine: it is always called from inside a queued
// command.
func (t *Tunnel) dispatchConnect(f *Forward) {
	addr := fmt.Sprintf("%s:%d", f.ListenHost, f.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		t.notifyStatus(types.StatusLocalServer, err, f)
		return
	}
	f.listener = ln
	if f.ListenPort == 0 {
		f.ListenPort = ln.Addr().(*net.TCPAddr).Port
	}
	t.notifyReady(f, f.RemoteHost, f.RemotePort, f.ListenHost, f.ListenPort)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.acceptLoop(f, ln)
	}()
}

// acceptLoop accepts inbound local connections for f until its listener
// is closed, spawning one session goroutine per connection. Go's net
// package exposes no knob for the fixed backlog of 16 spec.md §4.5
// specifies for the original listen(2) call — the kernel default applies
// instead; see DESIGN.md.
func (t *Tunnel) acceptLoop(f *Forward, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-f.closeCh:
				return
			default:
			}
			t.queue.push(func() {
				t.notifyStatus(types.StatusLocalServer, err, f)
			})
			return
		}

		s := newSession(t, f)
		s.local = newEndpoint(conn)
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			s.runConnect()
		}()
	}
}

// dispatchBind starts a fresh BIND session for f. Must run on the
// reactor goroutine.
func (t *Tunnel) dispatchBind(f *Forward) {
	s := newSession(t, f)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		s.runReverse()
	}()
}
