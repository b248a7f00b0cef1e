// Package tunnel implements the SOCKS5 client tunnel core: a reactor
// goroutine per Tunnel that owns all forward/session bookkeeping, fed by
// an async command queue, with blocking DNS/dial/accept/read work done on
// dedicated per-session and per-listener goroutines (spec.md §2, §5).
package tunnel

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/craigderington/lazysocks/pkg/types"
)

// queueCapacity bounds the number of pending reactor commands before a
// producer blocks (spec.md §4.1).
const queueCapacity = 256

// Tunnel is the library's external handle: one proxy connection's worth
// of forwards and their live sessions. All exported methods are safe to
// call from any goroutine; the tunnel marshals each call onto its own
// reactor goroutine before touching shared state.
type Tunnel struct {
	proxyHost string
	proxyPort int
	username  string
	password  string
	status    types.StatusCallback

	forwards        map[string]*Forward
	reverseForwards map[string]*Forward
	sessions        map[uuid.UUID]*session

	queue *commandQueue
	log   zerolog.Logger

	started bool

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New allocates a Tunnel and immediately starts its reactor goroutine.
// Forwards may be registered with AddForward/AddReverseForward before
// Start is called; they are dispatched once Start supplies proxy
// credentials.
func New(log zerolog.Logger) *Tunnel {
	t := &Tunnel{
		forwards:        make(map[string]*Forward),
		reverseForwards: make(map[string]*Forward),
		sessions:        make(map[uuid.UUID]*session),
		queue:           newCommandQueue(queueCapacity),
		log:             log.With().Str("component", "tunnel").Logger(),
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.queue.run()
	}()
	return t
}

// runOnReactor submits fn to the reactor and blocks until it has run to
// completion. It returns false instead of blocking forever if the tunnel
// is already shutting down and fn may never be drained (commandQueue.stop
// leaks anything still in flight by design).
func (t *Tunnel) runOnReactor(fn func()) bool {
	done := make(chan struct{})
	if !t.queue.pushUnlessStopped(func() {
		fn()
		close(done)
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-t.queue.done:
		return false
	}
}

// Start supplies the proxy endpoint and credentials, then dispatches
// every forward registered so far. It always returns nil: per-forward
// failures are reported through status, not the return value, mirroring
// the original uvsocks_run's "always returns 0" contract (spec.md §6).
func (t *Tunnel) Start(proxyHost string, proxyPort int, username, password string, status types.StatusCallback) error {
	t.startOnce.Do(func() {
		t.runOnReactor(func() {
			t.proxyHost = proxyHost
			t.proxyPort = proxyPort
			t.username = username
			t.password = password
			t.status = status
			t.started = true

			for _, f := range t.forwards {
				t.dispatchConnect(f)
			}
			for _, f := range t.reverseForwards {
				t.dispatchBind(f)
			}
		})
	})
	return nil
}

// AddForward registers a local->remote CONNECT forward. If the tunnel is
// already started, it is dispatched immediately; otherwise it waits for
// Start.
func (t *Tunnel) AddForward(spec types.ForwardSpec) *Forward {
	spec.Kind = types.ForwardConnect
	return t.addForward(spec, t.forwards, t.dispatchConnect)
}

// AddReverseForward registers a remote BIND forward.
func (t *Tunnel) AddReverseForward(spec types.ForwardSpec) *Forward {
	spec.Kind = types.ForwardBind
	return t.addForward(spec, t.reverseForwards, t.dispatchBind)
}

func (t *Tunnel) addForward(spec types.ForwardSpec, table map[string]*Forward, dispatch func(*Forward)) *Forward {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	f := &Forward{ForwardSpec: spec, tunnel: t, closeCh: make(chan struct{})}

	t.runOnReactor(func() {
		table[f.ID] = f
		if t.started {
			dispatch(f)
		}
	})
	return f
}

// scheduleReverseForward re-dispatches a BIND forward after its session
// ends, since a single BIND session serves exactly one connected peer
// before the proxy stops listening (spec.md §4.5). Fire-and-forget: the
// caller (session.destroy) does not wait for this to run.
func (t *Tunnel) scheduleReverseForward(f *Forward) {
	select {
	case <-f.closeCh:
		return
	default:
	}
	t.dispatchBind(f)
}

func (t *Tunnel) registerSession(s *session) {
	t.sessions[s.id] = s
}

func (t *Tunnel) unregisterSession(s *session) {
	delete(t.sessions, s.id)
}

func (t *Tunnel) notifyStatus(kind types.StatusKind, err error, f *Forward) {
	t.log.Debug().Str("kind", string(kind)).Err(err).Str("forward_id", f.ID).Msg("status")
	if t.status != nil {
		spec := f.ForwardSpec
		t.status(kind, err, &spec)
	}
}

// notifyReady fires f's Ready callback. listenHost/listenPort describe
// our local listener for a CONNECT forward, or the proxy's address and
// the port it bound on our behalf for a BIND forward (pkg/types doc on
// ListenerReadyCallback).
func (t *Tunnel) notifyReady(f *Forward, remoteHost string, remotePort int, listenHost string, listenPort int) {
	if f.Ready != nil {
		f.Ready(remoteHost, remotePort, listenHost, listenPort)
	}
}

// Close shuts every forward and session down and stops the reactor
// goroutine, blocking until it has actually exited.
func (t *Tunnel) Close() error {
	t.closeOnce.Do(func() {
		done := make(chan struct{})
		t.queue.push(func() {
			for _, f := range t.forwards {
				t.closeForward(f)
			}
			for _, f := range t.reverseForwards {
				t.closeForward(f)
			}
			for _, s := range t.sessions {
				s.destroy()
			}
			t.queue.stop()
			close(done)
		})
		<-done
		t.wg.Wait()
	})
	return nil
}

func (t *Tunnel) closeForward(f *Forward) {
	close(f.closeCh)
	if f.listener != nil {
		_ = f.listener.Close()
	}
}

// ForwardSummary is the JSON-friendly view of a forward returned by
// Snapshot, used by the monitor HTTP API.
type ForwardSummary struct {
	types.ForwardSpec
	SessionCount int `json:"session_count"`
}

// Snapshot returns the current forward list and active session counts.
// Safe to call from any goroutine: it round-trips through the reactor.
func (t *Tunnel) Snapshot() []ForwardSummary {
	var out []ForwardSummary
	t.runOnReactor(func() {
		counts := make(map[string]int)
		for _, s := range t.sessions {
			counts[s.forward.ID]++
		}
		for _, f := range t.forwards {
			out = append(out, ForwardSummary{ForwardSpec: f.ForwardSpec, SessionCount: counts[f.ID]})
		}
		for _, f := range t.reverseForwards {
			out = append(out, ForwardSummary{ForwardSpec: f.ForwardSpec, SessionCount: counts[f.ID]})
		}
	})
	return out
}

func (t *Tunnel) String() string {
	return fmt.Sprintf("tunnel(proxy=%s:%d)", t.proxyHost, t.proxyPort)
}
