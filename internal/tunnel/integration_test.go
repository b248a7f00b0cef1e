package tunnel

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/craigderington/lazysocks/internal/socks5"
	"github.com/craigderington/lazysocks/pkg/types"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// The helpers below run on the fake proxy's own goroutine, never the test
// goroutine, so they must not call t.Fatal/t.Fatalf (testing.T forbids
// FailNow off the test goroutine). Read/write failures are fatal to that
// fake connection only; the assertions that actually fail the test run on
// the main goroutine against channels the fake proxy feeds.

func mustRead(conn net.Conn, n int) []byte {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil
	}
	return buf
}

func mustReadAuth(conn net.Conn) (user, pass string, ok bool) {
	hdr := mustRead(conn, 2)
	if hdr == nil {
		return "", "", false
	}
	userBuf := mustRead(conn, int(hdr[1]))
	plen := mustRead(conn, 1)
	if plen == nil {
		return "", "", false
	}
	passBuf := mustRead(conn, int(plen[0]))
	if userBuf == nil || passBuf == nil {
		return "", "", false
	}
	return string(userBuf), string(passBuf), true
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %s: %v", portStr, err)
	}
	return host, port
}

// Scenario 1: successful CONNECT forward relays bytes in both directions.
func TestConnectForwardSuccess(t *testing.T) {
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()

	helloCh := make(chan string, 1)
	go func() {
		conn, err := proxyLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		mustRead(conn, 3) // greeting
		conn.Write([]byte{socks5.Version5, socks5.MethodUserPass})

		mustReadAuth(conn)
		conn.Write([]byte{socks5.AuthVersion, socks5.AuthSuccess})

		mustRead(conn, 10) // CONNECT request
		conn.Write([]byte{socks5.Version5, socks5.ReplySuccess, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

		hello := mustRead(conn, 5)
		helloCh <- string(hello)
		conn.Write([]byte("world"))
	}()

	proxyHost, proxyPort := splitHostPort(t, proxyLn.Addr().String())

	tun := New(testLogger())
	defer tun.Close()

	readyCh := make(chan int, 1)
	tun.AddForward(types.ForwardSpec{
		ListenHost: "127.0.0.1",
		ListenPort: 0,
		RemoteHost: "10.0.0.1",
		RemotePort: 2000,
		Ready: func(remoteHost string, remotePort int, listenHost string, listenPort int) {
			readyCh <- listenPort
		},
	})

	if err := tun.Start(proxyHost, proxyPort, "user", "password", nil); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var listenPort int
	select {
	case listenPort = <-readyCh:
	case <-time.After(2 * time.Second):
		t.Fatal("forward never became ready")
	}

	peer, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort)))
	if err != nil {
		t.Fatalf("dial local listener: %v", err)
	}
	defer peer.Close()

	if _, err := peer.Write([]byte("hello")); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	select {
	case got := <-helloCh:
		if got != "hello" {
			t.Errorf("remote received %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote never received hello")
	}

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	got := make([]byte, 5)
	if _, err := io.ReadFull(peer, got); err != nil {
		t.Fatalf("read world: %v", err)
	}
	if string(got) != "world" {
		t.Errorf("local peer received %q, want %q", got, "world")
	}
}

// Scenario 2: auth rejected tears the session down but the listener
// keeps accepting later connections.
func TestConnectForwardAuthRejected(t *testing.T) {
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()

	accepted := make(chan struct{}, 2)
	go func() {
		conn, err := proxyLn.Accept()
		if err != nil {
			return
		}
		accepted <- struct{}{}
		mustRead(conn, 3)
		conn.Write([]byte{socks5.Version5, socks5.MethodUserPass})
		mustReadAuth(conn)
		conn.Write([]byte{socks5.AuthVersion, 0x01})
		conn.Close()

		conn2, err := proxyLn.Accept()
		if err != nil {
			return
		}
		accepted <- struct{}{}
		mustRead(conn2, 3)
		conn2.Write([]byte{socks5.Version5, socks5.MethodUserPass})
		mustReadAuth(conn2)
		conn2.Write([]byte{socks5.AuthVersion, socks5.AuthSuccess})
		mustRead(conn2, 10)
		conn2.Write([]byte{socks5.Version5, socks5.ReplySuccess, 0x00, 0x01, 0, 0, 0, 0, 0, 0})
		conn2.Close()
	}()

	proxyHost, proxyPort := splitHostPort(t, proxyLn.Addr().String())

	statusCh := make(chan types.StatusKind, 4)
	tun := New(testLogger())
	defer tun.Close()

	readyCh := make(chan int, 1)
	tun.AddForward(types.ForwardSpec{
		ListenHost: "127.0.0.1",
		RemoteHost: "10.0.0.1",
		RemotePort: 2000,
		Ready: func(remoteHost string, remotePort int, listenHost string, listenPort int) {
			readyCh <- listenPort
		},
	})

	status := func(kind types.StatusKind, err error, forward *types.ForwardSpec) {
		statusCh <- kind
	}
	if err := tun.Start(proxyHost, proxyPort, "user", "password", status); err != nil {
		t.Fatalf("Start: %v", err)
	}

	listenPort := <-readyCh

	peer1, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer1.Close()

	select {
	case kind := <-statusCh:
		if kind != types.StatusAuth {
			t.Errorf("status kind = %s, want %s", kind, types.StatusAuth)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received AUTH status")
	}

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never saw the first connection")
	}

	peer2, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort)))
	if err != nil {
		t.Fatalf("listener did not accept a second connection: %v", err)
	}
	defer peer2.Close()

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never saw the second connection")
	}
}

// Scenario 6: a bad greeting surfaces HANDSHAKE status. Only the status
// kind is checked, not what the session writes afterwards.
func TestConnectForwardBadGreeting(t *testing.T) {
	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer proxyLn.Close()

	go func() {
		conn, err := proxyLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		mustRead(conn, 3)
		conn.Write([]byte{0x04, socks5.MethodUserPass})
	}()

	proxyHost, proxyPort := splitHostPort(t, proxyLn.Addr().String())

	statusCh := make(chan types.StatusKind, 1)
	tun := New(testLogger())
	defer tun.Close()

	readyCh := make(chan int, 1)
	tun.AddForward(types.ForwardSpec{
		ListenHost: "127.0.0.1",
		RemoteHost: "10.0.0.1",
		RemotePort: 2000,
		Ready: func(remoteHost string, remotePort int, listenHost string, listenPort int) {
			readyCh <- listenPort
		},
	})

	status := func(kind types.StatusKind, err error, forward *types.ForwardSpec) {
		statusCh <- kind
	}
	if err := tun.Start(proxyHost, proxyPort, "user", "password", status); err != nil {
		t.Fatalf("Start: %v", err)
	}
	listenPort := <-readyCh

	peer, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	select {
	case kind := <-statusCh:
		if kind != types.StatusHandshake {
			t.Errorf("status kind = %s, want %s", kind, types.StatusHandshake)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("never received HANDSHAKE status")
	}
}

// Scenarios 3-5: BIND forward reports the bound port via Ready, dials
// locally once the second reply arrives, and reschedules a fresh session
// once the first one ends.
func TestReverseForwardBindCycle(t *testing.T) {
	localLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen local: %v", err)
	}
	defer localLn.Close()
	_, localPort := splitHostPort(t, localLn.Addr().String())

	localAccepted := make(chan struct{}, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := localLn.Accept()
			if err != nil {
				return
			}
			localAccepted <- struct{}{}
			// Keep the local side open so the proxy's close is the first
			// EOF the relay sees.
			defer conn.Close()
		}
	}()

	proxyLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen proxy: %v", err)
	}
	defer proxyLn.Close()

	sessionsStarted := make(chan struct{}, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := proxyLn.Accept()
			if err != nil {
				return
			}
			sessionsStarted <- struct{}{}

			mustRead(conn, 3)
			conn.Write([]byte{socks5.Version5, socks5.MethodUserPass})
			mustReadAuth(conn)
			conn.Write([]byte{socks5.AuthVersion, socks5.AuthSuccess})

			mustRead(conn, 10) // BIND request
			conn.Write([]byte{socks5.Version5, socks5.ReplySuccess, 0x00, 0x01, 127, 0, 0, 1, 0x1f, 0x90})

			conn.Write([]byte{socks5.Version5, socks5.ReplySuccess, 0x00, 0x01, 127, 0, 0, 1, 0, 0})

			time.Sleep(50 * time.Millisecond)
			conn.Close()
		}
	}()

	proxyHost, proxyPort := splitHostPort(t, proxyLn.Addr().String())

	tun := New(testLogger())
	defer tun.Close()

	readyCh := make(chan int, 2)
	tun.AddReverseForward(types.ForwardSpec{
		ListenHost: "127.0.0.1",
		ListenPort: 9999,
		RemoteHost: "127.0.0.1",
		RemotePort: localPort,
		Ready: func(remoteHost string, remotePort int, listenHost string, listenPort int) {
			readyCh <- listenPort
		},
	})

	statusCh := make(chan types.StatusKind, 4)
	status := func(kind types.StatusKind, err error, forward *types.ForwardSpec) {
		statusCh <- kind
	}
	if err := tun.Start(proxyHost, proxyPort, "user", "password", status); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case port := <-readyCh:
		if port != 8080 {
			t.Errorf("bound port = %d, want 8080", port)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener-ready callback never fired")
	}

	select {
	case <-sessionsStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("first BIND session never started")
	}

	select {
	case <-localAccepted:
	case <-time.After(2 * time.Second):
		t.Fatal("second BIND reply never triggered a local dial")
	}

	select {
	case kind := <-statusCh:
		if kind != types.StatusRemoteRead {
			t.Errorf("status kind = %s, want %s", kind, types.StatusRemoteRead)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote EOF never surfaced a REMOTE_READ status")
	}

	select {
	case <-sessionsStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("remote EOF never rescheduled a fresh BIND session")
	}
}
