// Package types holds the data model shared between the tunnel core and
// its collaborators (CLI, storage, monitoring). None of these types know
// how to drive a SOCKS5 session themselves; internal/tunnel owns that.
package types

import "time"

// ForwardKind selects which SOCKS5 command a Forward uses.
type ForwardKind string

const (
	// ForwardConnect accepts local connections and relays each through a
	// fresh proxy session opened with the SOCKS5 CONNECT command.
	ForwardConnect ForwardKind = "connect"
	// ForwardBind asks the proxy to listen on a remote port and, for every
	// inbound peer, dials a local destination and splices the streams.
	ForwardBind ForwardKind = "bind"
)

// SessionState is the SOCKS5 session state machine's current step. States
// advance monotonically in this order except that any state may jump to
// destruction on error (spec.md §4.2).
type SessionState int32

const (
	StateNone SessionState = iota
	StateHandshake
	StateAuthenticate
	StateEstablish
	StateBind
	StateTunnel
)

func (s SessionState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateHandshake:
		return "handshake"
	case StateAuthenticate:
		return "authenticate"
	case StateEstablish:
		return "establish"
	case StateBind:
		return "bind"
	case StateTunnel:
		return "tunnel"
	default:
		return "unknown"
	}
}

// StatusKind enumerates the error/status kinds the tunnel core can surface
// through the status callback (spec.md §6, §7). OK is reserved for future
// non-error notifications; the core never constructs one today.
type StatusKind string

const (
	StatusOK                  StatusKind = "OK"
	StatusHandshake           StatusKind = "HANDSHAKE"
	StatusAuth                StatusKind = "AUTH"
	StatusForward             StatusKind = "FORWARD"
	StatusConnect             StatusKind = "CONNECT"
	StatusDNSResolve          StatusKind = "DNS_RESOLVE"
	StatusDNSAddrInfo         StatusKind = "DNS_ADDRINFO"
	StatusLocalServer         StatusKind = "LOCAL_SERVER"
	StatusLocalRead           StatusKind = "LOCAL_READ"
	StatusRemoteRead          StatusKind = "REMOTE_READ"
	StatusPollRemoteReadStart StatusKind = "POLL_REMOTE_READ_START"
)

// StatusCallback is invoked on the reactor goroutine whenever a session or
// forward hits one of the StatusKind conditions above. It must not block.
// It may be nil.
type StatusCallback func(kind StatusKind, err error, forward *ForwardSpec)

// ListenerReadyCallback fires once per CONNECT forward when its local
// listener is bound, and once per BIND reply cycle when the proxy reports
// the port it is listening on. Arguments are always
// (remoteHost, remotePort, listenHost, listenPort) — for a CONNECT forward
// listenHost/listenPort describe our local listener; for a BIND forward
// they describe the proxy's address and the port it bound on our behalf.
type ListenerReadyCallback func(remoteHost string, remotePort int, listenHost string, listenPort int)

// ForwardSpec is the caller-facing description of a single forwarding
// rule, registered through Tunnel.AddForward or Tunnel.AddReverseForward.
type ForwardSpec struct {
	ID   string      `json:"id" mapstructure:"id"`
	Kind ForwardKind `json:"kind" mapstructure:"kind" validate:"required,oneof=connect bind"`

	ListenHost string `json:"listen_host" mapstructure:"listen_host"`
	ListenPort int    `json:"listen_port" mapstructure:"listen_port" validate:"min=0,max=65535"`
	// ListenPath is accepted and stored but never interpreted by the
	// core. Reserved for future UNIX-domain or filesystem-path
	// forwarding (SPEC_FULL.md §9).
	ListenPath string `json:"listen_path,omitempty" mapstructure:"listen_path"`

	RemoteHost string `json:"remote_host" mapstructure:"remote_host" validate:"required"`
	RemotePort int    `json:"remote_port" mapstructure:"remote_port" validate:"required,min=1,max=65535"`
	// RemotePath mirrors ListenPath: stored, never read by the core.
	RemotePath string `json:"remote_path,omitempty" mapstructure:"remote_path"`

	// Ready is invoked once the forward's listener (CONNECT) or the
	// proxy's bound port (BIND) is known. May be nil.
	Ready ListenerReadyCallback `json:"-" mapstructure:"-"`
	// UserData is opaque to the core: it is stored with the spec, but the
	// core never reads it and does not pass it to Ready.
	UserData interface{} `json:"-" mapstructure:"-"`
}

// TunnelConfig is the top-level configuration loaded by cmd/lazysocksctl
// from a YAML file via viper. It is not used by the core library itself.
type TunnelConfig struct {
	ProxyHost string `mapstructure:"proxy_host" validate:"required"`
	ProxyPort int    `mapstructure:"proxy_port" validate:"required,min=1,max=65535"`
	Username  string `mapstructure:"username" validate:"required"`
	Password  string `mapstructure:"password" validate:"required"`

	Forwards        []ForwardSpec `mapstructure:"forwards" validate:"dive"`
	ReverseForwards []ForwardSpec `mapstructure:"reverse_forwards" validate:"dive"`
}

// ForwardRecord is the persisted shape of a ForwardSpec (internal/storage),
// stripped of the non-serializable callback/user-data fields.
type ForwardRecord struct {
	ID         string      `json:"id"`
	Kind       ForwardKind `json:"kind"`
	ListenHost string      `json:"listen_host"`
	ListenPort int         `json:"listen_port"`
	ListenPath string      `json:"listen_path,omitempty"`
	RemoteHost string      `json:"remote_host"`
	RemotePort int         `json:"remote_port"`
	RemotePath string      `json:"remote_path,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}
