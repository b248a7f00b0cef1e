// Package socks5 implements wire-level framing for the client side of a
// SOCKS5 handshake: a version-5 greeting that advertises only
// username/password authentication (RFC 1929), and fixed-length IPv4
// CONNECT/BIND requests (RFC 1928). GSSAPI, UDP ASSOCIATE, IPv6 literals,
// and the domain-name address type are never emitted — see
// SPEC_FULL.md §1 Non-goals.
package socks5

import (
	"encoding/binary"
	"fmt"
)

const (
	// Version5 is the only SOCKS protocol version this client speaks.
	Version5 = 0x05

	// MethodUserPass is the only authentication method ever advertised.
	MethodUserPass = 0x02

	// AuthVersion is the username/password subnegotiation version (RFC 1929 §1).
	AuthVersion = 0x01
	// AuthSuccess is the subnegotiation status byte meaning "allowed".
	AuthSuccess = 0x00

	CmdConnect = 0x01
	CmdBind    = 0x02

	atypIPv4 = 0x01

	// ReplySuccess is the REP byte meaning the request succeeded.
	ReplySuccess = 0x00

	// ReplyLen is the length of a fixed IPv4 SOCKS5 reply:
	// VER REP RSV ATYP + 4 address bytes + 2 port bytes.
	ReplyLen = 10

	// greetingReplyLen/authReplyLen are both 2: a one-byte version/status pair.
	greetingReplyLen = 2
	authReplyLen     = 2
)

// GreetingReplyLen and AuthReplyLen are exported so the session driver can
// share one "wait until we have at least N bytes" loop for every step of
// the handshake without re-deriving these constants.
const (
	GreetingReplyLen = greetingReplyLen
	AuthReplyLen     = authReplyLen
)

// Greeting returns the version-identifier/method-selection message.
func Greeting() []byte {
	return []byte{Version5, 0x01, MethodUserPass}
}

// ParseGreetingReply reports whether buf (at least GreetingReplyLen bytes)
// is a greeting reply accepting username/password auth.
func ParseGreetingReply(buf []byte) error {
	if len(buf) < greetingReplyLen {
		return fmt.Errorf("short greeting reply: %d bytes", len(buf))
	}
	if buf[0] != Version5 || buf[1] != MethodUserPass {
		return fmt.Errorf("unexpected greeting reply % x", buf[:2])
	}
	return nil
}

// AuthRequest builds the RFC 1929 username/password subnegotiation packet:
// [0x01, len(user), user..., len(pass), pass...].
func AuthRequest(username, password string) ([]byte, error) {
	if len(username) == 0 || len(username) > 255 {
		return nil, fmt.Errorf("username length %d out of range", len(username))
	}
	if len(password) > 255 {
		return nil, fmt.Errorf("password length %d out of range", len(password))
	}
	buf := make([]byte, 0, 3+len(username)+len(password))
	buf = append(buf, AuthVersion, byte(len(username)))
	buf = append(buf, username...)
	buf = append(buf, byte(len(password)))
	buf = append(buf, password...)
	return buf, nil
}

// ParseAuthReply reports whether buf (at least AuthReplyLen bytes) grants
// access.
func ParseAuthReply(buf []byte) error {
	if len(buf) < authReplyLen {
		return fmt.Errorf("short auth reply: %d bytes", len(buf))
	}
	if buf[0] != AuthVersion || buf[1] != AuthSuccess {
		return fmt.Errorf("authentication rejected (%#02x %#02x)", buf[0], buf[1])
	}
	return nil
}

// Request builds the fixed 10-byte IPv4 CONNECT/BIND request:
// [0x05, cmd, 0x00, 0x01, addr[0..4], port_hi, port_lo].
func Request(cmd byte, addr [4]byte, port uint16) []byte {
	buf := make([]byte, ReplyLen)
	buf[0] = Version5
	buf[1] = cmd
	buf[2] = 0x00
	buf[3] = atypIPv4
	copy(buf[4:8], addr[:])
	binary.BigEndian.PutUint16(buf[8:10], port)
	return buf
}

// ParseReply reports whether buf (at least ReplyLen bytes) is a successful
// IPv4 reply.
func ParseReply(buf []byte) error {
	if len(buf) < ReplyLen {
		return fmt.Errorf("short reply: %d bytes", len(buf))
	}
	if buf[0] != Version5 || buf[1] != ReplySuccess {
		return fmt.Errorf("request rejected (ver=%#02x rep=%#02x)", buf[0], buf[1])
	}
	return nil
}

// BindPort extracts the bound port from a successful BIND first reply at
// offset 8. The caller is responsible for reading this from the remote
// endpoint's buffer, not a transient poll buffer — see SPEC_FULL.md §9.
func BindPort(reply []byte) (uint16, error) {
	if len(reply) < ReplyLen {
		return 0, fmt.Errorf("reply too short to carry a bound port: %d bytes", len(reply))
	}
	return binary.BigEndian.Uint16(reply[8:10]), nil
}
