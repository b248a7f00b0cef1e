package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// errAddrInfo marks a resolution failure that never reached the network —
// an empty host or an IP literal that is not IPv4 — as opposed to a lookup
// that was submitted but failed. Any other host name, valid or not, is
// submitted to the resolver. The tunnel maps the former to
// types.StatusDNSAddrInfo and the latter to types.StatusDNSResolve
// (spec.md §4.4).
var errAddrInfo = errors.New("host cannot be submitted for resolution")

// resolveHost performs a synchronous IPv4 lookup with hints
// {family=IPv4, socktype=STREAM, protocol=TCP} and returns the first
// address, exactly as spec.md §4.4 describes. It is "asynchronous" with
// respect to the reactor because every caller runs it from a dedicated
// per-session goroutine, never from the reactor goroutine itself — a slow
// resolver stalls only that session's setup, not the command queue.
func resolveHost(host string) (net.IP, error) {
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", errAddrInfo)
	}
	if ip := net.ParseIP(host); ip != nil {
		v4 := ip.To4()
		if v4 == nil {
			return nil, fmt.Errorf("%w: %s is not an IPv4 address", errAddrInfo, host)
		}
		return v4, nil
	}
	ips, err := net.DefaultResolver.LookupIP(context.Background(), "ip4", host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPv4 address found for %s", host)
	}
	v4 := ips[0].To4()
	if v4 == nil {
		return nil, fmt.Errorf("resolved address for %s is not IPv4", host)
	}
	return v4, nil
}

func ipv4Bytes(ip net.IP) [4]byte {
	var out [4]byte
	copy(out[:], ip.To4())
	return out
}
