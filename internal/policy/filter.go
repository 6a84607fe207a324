// Package policy enforces the destination filter applied to every
// forwarded request: a port whitelist plus a block on private,
// loopback, link-local, multicast, unspecified, and broadcast addresses.
package policy

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error kinds surfaced to the dispatcher, which maps them to HTTP status
// codes (403 for policy rejections, 502 for resolution failures).
var (
	ErrPortNotAllowed   = errors.New("port not allowed")
	ErrResolutionFailed = errors.New("host resolution failed")
)

// BlockedAddressError reports why a resolved address was rejected.
type BlockedAddressError struct {
	Addr   string
	Reason string
}

func (e *BlockedAddressError) Error() string {
	return fmt.Sprintf("blocked address %s: %s", e.Addr, e.Reason)
}

// Resolver is the subset of *net.Resolver this package depends on, so
// tests can substitute a fake without touching real DNS.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var _ Resolver = (*net.Resolver)(nil)

// Filter enforces the port whitelist and destination address policy.
type Filter struct {
	Resolver Resolver
}

// New returns a Filter backed by net.DefaultResolver.
func New() *Filter {
	return &Filter{Resolver: net.DefaultResolver}
}

// Check validates host:port against allowedPorts and the address policy,
// resolving host if it is not already a literal IP. It returns the first
// passing "host:port" endpoint a dialer can use directly — the filter
// never re-resolves once CONNECT or the plain handler dials.
func (f *Filter) Check(ctx context.Context, host string, port uint16, allowedPorts map[uint16]struct{}) (string, error) {
	if _, ok := allowedPorts[port]; !ok {
		return "", ErrPortNotAllowed
	}

	if ip := net.ParseIP(host); ip != nil {
		if reason := blockedReason(ip); reason != "" {
			return "", &BlockedAddressError{Addr: ip.String(), Reason: reason}
		}
		return net.JoinHostPort(host, fmt.Sprint(port)), nil
	}

	addrs, err := f.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	if len(addrs) == 0 {
		return "", ErrResolutionFailed
	}

	for _, a := range addrs {
		if reason := blockedReason(a.IP); reason != "" {
			return "", &BlockedAddressError{Addr: a.IP.String(), Reason: reason}
		}
	}

	// Return the address actually checked above, not host itself — a
	// dialer handed the hostname would re-resolve it, and a DNS answer
	// that changes between this check and that dial could point the
	// connection at a blocked address the policy never saw.
	return net.JoinHostPort(addrs[0].IP.String(), fmt.Sprint(port)), nil
}

// blockedReason returns a non-empty reason string if ip must be rejected,
// or "" if ip is a permissible destination.
func blockedReason(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsLinkLocalUnicast():
		return "link-local"
	case ip.IsPrivate():
		return "private"
	case ip.IsMulticast():
		return "multicast"
	case ip.IsUnspecified():
		return "unspecified"
	case ip.Equal(net.IPv4bcast):
		return "broadcast"
	default:
		return ""
	}
}
