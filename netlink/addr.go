package netlink

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Addr identifies a peer endpoint: an address family, a host address, and a
// port. It is a comparable value type (usable as a map key) built on
// netip.AddrPort; IPv4-mapped IPv6 addresses are normalized to IPv4 so that
// equality is bit-for-bit within a family.
type Addr struct {
	ap netip.AddrPort
}

// AddrFrom wraps a netip.AddrPort, unmapping any IPv4-in-IPv6 form.
func AddrFrom(ap netip.AddrPort) Addr {
	return Addr{netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}
}

// IsValid reports whether the address has been set.
func (a Addr) IsValid() bool { return a.ap.IsValid() }

// Is4 reports whether the address is IPv4.
func (a Addr) Is4() bool { return a.ap.Addr().Is4() }

// Port returns the port.
func (a Addr) Port() uint16 { return a.ap.Port() }

// WithPort returns the same host with a different port.
func (a Addr) WithPort(port uint16) Addr {
	return Addr{netip.AddrPortFrom(a.ap.Addr(), port)}
}

// AddrPort returns the underlying netip value.
func (a Addr) AddrPort() netip.AddrPort { return a.ap }

// String returns the canonical "host:port" / "[host]:port" form.
func (a Addr) String() string {
	if !a.ap.IsValid() {
		return "<invalid>"
	}
	return a.ap.String()
}

// MaskedString formats the address with the low bits of the host hidden,
// for logs that should not expose full peer addresses. IPv4 masks the last
// octet; IPv6 masks the interface identifier (low 64 bits).
func (a Addr) MaskedString() string {
	if !a.ap.IsValid() {
		return "<invalid>"
	}
	host := a.ap.Addr()
	if host.Is4() {
		b := host.As4()
		return fmt.Sprintf("%d.%d.%d.xx:%d", b[0], b[1], b[2], a.ap.Port())
	}
	b := host.As16()
	return fmt.Sprintf("[%x:%x:%x:%x::xx]:%d",
		uint16(b[0])<<8|uint16(b[1]), uint16(b[2])<<8|uint16(b[3]),
		uint16(b[4])<<8|uint16(b[5]), uint16(b[6])<<8|uint16(b[7]),
		a.ap.Port())
}

// Compare classifies how two addresses relate; it is not an ordering. It
// returns -1 when the hosts differ (or the families do), 0 when host and
// port are identical, and 1 when the hosts match but the ports differ. Callers that only care about the host
// use SameHost.
func (a Addr) Compare(b Addr) int {
	if a.ap.Addr() != b.ap.Addr() {
		return -1
	}
	if a.ap.Port() != b.ap.Port() {
		return 1
	}
	return 0
}

// SameHost reports whether both addresses refer to the same host,
// ignoring ports.
func (a Addr) SameHost(b Addr) bool { return a.ap.Addr() == b.ap.Addr() }

// ParseAddr parses a literal "host", "host:port", or "[ipv6]:port" spec.
// A missing port uses defaultPort. No DNS resolution is performed.
func ParseAddr(s string, defaultPort uint16) (Addr, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return AddrFrom(ap), nil
	}
	if ip, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return AddrFrom(netip.AddrPortFrom(ip, defaultPort)), nil
	}
	return Addr{}, fmt.Errorf("netlink: cannot parse address %q", s)
}

// splitHostPort splits "host:port" / "[host]:port", rejecting bare IPv6
// literals whose colons are not a port separator.
func splitHostPort(s string) (host string, ok bool) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return s, false
	}
	if strings.Contains(s[i:], "]") {
		return s, false // [::] is not port 0
	}
	return s[:i], true
}

// StripPort returns the host part of a "host:port" spec and the parsed
// port, if one was present and valid. Used by console commands that accept
// an optional trailing port.
func StripPort(s string) (host string, port uint16, hasPort bool) {
	h, ok := splitHostPort(s)
	if !ok {
		return s, 0, false
	}
	p, err := strconv.ParseUint(s[len(h)+1:], 10, 16)
	if err != nil || p == 0 {
		return s, 0, false
	}
	return h, uint16(p), true
}

// resolve looks up name via DNS and returns the first address of the
// wanted family (4 or 6), with port attached.
func resolve(name string, want int, port uint16) (Addr, error) {
	ips, err := net.LookupIP(name)
	if err != nil {
		return Addr{}, fmt.Errorf("netlink: resolve %q: %w", name, err)
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if (want == 4) == addr.Is4() {
			return AddrFrom(netip.AddrPortFrom(addr, port)), nil
		}
	}
	return Addr{}, fmt.Errorf("netlink: no address family %d record for %q", want, name)
}
