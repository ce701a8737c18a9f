package safety

import (
	"context"
	"net"
	"net/netip"
	"syscall"
)

// blockedPrefixes complements the netip.Addr predicates with special-purpose
// ranges that are not private in the RFC 1918 sense but must not be reachable.
var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"100.64.0.0/10",
	"169.254.0.0/16",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.88.99.0/24",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"168.63.129.16/32",
	"::/128",
	"64:ff9b::/96",
	"64:ff9b:1::/48",
	"100::/64",
	"2001::/32",
	"2001:db8::/32",
	"2002::/16",
	"fc00::/7",
	"fe80::/10",
	"fec0::/10",
	"ff00::/8",
)

func mustPrefixes(raw ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(raw))
	for i, r := range raw {
		out[i] = netip.MustParsePrefix(r)
	}
	return out
}

// IsBlockedAddr reports whether addr is loopback, private, link-local,
// multicast, unspecified, a cloud metadata address or another reserved range.
// IPv4-mapped IPv6 addresses are checked as IPv4.
func IsBlockedAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap().WithZone("")
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return addr.Is4() && addr.As4() == [4]byte{255, 255, 255, 255}
}

// Resolver resolves host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// CheckDNS is stage four: every address the host resolves to must be public.
// A host that does not resolve is rejected.
func CheckDNS(ctx context.Context, r Resolver, host string) ([]netip.Addr, error) {
	addrs, err := r.LookupNetIP(ctx, "ip", normalizeHost(host))
	if err != nil || len(addrs) == 0 {
		return nil, blocked(StageDNS, "host %s does not resolve", normalizeHost(host))
	}
	for _, a := range addrs {
		if IsBlockedAddr(a) {
			return nil, blocked(StageDNS, "host %s resolves to blocked address %s", normalizeHost(host), a.Unmap())
		}
	}
	return addrs, nil
}

// DialControl re-checks the address a socket is about to connect to. Installed
// as net.Dialer.Control it closes the gap between DNS validation and connect.
func DialControl(network, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		host, _, splitErr := net.SplitHostPort(address)
		if splitErr != nil {
			return blocked(StageDNS, "unparseable dial address")
		}
		addr, parseErr := netip.ParseAddr(host)
		if parseErr != nil {
			return blocked(StageDNS, "unparseable dial address")
		}
		ap = netip.AddrPortFrom(addr, 0)
	}
	if IsBlockedAddr(ap.Addr()) {
		return blocked(StageDNS, "connection to blocked address %s", ap.Addr().Unmap())
	}
	return nil
}
