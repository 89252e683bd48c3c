package transport

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"sync"
)

// Resolver looks up the addresses of a host for one address family.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Loopback, private, link-local, shared, multicast and reserved space.
var disallowedV4 = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("255.255.255.255/32"),
}

var disallowedV6 = []netip.Prefix{
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("ff00::/8"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001:db8::/32"),
}

// IsDisallowed reports whether addr must never be contacted. IPv4-mapped
// IPv6 addresses are checked against the IPv4 ranges.
func IsDisallowed(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.WithZone("")
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	ranges := disallowedV6
	if addr.Is4() {
		ranges = disallowedV4
	}
	for _, p := range ranges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseTarget checks the scheme and host of a URL.
func parseTarget(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &Error{Code: CodeInvalidURL, Msg: "parse url", Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &Error{Code: CodeInvalidURL, Msg: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}
	if u.Hostname() == "" {
		return nil, &Error{Code: CodeInvalidURL, Msg: "empty hostname"}
	}
	return u, nil
}

// ValidateSSRF resolves the URL's host and rejects it if any resolved
// address is disallowed. It fails closed: a host with no addresses in
// either family is rejected. IP literals, bracketed IPv6 included, are
// checked without DNS. The validated set is returned for the dial-time
// rebinding check.
func (m *Manager) ValidateSSRF(ctx context.Context, rawURL string) ([]netip.Addr, error) {
	u, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	return m.validateHost(ctx, u.Hostname())
}

func (m *Manager) validateHost(ctx context.Context, host string) ([]netip.Addr, error) {
	// url.Hostname already strips the brackets of an IPv6 literal.
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")

	var addrs []netip.Addr
	if lit, err := netip.ParseAddr(host); err == nil {
		addrs = []netip.Addr{lit}
	} else {
		addrs, err = m.resolve(ctx, host)
		if err != nil {
			return nil, err
		}
	}

	if m.opts.AllowPrivateNetworks {
		return addrs, nil
	}
	for _, a := range addrs {
		if IsDisallowed(a) {
			return nil, &Error{
				Code: CodeSSRFBlocked,
				Msg:  fmt.Sprintf("host %s resolves to disallowed address %s", host, a),
			}
		}
	}
	return addrs, nil
}

// resolve looks up A and AAAA records separately under the DNS timeout.
// A failure in one family is tolerated when the other yields addresses.
func (m *Manager) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.DNSTimeout)
	defer cancel()

	v4, err4 := m.opts.Resolver.LookupNetIP(ctx, "ip4", host)
	v6, err6 := m.opts.Resolver.LookupNetIP(ctx, "ip6", host)

	addrs := make([]netip.Addr, 0, len(v4)+len(v6))
	addrs = append(addrs, v4...)
	addrs = append(addrs, v6...)
	if len(addrs) > 0 {
		return addrs, nil
	}

	if ctx.Err() != nil {
		return nil, &Error{Code: CodeDNSError, Msg: "dns lookup timed out for " + host, Err: ctx.Err()}
	}
	err := err4
	if err == nil {
		err = err6
	}
	return nil, &Error{Code: CodeDNSError, Msg: "no addresses for " + host, Err: err}
}

// addrGuard is the per-request set of validated addresses, keyed by host.
// CheckRedirect extends it for each hop, and the dialer pins connections to
// it. Trusted hosts are operator-configured proxies.
type addrGuard struct {
	mu     sync.Mutex
	hosts  map[string][]netip.Addr
	trusts map[string]struct{}
}

func newAddrGuard() *addrGuard {
	return &addrGuard{
		hosts:  make(map[string][]netip.Addr),
		trusts: make(map[string]struct{}),
	}
}

func (g *addrGuard) allow(host string, addrs []netip.Addr) {
	host = strings.ToLower(host)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range addrs {
		a = normalizeAddr(a)
		if !slices.Contains(g.hosts[host], a) {
			g.hosts[host] = append(g.hosts[host], a)
		}
	}
}

func (g *addrGuard) trust(host string) {
	g.mu.Lock()
	g.trusts[strings.ToLower(host)] = struct{}{}
	g.mu.Unlock()
}

func (g *addrGuard) trusted(host string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.trusts[strings.ToLower(host)]
	return ok
}

// addrs returns the validated addresses of host in lookup order.
func (g *addrGuard) addrs(host string) []netip.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.hosts[strings.ToLower(host)])
}

// permits reports whether a connection to host may stay open on the given
// peer: either the peer was validated for the host, or it is a public
// address (CDN rotation). Hosts the guard never saw are rejected.
func (g *addrGuard) permits(host string, connected netip.Addr) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	set, ok := g.hosts[strings.ToLower(host)]
	if !ok {
		return false
	}
	connected = normalizeAddr(connected)
	return slices.Contains(set, connected) || !IsDisallowed(connected)
}

func normalizeAddr(a netip.Addr) netip.Addr {
	return a.WithZone("").Unmap()
}

type guardKey struct{}

func withGuard(ctx context.Context, g *addrGuard) context.Context {
	return context.WithValue(ctx, guardKey{}, g)
}

func guardFrom(ctx context.Context) *addrGuard {
	g, _ := ctx.Value(guardKey{}).(*addrGuard)
	return g
}

// remoteAddr extracts the peer address of a connection, if it is an IP.
func remoteAddr(conn net.Conn) (netip.Addr, bool) {
	if conn == nil || conn.RemoteAddr() == nil {
		return netip.Addr{}, false
	}
	ap, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return netip.Addr{}, false
	}
	return ap.Addr(), true
}
