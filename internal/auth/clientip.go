// ABOUTME: Client IP resolution for allow-list checks and per-IP rate limits
// ABOUTME: X-Forwarded-For is read right to left and only past proxies the operator trusts

package auth

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go4.org/netipx"
)

// ClientIPResolver picks the address a request is attributed to.
//
// Without header trust the TCP peer is the client. With header trust, each
// proxy appends the address it received the request from to the right of
// X-Forwarded-For, so only the right-hand entries are reliable: the resolver
// walks from the peer leftwards, stepping over trusted proxies, and stops at
// the first address that is not one. Entries further left were supplied by
// the caller and are never used.
//
// With no trusted proxies configured, the peer itself is taken to be the one
// proxy and the right-most entry is the client.
type ClientIPResolver struct {
	trustHeaders bool
	proxies      *netipx.IPSet
}

// NewClientIPResolver builds a resolver. trustedProxies holds CIDRs or bare
// addresses and is ignored unless trustHeaders is set.
func NewClientIPResolver(trustHeaders bool, trustedProxies []string) (*ClientIPResolver, error) {
	c := &ClientIPResolver{trustHeaders: trustHeaders}
	if !trustHeaders || len(trustedProxies) == 0 {
		return c, nil
	}

	var b netipx.IPSetBuilder
	for _, e := range trustedProxies {
		p, err := parseAllowEntry(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy: %w", err)
		}
		b.AddPrefix(p)
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("building trusted proxy set: %w", err)
	}
	c.proxies = set
	return c, nil
}

// Resolve returns the client address for r. A nil resolver uses the peer
// address. Returns the zero Addr only when the peer address does not parse.
func (c *ClientIPResolver) Resolve(r *http.Request) netip.Addr {
	peer := peerAddr(r.RemoteAddr)
	if c == nil || !c.trustHeaders || !peer.IsValid() {
		return peer
	}
	if c.proxies != nil && !c.proxies.Contains(peer) {
		return peer
	}

	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		addr, err := netip.ParseAddr(hop)
		if err != nil {
			// Nothing left of a garbled hop can be vouched for.
			return client
		}
		client = addr.Unmap()
		if c.proxies == nil || !c.proxies.Contains(client) {
			return client
		}
	}
	return client
}

func peerAddr(remoteAddr string) netip.Addr {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return addr.Unmap()
}
