// ABOUTME: Tests for client IP resolution through X-Forwarded-For and trusted proxies
// ABOUTME: Forged left-hand hops must never decide the allow-list or per-IP identity

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/assessor-labs/mcpgate/internal/scope"
)

func TestClientIPResolver_Resolve(t *testing.T) {
	tests := []struct {
		name       string
		trust      bool
		proxies    []string
		remoteAddr string
		xff        []string
		want       string
	}{
		{"peer without trust", false, nil, "192.0.2.1:1234", nil, "192.0.2.1"},
		{"header ignored without trust", false, nil, "192.0.2.1:1234", []string{"198.51.100.7"}, "192.0.2.1"},
		{"right-most hop behind one proxy", true, nil, "10.0.0.1:1234", []string{"192.0.2.10, 203.0.113.9"}, "203.0.113.9"},
		{"no header keeps peer", true, nil, "10.0.0.1:1234", nil, "10.0.0.1"},
		{"skips trusted hops", true, []string{"10.0.0.0/8"}, "10.0.0.1:1234", []string{"192.0.2.10, 203.0.113.9, 10.1.2.3"}, "203.0.113.9"},
		{"untrusted peer ignores header", true, []string{"10.0.0.0/8"}, "198.51.100.4:1234", []string{"192.0.2.10"}, "198.51.100.4"},
		{"all hops trusted", true, []string{"10.0.0.0/8"}, "10.0.0.1:1234", []string{"10.9.9.9"}, "10.9.9.9"},
		{"garbled hop stops the walk", true, []string{"10.0.0.0/8"}, "10.0.0.1:1234", []string{"192.0.2.10, garbage, 10.1.2.3"}, "10.1.2.3"},
		{"garbled right-most hop keeps peer", true, nil, "10.0.0.1:1234", []string{"192.0.2.10, garbage"}, "10.0.0.1"},
		{"repeated headers join in order", true, nil, "10.0.0.1:1234", []string{"192.0.2.10", "203.0.113.9"}, "203.0.113.9"},
		{"ipv6 peer", false, nil, "[2001:db8::5]:443", nil, "2001:db8::5"},
		{"mapped ipv4 hop", true, nil, "10.0.0.1:1234", []string{"::ffff:203.0.113.9"}, "203.0.113.9"},
		{"peer without port", false, nil, "192.0.2.9", nil, "192.0.2.9"},
		{"unparseable peer", true, nil, "pipe", []string{"192.0.2.10"}, "invalid IP"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, err := NewClientIPResolver(tt.trust, tt.proxies)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, resolver.Resolve(req).String())
		})
	}
}

func TestClientIPResolver_Nil(t *testing.T) {
	var resolver *ClientIPResolver
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	assert.Equal(t, "192.0.2.1", resolver.Resolve(req).String())
}

func TestNewClientIPResolver_RejectsBadProxy(t *testing.T) {
	_, err := NewClientIPResolver(true, []string{"10.0.0.0/8", "not-a-cidr"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trusted proxy")

	// Proxies are irrelevant while headers are untrusted.
	_, err = NewClientIPResolver(false, []string{"not-a-cidr"})
	assert.NoError(t, err)
}

func TestAuthenticate_ForgedForwardedHopCannotSatisfyAllowList(t *testing.T) {
	f := newAuthFixture()
	display := f.keys.add(t, "o", scope.ReadOnly, []string{"192.0.2.10/32"}, nil)

	resolver, err := NewClientIPResolver(true, nil)
	require.NoError(t, err)
	a := f.authenticator(AuthenticatorConfig{ClientIP: resolver})

	// The caller at 203.0.113.9 claims the allow-listed address as its first hop.
	req := newRequest(map[string]string{
		APIKeyHeader:      display,
		"X-Forwarded-For": "192.0.2.10, 203.0.113.9",
	})
	_, err = a.Authenticate(req)
	assert.ErrorIs(t, err, ErrIPNotAllowed)

	// The proxy-recorded address is the one that counts.
	req = newRequest(map[string]string{
		APIKeyHeader:      display,
		"X-Forwarded-For": "198.51.100.1, 192.0.2.10",
	})
	p, err := a.Authenticate(req)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", p.SourceIP.String())
}
