package trustnet

import (
	"net"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRules(t *testing.T, entries ...string) []Rule {
	t.Helper()
	rules, _, err := ParseRules(entries)
	require.NoError(t, err)
	return rules
}

func TestIsTrusted_CIDR(t *testing.T) {
	rules := mustRules(t, "10.0.0.0/24")

	assert.True(t, IsTrusted(net.ParseIP("10.0.0.5"), rules))
	assert.False(t, IsTrusted(net.ParseIP("10.0.1.5"), rules))
}

func TestIsTrusted_DefaultRouteMatchesAnyIPv4(t *testing.T) {
	rules := mustRules(t, "0.0.0.0/0")

	for _, ip := range []string{"1.2.3.4", "255.255.255.255", "10.0.0.1", "0.0.0.0"} {
		assert.True(t, IsTrusted(net.ParseIP(ip), rules), ip)
	}
	assert.False(t, IsTrusted(net.ParseIP("2001:db8::1"), rules))
}

func TestIsTrusted_PartialByteMask(t *testing.T) {
	rules := mustRules(t, "192.168.16.0/20")

	assert.True(t, IsTrusted(net.ParseIP("192.168.31.255"), rules))
	assert.False(t, IsTrusted(net.ParseIP("192.168.32.0"), rules))
	assert.False(t, IsTrusted(net.ParseIP("192.168.15.255"), rules))
}

func TestIsTrusted_BareAddressIsHostRule(t *testing.T) {
	rules := mustRules(t, "172.16.0.9", "2001:db8::7")

	assert.Equal(t, 32, rules[0].Bits)
	assert.Equal(t, 128, rules[1].Bits)
	assert.True(t, IsTrusted(net.ParseIP("172.16.0.9"), rules))
	assert.False(t, IsTrusted(net.ParseIP("172.16.0.10"), rules))
	assert.True(t, IsTrusted(net.ParseIP("2001:db8::7"), rules))
	assert.False(t, IsTrusted(net.ParseIP("2001:db8::8"), rules))
}

func TestIsTrusted_IPv4MappedNormalized(t *testing.T) {
	rules := mustRules(t, "10.0.0.0/8")
	assert.True(t, IsTrusted(net.ParseIP("::ffff:10.1.2.3"), rules))

	mappedRule := mustRules(t, "::ffff:10.0.0.0/8")
	assert.True(t, IsTrusted(net.ParseIP("10.9.9.9"), mappedRule))
}

func TestParseRules(t *testing.T) {
	rules, all, err := ParseRules([]string{"", " * ", "10.0.0.0/8"})
	require.NoError(t, err)
	assert.True(t, all)
	assert.Len(t, rules, 1)
	assert.Equal(t, "10.0.0.0/8", rules[0].String())

	_, _, err = ParseRules([]string{"10.0.0.0/33"})
	assert.Error(t, err)
	_, _, err = ParseRules([]string{"not-an-ip"})
	assert.Error(t, err)
}

func TestParseRule_IPv4MappedPrefix(t *testing.T) {
	r, err := ParseRule("::ffff:10.0.0.0/104")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", r.String())
	assert.True(t, IsTrusted(net.ParseIP("10.20.30.40"), []Rule{r}))
	assert.False(t, IsTrusted(net.ParseIP("11.0.0.1"), []Rule{r}))

	_, err = ParseRule("::ffff:10.0.0.0/64")
	assert.Error(t, err)

	_, err = NewResolver(true, []string{"::ffff:192.168.0.0/112"})
	assert.NoError(t, err)
}

func TestResolver_Resolve(t *testing.T) {
	tests := []struct {
		name      string
		enabled   bool
		rules     []string
		remote    string
		headers   map[string]string
		wantIP    string
		wantProto string
	}{
		{
			name:      "headers ignored when trust disabled",
			remote:    "10.0.0.5:4000",
			headers:   map[string]string{"X-Forwarded-For": "1.1.1.1", "X-Forwarded-Proto": "https"},
			wantIP:    "10.0.0.5",
			wantProto: "http",
		},
		{
			name:      "no rules trusts every peer",
			enabled:   true,
			remote:    "203.0.113.9:4000",
			headers:   map[string]string{"X-Forwarded-For": "1.1.1.1, 10.0.0.5"},
			wantIP:    "1.1.1.1",
			wantProto: "http",
		},
		{
			name:      "wildcard rule",
			enabled:   true,
			rules:     []string{"10.0.0.0/24", "all"},
			remote:    "203.0.113.9:4000",
			headers:   map[string]string{"X-Real-IP": "2.2.2.2"},
			wantIP:    "2.2.2.2",
			wantProto: "http",
		},
		{
			name:      "trusted proxy in range",
			enabled:   true,
			rules:     []string{"10.0.0.0/24"},
			remote:    "10.0.0.5:4000",
			headers:   map[string]string{"X-Forwarded-For": "3.3.3.3", "X-Forwarded-Proto": "https"},
			wantIP:    "3.3.3.3",
			wantProto: "https",
		},
		{
			name:      "untrusted proxy out of range",
			enabled:   true,
			rules:     []string{"10.0.0.0/24"},
			remote:    "10.0.1.5:4000",
			headers:   map[string]string{"X-Forwarded-For": "3.3.3.3"},
			wantIP:    "10.0.1.5",
			wantProto: "http",
		},
		{
			name:      "non-address forwarded-for falls back to real ip",
			enabled:   true,
			remote:    "10.0.0.5:4000",
			headers:   map[string]string{"X-Forwarded-For": "<script>, 1.2.3.4", "X-Real-IP": "4.4.4.4"},
			wantIP:    "4.4.4.4",
			wantProto: "http",
		},
		{
			name:      "no usable header keeps peer",
			enabled:   true,
			remote:    "10.0.0.5:4000",
			headers:   map[string]string{"X-Forwarded-For": "unknown", "X-Real-IP": "also-bogus"},
			wantIP:    "10.0.0.5",
			wantProto: "http",
		},
		{
			name:      "unexpected proto ignored",
			enabled:   true,
			remote:    "10.0.0.5:4000",
			headers:   map[string]string{"X-Forwarded-Proto": "ftp"},
			wantIP:    "10.0.0.5",
			wantProto: "http",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewResolver(tt.enabled, tt.rules)
			require.NoError(t, err)

			req := httptest.NewRequest("POST", "/cb", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			info := r.Resolve(req)
			assert.Equal(t, tt.wantIP, info.IP)
			assert.Equal(t, tt.wantProto, info.Proto)
		})
	}
}
