// Package trustnet decides whether a direct peer may supply forwarded-for
// headers and resolves the effective client address of a request.
package trustnet

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Rule is a network address plus prefix length.
type Rule struct {
	IP   net.IP
	Bits int
}

func (r Rule) String() string {
	return fmt.Sprintf("%s/%d", r.IP, r.Bits)
}

// ParseRule accepts "a.b.c.d/n", "x::/n" or a bare address, which becomes a
// /32 or /128 host rule.
func ParseRule(s string) (Rule, error) {
	s = strings.TrimSpace(s)
	addr, bitsStr, hasBits := strings.Cut(s, "/")

	raw := net.ParseIP(addr)
	ip := normalize(raw)
	if ip == nil {
		return Rule{}, fmt.Errorf("invalid address %q", s)
	}
	maxBits := len(ip) * 8
	if !hasBits {
		return Rule{IP: ip, Bits: maxBits}, nil
	}

	bits, err := strconv.Atoi(bitsStr)
	if err != nil || bits < 0 {
		return Rule{}, fmt.Errorf("invalid prefix length in %q", s)
	}
	// ::ffff:a.b.c.d/n is an IPv4 rule with the 96-bit mapping prefix counted.
	if len(ip) == net.IPv4len && strings.Contains(addr, ":") {
		if bits < 96 || bits > 128 {
			return Rule{}, fmt.Errorf("invalid prefix length in %q", s)
		}
		bits -= 96
	}
	if bits > maxBits {
		return Rule{}, fmt.Errorf("invalid prefix length in %q", s)
	}
	return Rule{IP: ip, Bits: bits}, nil
}

// ParseRules parses every entry. A "*" or "all" entry switches to trust-all.
func ParseRules(entries []string) (rules []Rule, trustAll bool, err error) {
	for _, e := range entries {
		e = strings.TrimSpace(e)
		switch strings.ToLower(e) {
		case "":
			continue
		case "*", "all":
			trustAll = true
			continue
		}
		r, err := ParseRule(e)
		if err != nil {
			return nil, false, err
		}
		rules = append(rules, r)
	}
	return rules, trustAll, nil
}

// IsTrusted reports whether ip falls inside any rule. Address families are
// never mixed; IPv4-mapped IPv6 addresses compare as IPv4.
func IsTrusted(ip net.IP, rules []Rule) bool {
	ip = normalize(ip)
	if ip == nil {
		return false
	}
	for _, r := range rules {
		if matches(ip, r) {
			return true
		}
	}
	return false
}

func matches(ip net.IP, r Rule) bool {
	if len(ip) != len(r.IP) {
		return false
	}
	full := r.Bits / 8
	for i := 0; i < full; i++ {
		if ip[i] != r.IP[i] {
			return false
		}
	}
	rem := r.Bits % 8
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return ip[full]&mask == r.IP[full]&mask
}

func normalize(ip net.IP) net.IP {
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}

// ClientInfo is the resolved origin of a request.
type ClientInfo struct {
	IP        string
	Proto     string
	Forwarded bool
}

// Resolver applies the forwarded-header policy to requests.
type Resolver struct {
	enabled  bool
	trustAll bool
	rules    []Rule
}

// NewResolver builds a resolver. With header trust enabled and no rules, every
// peer is trusted.
func NewResolver(trustHeaders bool, entries []string) (*Resolver, error) {
	rules, trustAll, err := ParseRules(entries)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		enabled:  trustHeaders,
		trustAll: trustAll || len(rules) == 0,
		rules:    rules,
	}, nil
}

// TrustsPeer reports whether forwarded headers from peer are honoured.
func (r *Resolver) TrustsPeer(peer net.IP) bool {
	if !r.enabled {
		return false
	}
	return r.trustAll || IsTrusted(peer, r.rules)
}

func (r *Resolver) Resolve(req *http.Request) ClientInfo {
	peer := peerIP(req.RemoteAddr)
	info := ClientInfo{IP: peer, Proto: "http"}
	if req.TLS != nil {
		info.Proto = "https"
	}

	if !r.TrustsPeer(net.ParseIP(peer)) {
		return info
	}

	first, _, _ := strings.Cut(req.Header.Get("X-Forwarded-For"), ",")
	for _, candidate := range []string{first, req.Header.Get("X-Real-IP")} {
		candidate = strings.TrimSpace(candidate)
		if net.ParseIP(candidate) != nil {
			info.IP = candidate
			info.Forwarded = true
			break
		}
	}

	switch req.Header.Get("X-Forwarded-Proto") {
	case "http", "https":
		info.Proto = req.Header.Get("X-Forwarded-Proto")
	}
	return info
}

func peerIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
