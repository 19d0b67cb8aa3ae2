// Package caller derives the identity a submission is rate limited under.
package caller

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Identify returns the normalised client address for r. X-Forwarded-For is
// read only when trustedProxies > 0 and the connecting peer is itself on a
// private network, i.e. the site's own proxy. The entry taken is the one
// appended by the outermost trusted proxy (counting from the right) so a
// client cannot choose its key by prepending entries. Otherwise RemoteAddr is
// used. Returns "" when nothing parseable is available.
func Identify(r *http.Request, trustedProxies int) string {
	peer := remoteIP(r)
	if trustedProxies <= 0 || !IsPrivate(peer) {
		return peer
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer
	}
	parts := strings.Split(xff, ",")
	idx := len(parts) - trustedProxies
	if idx < 0 {
		return peer
	}
	if ip, err := Normalize(parts[idx]); err == nil {
		return ip
	}
	return peer
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip, err := Normalize(host)
	if err != nil {
		return ""
	}
	return ip
}

// Normalize parses an IP address and returns its canonical form. IPv4-mapped
// IPv6 addresses (::ffff:1.2.3.4) fold to IPv4 so both spellings share a key.
// IPv6 zone suffixes are dropped.
func Normalize(value string) (string, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "[")
	value = strings.TrimSuffix(value, "]")
	if i := strings.IndexByte(value, '%'); i >= 0 {
		value = value[:i]
	}

	ip := net.ParseIP(value)
	if ip == nil {
		return "", fmt.Errorf("invalid IP address %q", value)
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String(), nil
	}
	return ip.String(), nil
}

// Key builds the rate-limit key for a form and caller identity.
func Key(form, identity string) string {
	return form + ":" + identity
}

// IsPrivate reports whether ip is RFC1918, loopback, link-local, CGNAT or ULA.
// Only a private peer is trusted to supply X-Forwarded-For.
func IsPrivate(value string) bool {
	ip := net.ParseIP(value)
	if ip == nil {
		return false
	}
	ip16 := ip.To16()
	for _, block := range privateBlocks {
		if block.Contains(ip16) {
			return true
		}
	}
	return false
}

var privateBlocks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"100.64.0.0/10", // CGNAT (RFC 6598)
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	blocks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid private CIDR: " + cidr)
		}
		blocks = append(blocks, block)
	}
	return blocks
}()
