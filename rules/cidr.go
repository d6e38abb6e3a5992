package rules

import "net"

// internalRanges define what counts as an internal caller for the
// internal-range bypass.
var internalRanges = []string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
}

// normalizeIP parses addr, unwrapping an IPv4-mapped IPv6 address
// (::ffff:a.b.c.d) to its IPv4 form so CIDR matching against IPv4 ranges
// works without special-casing the wire form.
func normalizeIP(addr string) net.IP {
	ip := net.ParseIP(addr)
	if ip == nil {
		return nil
	}
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// cidrMatch reports whether addr falls within pattern, which may be a bare
// IP (exact match) or a CIDR block (a.b.c.d/n or IPv6 equivalent).
func cidrMatch(pattern, addr string) bool {
	ip := normalizeIP(addr)
	if ip == nil {
		return false
	}

	if _, network, err := net.ParseCIDR(pattern); err == nil {
		return network.Contains(ip)
	}

	candidate := normalizeIP(pattern)
	return candidate != nil && candidate.Equal(ip)
}

// IsInternal reports whether addr falls within one of the private or
// loopback ranges in internalRanges; link-local ranges are not included.
func IsInternal(addr string) bool {
	for _, r := range internalRanges {
		if cidrMatch(r, addr) {
			return true
		}
	}
	return false
}
