package webapi

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// privateRanges is the CIDR blocklist fetch() checks every destination
// against, covering RFC1918 space plus loopback, link-local, and the other
// ranges a tenant has no legitimate reason to reach from a worker.
var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"0.0.0.0/8", "10.0.0.0/8", "100.64.0.0/10", "127.0.0.0/8",
		"169.254.0.0/16", "172.16.0.0/12", "192.0.0.0/24", "192.0.2.0/24",
		"192.168.0.0/16", "198.18.0.0/15", "198.51.100.0/24", "203.0.113.0/24",
		"240.0.0.0/4",
		"::1/128", "fc00::/7", "fe80::/10",
	} {
		_, n, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR: " + cidr)
		}
		privateRanges = append(privateRanges, n)
	}
}

// IsPrivateIP reports whether ip falls in a private, loopback, or
// link-local range.
func IsPrivateIP(ip net.IP) bool {
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// IsPrivateHostname is a fast, non-resolving pre-check run before a fetch
// is even dispatched: it catches literal private IPs and "localhost"
// without a DNS round trip. It cannot catch a hostname that only resolves
// to a private IP — ssrfSafeDialContext below closes that gap at dial time.
func IsPrivateHostname(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	hostname := u.Hostname()
	if hostname == "" {
		return true
	}
	lower := strings.ToLower(hostname)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return true
	}
	if ip := net.ParseIP(hostname); ip != nil {
		return IsPrivateIP(ip)
	}
	return false
}

// ssrfSafeDialContext resolves DNS and validates the resolved IP against
// privateRanges at connect time rather than at URL-parse time, closing the
// DNS-rebinding/TOCTOU gap IsPrivateHostname's pre-check leaves open: a
// hostname that resolves to a public IP during the pre-check could still
// resolve to a private one by the time the transport actually dials.
func ssrfSafeDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("DNS lookup failed for %s: %w", host, err)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip.IP) {
			continue
		}
		dialer := &net.Dialer{}
		return dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
	}
	return nil, fmt.Errorf("fetch to private IP addresses is not allowed")
}
