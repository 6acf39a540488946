// Package toolpolicy enforces the session's allowed_tools list and
// validates MCP SSE tool-server URLs against SSRF, generalizing the
// teacher's binary allowlist and SSRF transport guard from "which
// local binary may a command-tool run" to "which named tool may the
// agent subprocess invoke, and which remote tool-server may it reach".
package toolpolicy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ErrNoAllowlist indicates no allow-list is configured — secure
// default is to block everything rather than allow everything.
type ErrNoAllowlist struct{}

func (e *ErrNoAllowlist) Error() string {
	return "tool use blocked: no allowed_tools configured for this session"
}

// ErrToolNotAllowed indicates a tool name outside the allow-list.
type ErrToolNotAllowed struct{ Name string }

func (e *ErrToolNotAllowed) Error() string {
	return fmt.Sprintf("tool %q not permitted for this session", e.Name)
}

// CheckAllowed reports whether name may be invoked, given the
// session's allowed_tools list. An empty list blocks everything.
func CheckAllowed(name string, allowed []string) error {
	if len(allowed) == 0 {
		return &ErrNoAllowlist{}
	}
	for _, a := range allowed {
		if a == name {
			return nil
		}
	}
	return &ErrToolNotAllowed{Name: name}
}

// IsPrivateIP reports whether ip falls in a private/loopback/
// link-local range (RFC1918, RFC3927, and their IPv6 equivalents).
func IsPrivateIP(ip net.IP) bool {
	for _, cidr := range []string{
		"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
		"169.254.0.0/16", "127.0.0.0/8",
		"::1/128", "fc00::/7", "fe80::/10",
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil && network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

// ValidateServerURL rejects MCP SSE tool-server URLs whose host
// resolves to a private network target, before the pool ever connects
// to it — an MCP server descriptor is caller-influenced configuration,
// the same trust boundary the dial-time check below protects.
func ValidateServerURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid mcp server url %q: %w", rawURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("mcp server url %q has no host", rawURL)
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve mcp server host %q: %w", host, err)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip.IP) {
			return fmt.Errorf("mcp server %q resolves to private address %s", rawURL, ip.IP)
		}
	}
	return nil
}

// SafeTransport returns an http.Transport that re-validates the
// resolved IP at dial time, preventing DNS-rebinding bypass of
// ValidateServerURL's pre-connect check.
func SafeTransport() *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, fmt.Errorf("invalid dial address %q: %w", addr, err)
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("dns resolution failed for %q: %w", host, err)
			}
			for _, ip := range ips {
				if IsPrivateIP(ip.IP) {
					return nil, fmt.Errorf("private network access denied for %s (%s)", host, ip.IP)
				}
			}
			dialer := &net.Dialer{Timeout: 10 * time.Second}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
		},
	}
}
