package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrUnsafeEndpoint wraps every rejection from EndpointPolicy.Validate.
var ErrUnsafeEndpoint = errors.New("unsafe endpoint URL")

// cgnat is the shared address space (RFC 6598) used inside cloud networks.
var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// EndpointPolicy decides whether the server may send requests to a URL, such
// as the webhook notification sink. Hosts that are or resolve to internal
// addresses are refused.
type EndpointPolicy struct {
	// RequireTLS refuses plain http.
	RequireTLS bool
	// LookupHost resolves hostnames. Defaults to net.DefaultResolver.
	LookupHost func(ctx context.Context, host string) ([]string, error)
}

// Validate checks rawURL against the policy.
func (p EndpointPolicy) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: malformed URL", ErrUnsafeEndpoint)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if p.RequireTLS {
			return fmt.Errorf("%w: https is required", ErrUnsafeEndpoint)
		}
	default:
		return fmt.Errorf("%w: scheme must be http or https", ErrUnsafeEndpoint)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeEndpoint)
	}
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q is not allowed", ErrUnsafeEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}

	lookup := p.LookupHost
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrUnsafeEndpoint, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to a blocked address: %w", host, err)
			}
		}
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrUnsafeEndpoint)
	case ip.IsPrivate(), cgnat.Contains(ip):
		return fmt.Errorf("%w: private address", ErrUnsafeEndpoint)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrUnsafeEndpoint)
	case ip.IsUnspecified(), ip.IsMulticast():
		return fmt.Errorf("%w: non-unicast address", ErrUnsafeEndpoint)
	}
	return nil
}
