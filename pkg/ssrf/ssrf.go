// Package ssrf validates URLs before InfoMesh ever makes an outbound
// request against them, rejecting anything that could reach a private,
// reserved, or cloud-metadata address (spec §4.1).
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strings"

	"github.com/miekg/dns"
)

// MaxURLLength is the hard cap on an accepted URL's length.
const MaxURLLength = 4096

// ErrBlocked is wrapped by every rejection this package returns, so callers
// can distinguish SSRF validation failures from other errors.
var ErrBlocked = errors.New("ssrf: blocked")

var allowedSchemes = map[string]bool{"http": true, "https": true}

var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"169.254.169.254":          true,
	"[fd00:ec2::254]":          true,
}

var blockedHostnamePattern = regexp.MustCompile(`(?i)^(localhost|.*\.local|.*\.internal|.*\.intranet|metadata\.google\.internal)$`)

var blockedPrefixes = mustParsePrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"255.255.255.255/32",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

func mustParsePrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			panic(fmt.Sprintf("ssrf: invalid blocked cidr %q: %v", c, err))
		}
		out = append(out, p)
	}
	return out
}

func isBlockedIP(ip netip.Addr) bool {
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// Options configures the validator's DNS resolution behavior.
type Options struct {
	// ResolveDNS enables resolving the hostname and checking every
	// returned address against the blocked ranges.
	ResolveDNS bool
	// Resolver is the DNS server to query when ResolveDNS is set
	// (host:port). Defaults to 1.1.1.1:53 when empty.
	Resolver string
}

// Validate checks url against spec §4.1's ordered rule set and returns the
// unchanged URL on success, or an error wrapping ErrBlocked.
func Validate(ctx context.Context, rawURL string, opts Options) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("%w: empty url", ErrBlocked)
	}
	if len(rawURL) > MaxURLLength {
		return "", fmt.Errorf("%w: url exceeds %d bytes", ErrBlocked, MaxURLLength)
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: unparsable url: %v", ErrBlocked, err)
	}
	if !allowedSchemes[strings.ToLower(parsed.Scheme)] {
		return "", fmt.Errorf("%w: scheme %q not allowed", ErrBlocked, parsed.Scheme)
	}
	hostname := parsed.Hostname()
	if hostname == "" {
		return "", fmt.Errorf("%w: url has no hostname", ErrBlocked)
	}
	lowerHost := strings.ToLower(hostname)
	if blockedHostnames[lowerHost] {
		return "", fmt.Errorf("%w: hostname %q is a blocked metadata endpoint", ErrBlocked, hostname)
	}
	if blockedHostnamePattern.MatchString(lowerHost) {
		return "", fmt.Errorf("%w: hostname %q matches a blocked pattern", ErrBlocked, hostname)
	}
	if addr, err := netip.ParseAddr(strings.Trim(hostname, "[]")); err == nil {
		if isBlockedIP(addr) {
			return "", fmt.Errorf("%w: ip %s is in a private/reserved range", ErrBlocked, addr)
		}
	}
	if opts.ResolveDNS {
		if err := checkResolvedIPs(ctx, hostname, opts.Resolver); err != nil {
			return "", err
		}
	}
	return rawURL, nil
}

// ValidatePostRedirect repeats the non-DNS checks on a URL reached via
// redirect, per spec §4.1.
func ValidatePostRedirect(ctx context.Context, finalURL string) (string, error) {
	return Validate(ctx, finalURL, Options{ResolveDNS: false})
}

func checkResolvedIPs(ctx context.Context, hostname, resolver string) error {
	if resolver == "" {
		resolver = "1.1.1.1:53"
	}
	client := new(dns.Client)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(hostname), qtype)
		resp, _, err := client.ExchangeContext(ctx, msg, resolver)
		if err != nil {
			// Fall back to the stdlib resolver so a missing/unreachable
			// recursive resolver doesn't make every fetch fail outright.
			ips, lookupErr := net.DefaultResolver.LookupIP(ctx, "ip", hostname)
			if lookupErr != nil {
				return fmt.Errorf("%w: dns resolution failed for %q: %v", ErrBlocked, hostname, err)
			}
			for _, ip := range ips {
				addr, ok := netip.AddrFromSlice(ip)
				if ok && isBlockedIP(addr.Unmap()) {
					return fmt.Errorf("%w: hostname %q resolves to private ip %s", ErrBlocked, hostname, addr)
				}
			}
			return nil
		}
		for _, rr := range resp.Answer {
			var ipStr string
			switch rec := rr.(type) {
			case *dns.A:
				ipStr = rec.A.String()
			case *dns.AAAA:
				ipStr = rec.AAAA.String()
			default:
				continue
			}
			addr, err := netip.ParseAddr(ipStr)
			if err != nil {
				continue
			}
			if isBlockedIP(addr) {
				return fmt.Errorf("%w: hostname %q resolves to private ip %s", ErrBlocked, hostname, addr)
			}
		}
	}
	return nil
}
