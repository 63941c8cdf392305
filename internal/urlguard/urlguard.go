// Package urlguard rejects URLs and resolved addresses that must never be fetched.
//
// Checking happens in two phases. Validate inspects the URL before any
// network activity; ValidateResolvedAddress inspects every IP the hostname
// resolves to, so a public-looking name that resolves privately is still
// refused.
package urlguard

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Sentinel errors matched with errors.Is.
var (
	ErrInvalidURL  = errors.New("invalid url")
	ErrSSRFBlocked = errors.New("address blocked")
)

// InvalidURLError reports a URL rejected before resolution.
type InvalidURLError struct {
	URL    string
	Reason string
	Err    error
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid url %q: %s", e.URL, e.Reason)
}

func (e *InvalidURLError) Unwrap() error {
	return e.Err
}

// Is makes every InvalidURLError match ErrInvalidURL.
func (e *InvalidURLError) Is(target error) bool {
	return target == ErrInvalidURL
}

// SSRFBlockedError reports a resolved address in a forbidden range.
type SSRFBlockedError struct {
	Host   string
	IP     net.IP
	Reason string
}

func (e *SSRFBlockedError) Error() string {
	return fmt.Sprintf("blocked address %s for host %q: %s", e.IP, e.Host, e.Reason)
}

// Is makes every SSRFBlockedError match ErrSSRFBlocked.
func (e *SSRFBlockedError) Is(target error) bool {
	return target == ErrSSRFBlocked
}

// BlockedHostnames are refused before resolution. A name matches exactly or
// as a parent domain (foo.localhost matches localhost).
var BlockedHostnames = []string{
	"localhost",
	"metadata",
	"metadata.google.internal",
	"metadata.goog",
	"metadata.azure.com",
	"instance-data",
	"169.254.169.254",
}

// Validate parses raw and checks scheme, host and hostname blocklist.
// A host that is an IP literal is also checked against the address rules.
func Validate(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &InvalidURLError{URL: raw, Reason: "empty url"}
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, &InvalidURLError{URL: raw, Reason: "malformed url", Err: err}
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, &InvalidURLError{URL: raw, Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	u.Scheme = scheme

	host := NormalizeHost(u.Hostname())
	if host == "" {
		return nil, &InvalidURLError{URL: raw, Reason: "missing host"}
	}

	if blocked, ok := matchBlockedHostname(host); ok {
		return nil, &InvalidURLError{URL: raw, Reason: fmt.Sprintf("blocked hostname %q", blocked)}
	}

	if ip := net.ParseIP(host); ip != nil {
		if err := ValidateResolvedAddress(host, ip); err != nil {
			return nil, &InvalidURLError{URL: raw, Reason: "blocked address literal", Err: err}
		}
	}

	return u, nil
}

// ValidateResolvedAddress fails with *SSRFBlockedError when ip lies in a
// private, reserved or metadata range.
func ValidateResolvedAddress(host string, ip net.IP) error {
	if ip == nil {
		return &SSRFBlockedError{Host: host, Reason: "no address"}
	}
	if reason, blocked := classify(ip); blocked {
		return &SSRFBlockedError{Host: host, IP: ip, Reason: reason}
	}
	return nil
}

// IsBlockedIP reports whether ip must never be dialed.
func IsBlockedIP(ip net.IP) bool {
	_, blocked := classify(ip)
	return blocked
}

// NormalizeHost lowercases a hostname and strips a trailing dot and IPv6 brackets.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimRight(host, ".")
}

func matchBlockedHostname(host string) (string, bool) {
	for _, b := range BlockedHostnames {
		if host == b || strings.HasSuffix(host, "."+b) {
			return b, true
		}
	}
	return "", false
}
