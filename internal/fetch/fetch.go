// Package fetch performs bounded, SSRF-safe HTTP retrieval of article pages.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jonathan/story-ingest/internal/urlguard"
)

const (
	// DefaultTimeout bounds the whole request including the body read.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodyBytes caps the response body.
	DefaultMaxBodyBytes = 10 << 20
	// DefaultMaxRedirects is the number of redirect hops followed.
	DefaultMaxRedirects = 5
	// DefaultUserAgent identifies the fetcher to origin servers.
	DefaultUserAgent = "Mozilla/5.0 (compatible; StoryIngest/1.0)"

	dialTimeout         = 10 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
	idleConnTimeout     = 90 * time.Second
)

// Result holds a fetched page. On HTTP_ERROR a partial Result with the
// status and content type is returned alongside the error.
type Result struct {
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        string
	Size        int64
	Duration    time.Duration
}

// Options configures the fetch behavior.
type Options struct {
	Timeout         time.Duration
	MaxBodyBytes    int64
	UserAgent       string
	FollowRedirects bool
	MaxRedirects    int
	Headers         map[string]string
}

// DefaultOptions returns sensible defaults for fetching.
func DefaultOptions() Options {
	return Options{
		Timeout:         DefaultTimeout,
		MaxBodyBytes:    DefaultMaxBodyBytes,
		UserAgent:       DefaultUserAgent,
		FollowRedirects: true,
		MaxRedirects:    DefaultMaxRedirects,
	}
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// AddressPolicy decides whether a resolved address may be dialed.
type AddressPolicy func(host string, ip net.IP) error

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) Option {
	return func(f *Fetcher) { f.resolver = r }
}

// WithAddressPolicy replaces urlguard.ValidateResolvedAddress as the dial-time check.
func WithAddressPolicy(p AddressPolicy) Option {
	return func(f *Fetcher) { f.policy = p }
}

// Fetcher retrieves pages. Every dial is pinned to an address that passed
// the address policy, and every redirect hop is revalidated.
type Fetcher struct {
	opts     Options
	resolver Resolver
	policy   AddressPolicy
	client   *http.Client
}

// New creates a Fetcher. Zero-valued options fall back to defaults.
func New(opts Options, options ...Option) *Fetcher {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = def.MaxBodyBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	if opts.MaxRedirects < 0 {
		opts.MaxRedirects = 0
	}

	f := &Fetcher{
		opts:     opts,
		resolver: net.DefaultResolver,
		policy:   urlguard.ValidateResolvedAddress,
	}
	for _, o := range options {
		o(f)
	}

	transport := &http.Transport{
		Proxy:               nil,
		DialContext:         f.dialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
	}
	f.client = &http.Client{
		Transport:     transport,
		CheckRedirect: f.checkRedirect,
	}
	return f
}

// Options returns the effective options.
func (f *Fetcher) Options() Options {
	return f.opts
}

// Fetch retrieves rawURL. Validator failures are returned as the validator's
// own error types; all other failures are *Error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	start := time.Now()

	u, err := urlguard.Validate(rawURL)
	if err != nil {
		return nil, err
	}
	target := u.String()

	ctx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Code: CodeRequestError, URL: target, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	for key, value := range f.opts.Headers {
		req.Header.Set(key, value)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, f.classify(target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	result := &Result{
		FinalURL:    resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Duration = time.Since(start)
		return result, &Error{
			Code:       CodeHTTPError,
			URL:        target,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("HTTP status %d", resp.StatusCode),
		}
	}

	if resp.ContentLength > f.opts.MaxBodyBytes {
		return nil, &Error{
			Code:    CodeSizeLimitExceeded,
			URL:     target,
			Message: fmt.Sprintf("declared content length %d exceeds limit %d", resp.ContentLength, f.opts.MaxBodyBytes),
		}
	}

	body, err := readLimited(resp.Body, f.opts.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return nil, &Error{
				Code:    CodeSizeLimitExceeded,
				URL:     target,
				Message: fmt.Sprintf("response body exceeds limit %d", f.opts.MaxBodyBytes),
			}
		}
		if isTimeout(err) {
			return nil, &Error{Code: CodeTimeout, URL: target, Message: "timed out reading body", Cause: err}
		}
		return nil, &Error{Code: CodeReadError, URL: target, Message: "failed to read response body", Cause: err}
	}

	result.Body = strings.ToValidUTF8(string(body), "\uFFFD")
	result.Size = int64(len(body))
	result.Duration = time.Since(start)
	return result, nil
}

var errBodyTooLarge = errors.New("body too large")

// readLimited reads at most limit bytes and fails as soon as one more byte arrives.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

var errTooManyRedirects = errors.New("too many redirects")

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if !f.opts.FollowRedirects {
		return http.ErrUseLastResponse
	}
	if len(via) > f.opts.MaxRedirects {
		return errTooManyRedirects
	}
	if _, err := urlguard.Validate(req.URL.String()); err != nil {
		return err
	}
	return nil
}

// resolveError carries a lookup failure out of the dialer.
type resolveError struct {
	host string
	err  error
}

func (e *resolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.host, e.err)
}

func (e *resolveError) Unwrap() error {
	return e.err
}

// dialContext resolves the host itself, validates every address and dials
// only addresses that passed.
func (f *Fetcher) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	host = urlguard.NormalizeHost(host)

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := f.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, &resolveError{host: host, err: err}
		}
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
	}
	if len(ips) == 0 {
		return nil, &resolveError{host: host, err: errors.New("no addresses")}
	}

	for _, ip := range ips {
		if err := f.policy(host, ip); err != nil {
			return nil, err
		}
	}

	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// classify maps a client.Do failure onto the validator's errors or an *Error.
func (f *Fetcher) classify(target string, err error) error {
	var invalid *urlguard.InvalidURLError
	if errors.As(err, &invalid) {
		return invalid
	}
	var blocked *urlguard.SSRFBlockedError
	if errors.As(err, &blocked) {
		return blocked
	}
	if errors.Is(err, errTooManyRedirects) {
		return &Error{
			Code:    CodeTooManyRedirects,
			URL:     target,
			Message: fmt.Sprintf("more than %d redirects", f.opts.MaxRedirects),
			Cause:   err,
		}
	}
	var resolveErr *resolveError
	var dnsErr *net.DNSError
	if errors.As(err, &resolveErr) || errors.As(err, &dnsErr) {
		return &Error{Code: CodeDNSError, URL: target, Message: "DNS resolution failed", Cause: err}
	}
	if isTimeout(err) {
		return &Error{Code: CodeTimeout, URL: target, Message: fmt.Sprintf("timed out after %s", f.opts.Timeout), Cause: err}
	}
	return &Error{Code: CodeRequestError, URL: target, Message: "HTTP request failed", Cause: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
