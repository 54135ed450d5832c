// Package fetcher routes page retrievals to the plain HTTP or headless
// backend and applies per-host rate limits.
package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rafaelwaynne/procwatch/internal/metrics"
	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

// Waiter blocks until a request to url may proceed.
type Waiter interface {
	Wait(ctx context.Context, url string) error
}

// Options configures a Router.
type Options struct {
	// BaseURL resolves links stored as paths, such as the mock page route.
	BaseURL string
	// HeadlessHosts lists hosts served by the headless backend. Subdomains
	// match too.
	HeadlessHosts []string
	Limiter       Waiter
	// Promoter, when set together with a headless backend, re-fetches pages
	// the http backend returned as script shells.
	Promoter Promoter
}

// Promoter inspects an http-fetched body.
type Promoter interface {
	ShouldPromote(body string) bool
}

// Router implements monitor.Fetcher on top of two backends.
type Router struct {
	http     monitor.Fetcher
	headless monitor.Fetcher
	base     *url.URL
	hosts    []string
	limiter  Waiter
	promoter Promoter
}

// NewRouter builds a Router. headless may be nil.
func NewRouter(httpFetcher, headless monitor.Fetcher, opts Options) (*Router, error) {
	if httpFetcher == nil {
		return nil, fmt.Errorf("http fetcher is required")
	}
	r := &Router{
		http:     httpFetcher,
		headless: headless,
		limiter:  opts.Limiter,
		promoter: opts.Promoter,
	}
	if opts.BaseURL != "" {
		base, err := url.Parse(opts.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		r.base = base
	}
	for _, h := range opts.HeadlessHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			r.hosts = append(r.hosts, h)
		}
	}
	return r, nil
}

// FetchText resolves link, waits for the host's rate limit and fetches it
// with the selected backend.
func (r *Router) FetchText(ctx context.Context, link string) (string, error) {
	target, err := r.Resolve(link)
	if err != nil {
		return "", &monitor.FetchError{URL: link, Err: err}
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, target); err != nil {
			return "", &monitor.FetchError{URL: target, Err: err}
		}
	}

	backend, name := r.http, "http"
	if r.headless != nil && r.useHeadless(target) {
		backend, name = r.headless, "headless"
	}
	start := time.Now()
	text, err := backend.FetchText(ctx, target)
	metrics.ObserveFetch(name, target, err, time.Since(start))
	if err != nil || name == "headless" || r.headless == nil || r.promoter == nil {
		return text, err
	}
	if !r.promoter.ShouldPromote(text) {
		return text, nil
	}
	start = time.Now()
	rendered, err := r.headless.FetchText(ctx, target)
	metrics.ObserveFetch("headless_promoted", target, err, time.Since(start))
	return rendered, err
}

// Resolve turns link into an absolute http(s) URL.
func (r *Router) Resolve(link string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}
	if !u.IsAbs() {
		if r.base == nil {
			return "", fmt.Errorf("relative link %q without base url", link)
		}
		u = r.base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (r *Router) useHeadless(target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return MatchHost(u.Hostname(), r.hosts)
}

// MatchHost reports whether host equals one of hosts or is a subdomain of one.
func MatchHost(host string, hosts []string) bool {
	host = strings.ToLower(host)
	for _, h := range hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
