// Package collyfetcher implements monitor.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/rafaelwaynne/procwatch/internal/monitor"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultTimeout      = 15 * time.Second
	DefaultMaxRedirects = 1
	DefaultUserAgent    = "Mozilla/5.0 Robot"
)

// ErrTooManyRedirects is wrapped in the FetchError returned when a page
// redirects more than Config.MaxRedirects times.
var ErrTooManyRedirects = errors.New("too many redirects")

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
}

// Fetcher implements monitor.Fetcher using a Colly collector per request.
// Collectors are not shared because Clone shares the HTTP backend and the
// redirect handler and timeout are backend settings.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return &Fetcher{
		cfg:       cfg,
		transport: newHTTPTransport(),
	}
}

// FetchText issues one GET and returns the body as text. Statuses >= 400,
// transport failures, timeouts and redirect overflow all yield a
// *monitor.FetchError.
func (f *Fetcher) FetchText(ctx context.Context, url string) (string, error) {
	var (
		body     string
		status   int
		fetchErr error
	)
	collector := f.buildCollector()
	f.configureCollectorHooks(collector, &body, &status, &fetchErr)

	if err := runCollector(ctx, collector, url); err != nil {
		return "", &monitor.FetchError{URL: url, Err: err}
	}
	if fetchErr != nil {
		return "", &monitor.FetchError{URL: url, StatusCode: status, Err: fetchErr}
	}
	if status >= http.StatusBadRequest {
		return "", &monitor.FetchError{URL: url, StatusCode: status}
	}
	return body, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	collector.UserAgent = f.cfg.UserAgent
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	collector.SetRedirectHandler(redirectLimit(f.cfg.MaxRedirects))
	return collector
}

func redirectLimit(maxRedirects int) func(*http.Request, []*http.Request) error {
	return func(_ *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return fmt.Errorf("%w: stopped after %d", ErrTooManyRedirects, maxRedirects)
		}
		return nil
	}
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	body *string,
	status *int,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	})

	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		*body = string(r.Body)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
