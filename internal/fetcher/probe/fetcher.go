// Package probe implements a plain HTTP Fetcher using gocolly.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/sitepulse/sitepulse/internal/scan"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

const defaultTimeout = 15 * time.Second

// Fetcher retrieves pages without rendering, via the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher with a pooled transport shared across requests.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET.
func (f *Fetcher) Fetch(ctx context.Context, request scan.FetchRequest) (scan.FetchResponse, error) {
	var (
		result   scan.FetchResponse
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	collector.SetRequestTimeout(timeout)

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range request.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = scan.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			Rendered:   false,
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return scan.FetchResponse{}, fmt.Errorf("probe fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return scan.FetchResponse{}, fmt.Errorf("probe visit failed: %w", err)
		}
		if fetchErr != nil {
			return scan.FetchResponse{}, fmt.Errorf("probe response failed: %w", fetchErr)
		}
		return result, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
