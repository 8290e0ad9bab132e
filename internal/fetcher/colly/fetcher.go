// Package collyfetcher implements sessionless fetching using gocolly.
// It backs media downloads and other fetches that need no account
// context.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/harvestd/harvestd/internal/harvest"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements harvest.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, url string) (harvest.FetchResponse, error) {
	var (
		result     harvest.FetchResponse
		fetchErr   error
		failStatus int
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	// Directive checks are enforced upstream by the rate limiter.
	collector.IgnoreRobotsTxt = true
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)

	collector.OnResponse(func(r *colly.Response) {
		result = harvest.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			failStatus = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return harvest.FetchResponse{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			sentinel := harvest.ErrNetworkFailure
			if failStatus == http.StatusTooManyRequests {
				sentinel = harvest.ErrRateLimited
			}
			return harvest.FetchResponse{}, fmt.Errorf("%w: fetch %s: %w", sentinel, url, err)
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
