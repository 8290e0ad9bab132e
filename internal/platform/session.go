package platform

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/harvestd/harvestd/internal/harvest"
)

// HTTPSessions opens plain-HTTP browsing sessions. It is the fallback
// session factory for deployments that run without headless Chrome;
// pages that require script execution need the headless factory instead.
type HTTPSessions struct {
	client    *http.Client
	userAgent string
}

// NewHTTPSessions creates the factory.
func NewHTTPSessions(userAgent string, timeout time.Duration) *HTTPSessions {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPSessions{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// NewSession returns a session carrying the account's cookie bundle.
func (f *HTTPSessions) NewSession(_ context.Context, account harvest.Account) (harvest.Session, error) {
	return &httpSession{
		client:    f.client,
		userAgent: f.userAgent,
		cookie:    cookieHeader(account.Credentials),
	}, nil
}

type httpSession struct {
	client    *http.Client
	userAgent string
	cookie    string
}

func (s *httpSession) Fetch(ctx context.Context, url string) (harvest.FetchResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("build request: %w", err)
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	if s.cookie != "" {
		req.Header.Set("Cookie", s.cookie)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("fetch %s: %w: %w", url, harvest.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("read body for %s: %w: %w", url, harvest.ErrNetworkFailure, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return harvest.FetchResponse{}, fmt.Errorf("fetch %s: %w: status %d", url, harvest.ErrRateLimited, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return harvest.FetchResponse{}, fmt.Errorf("fetch %s: %w: status %d", url, harvest.ErrNetworkFailure, resp.StatusCode)
	}
	return harvest.FetchResponse{
		URL:        url,
		StatusCode: resp.StatusCode,
		Body:       body,
		Duration:   time.Since(start),
	}, nil
}

// Close is a no-op; the underlying client is shared by the factory.
func (s *httpSession) Close() error {
	return nil
}
