// Package headless implements account-bound browsing sessions on top of
// chromedp and headless Chrome.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/harvestd/harvestd/internal/harvest"
)

// Config controls the behavior of the session factory.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Factory opens browser contexts bound to an account's credential
// bundle. All sessions share one Chrome allocator; MaxParallel bounds
// how many are open at once.
type Factory struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewFactory creates a session factory backed by chromedp.
func NewFactory(cfg Config) (*Factory, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Factory{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context, tearing down all browsers.
func (f *Factory) Close() {
	f.allocCancel()
}

// NewSession opens a browser context carrying the account's credentials.
func (f *Factory) NewSession(ctx context.Context, account harvest.Account) (harvest.Session, error) {
	if err := f.acquire(ctx); err != nil {
		return nil, err
	}

	browserCtx, browserCancel := chromedp.NewContext(f.allocator)
	return &session{
		factory: f,
		ctx:     browserCtx,
		cancel:  browserCancel,
		cookie:  cookieHeader(account.Credentials),
	}, nil
}

func (f *Factory) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (f *Factory) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// session is one account-bound browser context.
type session struct {
	factory *Factory
	ctx     context.Context
	cancel  context.CancelFunc
	cookie  string
}

// Fetch navigates to the URL in the session's browser and returns the
// fully rendered DOM.
func (s *session) Fetch(ctx context.Context, url string) (harvest.FetchResponse, error) {
	navCtx, cancel := context.WithTimeout(s.ctx, s.factory.cfg.NavigationTimeout)
	defer cancel()

	// Caller cancellation must also stop the navigation.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var html string
	start := time.Now()
	actions := []chromedp.Action{
		s.setupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	resp, err := chromedp.RunResponse(navCtx, actions...)
	if err != nil {
		return harvest.FetchResponse{}, fmt.Errorf("%w: chromedp run: %w", harvest.ErrNetworkFailure, err)
	}

	// Same-document navigations carry no network response.
	status := http.StatusOK
	if resp != nil {
		status = int(resp.Status)
	}
	if status == http.StatusTooManyRequests {
		return harvest.FetchResponse{}, fmt.Errorf("%w: fetch %s: status %d", harvest.ErrRateLimited, url, status)
	}
	if status >= 400 {
		return harvest.FetchResponse{}, fmt.Errorf("%w: fetch %s: status %d", harvest.ErrNetworkFailure, url, status)
	}

	return harvest.FetchResponse{
		URL:        url,
		StatusCode: status,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

func (s *session) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.factory.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.factory.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if s.cookie != "" {
			headers := network.Headers{"Cookie": s.cookie}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set credential headers: %w", err)
			}
		}
		return nil
	})
}

// Close tears down the browser context and frees the parallel slot.
func (s *session) Close() error {
	s.cancel()
	s.factory.release()
	return nil
}

// cookieHeader renders the credential bundle as a Cookie header value
// with deterministic key order.
func cookieHeader(credentials map[string]string) string {
	if len(credentials) == 0 {
		return ""
	}
	keys := make([]string, 0, len(credentials))
	for k := range credentials {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+credentials[k])
	}
	return strings.Join(pairs, "; ")
}
