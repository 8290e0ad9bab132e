// Package pacing implements adaptive per-host rate limiting plus
// crawl-directive compliance.
package pacing

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/harvestd/harvestd/internal/config"
	"github.com/harvestd/harvestd/internal/metrics"
)

// outcome is one entry in the rolling request window.
type outcome struct {
	success  bool
	duration time.Duration
}

// Limiter paces requests per host and adapts its delay to recent
// outcomes: failures and slow responses raise the delay multiplicatively,
// sustained success decays it toward the floor. This component only
// paces; retry policy belongs to callers.
type Limiter struct {
	cfg        config.PacingConfig
	directives *directiveCache

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	window   []outcome
	cursor   int
	filled   bool
	delay    time.Duration
}

// NewLimiter builds a Limiter. The directive cache shares the limiter's
// configured user agent and TTL.
func NewLimiter(cfg config.PacingConfig) *Limiter {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 50
	}
	if cfg.FloorDelay <= 0 {
		cfg.FloorDelay = 2 * time.Second
	}
	if cfg.CeilingDelay <= 0 {
		cfg.CeilingDelay = 60 * time.Second
	}
	return &Limiter{
		cfg:        cfg,
		directives: newDirectiveCache(cfg.UserAgent, cfg.DirectiveTTL),
		limiters:   make(map[string]*rate.Limiter),
		window:     make([]outcome, cfg.WindowSize),
		delay:      cfg.FloorDelay,
	}
}

// IsAllowed consults the per-host crawl-directive cache. If the directive
// document cannot be fetched the default is to allow.
func (l *Limiter) IsAllowed(ctx context.Context, rawURL string) bool {
	return l.directives.allowed(ctx, rawURL)
}

// RecommendedDelay returns the larger of the host's declared crawl-delay
// and the locally computed adaptive delay.
func (l *Limiter) RecommendedDelay(ctx context.Context, rawURL string) time.Duration {
	declared := l.directives.crawlDelay(ctx, rawURL)
	adaptive := l.AdaptiveDelay()
	if declared > adaptive {
		return declared
	}
	return adaptive
}

// AdaptiveDelay returns the current delay derived from the rolling window.
func (l *Limiter) AdaptiveDelay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

// RecordRequest books one request outcome into the rolling window and
// recomputes the adaptive delay. Pure bookkeeping, never blocks.
func (l *Limiter) RecordRequest(rawURL string, success bool, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.window[l.cursor] = outcome{success: success, duration: duration}
	l.cursor = (l.cursor + 1) % len(l.window)
	if l.cursor == 0 {
		l.filled = true
	}

	l.recomputeDelay()
	_ = rawURL // host-level stats feed the shared window; per-host pacing is the token bucket's job
}

// recomputeDelay runs under l.mu. Inverted AIMD: multiplicative increase
// on trouble, additive-style decay on sustained success.
func (l *Limiter) recomputeDelay() {
	n := l.cursor
	if l.filled {
		n = len(l.window)
	}
	if n == 0 {
		return
	}

	var failures int
	var total time.Duration
	for i := 0; i < n; i++ {
		if !l.window[i].success {
			failures++
		}
		total += l.window[i].duration
	}
	successRatio := float64(n-failures) / float64(n)
	meanLatency := total / time.Duration(n)
	slow := meanLatency > time.Duration(l.cfg.SlowRequestMs)*time.Millisecond

	switch {
	case successRatio < 0.5:
		l.delay *= 2
	case successRatio < 0.9 || slow:
		l.delay = l.delay * 3 / 2
	default:
		l.delay -= l.delay / 4
	}

	if l.delay < l.cfg.FloorDelay {
		l.delay = l.cfg.FloorDelay
	}
	if l.delay > l.cfg.CeilingDelay {
		l.delay = l.cfg.CeilingDelay
	}
}

// WaitForNext blocks until the host's pacing budget permits another call,
// respecting the context. This is the only blocking point in the
// subsystem.
func (l *Limiter) WaitForNext(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)

	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		r := rate.Limit(l.cfg.DefaultRPS)
		if l.cfg.DefaultRPS <= 0 {
			r = rate.Inf
		}
		burst := l.cfg.DefaultBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(r, burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("pacing wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(rawURL, waited)
	}
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}
