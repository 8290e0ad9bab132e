package pacing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const defaultDirectiveTTL = 30 * time.Minute

// directiveCache holds parsed robots data per host with a TTL. A fetch or
// parse failure yields an allow-all entry so the crawler degrades open.
type directiveCache struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration

	mu      sync.Mutex
	entries map[string]*directiveEntry
}

type directiveEntry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

func newDirectiveCache(userAgent string, ttl time.Duration) *directiveCache {
	if ttl <= 0 {
		ttl = defaultDirectiveTTL
	}
	return &directiveCache{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: userAgent,
		ttl:       ttl,
		entries:   make(map[string]*directiveEntry),
	}
}

// allowed reports whether the URL's path is permitted for our agent.
func (c *directiveCache) allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	data := c.load(ctx, parsed)
	if data == nil {
		return true
	}
	group := data.FindGroup(c.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.Path)
}

// crawlDelay returns the host's declared crawl-delay, zero if none.
func (c *directiveCache) crawlDelay(ctx context.Context, rawURL string) time.Duration {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	data := c.load(ctx, parsed)
	if data == nil {
		return 0
	}
	group := data.FindGroup(c.userAgent)
	if group == nil {
		return 0
	}
	return group.CrawlDelay
}

func (c *directiveCache) load(ctx context.Context, parsed *url.URL) *robotstxt.RobotsData {
	hostKey := strings.ToLower(parsed.Host)

	c.mu.Lock()
	entry, ok := c.entries[hostKey]
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.data
	}
	c.mu.Unlock()

	data, err := c.fetch(ctx, parsed)
	if err != nil {
		// Degrade open: a missing directive document never blocks the crawl.
		data = nil
	}

	c.mu.Lock()
	c.entries[hostKey] = &directiveEntry{data: data, fetchedAt: time.Now()}
	c.mu.Unlock()
	return data
}

func (c *directiveCache) fetch(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := *parsed
	robotsURL.Path = path.Join("/", "robots.txt")
	robotsURL.RawQuery = ""
	robotsURL.Fragment = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

// seed installs parsed directive data for a host, bypassing the network.
// Test hook.
func (c *directiveCache) seed(host string, data *robotstxt.RobotsData) {
	c.mu.Lock()
	c.entries[strings.ToLower(host)] = &directiveEntry{data: data, fetchedAt: time.Now()}
	c.mu.Unlock()
}
