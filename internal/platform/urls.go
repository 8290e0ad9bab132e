// Package platform binds the engine to the target platform's HTTP
// surface: URL construction, result-page parsing, per-item harvesting
// and the credential liveness probe.
package platform

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// URLs builds request URLs for every crawl mode from one base endpoint.
type URLs struct {
	base string
}

// NewURLs creates a URL builder rooted at baseURL.
func NewURLs(baseURL string) *URLs {
	return &URLs{base: strings.TrimRight(baseURL, "/")}
}

// SearchURL returns the search-results URL for a keyword, time window
// and 1-based page number.
func (u *URLs) SearchURL(keyword string, start, end time.Time, page int) string {
	q := url.Values{}
	q.Set("q", keyword)
	if !start.IsZero() {
		q.Set("since", fmt.Sprintf("%d", start.Unix()))
	}
	if !end.IsZero() {
		q.Set("until", fmt.Sprintf("%d", end.Unix()))
	}
	q.Set("page", fmt.Sprintf("%d", page))
	return u.base + "/api/v1/search?" + q.Encode()
}

// DetailURL returns the full-item endpoint for one item.
func (u *URLs) DetailURL(itemID string) string {
	return u.base + "/api/v1/items/" + url.PathEscape(itemID)
}

// CreatorURL returns the author-profile endpoint.
func (u *URLs) CreatorURL(authorID string) string {
	return u.base + "/api/v1/creators/" + url.PathEscape(authorID)
}

// CommentsURL returns the direct-replies endpoint for an item or a
// comment node.
func (u *URLs) CommentsURL(itemID string) string {
	return u.base + "/api/v1/items/" + url.PathEscape(itemID) + "/comments"
}

// MediaURL returns the media download endpoint for an item.
func (u *URLs) MediaURL(itemID string) string {
	return u.base + "/api/v1/items/" + url.PathEscape(itemID) + "/media"
}
