package ingest

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/harvestd/harvestd/internal/harvest"
)

// Identify fills the document's dedup identity: contentHash over the raw
// content, urlHash over the normalized URL, and a composite fingerprint.
// Day granularity in the fingerprint keeps same-day re-crawls stable
// while still rotating daily.
func (p *Pipeline) Identify(doc *harvest.RawDocument) error {
	contentHash, err := p.hasher.HashString(doc.Content)
	if err != nil {
		return fmt.Errorf("hash content: %w", err)
	}
	doc.ContentHash = contentHash

	normalized, err := normalizeURL(doc.SourceURL)
	if err != nil {
		// An unparsable URL still gets a stable hash; quality scoring
		// flags it separately.
		normalized = doc.SourceURL
	}
	urlHash, err := p.hasher.HashString(normalized)
	if err != nil {
		return fmt.Errorf("hash url: %w", err)
	}
	doc.URLHash = urlHash

	day := p.clock.Now().Format("2006-01-02")
	keys := sortedMetadataKeys(doc.Metadata)
	fingerprintInput := strings.Join([]string{
		doc.SourceType,
		normalized,
		doc.ContentHash,
		doc.URLHash,
		day,
		strings.Join(keys, ","),
	}, "|")
	fingerprint, err := p.hasher.HashString(fingerprintInput)
	if err != nil {
		return fmt.Errorf("hash fingerprint: %w", err)
	}
	doc.Fingerprint = fingerprint
	return nil
}

// normalizeURL lowercases scheme and host, strips fragments and default
// ports, and sorts query parameters so equivalent URLs hash identically.
func normalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if h, p, found := strings.Cut(u.Host, ":"); found {
		if (u.Scheme == "http" && p == "80") || (u.Scheme == "https" && p == "443") {
			u.Host = h
		}
	}

	if u.RawQuery != "" {
		q := u.Query()
		u.RawQuery = q.Encode() // Encode sorts keys
	}
	return u.String(), nil
}

func sortedMetadataKeys(meta map[string]string) []string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
