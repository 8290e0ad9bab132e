// Package memory provides in-memory persistence for development and
// testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harvestd/harvestd/internal/harvest"
)

// DocumentStore keeps documents in maps indexed by each dedup key. It
// enforces the same source-type/content-hash uniqueness the Postgres
// schema does.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]*harvest.RawDocument
}

// NewDocumentStore constructs a DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs: make(map[string]*harvest.RawDocument),
	}
}

// FindBySourceURL returns the newest document for a source URL, nil when
// absent.
func (s *DocumentStore) FindBySourceURL(_ context.Context, sourceURL string) (*harvest.RawDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newestWhere(func(d *harvest.RawDocument) bool {
		return d.SourceURL == sourceURL
	}), nil
}

// FindByContentHash returns a same-source-type document with the content
// hash, nil when absent.
func (s *DocumentStore) FindByContentHash(_ context.Context, sourceType, contentHash string) (*harvest.RawDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newestWhere(func(d *harvest.RawDocument) bool {
		return d.SourceType == sourceType && d.ContentHash == contentHash
	}), nil
}

// FindByURLHash returns the newest document with the URL hash, nil when
// absent.
func (s *DocumentStore) FindByURLHash(_ context.Context, urlHash string) (*harvest.RawDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newestWhere(func(d *harvest.RawDocument) bool {
		return d.URLHash == urlHash
	}), nil
}

// FindByFingerprint returns the document with the fingerprint, nil when
// absent.
func (s *DocumentStore) FindByFingerprint(_ context.Context, fingerprint string) (*harvest.RawDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newestWhere(func(d *harvest.RawDocument) bool {
		return d.Fingerprint == fingerprint
	}), nil
}

func (s *DocumentStore) newestWhere(match func(*harvest.RawDocument) bool) *harvest.RawDocument {
	var newest *harvest.RawDocument
	for _, d := range s.docs {
		if !match(d) {
			continue
		}
		if newest == nil || d.UpdatedAt.After(newest.UpdatedAt) {
			newest = d
		}
	}
	if newest == nil {
		return nil
	}
	clone := *newest
	return &clone
}

// ListRecentBySourceType returns the newest documents of a source type,
// most recent first.
func (s *DocumentStore) ListRecentBySourceType(_ context.Context, sourceType string, limit int) ([]harvest.RawDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []harvest.RawDocument
	for _, d := range s.docs {
		if d.SourceType == sourceType {
			docs = append(docs, *d)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		return docs[i].UpdatedAt.After(docs[j].UpdatedAt)
	})
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// HasSourceURL reports whether any document has the source URL.
func (s *DocumentStore) HasSourceURL(_ context.Context, sourceURL string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.docs {
		if d.SourceURL == sourceURL {
			return true, nil
		}
	}
	return false, nil
}

// Insert stores a new document, rejecting source-type/content-hash
// collisions with ErrDuplicateKey.
func (s *DocumentStore) Insert(_ context.Context, doc *harvest.RawDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("%w: id %s", harvest.ErrDuplicateKey, doc.ID)
	}
	for _, d := range s.docs {
		if d.SourceType == doc.SourceType && d.ContentHash == doc.ContentHash {
			return fmt.Errorf("%w: content hash %s", harvest.ErrDuplicateKey, doc.ContentHash)
		}
	}
	clone := *doc
	s.docs[doc.ID] = &clone
	return nil
}

// Update rewrites an existing document.
func (s *DocumentStore) Update(_ context.Context, doc *harvest.RawDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; !ok {
		return fmt.Errorf("%w: document %s", harvest.ErrNotFound, doc.ID)
	}
	clone := *doc
	s.docs[doc.ID] = &clone
	return nil
}

// ArchiveDue moves active documents past their archive time into the
// archived stage.
func (s *DocumentStore) ArchiveDue(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, d := range s.docs {
		if d.Lifecycle == harvest.StageActive && !d.ArchiveAt.IsZero() && !d.ArchiveAt.After(before) {
			d.Lifecycle = harvest.StageArchived
			n++
		}
	}
	return n, nil
}

// DeleteExpired removes archived documents past their expiry time.
func (s *DocumentStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, d := range s.docs {
		if d.Lifecycle == harvest.StageArchived && !d.ExpireAt.IsZero() && !d.ExpireAt.After(before) {
			delete(s.docs, id)
			n++
		}
	}
	return n, nil
}
