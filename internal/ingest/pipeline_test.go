package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/config"
	"github.com/harvestd/harvestd/internal/harvest"
	"github.com/harvestd/harvestd/internal/hash/sha256"
	"github.com/harvestd/harvestd/internal/metrics"
)

func init() {
	metrics.Init()
}

type fakeDocStore struct {
	bySourceURL   map[string]*harvest.RawDocument
	byContentHash map[string]*harvest.RawDocument
	byURLHash     map[string]*harvest.RawDocument
	byFingerprint map[string]*harvest.RawDocument
	recent        []harvest.RawDocument
	inserted      []*harvest.RawDocument
	updated       []*harvest.RawDocument
	insertErr     error
	lookupErr     error
	archivedCount int64
	deletedCount  int64
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{
		bySourceURL:   make(map[string]*harvest.RawDocument),
		byContentHash: make(map[string]*harvest.RawDocument),
		byURLHash:     make(map[string]*harvest.RawDocument),
		byFingerprint: make(map[string]*harvest.RawDocument),
	}
}

func (s *fakeDocStore) FindBySourceURL(_ context.Context, u string) (*harvest.RawDocument, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return s.bySourceURL[u], nil
}

func (s *fakeDocStore) FindByContentHash(_ context.Context, sourceType, h string) (*harvest.RawDocument, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return s.byContentHash[sourceType+"|"+h], nil
}

func (s *fakeDocStore) FindByURLHash(_ context.Context, h string) (*harvest.RawDocument, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return s.byURLHash[h], nil
}

func (s *fakeDocStore) FindByFingerprint(_ context.Context, f string) (*harvest.RawDocument, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return s.byFingerprint[f], nil
}

func (s *fakeDocStore) ListRecentBySourceType(_ context.Context, _ string, _ int) ([]harvest.RawDocument, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	return s.recent, nil
}

func (s *fakeDocStore) HasSourceURL(_ context.Context, u string) (bool, error) {
	return s.bySourceURL[u] != nil, nil
}

func (s *fakeDocStore) Insert(_ context.Context, doc *harvest.RawDocument) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	cp := *doc
	s.inserted = append(s.inserted, &cp)
	s.index(&cp)
	return nil
}

func (s *fakeDocStore) Update(_ context.Context, doc *harvest.RawDocument) error {
	cp := *doc
	s.updated = append(s.updated, &cp)
	s.index(&cp)
	return nil
}

func (s *fakeDocStore) index(doc *harvest.RawDocument) {
	s.bySourceURL[doc.SourceURL] = doc
	s.byContentHash[doc.SourceType+"|"+doc.ContentHash] = doc
	s.byURLHash[doc.URLHash] = doc
	s.byFingerprint[doc.Fingerprint] = doc
}

func (s *fakeDocStore) ArchiveDue(context.Context, time.Time) (int64, error) {
	return s.archivedCount, nil
}

func (s *fakeDocStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return s.deletedCount, nil
}

type fakeBlobStore struct {
	puts int
	err  error
}

func (b *fakeBlobStore) PutObject(_ context.Context, path, _ string, _ []byte) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	b.puts++
	return "mem://" + path, nil
}

type fakeEventPublisher struct {
	calls    int
	failures int // fail the first N calls
	payloads []any
}

func (p *fakeEventPublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.calls++
	if p.calls <= p.failures {
		return "", errors.New("broker unavailable")
	}
	p.payloads = append(p.payloads, payload)
	return "msg-1", nil
}

type fakeIngestClock struct{ now time.Time }

func (c *fakeIngestClock) Now() time.Time { return c.now }

type seqIDGen struct{ n int }

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("doc-%d", g.n), nil
}

func testIngestConfig() config.IngestConfig {
	return config.IngestConfig{
		URLOverlapThreshold:   0.85,
		FuzzyThreshold:        0.8,
		FuzzyScanLimit:        20,
		MinContentLength:      50,
		StalenessWindow:       24 * time.Hour,
		ArchiveAfterDays:      90,
		ExpireAfterDays:       365,
		PublishMaxRetries:     3,
		PublishInitialBackoff: time.Second,
		PublishMaxBackoff:     8 * time.Second,
		SourcePlatform:        "testplatform",
	}
}

func newTestPipeline(store *fakeDocStore, pub *fakeEventPublisher) (*Pipeline, *[]time.Duration) {
	p := New(
		store,
		&fakeBlobStore{},
		pub,
		sha256.New(),
		&fakeIngestClock{now: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)},
		&seqIDGen{},
		testIngestConfig(),
		OutputConfig{Topic: "content.ready"},
		zap.NewNop(),
	)
	var slept []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func testDoc(content string) *harvest.RawDocument {
	return &harvest.RawDocument{
		SourceType: "search_page",
		SourceURL:  "https://example.com/search?q=widgets&page=1",
		Content:    content,
		Metadata:   map[string]string{"keyword": "widgets"},
	}
}

func TestIdentify_Deterministic(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(newFakeDocStore(), &fakeEventPublisher{})
	a := testDoc("hello world content")
	b := testDoc("hello world content")

	require.NoError(t, p.Identify(a))
	require.NoError(t, p.Identify(b))

	require.Equal(t, a.ContentHash, b.ContentHash)
	require.Equal(t, a.URLHash, b.URLHash)
	require.Equal(t, a.Fingerprint, b.Fingerprint)
}

func TestIdentify_ChangedContentChangesHashes(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(newFakeDocStore(), &fakeEventPublisher{})
	a := testDoc("original content")
	b := testDoc("revised content")

	require.NoError(t, p.Identify(a))
	require.NoError(t, p.Identify(b))

	require.NotEqual(t, a.ContentHash, b.ContentHash)
	require.NotEqual(t, a.Fingerprint, b.Fingerprint)
	require.Equal(t, a.URLHash, b.URLHash)
}

func TestIdentify_NormalizesEquivalentURLs(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(newFakeDocStore(), &fakeEventPublisher{})
	a := testDoc("same")
	a.SourceURL = "HTTPS://Example.com:443/path?b=2&a=1#frag"
	b := testDoc("same")
	b.SourceURL = "https://example.com/path?a=1&b=2"

	require.NoError(t, p.Identify(a))
	require.NoError(t, p.Identify(b))
	require.Equal(t, a.URLHash, b.URLHash)
}

func TestDeduplicate_SameContentTwiceIsContentHashDuplicate(t *testing.T) {
	t.Parallel()

	store := newFakeDocStore()
	p, _ := newTestPipeline(store, &fakeEventPublisher{})

	first := testDoc(strings.Repeat("searchable content ", 30))
	_, err := p.Ingest(context.Background(), first, IngestContext{TaskID: 1, Keyword: "widgets"})
	require.NoError(t, err)

	second := testDoc(strings.Repeat("searchable content ", 30))
	require.NoError(t, p.Identify(second))
	verdict := p.Deduplicate(context.Background(), second)

	require.True(t, verdict.IsDuplicate)
	require.Equal(t, DupContentHash, verdict.Type)
	require.Equal(t, 1.0, verdict.Similarity)
}

func TestDeduplicate_StoreFailureFailsOpen(t *testing.T) {
	t.Parallel()

	store := newFakeDocStore()
	store.lookupErr = errors.New("store down")
	p, _ := newTestPipeline(store, &fakeEventPublisher{})

	doc := testDoc("anything at all")
	require.NoError(t, p.Identify(doc))
	verdict := p.Deduplicate(context.Background(), doc)
	require.False(t, verdict.IsDuplicate)
}

func TestDeduplicate_FuzzyMatchAboveThreshold(t *testing.T) {
	t.Parallel()

	store := newFakeDocStore()
	base := strings.Repeat("the quick brown fox jumps over the lazy dog ", 10)
	store.recent = []harvest.RawDocument{{ID: "doc-old", Content: base}}
	p, _ := newTestPipeline(store, &fakeEventPublisher{})

	doc := testDoc(base + " minor tail")
	require.NoError(t, p.Identify(doc))
	verdict := p.Deduplicate(context.Background(), doc)

	require.True(t, verdict.IsDuplicate)
	require.Equal(t, DupFuzzy, verdict.Type)
	require.GreaterOrEqual(t, verdict.Similarity, 0.8)
}

func TestAssessQuality_EmptyContentFails(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(newFakeDocStore(), &fakeEventPublisher{})
	doc := testDoc("")
	doc.Metadata = nil

	report := p.AssessQuality(doc)
	require.LessOrEqual(t, report.Score, 50)
	require.False(t, report.IsValid)
}

func TestAssessQuality_WellFormedDocumentPasses(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(newFakeDocStore(), &fakeEventPublisher{})
	doc := testDoc(strings.Repeat("abcdefghij", 50))

	report := p.AssessQuality(doc)
	require.GreaterOrEqual(t, report.Score, 90)
	require.True(t, report.IsValid)
}

func TestAssessQuality_PathologicalRepetition(t *testing.T) {
	t.Parallel()

	p, _ := newTestPipeline(newFakeDocStore(), &fakeEventPublisher{})
	doc := testDoc(strings.Repeat("x", 200))

	report := p.AssessQuality(doc)
	require.Contains(t, report.Errors, "pathological character repetition")
	require.Equal(t, 85, report.Score)
}

func TestPublishReady_RetriesWithExponentialBackoff(t *testing.T) {
	t.Parallel()

	store := newFakeDocStore()
	pub := &fakeEventPublisher{failures: 10} // never succeeds
	p, slept := newTestPipeline(store, pub)

	doc := testDoc("content")
	doc.ID = "doc-1"
	err := p.PublishReady(context.Background(), doc, IngestContext{TaskID: 9, Keyword: "k"})

	require.ErrorIs(t, err, harvest.ErrPublish)
	require.Equal(t, 4, pub.calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *slept)
}

func TestPublishReady_SucceedsAfterTransientFailure(t *testing.T) {
	t.Parallel()

	pub := &fakeEventPublisher{failures: 2}
	p, slept := newTestPipeline(newFakeDocStore(), pub)

	doc := testDoc("content")
	doc.ID = "doc-1"
	require.NoError(t, p.PublishReady(context.Background(), doc, IngestContext{}))
	require.Equal(t, 3, pub.calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
}

func TestIngest_PublishFailureDoesNotUndoStore(t *testing.T) {
	t.Parallel()

	store := newFakeDocStore()
	pub := &fakeEventPublisher{failures: 10}
	p, _ := newTestPipeline(store, pub)

	doc := testDoc(strings.Repeat("well formed content ", 30))
	outcome, err := p.Ingest(context.Background(), doc, IngestContext{TaskID: 3})

	require.NoError(t, err)
	require.True(t, outcome.Stored)
	require.Len(t, store.inserted, 1)
}

func TestStore_UniquenessConflictIsDedupSignal(t *testing.T) {
	t.Parallel()

	store := newFakeDocStore()
	store.insertErr = fmt.Errorf("insert: %w", harvest.ErrDuplicateKey)
	p, _ := newTestPipeline(store, &fakeEventPublisher{})

	doc := testDoc("content")
	require.NoError(t, p.Identify(doc))
	stored, err := p.Store(context.Background(), doc)
	require.NoError(t, err)
	require.False(t, stored)
}

func TestStore_SetsLifecycleAndSchedule(t *testing.T) {
	t.Parallel()

	store := newFakeDocStore()
	p, _ := newTestPipeline(store, &fakeEventPublisher{})

	doc := testDoc("content")
	require.NoError(t, p.Identify(doc))
	stored, err := p.Store(context.Background(), doc)
	require.NoError(t, err)
	require.True(t, stored)

	require.Equal(t, 1, doc.Version)
	require.Equal(t, harvest.StageActive, doc.Lifecycle)
	require.Equal(t, harvest.StatusPending, doc.Status)
	require.Equal(t, doc.CreatedAt.AddDate(0, 0, 90), doc.ArchiveAt)
	require.Equal(t, doc.CreatedAt.AddDate(0, 0, 365), doc.ExpireAt)
	require.NotEmpty(t, doc.BlobURI)
}

func TestDetectIncrementalChange_Kinds(t *testing.T) {
	t.Parallel()

	store := newFakeDocStore()
	p, _ := newTestPipeline(store, &fakeEventPublisher{})
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	fresh := testDoc("v1 content")
	require.NoError(t, p.Identify(fresh))

	// Absent → new.
	kind, _, err := p.DetectIncrementalChange(context.Background(), fresh)
	require.NoError(t, err)
	require.Equal(t, ChangeNew, kind)

	stored := *fresh
	stored.ID = "doc-1"
	stored.Version = 1
	stored.UpdatedAt = now
	store.index(&stored)

	// Same content, same metadata, fresh timestamp → none.
	kind, _, err = p.DetectIncrementalChange(context.Background(), fresh)
	require.NoError(t, err)
	require.Equal(t, ChangeNone, kind)

	// Changed content → content_changed.
	changed := testDoc("v2 content")
	require.NoError(t, p.Identify(changed))
	kind, existing, err := p.DetectIncrementalChange(context.Background(), changed)
	require.NoError(t, err)
	require.Equal(t, ChangeContent, kind)
	require.Equal(t, "doc-1", existing.ID)

	// Same content, different metadata → metadata_changed.
	meta := testDoc("v1 content")
	meta.Metadata = map[string]string{"keyword": "widgets", "extra": "1"}
	require.NoError(t, p.Identify(meta))
	kind, _, err = p.DetectIncrementalChange(context.Background(), meta)
	require.NoError(t, err)
	require.Equal(t, ChangeMetadata, kind)

	// Stale beyond the 24h window → timestamp_touch.
	stored.UpdatedAt = now.Add(-25 * time.Hour)
	store.index(&stored)
	kind, _, err = p.DetectIncrementalChange(context.Background(), fresh)
	require.NoError(t, err)
	require.Equal(t, ChangeTimestampTouch, kind)
}

func TestApplyChange_ContentChangeVersionsAndArchivesPrior(t *testing.T) {
	t.Parallel()

	store := newFakeDocStore()
	p, _ := newTestPipeline(store, &fakeEventPublisher{})

	existing := testDoc("v1 content")
	existing.ID = "doc-1"
	existing.Version = 3
	existing.PreviousVersions = []string{"doc-a", "doc-b"}

	doc := testDoc("v2 content")
	require.NoError(t, p.Identify(doc))
	require.NoError(t, p.ApplyChange(context.Background(), ChangeContent, doc, existing))

	require.Equal(t, 4, doc.Version)
	require.Equal(t, []string{"doc-a", "doc-b", "doc-1"}, doc.PreviousVersions)
	require.Len(t, store.updated, 1)
	require.Equal(t, harvest.StageArchived, store.updated[0].Lifecycle)
	require.Len(t, store.inserted, 1)
}

func TestSweepLifecycle_ReportsCounts(t *testing.T) {
	t.Parallel()

	store := newFakeDocStore()
	store.archivedCount = 7
	store.deletedCount = 2
	p, _ := newTestPipeline(store, &fakeEventPublisher{})

	archived, deleted, err := p.SweepLifecycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), archived)
	require.Equal(t, int64(2), deleted)
}

func TestIngest_RejectsLowQualityDocument(t *testing.T) {
	t.Parallel()

	store := newFakeDocStore()
	p, _ := newTestPipeline(store, &fakeEventPublisher{})

	doc := testDoc("")
	doc.SourceURL = "not a url"
	doc.Metadata = nil
	outcome, err := p.Ingest(context.Background(), doc, IngestContext{})

	require.NoError(t, err)
	require.True(t, outcome.Rejected)
	require.Empty(t, store.inserted)
	require.Equal(t, harvest.StatusFailed, doc.Status)
}
