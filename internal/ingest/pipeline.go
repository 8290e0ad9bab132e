// Package ingest implements the raw-content ingestion pipeline: identity
// hashing, dedup, quality scoring, versioning, lifecycle and event
// emission.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/config"
	"github.com/harvestd/harvestd/internal/harvest"
	"github.com/harvestd/harvestd/internal/metrics"
)

// Pipeline chains identity, dedup, quality, versioning, persistence and
// publish for harvested documents. No lock spans the pipeline; the store
// may be touched by independent concurrent workers and a write-time
// uniqueness conflict is read as a dedup signal.
type Pipeline struct {
	store     harvest.DocumentStore
	blobs     harvest.BlobStore
	publisher harvest.Publisher
	hasher    harvest.Hasher
	clock     harvest.Clock
	ids       harvest.IDGenerator
	cfg       config.IngestConfig
	out       OutputConfig
	logger    *zap.Logger

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// OutputConfig names where stored documents land: the blob path layout
// and the topic content-ready events are published to.
type OutputConfig struct {
	Topic       string
	BlobPrefix  string
	ContentType string
}

// New constructs a Pipeline.
func New(
	store harvest.DocumentStore,
	blobs harvest.BlobStore,
	publisher harvest.Publisher,
	hasher harvest.Hasher,
	clock harvest.Clock,
	ids harvest.IDGenerator,
	cfg config.IngestConfig,
	out OutputConfig,
	logger *zap.Logger,
) *Pipeline {
	if cfg.PublishMaxRetries <= 0 {
		cfg.PublishMaxRetries = 3
	}
	if cfg.PublishInitialBackoff <= 0 {
		cfg.PublishInitialBackoff = time.Second
	}
	if cfg.PublishMaxBackoff <= 0 {
		cfg.PublishMaxBackoff = 8 * time.Second
	}
	if cfg.FuzzyScanLimit <= 0 {
		cfg.FuzzyScanLimit = 20
	}
	if out.ContentType == "" {
		out.ContentType = "text/html; charset=utf-8"
	}
	return &Pipeline{
		store:     store,
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		out:       out,
		logger:    logger,
		sleep:     sleepWithContext,
	}
}

// Outcome summarizes one document's trip through the pipeline.
type Outcome struct {
	Stored     bool
	Duplicate  bool
	DupType    string
	Change     ChangeKind
	Rejected   bool
	DocumentID string
}

// IngestContext carries task metadata into the content-ready event.
type IngestContext struct {
	TaskID  int64
	Keyword string
}

// Ingest runs the full chain for one document: identify, dedup, change
// detection, quality gate, store/version, publish. Only the final store
// call aborts the page's ingestion; everything before it degrades.
func (p *Pipeline) Ingest(ctx context.Context, doc *harvest.RawDocument, meta IngestContext) (Outcome, error) {
	if err := p.Identify(doc); err != nil {
		return Outcome{}, fmt.Errorf("identify document: %w", err)
	}

	verdict := p.Deduplicate(ctx, doc)
	if verdict.IsDuplicate {
		doc.Status = harvest.StatusDuplicate
		metrics.ObserveDedup(verdict.Type)
		return Outcome{Duplicate: true, DupType: verdict.Type}, nil
	}
	metrics.ObserveDedup("none")

	change, existing, err := p.DetectIncrementalChange(ctx, doc)
	if err != nil {
		// Change detection rides the same store as dedup; fail open to "new".
		p.logger.Warn("incremental change detection failed; treating as new",
			zap.String("source_url", doc.SourceURL), zap.Error(err))
		change = ChangeNew
	}
	if change == ChangeNone {
		return Outcome{Change: ChangeNone}, nil
	}

	quality := p.AssessQuality(doc)
	doc.QualityScore = quality.Score
	doc.ValidationErrors = quality.Errors
	if !quality.IsValid {
		doc.Status = harvest.StatusFailed
		return Outcome{Rejected: true, Change: change}, nil
	}

	if change == ChangeNew {
		stored, err := p.Store(ctx, doc)
		if err != nil {
			return Outcome{Change: change}, err
		}
		if !stored {
			return Outcome{Duplicate: true, DupType: "write_conflict", Change: change}, nil
		}
	} else {
		if err := p.ApplyChange(ctx, change, doc, existing); err != nil {
			return Outcome{Change: change}, err
		}
	}

	if err := p.PublishReady(ctx, doc, meta); err != nil {
		// The write already succeeded; publish is best-effort.
		p.logger.Error("content-ready publish dropped after retries",
			zap.String("document_id", doc.ID), zap.Error(err))
	}

	return Outcome{Stored: true, Change: change, DocumentID: doc.ID}, nil
}

// Store persists a non-duplicate, quality-assessed document: raw body to
// the blob store, row with version 1, active lifecycle, pending status
// and scheduled archive/expiry dates. A uniqueness conflict from a
// concurrent writer returns (false, nil), a dedup signal rather than an
// error.
func (p *Pipeline) Store(ctx context.Context, doc *harvest.RawDocument) (bool, error) {
	now := p.clock.Now()

	if doc.ID == "" {
		id, err := p.ids.NewID()
		if err != nil {
			return false, fmt.Errorf("generate document id: %w", err)
		}
		doc.ID = id
	}

	if p.blobs != nil {
		blobPath := fmt.Sprintf("%s/%s.html", doc.SourceType, doc.ContentHash)
		if p.out.BlobPrefix != "" {
			blobPath = p.out.BlobPrefix + "/" + blobPath
		}
		uri, err := p.blobs.PutObject(ctx, blobPath, p.out.ContentType, []byte(doc.Content))
		if err != nil {
			return false, fmt.Errorf("%w: put raw body: %w", harvest.ErrPersistence, err)
		}
		doc.BlobURI = uri
	}

	doc.Version = 1
	doc.Lifecycle = harvest.StageActive
	doc.Status = harvest.StatusPending
	doc.CreatedAt = now
	doc.UpdatedAt = now
	doc.ArchiveAt = now.AddDate(0, 0, p.archiveDays())
	doc.ExpireAt = now.AddDate(0, 0, p.expireDays())

	if err := p.store.Insert(ctx, doc); err != nil {
		if errors.Is(err, harvest.ErrDuplicateKey) {
			p.logger.Info("concurrent insert lost the race; treating as duplicate",
				zap.String("source_url", doc.SourceURL))
			return false, nil
		}
		return false, fmt.Errorf("%w: insert document: %w", harvest.ErrPersistence, err)
	}
	return true, nil
}

// PublishReady emits the content-ready event. After a failed initial
// attempt it retries up to the configured count with exponential backoff
// (initial 1s, doubling, capped), then gives up. The document write
// already succeeded, so exhaustion is logged by the caller and
// swallowed.
func (p *Pipeline) PublishReady(ctx context.Context, doc *harvest.RawDocument, meta IngestContext) error {
	event := harvest.ContentReadyEvent{
		RawDataID:      doc.ID,
		SourceType:     doc.SourceType,
		SourcePlatform: p.cfg.SourcePlatform,
		SourceURL:      doc.SourceURL,
		ContentHash:    doc.ContentHash,
		Metadata: map[string]any{
			"taskId":   meta.TaskID,
			"keyword":  meta.Keyword,
			"fileSize": len(doc.Content),
		},
		CreatedAt: doc.CreatedAt,
	}

	backoff := p.cfg.PublishInitialBackoff
	var lastErr error
	for retry := 0; ; retry++ {
		_, err := p.publisher.Publish(ctx, p.out.Topic, event)
		if err == nil {
			return nil
		}
		lastErr = err
		if retry == p.cfg.PublishMaxRetries {
			break
		}
		metrics.ObservePublishRetry()
		if err := p.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%w: backoff interrupted: %w", harvest.ErrPublish, err)
		}
		backoff *= 2
		if backoff > p.cfg.PublishMaxBackoff {
			backoff = p.cfg.PublishMaxBackoff
		}
	}
	return fmt.Errorf("%w: %d retries: %w", harvest.ErrPublish, p.cfg.PublishMaxRetries, lastErr)
}

// SweepLifecycle archives documents past their archive date and deletes
// already-archived documents past expiry. Idempotent.
func (p *Pipeline) SweepLifecycle(ctx context.Context) (archived, deleted int64, err error) {
	now := p.clock.Now()

	archived, err = p.store.ArchiveDue(ctx, now)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: archive sweep: %w", harvest.ErrPersistence, err)
	}
	deleted, err = p.store.DeleteExpired(ctx, now)
	if err != nil {
		return archived, 0, fmt.Errorf("%w: expiry sweep: %w", harvest.ErrPersistence, err)
	}
	if archived > 0 || deleted > 0 {
		p.logger.Info("lifecycle sweep",
			zap.Int64("archived", archived), zap.Int64("deleted", deleted))
	}
	return archived, deleted, nil
}

func (p *Pipeline) archiveDays() int {
	if p.cfg.ArchiveAfterDays <= 0 {
		return 90
	}
	return p.cfg.ArchiveAfterDays
}

func (p *Pipeline) expireDays() int {
	if p.cfg.ExpireAfterDays <= 0 {
		return 365
	}
	return p.cfg.ExpireAfterDays
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
