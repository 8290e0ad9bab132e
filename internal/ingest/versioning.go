package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/harvestd/harvestd/internal/harvest"
)

// ChangeKind classifies what the incremental-change detector found when
// comparing a fresh fetch against the stored lineage.
type ChangeKind string

// Change kinds, in check order.
const (
	ChangeNew            ChangeKind = "new"
	ChangeContent        ChangeKind = "content_changed"
	ChangeMetadata       ChangeKind = "metadata_changed"
	ChangeTimestampTouch ChangeKind = "timestamp_touch"
	ChangeNone           ChangeKind = "none"
)

// DetectIncrementalChange looks up the stored document by source URL and
// classifies the difference. The existing document is returned for the
// non-new kinds so ApplyChange can act on it.
func (p *Pipeline) DetectIncrementalChange(ctx context.Context, doc *harvest.RawDocument) (ChangeKind, *harvest.RawDocument, error) {
	existing, err := p.store.FindBySourceURL(ctx, doc.SourceURL)
	if err != nil {
		return ChangeNone, nil, fmt.Errorf("lookup by source url: %w", err)
	}
	if existing == nil {
		return ChangeNew, nil, nil
	}
	if existing.ContentHash != doc.ContentHash {
		return ChangeContent, existing, nil
	}
	if !metadataEqual(existing.Metadata, doc.Metadata) {
		return ChangeMetadata, existing, nil
	}
	if p.clock.Now().Sub(existing.UpdatedAt) > p.stalenessWindow() {
		return ChangeTimestampTouch, existing, nil
	}
	return ChangeNone, existing, nil
}

// ApplyChange materializes a detected change. content_changed creates a
// new version and archives the prior; the other kinds update in place.
// Version is monotonically increasing per source-URL lineage; an archived
// prior version is never mutated again.
func (p *Pipeline) ApplyChange(ctx context.Context, kind ChangeKind, doc, existing *harvest.RawDocument) error {
	now := p.clock.Now()

	switch kind {
	case ChangeContent:
		prior := *existing
		prior.Lifecycle = harvest.StageArchived
		prior.UpdatedAt = now
		if err := p.store.Update(ctx, &prior); err != nil {
			return fmt.Errorf("%w: archive prior version: %w", harvest.ErrPersistence, err)
		}

		id, err := p.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate version id: %w", err)
		}
		doc.ID = id
		doc.Version = existing.Version + 1
		doc.PreviousVersions = append(append([]string(nil), existing.PreviousVersions...), existing.ID)
		doc.Lifecycle = harvest.StageActive
		doc.Status = harvest.StatusPending
		doc.CreatedAt = now
		doc.UpdatedAt = now
		doc.ArchiveAt = now.AddDate(0, 0, p.archiveDays())
		doc.ExpireAt = now.AddDate(0, 0, p.expireDays())
		if err := p.store.Insert(ctx, doc); err != nil {
			return fmt.Errorf("%w: insert new version: %w", harvest.ErrPersistence, err)
		}
		return nil

	case ChangeMetadata:
		existing.Metadata = doc.Metadata
		existing.UpdatedAt = now
		if err := p.store.Update(ctx, existing); err != nil {
			return fmt.Errorf("%w: update metadata: %w", harvest.ErrPersistence, err)
		}
		*doc = *existing
		return nil

	case ChangeTimestampTouch:
		existing.UpdatedAt = now
		if err := p.store.Update(ctx, existing); err != nil {
			return fmt.Errorf("%w: touch timestamp: %w", harvest.ErrPersistence, err)
		}
		*doc = *existing
		return nil

	default:
		return fmt.Errorf("apply change: unexpected kind %q", kind)
	}
}

func (p *Pipeline) stalenessWindow() time.Duration {
	if p.cfg.StalenessWindow > 0 {
		return p.cfg.StalenessWindow
	}
	return 24 * time.Hour
}

func metadataEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
