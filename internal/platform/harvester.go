package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/harvest"
	"github.com/harvestd/harvestd/internal/ingest"
	"github.com/harvestd/harvestd/internal/pacing"
)

// Source types attached to per-item documents.
const (
	sourceTypeDetail  = "item_detail"
	sourceTypeCreator = "creator_profile"
	sourceTypeComment = "comment_thread"
)

// commentsEnvelope is the wire shape of a direct-replies page.
type commentsEnvelope struct {
	Comments []struct {
		ID string `json:"id"`
	} `json:"comments"`
}

// Harvester fetches and ingests per-item pages for the detail, creator,
// comment and media crawl modes. Fetches go through the shared rate
// limiter; page bodies run through the ingestion pipeline, media bytes
// go straight to blob storage.
type Harvester struct {
	fetch    harvest.Fetcher
	limiter  *pacing.Limiter
	pipeline *ingest.Pipeline
	blobs    harvest.BlobStore
	urls     *URLs
	logger   *zap.Logger
}

// NewHarvester constructs a Harvester.
func NewHarvester(
	fetch harvest.Fetcher,
	limiter *pacing.Limiter,
	pipeline *ingest.Pipeline,
	blobs harvest.BlobStore,
	urls *URLs,
	logger *zap.Logger,
) *Harvester {
	return &Harvester{
		fetch:    fetch,
		limiter:  limiter,
		pipeline: pipeline,
		blobs:    blobs,
		urls:     urls,
		logger:   logger,
	}
}

// HarvestDetail fetches and ingests the full-item page for one item.
func (h *Harvester) HarvestDetail(ctx context.Context, itemID string) error {
	_, err := h.harvestDocument(ctx, h.urls.DetailURL(itemID), sourceTypeDetail,
		map[string]string{"item_id": itemID})
	return err
}

// HarvestCreator fetches and ingests one author's profile page.
func (h *Harvester) HarvestCreator(ctx context.Context, authorID string) error {
	_, err := h.harvestDocument(ctx, h.urls.CreatorURL(authorID), sourceTypeCreator,
		map[string]string{"author_id": authorID})
	return err
}

// HarvestComments ingests the direct replies under one item or comment
// node and returns the reply identifiers for the walk to descend into.
func (h *Harvester) HarvestComments(ctx context.Context, itemID string, depth int) ([]string, error) {
	body, err := h.harvestDocument(ctx, h.urls.CommentsURL(itemID), sourceTypeComment,
		map[string]string{"item_id": itemID, "depth": strconv.Itoa(depth)})
	if err != nil {
		return nil, err
	}

	var env commentsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode comments for %s: %w", itemID, err)
	}
	children := make([]string, 0, len(env.Comments))
	for _, c := range env.Comments {
		if c.ID != "" {
			children = append(children, c.ID)
		}
	}
	return children, nil
}

// HarvestMedia downloads one item's media and writes it to blob
// storage. Media bypasses the document pipeline since its payload is
// binary, not page content.
func (h *Harvester) HarvestMedia(ctx context.Context, itemID string) error {
	rawURL := h.urls.MediaURL(itemID)
	body, err := h.fetchPaced(ctx, rawURL)
	if err != nil {
		return err
	}
	uri, err := h.blobs.PutObject(ctx, "media/"+itemID, "application/octet-stream", body)
	if err != nil {
		return fmt.Errorf("store media for %s: %w", itemID, err)
	}
	h.logger.Debug("media stored",
		zap.String("item_id", itemID), zap.String("uri", uri))
	return nil
}

// harvestDocument fetches a page and runs it through the ingestion
// pipeline. The raw body is returned so callers can extract structure
// from it; a duplicate verdict is not an error.
func (h *Harvester) harvestDocument(ctx context.Context, rawURL, sourceType string, meta map[string]string) ([]byte, error) {
	body, err := h.fetchPaced(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	doc := &harvest.RawDocument{
		SourceType: sourceType,
		SourceURL:  rawURL,
		Content:    string(body),
		Metadata:   meta,
	}
	outcome, err := h.pipeline.Ingest(ctx, doc, ingest.IngestContext{})
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", sourceType, err)
	}
	if outcome.Duplicate {
		h.logger.Debug("duplicate page skipped",
			zap.String("source_type", sourceType),
			zap.String("dup_type", outcome.DupType))
	}
	return body, nil
}

// fetchPaced performs one directive-checked, rate-limited fetch.
func (h *Harvester) fetchPaced(ctx context.Context, rawURL string) ([]byte, error) {
	if !h.limiter.IsAllowed(ctx, rawURL) {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, harvest.ErrDirectiveBlocked)
	}
	if err := h.limiter.WaitForNext(ctx, rawURL); err != nil {
		return nil, fmt.Errorf("pacing wait: %w", err)
	}
	resp, err := h.fetch.Fetch(ctx, rawURL)
	h.limiter.RecordRequest(rawURL, err == nil, resp.Duration)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	return resp.Body, nil
}
