package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/harvest"
)

// Duplicate types reported by the dedup chain, in check order.
const (
	DupContentHash = "content_hash"
	DupURLOverlap  = "url_overlap"
	DupFingerprint = "fingerprint"
	DupFuzzy       = "fuzzy"
)

// Verdict is the dedup chain's decision for one document.
type Verdict struct {
	IsDuplicate bool
	Type        string
	Similarity  float64
	ExistingID  string
}

// Deduplicate runs the four-stage chain: exact content hash on the same
// source type, URL-hash match with character-overlap similarity,
// fingerprint match, then a fuzzy scan of recent same-type documents.
// Any store failure in the chain fails open, trading possible
// duplication for availability.
func (p *Pipeline) Deduplicate(ctx context.Context, doc *harvest.RawDocument) Verdict {
	if existing, err := p.store.FindByContentHash(ctx, doc.SourceType, doc.ContentHash); err != nil {
		p.failOpen("content hash lookup", doc, err)
	} else if existing != nil {
		return Verdict{IsDuplicate: true, Type: DupContentHash, Similarity: 1.0, ExistingID: existing.ID}
	}

	if existing, err := p.store.FindByURLHash(ctx, doc.URLHash); err != nil {
		p.failOpen("url hash lookup", doc, err)
	} else if existing != nil {
		sim := charOverlap(doc.Content, existing.Content)
		if sim > p.cfg.URLOverlapThreshold {
			return Verdict{IsDuplicate: true, Type: DupURLOverlap, Similarity: sim, ExistingID: existing.ID}
		}
	}

	if existing, err := p.store.FindByFingerprint(ctx, doc.Fingerprint); err != nil {
		p.failOpen("fingerprint lookup", doc, err)
	} else if existing != nil {
		return Verdict{IsDuplicate: true, Type: DupFingerprint, Similarity: 1.0, ExistingID: existing.ID}
	}

	recent, err := p.store.ListRecentBySourceType(ctx, doc.SourceType, p.cfg.FuzzyScanLimit)
	if err != nil {
		p.failOpen("recent scan", doc, err)
		return Verdict{}
	}
	for i := range recent {
		sim := charOverlap(doc.Content, recent[i].Content)
		if sim >= p.cfg.FuzzyThreshold {
			return Verdict{IsDuplicate: true, Type: DupFuzzy, Similarity: sim, ExistingID: recent[i].ID}
		}
	}

	return Verdict{}
}

func (p *Pipeline) failOpen(stage string, doc *harvest.RawDocument, err error) {
	p.logger.Warn("dedup stage failed open",
		zap.String("stage", stage),
		zap.String("source_url", doc.SourceURL),
		zap.Error(err))
}

// charOverlap is a coarse character-frequency overlap: the share of
// characters the two strings have in common relative to the longer one.
// Deliberately not an edit distance; the thresholds are tuned for it.
func charOverlap(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}

	countA := make(map[rune]int)
	for _, r := range a {
		countA[r]++
	}
	countB := make(map[rune]int)
	for _, r := range b {
		countB[r]++
	}

	var common, lenA, lenB int
	for r, n := range countA {
		lenA += n
		if m, ok := countB[r]; ok {
			common += min(n, m)
		}
	}
	for _, n := range countB {
		lenB += n
	}

	longer := lenA
	if lenB > longer {
		longer = lenB
	}
	return float64(common) / float64(longer)
}
