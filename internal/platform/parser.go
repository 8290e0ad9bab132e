package platform

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harvestd/harvestd/internal/harvest"
)

// searchEnvelope is the wire shape of one result page.
type searchEnvelope struct {
	Items []struct {
		ID       string    `json:"id"`
		AuthorID string    `json:"author_id"`
		PostedAt time.Time `json:"posted_at"`
	} `json:"items"`
	NextPageURL   string `json:"next_page_url"`
	NoMoreResults bool   `json:"no_more_results"`
}

// Parser extracts pagination structure from fetched result pages.
type Parser struct{}

// NewParser creates a result-page parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse decodes one result page into the engine's Page shape. Times are
// taken from the page's newest and oldest post; results are assumed to
// be sorted newest first, matching the platform's search ordering.
func (p *Parser) Parse(sourceType string, body []byte) (harvest.Page, error) {
	var env searchEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return harvest.Page{}, fmt.Errorf("decode %s page: %w", sourceType, err)
	}

	page := harvest.Page{
		NextPageURL:   env.NextPageURL,
		NoMoreResults: env.NoMoreResults,
	}
	seenAuthors := make(map[string]struct{})
	for _, item := range env.Items {
		if item.ID != "" {
			page.ItemIDs = append(page.ItemIDs, item.ID)
		}
		if item.AuthorID != "" {
			if _, ok := seenAuthors[item.AuthorID]; !ok {
				seenAuthors[item.AuthorID] = struct{}{}
				page.AuthorIDs = append(page.AuthorIDs, item.AuthorID)
			}
		}
		if item.PostedAt.IsZero() {
			continue
		}
		t := item.PostedAt
		if page.FirstPostTime == nil || t.After(*page.FirstPostTime) {
			page.FirstPostTime = &t
		}
		if page.LastPostTime == nil || t.Before(*page.LastPostTime) {
			page.LastPostTime = &t
		}
	}
	return page, nil
}
