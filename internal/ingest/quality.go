package ingest

import (
	"net/url"
	"unicode/utf8"

	"github.com/harvestd/harvestd/internal/harvest"
)

// validThreshold is the minimum quality score for a document to pass the
// ingestion gate.
const validThreshold = 70

// maxRunRepeats flags pathological repetition: the same rune appearing
// this many times in a row or more.
const maxRunRepeats = 11

// QualityReport is the outcome of quality assessment.
type QualityReport struct {
	Score   int
	Errors  []string
	IsValid bool
}

// AssessQuality scores a document starting at 100 with fixed deductions.
// The score clamps at zero; IsValid requires at least validThreshold.
func (p *Pipeline) AssessQuality(doc *harvest.RawDocument) QualityReport {
	report := QualityReport{Score: 100}

	if doc.Content == "" {
		report.deduct(50, "empty content")
	} else if len(doc.Content) < p.minContentLength() {
		report.deduct(20, "content below minimum length")
	}

	if u, err := url.Parse(doc.SourceURL); err != nil || u.Scheme == "" || u.Host == "" {
		report.deduct(30, "unparsable source url")
	}

	if hasPathologicalRepetition(doc.Content) {
		report.deduct(15, "pathological character repetition")
	}

	if !utf8.ValidString(doc.Content) {
		report.deduct(40, "content is not valid utf-8")
	}

	if len(doc.Metadata) == 0 {
		report.deduct(10, "metadata absent")
	}

	if report.Score < 0 {
		report.Score = 0
	}
	report.IsValid = report.Score >= validThreshold
	return report
}

func (p *Pipeline) minContentLength() int {
	if p.cfg.MinContentLength > 0 {
		return p.cfg.MinContentLength
	}
	return 50
}

func hasPathologicalRepetition(s string) bool {
	var prev rune
	run := 0
	for _, r := range s {
		if r == prev {
			run++
			if run >= maxRunRepeats {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

func (r *QualityReport) deduct(points int, reason string) {
	r.Score -= points
	r.Errors = append(r.Errors, reason)
}
