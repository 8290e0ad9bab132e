// Package harvest defines core types shared across subsystems.
package harvest

import (
	"time"
)

// AccountStatus represents the lifecycle state of a platform account.
type AccountStatus string

// Account status values persisted in the account store. The banned
// transition is terminal.
const (
	AccountStatusActive  AccountStatus = "active"
	AccountStatusBanned  AccountStatus = "banned"
	AccountStatusExpired AccountStatus = "expired"
)

// RiskLevel classifies how likely an account is to be banned soon.
type RiskLevel string

// Risk levels reported by the liveness probe.
const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Account is a platform account with an opaque credential bundle.
// The engine mutates usage counters and status but never deletes rows.
type Account struct {
	ID                  int64             `json:"id"`
	Credentials         map[string]string `json:"credentials"`
	Status              AccountStatus     `json:"status"`
	HealthScore         int               `json:"health_score"`
	UsageCount          int64             `json:"usage_count"`
	LastUsedAt          time.Time         `json:"last_used_at"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
	RiskLevel           RiskLevel         `json:"risk_level"`
	Priority            int               `json:"priority"`
}

// Active reports whether the account may be handed out by the pool.
func (a Account) Active() bool {
	return a.Status == AccountStatusActive
}

// CrawlMode identifies one pass of a multi-mode crawl.
type CrawlMode string

// Crawl modes, in dependency order: search produces the identifiers the
// other modes fan out over.
const (
	ModeSearch  CrawlMode = "search"
	ModeDetail  CrawlMode = "detail"
	ModeCreator CrawlMode = "creator"
	ModeComment CrawlMode = "comment"
	ModeMedia   CrawlMode = "media"
)

// Task is one unit of crawl work, consumed exactly once. Child tasks
// (gap backfill, incremental continuation) share the same shape.
type Task struct {
	TaskID          int64       `json:"task_id"`
	Keyword         string      `json:"keyword"`
	WindowStart     time.Time   `json:"start,omitempty"`
	WindowEnd       time.Time   `json:"end,omitempty"`
	IsInitialCrawl  bool        `json:"is_initial_crawl,omitempty"`
	AccountID       *int64      `json:"account_id,omitempty"`
	EnableRotation  bool        `json:"enable_account_rotation,omitempty"`
	Modes           []CrawlMode `json:"crawl_modes,omitempty"`
	MaxCommentDepth int         `json:"max_comment_depth,omitempty"`

	// NotBefore defers execution; workers hold a dequeued task until
	// this instant passes. Zero means run immediately.
	NotBefore time.Time `json:"not_before,omitempty"`
}

// HasMode reports whether the task requests the given crawl mode.
// An empty mode list means search only.
func (t Task) HasMode(mode CrawlMode) bool {
	if len(t.Modes) == 0 {
		return mode == ModeSearch
	}
	for _, m := range t.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// CrawlResult summarizes one scheduler run. Ephemeral, never persisted.
type CrawlResult struct {
	Success       bool
	PageCount     int
	FirstPostTime *time.Time
	LastPostTime  *time.Time
	GapScheduled  bool
	FailureKind   FailureKind
	Err           error
}

// LifecycleStage governs retention of a harvested document.
type LifecycleStage string

// Lifecycle stages. Archived documents are immutable; expired ones are
// deleted by the sweep.
const (
	StageActive   LifecycleStage = "active"
	StageCooling  LifecycleStage = "cooling"
	StageArchived LifecycleStage = "archived"
	StageExpired  LifecycleStage = "expired"
)

// DocumentStatus tracks processing state of a harvested document.
type DocumentStatus string

// Document statuses.
const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusProcessed  DocumentStatus = "processed"
	StatusFailed     DocumentStatus = "failed"
	StatusDuplicate  DocumentStatus = "duplicate"
)

// RawDocument is a harvested page body plus its dedup identity and
// lifecycle bookkeeping. (ContentHash, URLHash, Fingerprint) jointly
// determine the dedup bucket; Version is monotonic per SourceURL lineage.
type RawDocument struct {
	ID               string            `json:"id"`
	SourceType       string            `json:"source_type"`
	SourceURL        string            `json:"source_url"`
	Content          string            `json:"content"`
	ContentHash      string            `json:"content_hash"`
	URLHash          string            `json:"url_hash"`
	Fingerprint      string            `json:"fingerprint"`
	Version          int               `json:"version"`
	QualityScore     int               `json:"quality_score"`
	ValidationErrors []string          `json:"validation_errors,omitempty"`
	Lifecycle        LifecycleStage    `json:"lifecycle_stage"`
	Status           DocumentStatus    `json:"status"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	PreviousVersions []string          `json:"previous_versions,omitempty"`
	BlobURI          string            `json:"blob_uri,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	ArchiveAt        time.Time         `json:"archive_at"`
	ExpireAt         time.Time         `json:"expire_at"`
}

// FetchResponse is the result returned by a Fetcher or Session.
type FetchResponse struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Page is the parser's view of one fetched result page. The concrete
// field-extraction rules live behind the PageParser collaborator; the
// engine only consumes this shape.
type Page struct {
	ItemIDs       []string
	AuthorIDs     []string
	FirstPostTime *time.Time
	LastPostTime  *time.Time
	NextPageURL   string
	NoMoreResults bool
}

// ContentReadyEvent is published after a document write succeeds.
type ContentReadyEvent struct {
	RawDataID      string            `json:"rawDataId"`
	SourceType     string            `json:"sourceType"`
	SourcePlatform string            `json:"sourcePlatform"`
	SourceURL      string            `json:"sourceUrl"`
	ContentHash    string            `json:"contentHash"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// StatusUpdateEvent reports scheduler progress back to the task origin.
type StatusUpdateEvent struct {
	TaskID           int64      `json:"taskId"`
	Status           string     `json:"status"`
	CurrentCrawlTime *time.Time `json:"currentCrawlTime,omitempty"`
	LatestCrawlTime  *time.Time `json:"latestCrawlTime,omitempty"`
	NextRunAt        *time.Time `json:"nextRunAt,omitempty"`
	Progress         string     `json:"progress,omitempty"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// CredentialState is the liveness probe's verdict on an account's
// credential bundle.
type CredentialState string

// Credential states returned by the liveness probe.
const (
	CredentialValid   CredentialState = "valid"
	CredentialExpired CredentialState = "expired"
	CredentialMissing CredentialState = "missing"
	CredentialInvalid CredentialState = "invalid"
)

// Liveness carries one probe observation.
type Liveness struct {
	State     CredentialState
	LatencyMs int64
}

// ModeMetrics accumulates counters for one crawl mode.
type ModeMetrics struct {
	Mode            CrawlMode `json:"mode"`
	ItemsAttempted  int       `json:"items_attempted"`
	ItemsSucceeded  int       `json:"items_succeeded"`
	ItemsFailed     int       `json:"items_failed"`
	DurationMs      int64     `json:"duration_ms"`
	MaxCommentDepth int       `json:"max_comment_depth,omitempty"`
}

// ErrorRate returns failed/attempted, zero when nothing was attempted.
func (m ModeMetrics) ErrorRate() float64 {
	if m.ItemsAttempted == 0 {
		return 0
	}
	return float64(m.ItemsFailed) / float64(m.ItemsAttempted)
}

// AggregateResult is the orchestrator's combined outcome for one task.
type AggregateResult struct {
	TaskID  int64                     `json:"task_id"`
	Search  CrawlResult               `json:"-"`
	Modes   map[CrawlMode]ModeMetrics `json:"modes"`
	Partial bool                      `json:"partial"`
}
