package harvest

import (
	"context"
	"time"
)

// AccountStore persists platform accounts. The engine loads the full set
// on refresh and writes back status and usage mutations; it never deletes.
type AccountStore interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	SetAccountStatus(ctx context.Context, id int64, status AccountStatus) error
	RecordAccountUsage(ctx context.Context, id int64, usageCount int64, lastUsedAt time.Time) error
}

// DocumentStore is the keyed repository for harvested documents. Lookups
// by each dedup key are separate because the dedup chain checks them in
// order and fails open independently.
type DocumentStore interface {
	FindBySourceURL(ctx context.Context, sourceURL string) (*RawDocument, error)
	FindByContentHash(ctx context.Context, sourceType, contentHash string) (*RawDocument, error)
	FindByURLHash(ctx context.Context, urlHash string) (*RawDocument, error)
	FindByFingerprint(ctx context.Context, fingerprint string) (*RawDocument, error)
	ListRecentBySourceType(ctx context.Context, sourceType string, limit int) ([]RawDocument, error)
	HasSourceURL(ctx context.Context, sourceURL string) (bool, error)
	Insert(ctx context.Context, doc *RawDocument) error
	Update(ctx context.Context, doc *RawDocument) error
	ArchiveDue(ctx context.Context, before time.Time) (int64, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// BlobStore writes raw page bodies and returns a URI for the row.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// TaskQueue provides enqueue/dequeue semantics for crawl tasks. Child
// tasks spawned by the scheduler go back through Enqueue.
type TaskQueue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Task, error)
}

// Fetcher performs a sessionless fetch (directive documents, media bytes).
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Session is an account-bound browsing context. Exactly one concurrent
// task owns a session; Close must run on every exit path.
type Session interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
	Close() error
}

// SessionFactory opens browsing contexts bound to an account's
// credential bundle.
type SessionFactory interface {
	NewSession(ctx context.Context, account Account) (Session, error)
}

// PageParser extracts pagination structure from a fetched page. The
// per-page-type field rules are an external collaborator; the engine
// consumes only the Page shape.
type PageParser interface {
	Parse(sourceType string, body []byte) (Page, error)
}

// LivenessProber checks whether an account's credentials still work.
type LivenessProber interface {
	Probe(ctx context.Context, account Account) (Liveness, error)
}

// Hasher computes digests for dedup identity.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashString(s string) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces document IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
