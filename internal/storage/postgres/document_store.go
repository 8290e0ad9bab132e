// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harvestd/harvestd/internal/harvest"
)

// uniqueViolation is the Postgres error code for a unique constraint hit.
const uniqueViolation = "23505"

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// DocumentStoreConfig controls the Postgres connection pool.
type DocumentStoreConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// DocumentStore persists harvested documents in the raw_documents table.
type DocumentStore struct {
	pool dbPool
}

// NewDocumentStore creates a Postgres-backed DocumentStore using the
// provided config.
func NewDocumentStore(ctx context.Context, cfg DocumentStoreConfig) (*DocumentStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &DocumentStore{pool: pool}, nil
}

// NewDocumentStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewDocumentStoreWithPool(pool dbPool) (*DocumentStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &DocumentStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *DocumentStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const documentColumns = `
id, source_type, source_url, content, content_hash, url_hash,
fingerprint, version, quality_score, validation_errors, lifecycle,
status, metadata, previous_versions, blob_uri,
created_at, updated_at, archive_at, expire_at`

// FindBySourceURL returns the document for a source URL, nil when absent.
func (s *DocumentStore) FindBySourceURL(ctx context.Context, sourceURL string) (*harvest.RawDocument, error) {
	return s.findOne(ctx, "source_url = $1", sourceURL)
}

// FindByContentHash returns a same-source-type document with the given
// content hash, nil when absent.
func (s *DocumentStore) FindByContentHash(ctx context.Context, sourceType, contentHash string) (*harvest.RawDocument, error) {
	return s.findOne(ctx, "source_type = $1 AND content_hash = $2", sourceType, contentHash)
}

// FindByURLHash returns the document for a normalized URL hash, nil when absent.
func (s *DocumentStore) FindByURLHash(ctx context.Context, urlHash string) (*harvest.RawDocument, error) {
	return s.findOne(ctx, "url_hash = $1", urlHash)
}

// FindByFingerprint returns the document with the given fingerprint, nil when absent.
func (s *DocumentStore) FindByFingerprint(ctx context.Context, fingerprint string) (*harvest.RawDocument, error) {
	return s.findOne(ctx, "fingerprint = $1", fingerprint)
}

func (s *DocumentStore) findOne(ctx context.Context, where string, args ...any) (*harvest.RawDocument, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM raw_documents WHERE %s ORDER BY updated_at DESC LIMIT 1",
		documentColumns, where,
	)
	row := s.pool.QueryRow(ctx, query, args...)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: query document: %w", harvest.ErrPersistence, err)
	}
	return doc, nil
}

// ListRecentBySourceType returns the newest documents of a source type,
// most recent first.
func (s *DocumentStore) ListRecentBySourceType(ctx context.Context, sourceType string, limit int) ([]harvest.RawDocument, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM raw_documents WHERE source_type = $1 ORDER BY updated_at DESC LIMIT $2",
		documentColumns,
	)
	rows, err := s.pool.Query(ctx, query, sourceType, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list recent documents: %w", harvest.ErrPersistence, err)
	}
	defer rows.Close()

	var docs []harvest.RawDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan document: %w", harvest.ErrPersistence, err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate documents: %w", harvest.ErrPersistence, err)
	}
	return docs, nil
}

// HasSourceURL reports whether a document with the source URL exists.
func (s *DocumentStore) HasSourceURL(ctx context.Context, sourceURL string) (bool, error) {
	var exists bool
	row := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM raw_documents WHERE source_url = $1)", sourceURL)
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: check source url: %w", harvest.ErrPersistence, err)
	}
	return exists, nil
}

// Insert writes a new document row. A unique constraint hit surfaces as
// ErrDuplicateKey so the pipeline can treat it as a dedup signal.
func (s *DocumentStore) Insert(ctx context.Context, doc *harvest.RawDocument) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO raw_documents (%s) VALUES
($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`, documentColumns)
	args := []any{
		doc.ID, doc.SourceType, doc.SourceURL, doc.Content, doc.ContentHash,
		doc.URLHash, doc.Fingerprint, doc.Version, doc.QualityScore,
		doc.ValidationErrors, doc.Lifecycle, doc.Status, metadata,
		doc.PreviousVersions, doc.BlobURI,
		doc.CreatedAt, doc.UpdatedAt, doc.ArchiveAt, doc.ExpireAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", harvest.ErrDuplicateKey, pgErr.ConstraintName)
		}
		return fmt.Errorf("%w: insert document: %w", harvest.ErrPersistence, err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing document row.
func (s *DocumentStore) Update(ctx context.Context, doc *harvest.RawDocument) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := `UPDATE raw_documents SET
content = $2, content_hash = $3, version = $4, quality_score = $5,
validation_errors = $6, lifecycle = $7, status = $8, metadata = $9,
previous_versions = $10, blob_uri = $11, updated_at = $12,
archive_at = $13, expire_at = $14
WHERE id = $1`
	args := []any{
		doc.ID, doc.Content, doc.ContentHash, doc.Version, doc.QualityScore,
		doc.ValidationErrors, doc.Lifecycle, doc.Status, metadata,
		doc.PreviousVersions, doc.BlobURI, doc.UpdatedAt,
		doc.ArchiveAt, doc.ExpireAt,
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: update document: %w", harvest.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: document %s", harvest.ErrNotFound, doc.ID)
	}
	return nil
}

// ArchiveDue moves active documents whose archive time has passed into
// the archived stage and returns the number of rows moved.
func (s *DocumentStore) ArchiveDue(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE raw_documents SET lifecycle = $1, updated_at = $2
WHERE lifecycle = $3 AND archive_at <= $2`,
		harvest.StageArchived, before, harvest.StageActive)
	if err != nil {
		return 0, fmt.Errorf("%w: archive documents: %w", harvest.ErrPersistence, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired removes archived documents whose expiry time has
// passed and returns the number of rows deleted. Active documents are
// never deleted, whatever their expiry date says.
func (s *DocumentStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM raw_documents WHERE lifecycle = $1 AND expire_at <= $2",
		harvest.StageArchived, before)
	if err != nil {
		return 0, fmt.Errorf("%w: delete expired documents: %w", harvest.ErrPersistence, err)
	}
	return tag.RowsAffected(), nil
}

func scanDocument(row pgx.Row) (*harvest.RawDocument, error) {
	var doc harvest.RawDocument
	var metadata []byte
	err := row.Scan(
		&doc.ID, &doc.SourceType, &doc.SourceURL, &doc.Content,
		&doc.ContentHash, &doc.URLHash, &doc.Fingerprint, &doc.Version,
		&doc.QualityScore, &doc.ValidationErrors, &doc.Lifecycle,
		&doc.Status, &metadata, &doc.PreviousVersions, &doc.BlobURI,
		&doc.CreatedAt, &doc.UpdatedAt, &doc.ArchiveAt, &doc.ExpireAt,
	)
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &doc.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &doc, nil
}
