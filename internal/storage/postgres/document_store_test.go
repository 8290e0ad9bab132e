package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/harvestd/harvestd/internal/harvest"
)

func testDocument(now time.Time) *harvest.RawDocument {
	return &harvest.RawDocument{
		ID:               "doc-1",
		SourceType:       "search_page",
		SourceURL:        "https://example.com/search?q=widgets",
		Content:          "body",
		ContentHash:      "hash-a",
		URLHash:          "hash-b",
		Fingerprint:      "fp-1",
		Version:          1,
		QualityScore:     95,
		ValidationErrors: []string{},
		Lifecycle:        harvest.StageActive,
		Status:           harvest.StatusPending,
		Metadata:         map[string]string{"keyword": "widgets"},
		PreviousVersions: []string{},
		BlobURI:          "gs://bucket/doc-1.html",
		CreatedAt:        now,
		UpdatedAt:        now,
		ArchiveAt:        now.AddDate(0, 0, 90),
		ExpireAt:         now.AddDate(0, 0, 365),
	}
}

func TestInsertWritesDocumentRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	doc := testDocument(now)

	mock.ExpectExec("INSERT INTO raw_documents").
		WithArgs(
			doc.ID, doc.SourceType, doc.SourceURL, doc.Content, doc.ContentHash,
			doc.URLHash, doc.Fingerprint, doc.Version, doc.QualityScore,
			doc.ValidationErrors, doc.Lifecycle, doc.Status,
			[]byte(`{"keyword":"widgets"}`),
			doc.PreviousVersions, doc.BlobURI,
			doc.CreatedAt, doc.UpdatedAt, doc.ArchiveAt, doc.ExpireAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Insert(context.Background(), doc))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertUniqueViolationIsDuplicateKey(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock)
	require.NoError(t, err)

	// pgxmock matches argument counts even without WithArgs, so pass a
	// wildcard for each of the 19 insert parameters.
	anyArgs := make([]any, 19)
	for i := range anyArgs {
		anyArgs[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec("INSERT INTO raw_documents").
		WithArgs(anyArgs...).
		WillReturnError(&pgconn.PgError{
			Code:           uniqueViolation,
			ConstraintName: "raw_documents_source_type_content_hash_key",
		})

	err = store.Insert(context.Background(), testDocument(time.Now().UTC()))
	require.ErrorIs(t, err, harvest.ErrDuplicateKey)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindBySourceURLAbsentReturnsNil(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT .+ FROM raw_documents WHERE source_url").
		WithArgs("https://example.com/missing").
		WillReturnError(pgx.ErrNoRows)

	doc, err := store.FindBySourceURL(context.Background(), "https://example.com/missing")
	require.NoError(t, err)
	require.Nil(t, doc)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasSourceURL(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("https://example.com/seen").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := store.HasSourceURL(context.Background(), "https://example.com/seen")
	require.NoError(t, err)
	require.True(t, seen)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveDueReturnsRowCount(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock)
	require.NoError(t, err)

	cutoff := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE raw_documents SET lifecycle").
		WithArgs(harvest.StageArchived, cutoff, harvest.StageActive).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := store.ArchiveDue(context.Background(), cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteExpiredOnlyTouchesArchivedRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock)
	require.NoError(t, err)

	cutoff := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("DELETE FROM raw_documents WHERE lifecycle").
		WithArgs(harvest.StageArchived, cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	n, err := store.DeleteExpired(context.Background(), cutoff)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissingDocumentIsNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewDocumentStoreWithPool(mock)
	require.NoError(t, err)

	// pgxmock matches argument counts even without WithArgs, so pass a
	// wildcard for each of the 14 update parameters.
	anyArgs := make([]any, 14)
	for i := range anyArgs {
		anyArgs[i] = pgxmock.AnyArg()
	}
	mock.ExpectExec("UPDATE raw_documents SET").
		WithArgs(anyArgs...).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.Update(context.Background(), testDocument(time.Now().UTC()))
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListAccountsScansRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewAccountStore(mock)
	require.NoError(t, err)

	lastUsed := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT .+ FROM accounts ORDER BY id").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "credentials", "status", "health_score", "usage_count",
			"last_used_at", "consecutive_failures", "risk_level", "priority",
		}).AddRow(
			int64(1), []byte(`{"cookie":"abc"}`), harvest.AccountStatusActive,
			90, int64(42), lastUsed, 0, harvest.RiskLow, 1,
		))

	accounts, err := store.ListAccounts(context.Background())
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, int64(1), accounts[0].ID)
	require.Equal(t, "abc", accounts[0].Credentials["cookie"])
	require.Equal(t, harvest.AccountStatusActive, accounts[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetAccountStatusMissingAccountIsNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewAccountStore(mock)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE accounts SET status").
		WithArgs(int64(99), harvest.AccountStatusBanned).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = store.SetAccountStatus(context.Background(), 99, harvest.AccountStatusBanned)
	require.ErrorIs(t, err, harvest.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
