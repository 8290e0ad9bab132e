package postgres

import (
	"context"
)

// NewStores constructs the document and account stores on one shared
// connection pool. Closing the document store closes the pool for both.
func NewStores(ctx context.Context, cfg DocumentStoreConfig) (*DocumentStore, *AccountStore, error) {
	docs, err := NewDocumentStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	accounts, err := NewAccountStore(docs.pool)
	if err != nil {
		docs.Close()
		return nil, nil, err
	}
	return docs, accounts, nil
}
