package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harvestd/harvestd/internal/harvest"
)

// AccountStore persists platform accounts in the accounts table.
type AccountStore struct {
	pool dbPool
}

// NewAccountStore constructs an AccountStore on an existing pool. The
// pool is shared with the document store and closed by its owner.
func NewAccountStore(pool dbPool) (*AccountStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &AccountStore{pool: pool}, nil
}

const accountColumns = `
id, credentials, status, health_score, usage_count, last_used_at,
consecutive_failures, risk_level, priority`

// ListAccounts loads every account row.
func (s *AccountStore) ListAccounts(ctx context.Context) ([]harvest.Account, error) {
	query := fmt.Sprintf("SELECT %s FROM accounts ORDER BY id", accountColumns)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: list accounts: %w", harvest.ErrPersistence, err)
	}
	defer rows.Close()

	var accounts []harvest.Account
	for rows.Next() {
		var acct harvest.Account
		var credentials []byte
		err := rows.Scan(
			&acct.ID, &credentials, &acct.Status, &acct.HealthScore,
			&acct.UsageCount, &acct.LastUsedAt, &acct.ConsecutiveFailures,
			&acct.RiskLevel, &acct.Priority,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: scan account: %w", harvest.ErrPersistence, err)
		}
		if len(credentials) > 0 {
			if err := json.Unmarshal(credentials, &acct.Credentials); err != nil {
				return nil, fmt.Errorf("unmarshal credentials for account %d: %w", acct.ID, err)
			}
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate accounts: %w", harvest.ErrPersistence, err)
	}
	return accounts, nil
}

// SetAccountStatus updates one account's status.
func (s *AccountStore) SetAccountStatus(ctx context.Context, id int64, status harvest.AccountStatus) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE accounts SET status = $2 WHERE id = $1", id, status)
	if err != nil {
		return fmt.Errorf("%w: set account status: %w", harvest.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %d", harvest.ErrNotFound, id)
	}
	return nil
}

// RecordAccountUsage writes back an account's usage counter and last-use
// timestamp.
func (s *AccountStore) RecordAccountUsage(ctx context.Context, id int64, usageCount int64, lastUsedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE accounts SET usage_count = $2, last_used_at = $3 WHERE id = $1",
		id, usageCount, lastUsedAt)
	if err != nil {
		return fmt.Errorf("%w: record account usage: %w", harvest.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %d", harvest.ErrNotFound, id)
	}
	return nil
}
