package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/config"
	"github.com/harvestd/harvestd/internal/harvest"
	"github.com/harvestd/harvestd/internal/metrics"
)

func init() {
	metrics.Init()
}

type fakeAccountStore struct {
	accounts []harvest.Account
	listErr  error
	statuses map[int64]harvest.AccountStatus
}

func newFakeAccountStore(accounts ...harvest.Account) *fakeAccountStore {
	return &fakeAccountStore{
		accounts: accounts,
		statuses: make(map[int64]harvest.AccountStatus),
	}
}

func (s *fakeAccountStore) ListAccounts(context.Context) ([]harvest.Account, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return append([]harvest.Account(nil), s.accounts...), nil
}

func (s *fakeAccountStore) SetAccountStatus(_ context.Context, id int64, status harvest.AccountStatus) error {
	s.statuses[id] = status
	return nil
}

func (s *fakeAccountStore) RecordAccountUsage(context.Context, int64, int64, time.Time) error {
	return nil
}

type fakeProber struct {
	live harvest.Liveness
	err  error
}

func (p *fakeProber) Probe(context.Context, harvest.Account) (harvest.Liveness, error) {
	return p.live, p.err
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func activeAccount(id int64, health int) harvest.Account {
	return harvest.Account{
		ID:          id,
		Status:      harvest.AccountStatusActive,
		HealthScore: health,
		RiskLevel:   harvest.RiskLow,
	}
}

func newTestPool(t *testing.T, store harvest.AccountStore, prober harvest.LivenessProber) *Pool {
	t.Helper()
	cfg := config.AccountsConfig{
		FailureThreshold: 5,
		HighUsageCount:   500,
		SlowProbeMs:      8000,
	}
	return NewPool(store, prober, &fakeClock{now: time.Unix(1000, 0)}, cfg, zap.NewNop())
}

func TestAcquire_RoundRobinVisitsEachAccountOnce(t *testing.T) {
	t.Parallel()

	store := newFakeAccountStore(
		activeAccount(1, 90),
		activeAccount(2, 80),
		activeAccount(3, 70),
	)
	pool := newTestPool(t, store, &fakeProber{})
	pool.Refresh(context.Background())

	seen := make(map[int64]int)
	for i := 0; i < 3; i++ {
		acct, err := pool.Acquire(context.Background(), nil, StrategyRoundRobin)
		require.NoError(t, err)
		seen[acct.ID]++
	}

	require.Len(t, seen, 3)
	for id, count := range seen {
		require.Equal(t, 1, count, "account %d selected %d times", id, count)
	}
}

func TestAcquire_HealthBasedNeverReturnsBanned(t *testing.T) {
	t.Parallel()

	banned := activeAccount(1, 100)
	banned.Status = harvest.AccountStatusBanned
	store := newFakeAccountStore(banned, activeAccount(2, 10))
	pool := newTestPool(t, store, &fakeProber{})
	pool.Refresh(context.Background())

	for i := 0; i < 10; i++ {
		acct, err := pool.Acquire(context.Background(), nil, StrategyHealthBased)
		require.NoError(t, err)
		require.Equal(t, int64(2), acct.ID)
	}
}

func TestAcquire_HealthBasedTieBreaksOnPriority(t *testing.T) {
	t.Parallel()

	a := activeAccount(1, 80)
	a.Priority = 5
	b := activeAccount(2, 80)
	b.Priority = 1
	store := newFakeAccountStore(a, b)
	pool := newTestPool(t, store, &fakeProber{})
	pool.Refresh(context.Background())

	acct, err := pool.Acquire(context.Background(), nil, StrategyHealthBased)
	require.NoError(t, err)
	require.Equal(t, int64(2), acct.ID)
}

func TestAcquire_LoadBalancedPrefersLowestUsage(t *testing.T) {
	t.Parallel()

	a := activeAccount(1, 50)
	a.UsageCount = 10
	b := activeAccount(2, 50)
	b.UsageCount = 2
	store := newFakeAccountStore(a, b)
	pool := newTestPool(t, store, &fakeProber{})
	pool.Refresh(context.Background())

	acct, err := pool.Acquire(context.Background(), nil, StrategyLoadBalanced)
	require.NoError(t, err)
	require.Equal(t, int64(2), acct.ID)
}

func TestAcquire_HintReturnedOnlyIfActive(t *testing.T) {
	t.Parallel()

	expired := activeAccount(1, 100)
	expired.Status = harvest.AccountStatusExpired
	store := newFakeAccountStore(expired, activeAccount(2, 40))
	pool := newTestPool(t, store, &fakeProber{})
	pool.Refresh(context.Background())

	hint := int64(1)
	acct, err := pool.Acquire(context.Background(), &hint, StrategyHealthBased)
	require.NoError(t, err)
	require.Equal(t, int64(2), acct.ID)
}

func TestAcquire_EmptyPoolForcesRefreshThenFailsExplicitly(t *testing.T) {
	t.Parallel()

	store := newFakeAccountStore()
	pool := newTestPool(t, store, &fakeProber{})

	_, err := pool.Acquire(context.Background(), nil, StrategyHealthBased)
	require.ErrorIs(t, err, harvest.ErrAccountUnavailable)

	// The forced refresh picks up accounts that appeared since startup.
	store.accounts = []harvest.Account{activeAccount(7, 60)}
	acct, err := pool.Acquire(context.Background(), nil, StrategyHealthBased)
	require.NoError(t, err)
	require.Equal(t, int64(7), acct.ID)
}

func TestAcquire_IncrementsUsage(t *testing.T) {
	t.Parallel()

	store := newFakeAccountStore(activeAccount(1, 90))
	pool := newTestPool(t, store, &fakeProber{})
	pool.Refresh(context.Background())

	first, err := pool.Acquire(context.Background(), nil, StrategyHealthBased)
	require.NoError(t, err)
	second, err := pool.Acquire(context.Background(), nil, StrategyHealthBased)
	require.NoError(t, err)
	require.Equal(t, first.UsageCount+1, second.UsageCount)
	require.False(t, second.LastUsedAt.IsZero())
}

func TestRefresh_StoreFailureFallsBackToBootstrap(t *testing.T) {
	t.Parallel()

	store := newFakeAccountStore()
	store.listErr = errors.New("store down")
	cfg := config.AccountsConfig{
		Bootstrap: []config.BootstrapAccount{{ID: 42, Priority: 1}},
	}
	pool := NewPool(store, &fakeProber{}, &fakeClock{now: time.Unix(0, 0)}, cfg, zap.NewNop())
	pool.Refresh(context.Background())

	acct, err := pool.Acquire(context.Background(), nil, StrategyHealthBased)
	require.NoError(t, err)
	require.Equal(t, int64(42), acct.ID)
}

func TestMarkBanned_IdempotentAndPersisted(t *testing.T) {
	t.Parallel()

	store := newFakeAccountStore(activeAccount(1, 90))
	pool := newTestPool(t, store, &fakeProber{})
	pool.Refresh(context.Background())

	pool.MarkBanned(context.Background(), 1)
	pool.MarkBanned(context.Background(), 1)

	require.Equal(t, harvest.AccountStatusBanned, store.statuses[1])
	_, err := pool.Acquire(context.Background(), nil, StrategyHealthBased)
	require.ErrorIs(t, err, harvest.ErrAccountUnavailable)
}

func TestWeightedRandom_FavorsFreshHealthyAccounts(t *testing.T) {
	t.Parallel()

	heavy := activeAccount(1, 100)
	heavy.UsageCount = 1000
	fresh := activeAccount(2, 100)
	store := newFakeAccountStore(heavy, fresh)
	pool := newTestPool(t, store, &fakeProber{})
	pool.Refresh(context.Background())

	// Draw at the top of the cumulative range: the fresh account carries
	// the extra usage bonus, so it owns the upper interval.
	pool.randFloat = func() float64 { return 0.99 }
	acct, err := pool.Acquire(context.Background(), nil, StrategyWeightedRandom)
	require.NoError(t, err)
	require.Equal(t, int64(2), acct.ID)
}
