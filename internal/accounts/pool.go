// Package accounts implements the account pool: refresh, selection
// strategies, health scoring and ban handling.
package accounts

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/config"
	"github.com/harvestd/harvestd/internal/harvest"
	"github.com/harvestd/harvestd/internal/metrics"
)

// Strategy selects which active account a task gets.
type Strategy int

// Selection strategies. The switch in Acquire is exhaustive over these.
const (
	StrategyHealthBased Strategy = iota
	StrategyWeightedRandom
	StrategyLoadBalanced
	StrategyRoundRobin
)

// String implements fmt.Stringer for logging.
func (s Strategy) String() string {
	switch s {
	case StrategyHealthBased:
		return "health_based"
	case StrategyWeightedRandom:
		return "weighted_random"
	case StrategyLoadBalanced:
		return "load_balanced"
	case StrategyRoundRobin:
		return "round_robin"
	default:
		return "unknown"
	}
}

// ParseStrategy maps a config string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "health_based", "":
		return StrategyHealthBased, nil
	case "weighted_random":
		return StrategyWeightedRandom, nil
	case "load_balanced":
		return StrategyLoadBalanced, nil
	case "round_robin":
		return StrategyRoundRobin, nil
	default:
		return 0, fmt.Errorf("unknown account strategy %q", s)
	}
}

// Pool owns the in-memory account set. All selection counters live behind
// one mutex; the round-robin cursor is pool state, never a global.
type Pool struct {
	store  harvest.AccountStore
	prober harvest.LivenessProber
	clock  harvest.Clock
	cfg    config.AccountsConfig
	logger *zap.Logger

	mu        sync.Mutex
	accounts  map[int64]*harvest.Account
	rrCursor  int
	randFloat func() float64
}

// NewPool constructs a Pool. The initial set is empty until Refresh runs.
func NewPool(
	store harvest.AccountStore,
	prober harvest.LivenessProber,
	clock harvest.Clock,
	cfg config.AccountsConfig,
	logger *zap.Logger,
) *Pool {
	return &Pool{
		store:     store,
		prober:    prober,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		accounts:  make(map[int64]*harvest.Account),
		randFloat: rand.Float64,
	}
}

// Refresh replaces the in-memory set from the store. On store failure it
// falls back to the configured bootstrap accounts; if both are empty the
// previous set is kept. Refresh never returns an error: a later Acquire
// on an empty pool fails explicitly instead.
func (p *Pool) Refresh(ctx context.Context) {
	loaded, err := p.store.ListAccounts(ctx)
	if err != nil {
		p.logger.Warn("account store refresh failed; using bootstrap accounts", zap.Error(err))
		loaded = p.bootstrapAccounts()
	}
	if len(loaded) == 0 {
		p.logger.Warn("account refresh produced no accounts; keeping previous set")
		return
	}

	next := make(map[int64]*harvest.Account, len(loaded))
	for i := range loaded {
		a := loaded[i]
		next[a.ID] = &a
	}

	p.mu.Lock()
	p.accounts = next
	if p.rrCursor >= len(next) {
		p.rrCursor = 0
	}
	p.mu.Unlock()

	p.logger.Info("account pool refreshed", zap.Int("count", len(next)))
}

func (p *Pool) bootstrapAccounts() []harvest.Account {
	out := make([]harvest.Account, 0, len(p.cfg.Bootstrap))
	for _, b := range p.cfg.Bootstrap {
		out = append(out, harvest.Account{
			ID:          b.ID,
			Credentials: b.Credentials,
			Status:      harvest.AccountStatusActive,
			HealthScore: 100,
			Priority:    b.Priority,
		})
	}
	return out
}

// Acquire returns an account for a task. With a hint it returns that
// account only if active; otherwise it applies the strategy over active
// accounts. An empty pool triggers one forced Refresh before giving up
// with harvest.ErrAccountUnavailable.
func (p *Pool) Acquire(ctx context.Context, hint *int64, strategy Strategy) (harvest.Account, error) {
	if acct, err := p.acquireLocked(ctx, hint, strategy); err == nil {
		return acct, nil
	}

	p.Refresh(ctx)
	acct, err := p.acquireLocked(ctx, hint, strategy)
	if err != nil {
		return harvest.Account{}, err
	}
	return acct, nil
}

func (p *Pool) acquireLocked(ctx context.Context, hint *int64, strategy Strategy) (harvest.Account, error) {
	p.mu.Lock()
	selected := p.pick(hint, strategy)
	if selected == nil {
		p.mu.Unlock()
		return harvest.Account{}, harvest.ErrAccountUnavailable
	}
	selected.UsageCount++
	selected.LastUsedAt = p.clock.Now()
	acct := *selected
	p.mu.Unlock()

	if err := p.store.RecordAccountUsage(ctx, acct.ID, acct.UsageCount, acct.LastUsedAt); err != nil {
		p.logger.Warn("record account usage failed",
			zap.Int64("account_id", acct.ID), zap.Error(err))
	}
	return acct, nil
}

// pick runs under p.mu.
func (p *Pool) pick(hint *int64, strategy Strategy) *harvest.Account {
	if hint != nil {
		if a, ok := p.accounts[*hint]; ok && a.Active() {
			return a
		}
		// Hinted account unusable; fall through to the strategy.
	}

	active := p.activeSorted()
	if len(active) == 0 {
		return nil
	}

	switch strategy {
	case StrategyHealthBased:
		return pickHealthBased(active)
	case StrategyWeightedRandom:
		return p.pickWeightedRandom(active)
	case StrategyLoadBalanced:
		return pickLoadBalanced(active)
	case StrategyRoundRobin:
		a := active[p.rrCursor%len(active)]
		p.rrCursor = (p.rrCursor + 1) % len(active)
		return a
	default:
		return pickHealthBased(active)
	}
}

// activeSorted returns active accounts in deterministic ID order so the
// round-robin cursor cycles stably across calls.
func (p *Pool) activeSorted() []*harvest.Account {
	out := make([]*harvest.Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		if a.Active() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func pickHealthBased(active []*harvest.Account) *harvest.Account {
	best := active[0]
	for _, a := range active[1:] {
		if a.HealthScore > best.HealthScore ||
			(a.HealthScore == best.HealthScore && a.Priority < best.Priority) {
			best = a
		}
	}
	return best
}

func (p *Pool) pickWeightedRandom(active []*harvest.Account) *harvest.Account {
	weights := make([]float64, len(active))
	var total float64
	for i, a := range active {
		usagePenalty := min(a.UsageCount*2, 50)
		w := float64(a.HealthScore) + float64(max(0, 50-usagePenalty))
		if w < 1 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	draw := p.randFloat() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if draw < cum {
			return active[i]
		}
	}
	return active[len(active)-1]
}

func pickLoadBalanced(active []*harvest.Account) *harvest.Account {
	best := active[0]
	for _, a := range active[1:] {
		switch {
		case a.UsageCount < best.UsageCount:
			best = a
		case a.UsageCount == best.UsageCount && a.HealthScore > best.HealthScore:
			best = a
		case a.UsageCount == best.UsageCount && a.HealthScore == best.HealthScore &&
			a.Priority < best.Priority:
			best = a
		}
	}
	return best
}

// MarkBanned transitions an account to banned, in memory and in the
// store. Idempotent; store failure is logged, never raised.
func (p *Pool) MarkBanned(ctx context.Context, id int64) {
	p.mu.Lock()
	a, ok := p.accounts[id]
	alreadyBanned := ok && a.Status == harvest.AccountStatusBanned
	if ok {
		a.Status = harvest.AccountStatusBanned
	}
	p.mu.Unlock()

	if alreadyBanned {
		return
	}
	metrics.ObserveAccountBanned()
	p.logger.Warn("account banned", zap.Int64("account_id", id))

	if err := p.store.SetAccountStatus(ctx, id, harvest.AccountStatusBanned); err != nil {
		p.logger.Error("persist account ban failed",
			zap.Int64("account_id", id), zap.Error(err))
	}
}

// RecordFailure bumps the consecutive-failure counter for an account.
func (p *Pool) RecordFailure(id int64) {
	p.mu.Lock()
	if a, ok := p.accounts[id]; ok {
		a.ConsecutiveFailures++
	}
	p.mu.Unlock()
}

// RecordSuccess resets the consecutive-failure counter for an account.
func (p *Pool) RecordSuccess(id int64) {
	p.mu.Lock()
	if a, ok := p.accounts[id]; ok {
		a.ConsecutiveFailures = 0
	}
	p.mu.Unlock()
}

// ActiveCount reports how many accounts selection can currently use.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.accounts {
		if a.Active() {
			n++
		}
	}
	return n
}

func accountLabel(id int64) string {
	return strconv.FormatInt(id, 10)
}
