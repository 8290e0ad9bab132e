// Package orchestrator fans a task's search results out over the
// non-search crawl modes: detail, creator, comment and media.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/harvestd/harvestd/internal/config"
	"github.com/harvestd/harvestd/internal/harvest"
	"github.com/harvestd/harvestd/internal/metrics"
	"github.com/harvestd/harvestd/internal/scheduler"
)

// ItemHarvester fetches and ingests one item for a given crawl mode.
// The platform-specific URL and parse rules live behind this interface;
// the orchestrator only sequences the work.
type ItemHarvester interface {
	HarvestDetail(ctx context.Context, itemID string) error
	HarvestCreator(ctx context.Context, authorID string) error
	// HarvestComments ingests one comment thread node and returns the
	// child comment identifiers discovered beneath it.
	HarvestComments(ctx context.Context, itemID string, depth int) ([]string, error)
	HarvestMedia(ctx context.Context, itemID string) error
}

// SearchRunner executes the search pass for a task. Satisfied by
// *scheduler.Scheduler.
type SearchRunner interface {
	Run(ctx context.Context, task harvest.Task) scheduler.RunOutcome
}

// Orchestrator runs the search pass through the scheduler, then drives
// the requested secondary modes over the identifiers it produced. Mode
// failures are best-effort: they mark the aggregate partial but never
// abort the remaining modes.
type Orchestrator struct {
	scheduler SearchRunner
	items     ItemHarvester
	clock     harvest.Clock
	cfg       config.OrchestratorConfig
	logger    *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an Orchestrator.
func New(
	sched SearchRunner,
	items ItemHarvester,
	clock harvest.Clock,
	cfg config.OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.DetailBatchSize <= 0 {
		cfg.DetailBatchSize = 10
	}
	if cfg.DetailConcurrency <= 0 {
		cfg.DetailConcurrency = 4
	}
	if cfg.MediaConcurrency <= 0 {
		cfg.MediaConcurrency = 4
	}
	if cfg.MaxCommentDepth <= 0 {
		cfg.MaxCommentDepth = 3
	}
	if cfg.CommentItemBudget <= 0 {
		cfg.CommentItemBudget = 200
	}
	return &Orchestrator{
		scheduler: sched,
		items:     items,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepWithContext,
	}
}

// Run executes the full multi-mode pass for one task. A failed search
// pass fails the whole task; after a successful search, each requested
// mode runs to completion independently.
func (o *Orchestrator) Run(ctx context.Context, task harvest.Task) harvest.AggregateResult {
	agg := harvest.AggregateResult{
		TaskID: task.TaskID,
		Modes:  make(map[harvest.CrawlMode]harvest.ModeMetrics),
	}

	search := o.scheduler.Run(ctx, task)
	agg.Search = search.Result
	if !search.Result.Success {
		agg.Partial = true
		return agg
	}

	itemIDs := dedupeIDs(search.ItemIDs)
	authorIDs := dedupeIDs(search.AuthorIDs)

	if task.HasMode(harvest.ModeDetail) {
		agg.Modes[harvest.ModeDetail] = o.runDetail(ctx, task, itemIDs)
	}
	if task.HasMode(harvest.ModeCreator) {
		agg.Modes[harvest.ModeCreator] = o.runCreator(ctx, task, authorIDs)
	}
	if task.HasMode(harvest.ModeComment) {
		agg.Modes[harvest.ModeComment] = o.runComments(ctx, task, itemIDs)
	}
	if task.HasMode(harvest.ModeMedia) {
		agg.Modes[harvest.ModeMedia] = o.runMedia(ctx, task, itemIDs)
	}

	for _, m := range agg.Modes {
		if m.ItemsFailed > 0 {
			agg.Partial = true
			break
		}
	}
	return agg
}

// runDetail processes item detail pages in fixed-size batches with a
// bounded number of concurrent fetches per batch and a pause between
// batches.
func (o *Orchestrator) runDetail(ctx context.Context, task harvest.Task, itemIDs []string) harvest.ModeMetrics {
	m := newModeMetrics(harvest.ModeDetail, o.clock)

	for start := 0; start < len(itemIDs); start += o.cfg.DetailBatchSize {
		end := min(start+o.cfg.DetailBatchSize, len(itemIDs))
		batch := itemIDs[start:end]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.DetailConcurrency)
		for _, id := range batch {
			g.Go(func() error {
				err := o.items.HarvestDetail(gctx, id)
				m.record(harvest.ModeDetail, err)
				if err != nil {
					o.logger.Warn("detail harvest failed",
						zap.Int64("task_id", task.TaskID),
						zap.String("item_id", id),
						zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()

		if end < len(itemIDs) {
			if err := o.sleep(ctx, o.cfg.DetailBatchPause); err != nil {
				return m.snapshot()
			}
		}
	}
	return m.snapshot()
}

// runCreator walks author profiles strictly sequentially: profile pages
// are the most ban-sensitive surface, so no concurrency and a pause
// between every item.
func (o *Orchestrator) runCreator(ctx context.Context, task harvest.Task, authorIDs []string) harvest.ModeMetrics {
	m := newModeMetrics(harvest.ModeCreator, o.clock)

	for i, id := range authorIDs {
		err := o.items.HarvestCreator(ctx, id)
		m.record(harvest.ModeCreator, err)
		if err != nil {
			o.logger.Warn("creator harvest failed",
				zap.Int64("task_id", task.TaskID),
				zap.String("author_id", id),
				zap.Error(err))
		}
		if i < len(authorIDs)-1 {
			if err := o.sleep(ctx, o.cfg.CreatorItemPause); err != nil {
				return m.snapshot()
			}
		}
	}
	return m.snapshot()
}

// commentNode is one entry in the breadth-first thread walk.
type commentNode struct {
	id    string
	depth int
}

// runComments walks comment threads breadth first from the search
// items, bounded by both a depth ceiling and a total item budget. The
// explicit queue keeps the walk iterative; recursion depth never tracks
// thread depth.
func (o *Orchestrator) runComments(ctx context.Context, task harvest.Task, itemIDs []string) harvest.ModeMetrics {
	m := newModeMetrics(harvest.ModeComment, o.clock)

	maxDepth := o.cfg.MaxCommentDepth
	if task.MaxCommentDepth > 0 {
		maxDepth = task.MaxCommentDepth
	}

	queue := make([]commentNode, 0, len(itemIDs))
	for _, id := range itemIDs {
		queue = append(queue, commentNode{id: id, depth: 0})
	}

	visited := make(map[string]struct{}, len(itemIDs))
	processed := 0
	deepest := 0

	for len(queue) > 0 && processed < o.cfg.CommentItemBudget {
		node := queue[0]
		queue = queue[1:]

		if _, seen := visited[node.id]; seen {
			continue
		}
		visited[node.id] = struct{}{}
		processed++
		if node.depth > deepest {
			deepest = node.depth
		}

		children, err := o.items.HarvestComments(ctx, node.id, node.depth)
		m.record(harvest.ModeComment, err)
		if err != nil {
			o.logger.Warn("comment harvest failed",
				zap.Int64("task_id", task.TaskID),
				zap.String("item_id", node.id),
				zap.Int("depth", node.depth),
				zap.Error(err))
			continue
		}

		if node.depth+1 > maxDepth {
			continue
		}
		for _, child := range children {
			queue = append(queue, commentNode{id: child, depth: node.depth + 1})
		}
	}

	snap := m.snapshot()
	snap.MaxCommentDepth = deepest
	return snap
}

// runMedia downloads media with bounded concurrency and one retry per
// item on a transient failure.
func (o *Orchestrator) runMedia(ctx context.Context, task harvest.Task, itemIDs []string) harvest.ModeMetrics {
	m := newModeMetrics(harvest.ModeMedia, o.clock)

	for start := 0; start < len(itemIDs); start += o.cfg.MediaConcurrency {
		end := min(start+o.cfg.MediaConcurrency, len(itemIDs))
		batch := itemIDs[start:end]

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.MediaConcurrency)
		for _, id := range batch {
			g.Go(func() error {
				err := o.items.HarvestMedia(gctx, id)
				if err != nil {
					err = o.items.HarvestMedia(gctx, id)
				}
				m.record(harvest.ModeMedia, err)
				if err != nil {
					o.logger.Warn("media harvest failed after retry",
						zap.Int64("task_id", task.TaskID),
						zap.String("item_id", id),
						zap.Error(err))
				}
				return nil
			})
		}
		_ = g.Wait()

		if end < len(itemIDs) {
			if err := o.sleep(ctx, o.cfg.MediaBatchPause); err != nil {
				return m.snapshot()
			}
		}
	}
	return m.snapshot()
}

// modeMetrics is the thread-safe accumulator behind one mode run.
type modeMetrics struct {
	mu      sync.Mutex
	metrics harvest.ModeMetrics
	clock   harvest.Clock
	started time.Time
}

func newModeMetrics(mode harvest.CrawlMode, clock harvest.Clock) *modeMetrics {
	return &modeMetrics{
		metrics: harvest.ModeMetrics{Mode: mode},
		clock:   clock,
		started: clock.Now(),
	}
}

func (m *modeMetrics) record(mode harvest.CrawlMode, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.ItemsAttempted++
	if err != nil {
		m.metrics.ItemsFailed++
		metrics.ObserveModeItem(string(mode), "failed")
		return
	}
	m.metrics.ItemsSucceeded++
	metrics.ObserveModeItem(string(mode), "succeeded")
}

func (m *modeMetrics) snapshot() harvest.ModeMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics.DurationMs = m.clock.Now().Sub(m.started).Milliseconds()
	return m.metrics
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
