// Package scheduler implements the pagination/backfill state machine
// that drives one crawl task from first page to completion, gap or
// failure.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/accounts"
	"github.com/harvestd/harvestd/internal/config"
	"github.com/harvestd/harvestd/internal/harvest"
	"github.com/harvestd/harvestd/internal/ingest"
	"github.com/harvestd/harvestd/internal/metrics"
	"github.com/harvestd/harvestd/internal/pacing"
)

// URLBuilder constructs the page-1 search URL for a task. Subsequent
// page URLs come from the parser's next-page extraction.
type URLBuilder interface {
	SearchURL(keyword string, start, end time.Time, page int) string
}

// Scheduler executes tasks against the account pool, rate limiter and
// ingestion pipeline. One Run owns one account session for its lifetime;
// the session is released on every exit path.
type Scheduler struct {
	pool        *accounts.Pool
	sessions    harvest.SessionFactory
	limiter     *pacing.Limiter
	pipeline    *ingest.Pipeline
	parser      harvest.PageParser
	store       harvest.DocumentStore
	tasks       harvest.TaskQueue
	publisher   harvest.Publisher
	clock       harvest.Clock
	urls        URLBuilder
	cfg         config.SchedulerConfig
	sourceType  string
	statusTopic string
	strategy    accounts.Strategy
	logger      *zap.Logger

	// sleep is swapped out in tests to avoid real pacing waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Scheduler.
func New(
	pool *accounts.Pool,
	sessions harvest.SessionFactory,
	limiter *pacing.Limiter,
	pipeline *ingest.Pipeline,
	parser harvest.PageParser,
	store harvest.DocumentStore,
	tasks harvest.TaskQueue,
	publisher harvest.Publisher,
	clock harvest.Clock,
	urls URLBuilder,
	cfg config.SchedulerConfig,
	sourceType string,
	statusTopic string,
	strategy accounts.Strategy,
	logger *zap.Logger,
) *Scheduler {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.GapThreshold <= 0 {
		cfg.GapThreshold = time.Hour
	}
	if cfg.IncrementalDelay <= 0 {
		cfg.IncrementalDelay = time.Hour
	}
	return &Scheduler{
		pool:        pool,
		sessions:    sessions,
		limiter:     limiter,
		pipeline:    pipeline,
		parser:      parser,
		store:       store,
		tasks:       tasks,
		publisher:   publisher,
		clock:       clock,
		urls:        urls,
		cfg:         cfg,
		sourceType:  sourceType,
		statusTopic: statusTopic,
		strategy:    strategy,
		logger:      logger,
		sleep:       sleepWithContext,
	}
}

// pageLoopState carries the pagination loop's accumulated progress.
type pageLoopState struct {
	pageCount     int
	firstPostTime *time.Time
	lastPostTime  *time.Time
	capHit        bool
	itemIDs       []string
	authorIDs     []string
}

// RunOutcome extends CrawlResult with the identifiers the search pass
// discovered, which the orchestrator fans out over.
type RunOutcome struct {
	Result    harvest.CrawlResult
	ItemIDs   []string
	AuthorIDs []string
}

// Run executes one task to a terminal state. A first-page failure fails
// the whole task; a later-page failure degrades to a completed result
// with the pages gathered so far. The returned outcome is never a panic
// path: all expected failures surface as classified results.
func (s *Scheduler) Run(ctx context.Context, task harvest.Task) RunOutcome {
	if s.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	}

	task = s.normalize(task)

	acct, err := s.acquireAccount(ctx, task)
	if err != nil {
		s.publishStatus(ctx, task, "failed", nil, nil)
		return RunOutcome{Result: failedResult(err)}
	}

	session, err := s.sessions.NewSession(ctx, acct)
	if err != nil {
		s.pool.RecordFailure(acct.ID)
		err = fmt.Errorf("%w: open session: %w", harvest.ErrNetworkFailure, err)
		s.publishStatus(ctx, task, "failed", nil, nil)
		return RunOutcome{Result: failedResult(err)}
	}
	// Session release must run on success, early break and error alike.
	defer func() {
		if cerr := session.Close(); cerr != nil {
			s.logger.Warn("session close failed",
				zap.Int64("task_id", task.TaskID), zap.Error(cerr))
		}
	}()

	state, err := s.paginate(ctx, task, acct, session)
	if err != nil {
		kind := harvest.ClassifyError(err)
		s.logger.Warn("task failed on first page",
			zap.Int64("task_id", task.TaskID),
			zap.String("kind", string(kind)),
			zap.Error(err))
		metrics.ObserveTask("failed")
		s.publishStatus(ctx, task, "failed", nil, nil)
		return RunOutcome{Result: harvest.CrawlResult{FailureKind: kind, Err: err}}
	}

	gapScheduled := s.maybeScheduleGap(ctx, task, state)
	s.emitCompletion(ctx, task, state, gapScheduled)
	metrics.ObserveTask("completed")

	return RunOutcome{
		Result: harvest.CrawlResult{
			Success:       true,
			PageCount:     state.pageCount,
			FirstPostTime: state.firstPostTime,
			LastPostTime:  state.lastPostTime,
			GapScheduled:  gapScheduled,
		},
		ItemIDs:   state.itemIDs,
		AuthorIDs: state.authorIDs,
	}
}

// normalize resolves the task window; a missing end defaults to now.
func (s *Scheduler) normalize(task harvest.Task) harvest.Task {
	if task.WindowEnd.IsZero() {
		task.WindowEnd = s.clock.Now()
	}
	if task.WindowStart.IsZero() {
		task.WindowStart = task.WindowEnd
	}
	return task
}

func (s *Scheduler) acquireAccount(ctx context.Context, task harvest.Task) (harvest.Account, error) {
	var hint *int64
	if task.AccountID != nil && !task.EnableRotation {
		hint = task.AccountID
	}
	acct, err := s.pool.Acquire(ctx, hint, s.strategy)
	if err != nil {
		return harvest.Account{}, fmt.Errorf("acquire account for task %d: %w", task.TaskID, err)
	}
	return acct, nil
}

// paginate runs the fetch loop. An error return means the task failed
// outright (first page); later-page trouble degrades by returning the
// partial state with a nil error.
func (s *Scheduler) paginate(
	ctx context.Context,
	task harvest.Task,
	acct harvest.Account,
	session harvest.Session,
) (*pageLoopState, error) {
	state := &pageLoopState{}
	url := s.urls.SearchURL(task.Keyword, task.WindowStart, task.WindowEnd, 1)

	for page := 1; page <= s.cfg.MaxPages; page++ {
		firstPage := page == 1

		if !s.limiter.IsAllowed(ctx, url) {
			if firstPage {
				return nil, fmt.Errorf("%w: %s", harvest.ErrDirectiveBlocked, url)
			}
			s.logger.Info("pagination stopped by crawl directive",
				zap.Int64("task_id", task.TaskID), zap.Int("page", page))
			return state, nil
		}

		if err := s.limiter.WaitForNext(ctx, url); err != nil {
			if firstPage {
				return nil, fmt.Errorf("pacing wait on first page: %w", err)
			}
			return state, nil
		}

		alreadyIngested, err := s.store.HasSourceURL(ctx, url)
		if err != nil {
			// Lookup trouble must not block the crawl; worst case we
			// re-ingest and dedup catches it.
			alreadyIngested = false
		}

		resp, fetchErr := session.Fetch(ctx, url)
		s.limiter.RecordRequest(url, fetchErr == nil, resp.Duration)
		if fetchErr != nil {
			s.pool.RecordFailure(acct.ID)
			metrics.ObservePage(url, "failed")
			if firstPage {
				return nil, fmt.Errorf("%w: fetch page 1: %w", harvest.ErrNetworkFailure, fetchErr)
			}
			s.logger.Warn("later-page fetch failed; returning partial result",
				zap.Int64("task_id", task.TaskID), zap.Int("page", page), zap.Error(fetchErr))
			return state, nil
		}
		s.pool.RecordSuccess(acct.ID)
		metrics.ObservePage(url, "fetched")
		metrics.ObserveFetch(url, resp.Duration)

		parsed, err := s.parser.Parse(s.sourceType, resp.Body)
		if err != nil {
			if firstPage {
				return nil, fmt.Errorf("%w: parse page 1: %w", harvest.ErrNetworkFailure, err)
			}
			return state, nil
		}

		if !alreadyIngested {
			s.ingestPage(ctx, task, url, resp.Body)
		}

		state.pageCount++
		state.itemIDs = append(state.itemIDs, parsed.ItemIDs...)
		state.authorIDs = append(state.authorIDs, parsed.AuthorIDs...)
		if state.firstPostTime == nil {
			state.firstPostTime = parsed.FirstPostTime
		}
		if parsed.LastPostTime != nil {
			state.lastPostTime = parsed.LastPostTime
		}

		if parsed.NoMoreResults || parsed.NextPageURL == "" {
			return state, nil
		}
		if page == s.cfg.MaxPages {
			state.capHit = true
			return state, nil
		}

		url = parsed.NextPageURL
		if err := s.sleep(ctx, s.limiter.RecommendedDelay(ctx, url)); err != nil {
			return state, nil
		}
	}
	return state, nil
}

// ingestPage hands one page body to the pipeline. A persistence failure
// aborts only this page's ingestion, never the pagination loop.
func (s *Scheduler) ingestPage(ctx context.Context, task harvest.Task, url string, body []byte) {
	doc := &harvest.RawDocument{
		SourceType: s.sourceType,
		SourceURL:  url,
		Content:    string(body),
		Metadata: map[string]string{
			"keyword": task.Keyword,
		},
	}
	outcome, err := s.pipeline.Ingest(ctx, doc, ingest.IngestContext{
		TaskID:  task.TaskID,
		Keyword: task.Keyword,
	})
	switch {
	case err != nil:
		s.logger.Error("page ingestion failed",
			zap.Int64("task_id", task.TaskID), zap.String("url", url), zap.Error(err))
	case outcome.Duplicate:
		s.logger.Debug("page deduplicated",
			zap.Int64("task_id", task.TaskID), zap.String("type", outcome.DupType))
	}
}

// maybeScheduleGap runs the backfill check: an initial crawl that hit
// the page cap while the earliest content reached is still more than the
// gap threshold away from the requested window start leaves a hole, and
// exactly one child task is scheduled to cover it.
func (s *Scheduler) maybeScheduleGap(ctx context.Context, task harvest.Task, state *pageLoopState) bool {
	if !task.IsInitialCrawl || !state.capHit || state.lastPostTime == nil {
		return false
	}
	if state.lastPostTime.Sub(task.WindowStart) <= s.cfg.GapThreshold {
		return false
	}

	child := harvest.Task{
		TaskID:         task.TaskID,
		Keyword:        task.Keyword,
		WindowStart:    task.WindowStart,
		WindowEnd:      *state.lastPostTime,
		IsInitialCrawl: true,
		AccountID:      task.AccountID,
		EnableRotation: task.EnableRotation,
	}
	if err := s.tasks.Enqueue(ctx, child); err != nil {
		s.logger.Error("gap task enqueue failed",
			zap.Int64("task_id", task.TaskID), zap.Error(err))
		return false
	}
	metrics.ObserveGapTask()
	s.logger.Info("gap backfill scheduled",
		zap.Int64("task_id", task.TaskID),
		zap.Time("window_start", task.WindowStart),
		zap.Time("window_end", *state.lastPostTime))
	return true
}

// emitCompletion publishes the status update for a completed run and
// schedules the follow-up work the exit condition calls for.
func (s *Scheduler) emitCompletion(ctx context.Context, task harvest.Task, state *pageLoopState, gapScheduled bool) {
	now := s.clock.Now()
	watermark := state.lastPostTime
	if watermark == nil {
		watermark = &task.WindowEnd
	}

	switch {
	case state.capHit && !gapScheduled:
		// Cap hit with no hole to fill: continue incrementally later.
		next := now.Add(s.cfg.IncrementalDelay)
		s.enqueueIncremental(ctx, task, *watermark, next)
		s.publishStatus(ctx, task, "page_cap_reached", watermark, &next)

	case task.IsInitialCrawl && !state.capHit:
		next := now.Add(s.cfg.IncrementalDelay)
		s.enqueueIncremental(ctx, task, *watermark, next)
		s.publishStatus(ctx, task, "backfill_complete", watermark, &next)

	case !task.IsInitialCrawl:
		next := now.Add(s.cfg.IncrementalDelay)
		s.enqueueIncremental(ctx, task, *watermark, next)
		s.publishStatus(ctx, task, "watermark_advanced", watermark, &next)

	default:
		s.publishStatus(ctx, task, "completed", watermark, nil)
	}
}

// enqueueIncremental schedules the follow-up pass deferred to runAt.
// Workers hold the task until then, so completion of one run never
// triggers an immediate re-crawl of the same keyword.
func (s *Scheduler) enqueueIncremental(ctx context.Context, task harvest.Task, watermark, runAt time.Time) {
	follow := harvest.Task{
		TaskID:         task.TaskID,
		Keyword:        task.Keyword,
		WindowStart:    watermark,
		IsInitialCrawl: false,
		AccountID:      task.AccountID,
		EnableRotation: task.EnableRotation,
		NotBefore:      runAt,
	}
	if err := s.tasks.Enqueue(ctx, follow); err != nil {
		s.logger.Error("incremental task enqueue failed",
			zap.Int64("task_id", task.TaskID), zap.Error(err))
	}
}

// publishStatus is best-effort: a status event is observability, not a
// durability boundary.
func (s *Scheduler) publishStatus(ctx context.Context, task harvest.Task, status string, watermark, nextRunAt *time.Time) {
	event := harvest.StatusUpdateEvent{
		TaskID:          task.TaskID,
		Status:          status,
		LatestCrawlTime: watermark,
		NextRunAt:       nextRunAt,
		UpdatedAt:       s.clock.Now(),
	}
	if _, err := s.publisher.Publish(ctx, s.statusTopic, event); err != nil {
		s.logger.Warn("status update publish failed",
			zap.Int64("task_id", task.TaskID), zap.String("status", status), zap.Error(err))
	}
}

func failedResult(err error) harvest.CrawlResult {
	return harvest.CrawlResult{
		FailureKind: harvest.ClassifyError(err),
		Err:         err,
	}
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
