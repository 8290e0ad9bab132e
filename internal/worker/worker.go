// Package worker implements the task consumption loop.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/harvestd/harvestd/internal/harvest"
	"github.com/harvestd/harvestd/internal/metrics"
)

// TaskRunner executes one task end to end. Satisfied by
// *orchestrator.Orchestrator.
type TaskRunner interface {
	Run(ctx context.Context, task harvest.Task) harvest.AggregateResult
}

// Worker consumes queue tasks and hands them to the runner one at a
// time. A task whose NotBefore is still in the future is held until it
// comes due. Task failures never stop the loop; only context
// cancellation does.
type Worker struct {
	queue  harvest.TaskQueue
	runner TaskRunner
	clock  harvest.Clock
	logger *zap.Logger

	// sleep is swapped out in tests to avoid real deferral waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Worker.
func New(queue harvest.TaskQueue, runner TaskRunner, clock harvest.Clock, logger *zap.Logger) *Worker {
	return &Worker{
		queue:  queue,
		runner: runner,
		clock:  clock,
		logger: logger,
		sleep:  sleepWithContext,
	}
}

// Run blocks, consuming tasks until the context finishes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("task dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task",
			zap.Int64("task_id", task.TaskID),
			zap.String("keyword", task.Keyword))
		if wait := task.NotBefore.Sub(w.clock.Now()); wait > 0 {
			w.logger.Debug("holding deferred task",
				zap.Int64("task_id", task.TaskID),
				zap.Duration("wait", wait))
			if err := w.sleep(ctx, wait); err != nil {
				return
			}
		}
		w.processTask(ctx, task)
	}
}

func (w *Worker) processTask(ctx context.Context, task harvest.Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	agg := w.runner.Run(ctx, task)

	fields := []zap.Field{
		zap.Int64("task_id", task.TaskID),
		zap.String("keyword", task.Keyword),
		zap.Int("pages", agg.Search.PageCount),
		zap.Bool("gap_scheduled", agg.Search.GapScheduled),
		zap.Bool("partial", agg.Partial),
	}
	for mode, m := range agg.Modes {
		fields = append(fields, zap.Int(string(mode)+"_items", m.ItemsSucceeded))
	}

	switch {
	case !agg.Search.Success:
		fields = append(fields,
			zap.String("failure_kind", string(agg.Search.FailureKind)),
			zap.Error(agg.Search.Err))
		w.logger.Warn("task failed", fields...)
	case agg.Partial:
		w.logger.Warn("task completed partially", fields...)
	default:
		w.logger.Info("task completed", fields...)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
