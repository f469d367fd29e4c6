// Package worker implements the scan task execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sitepulse/sitepulse/internal/analyzer"
	"github.com/sitepulse/sitepulse/internal/cache"
	"github.com/sitepulse/sitepulse/internal/events"
	"github.com/sitepulse/sitepulse/internal/metrics"
	"github.com/sitepulse/sitepulse/internal/scan"
)

// Config controls Worker behavior.
type Config struct {
	// PollInterval is the idle sleep between claim attempts when no task
	// is queued (default 2s).
	PollInterval time.Duration
	// FaultBackoff is the sleep after a store fault (default 5s).
	FaultBackoff time.Duration
	// TaskTimeout bounds one analyzer run, including queue wait time
	// inside throttled fetchers (default 3m).
	TaskTimeout time.Duration
}

const (
	defaultPollInterval = 2 * time.Second
	defaultFaultBackoff = 5 * time.Second
	defaultTaskTimeout  = 3 * time.Minute
)

// Worker claims queued tasks one at a time and drives them to a
// terminal state. Multiple workers may poll the same store; the claim
// is atomic so each task runs exactly once.
type Worker struct {
	store     scan.Store
	cache     *cache.Cache
	analyzers analyzer.Registry
	clock     scan.Clock
	emitter   events.Emitter
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. emitter may be nil.
func New(
	store scan.Store,
	resultCache *cache.Cache,
	analyzers analyzer.Registry,
	clock scan.Clock,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.FaultBackoff <= 0 {
		cfg.FaultBackoff = defaultFaultBackoff
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:     store,
		cache:     resultCache,
		analyzers: analyzers,
		clock:     clock,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run polls the store for queued tasks until ctx is canceled. A store
// fault backs off instead of crashing the loop; a task failure settles
// that task and never takes down its siblings.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		zap.Duration("poll_interval", w.cfg.PollInterval),
		zap.Duration("task_timeout", w.cfg.TaskTimeout))

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		task, err := w.store.ClaimNextQueuedTask(ctx)
		if err != nil {
			if errors.Is(err, scan.ErrNoQueuedTask) {
				if !w.sleep(ctx, w.cfg.PollInterval) {
					w.logger.Info("worker stopped")
					return nil
				}
				continue
			}
			if errors.Is(err, context.Canceled) {
				w.logger.Info("worker stopped")
				return nil
			}
			metrics.ObserveStoreFault()
			w.logger.Error("claim queued task", zap.Error(err))
			if !w.sleep(ctx, w.cfg.FaultBackoff) {
				w.logger.Info("worker stopped")
				return nil
			}
			continue
		}

		w.processTask(ctx, task)
	}
}

func (w *Worker) processTask(ctx context.Context, task scan.Task) {
	log := w.logger.With(
		zap.String("task_id", task.ID),
		zap.String("scan_id", task.ScanID),
		zap.String("type", string(task.Type)))

	sc, err := w.store.GetScan(ctx, task.ScanID)
	if err != nil {
		if errors.Is(err, scan.ErrNotFound) {
			log.Error("scan row missing for claimed task", zap.Error(err))
			w.settleFailed(ctx, task, "", fmt.Errorf("load scan: %w", err))
			return
		}
		// Store fault, not a task failure. Leave the row unsettled and
		// back off; only a missing scan is terminal for the task.
		metrics.ObserveStoreFault()
		log.Error("load scan for task", zap.Error(err))
		w.sleep(ctx, w.cfg.FaultBackoff)
		return
	}

	w.syncScanStatus(ctx, task.ScanID, sc.URL)
	w.emit(events.Event{
		ScanID:   task.ScanID,
		TaskType: task.Type,
		Stage:    events.StageTaskStart,
		URL:      sc.URL,
		TS:       w.clock.Now(),
	})

	started := w.clock.Now()
	analysis, err := w.runAnalysis(ctx, task.Type, sc.URL)
	if err != nil {
		log.Warn("task failed", zap.Error(err))
		w.settleFailed(ctx, task, sc.URL, err)
		w.syncScanStatus(ctx, task.ScanID, sc.URL)
		return
	}

	payload := &scan.TaskPayload{Result: analysis.Data}
	if err := w.store.SetTaskStatus(ctx, task.ID, scan.StatusComplete, payload); err != nil {
		if errors.Is(err, scan.ErrTaskSettled) {
			log.Debug("task already settled")
		} else {
			metrics.ObserveStoreFault()
			log.Error("persist task result", zap.Error(err))
		}
		return
	}
	log.Info("task complete", zap.Bool("pending", analysis.Pending))

	w.emit(events.Event{
		ScanID:   task.ScanID,
		TaskType: task.Type,
		Stage:    events.StageTaskDone,
		URL:      sc.URL,
		TS:       w.clock.Now(),
		Dur:      w.clock.Now().Sub(started),
	})
	w.syncScanStatus(ctx, task.ScanID, sc.URL)
}

// runAnalysis resolves the analyzer for the task type and runs it
// through the cache under the orchestrator deadline. A result cached by
// an earlier scan of the same URL short-circuits the whole run.
func (w *Worker) runAnalysis(ctx context.Context, taskType scan.TaskType, url string) (scan.Analysis, error) {
	a, err := w.analyzers.ForType(taskType)
	if err != nil {
		return scan.Analysis{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()

	return w.cache.GetOrCompute(runCtx, string(taskType), url, func(ctx context.Context) (scan.Analysis, error) {
		return a.Analyze(ctx, url)
	})
}

func (w *Worker) settleFailed(ctx context.Context, task scan.Task, url string, cause error) {
	payload := &scan.TaskPayload{Error: cause.Error()}
	if err := w.store.SetTaskStatus(ctx, task.ID, scan.StatusFailed, payload); err != nil {
		if errors.Is(err, scan.ErrTaskSettled) {
			return
		}
		metrics.ObserveStoreFault()
		w.logger.Error("persist task failure",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}
	w.emit(events.Event{
		ScanID:   task.ScanID,
		TaskType: task.Type,
		Stage:    events.StageTaskError,
		URL:      url,
		TS:       w.clock.Now(),
		Note:     cause.Error(),
	})
}

// syncScanStatus recomputes the aggregate row from task counts. The
// complete transition is change-gated by the store, so the completion
// event fires at most once per scan even with concurrent workers.
func (w *Worker) syncScanStatus(ctx context.Context, scanID, url string) {
	total, unfinished, err := w.store.TaskCounts(ctx, scanID)
	if err != nil {
		metrics.ObserveStoreFault()
		w.logger.Error("count scan tasks", zap.String("scan_id", scanID), zap.Error(err))
		return
	}
	if total == 0 {
		return
	}

	progress := (total - unfinished) * 100 / total
	if unfinished > 0 {
		if _, err := w.store.SetScanStatus(ctx, scanID, scan.StatusRunning, progress); err != nil {
			metrics.ObserveStoreFault()
			w.logger.Error("update scan progress", zap.String("scan_id", scanID), zap.Error(err))
		}
		return
	}

	changed, err := w.store.SetScanStatus(ctx, scanID, scan.StatusComplete, progress)
	if err != nil {
		metrics.ObserveStoreFault()
		w.logger.Error("mark scan complete", zap.String("scan_id", scanID), zap.Error(err))
		return
	}
	if !changed {
		return
	}
	w.logger.Info("scan complete", zap.String("scan_id", scanID))
	w.emit(events.Event{
		ScanID: scanID,
		Stage:  events.StageScanDone,
		URL:    url,
		TS:     w.clock.Now(),
	})
}

func (w *Worker) emit(evt events.Event) {
	if w.emitter == nil {
		return
	}
	w.emitter.Emit(evt)
}

// sleep waits for d or until ctx is done, reporting whether the loop
// should keep running.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
