package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/core"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

type worker struct {
	id        string
	hostname  string
	queue     core.TaskQueue
	runner    core.ScanRunner
	store     core.ScanStore
	telemetry core.Telemetry
	cfg       config.WorkerConfig
	logger    *logger.Logger

	status   types.WorkerStatus
	statusMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorker(
	queue core.TaskQueue,
	runner core.ScanRunner,
	store core.ScanStore,
	telemetry core.Telemetry,
	log *logger.Logger,
	cfg config.WorkerConfig,
) core.Worker {
	workerID := uuid.New().String()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
		log.Debugw("Could not resolve hostname", "error", err)
	}

	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}

	return &worker{
		id:        workerID,
		hostname:  hostname,
		queue:     queue,
		runner:    runner,
		store:     store,
		telemetry: telemetry,
		cfg:       cfg,
		logger: log.WithComponent("worker").WithFields(
			"worker_id", workerID,
			"hostname", hostname,
		),
		done: make(chan struct{}),
		status: types.WorkerStatus{
			Status: types.WorkerStatusIdle,
		},
	}
}

func (w *worker) ID() string {
	return w.id
}

func (w *worker) Start(ctx context.Context) error {
	if w.ctx != nil {
		return fmt.Errorf("worker %s already started", w.id)
	}
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.statusMu.Lock()
	w.status.StartedAt = time.Now()
	w.statusMu.Unlock()
	w.updateStatus(types.WorkerStatusIdle, nil)

	w.logger.Infow("Worker started")

	go func() {
		defer close(w.done)
		defer func() {
			if r := recover(); r != nil {
				w.logger.LogPanic(w.ctx, r, "worker.run")
			}
		}()
		w.run()
	}()

	return nil
}

// Stop cancels the worker and waits for the current scan to wind down. The
// scan itself is marked FAILED by the pipeline when its context is cancelled.
func (w *worker) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()

	var err error
	select {
	case <-w.done:
		w.logger.Infow("Worker stopped gracefully",
			"tasks_completed", w.Status().TasksCompleted,
		)
	case <-time.After(w.cfg.StopTimeout):
		err = fmt.Errorf("worker %s did not stop within %s", w.id, w.cfg.StopTimeout)
		w.logger.Warnw("Worker stop timeout", "timeout", w.cfg.StopTimeout.String())
	}

	w.updateStatus(types.WorkerStatusStopped, nil)
	return err
}

func (w *worker) Status() *types.WorkerStatus {
	w.statusMu.RLock()
	defer w.statusMu.RUnlock()

	status := w.status
	status.ID = w.id
	status.Hostname = w.hostname
	status.LastPing = time.Now()
	return &status
}

func (w *worker) run() {
	for {
		select {
		case <-w.ctx.Done():
			w.logger.Infow("Worker shutting down", "reason", "context_cancelled")
			return

		default:
			if err := w.processTask(); err != nil {
				w.logger.LogError(w.ctx, err, "worker.processTask")
				select {
				case <-w.ctx.Done():
				case <-time.After(w.cfg.ErrorBackoff):
				}
			}
		}
	}
}

// processTask takes at most one task off the queue. Dequeue blocks for the
// queue's poll window, so an empty queue does not spin.
func (w *worker) processTask() error {
	task, err := w.queue.Dequeue(w.ctx, w.id)
	if err != nil {
		return fmt.Errorf("failed to dequeue task: %w", err)
	}
	if task == nil {
		return nil
	}

	w.updateStatus(types.WorkerStatusProcessing, task)
	defer w.updateStatus(types.WorkerStatusIdle, nil)

	start := time.Now()
	ctx, span := w.logger.StartOperation(w.ctx, "worker.processTask",
		"task_id", task.ID,
		"scan_id", task.ScanID,
		"domain", task.Domain,
	)

	execErr := w.execute(ctx, task)

	// Bookkeeping must survive a shutdown that cancelled the scan.
	bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if execErr != nil {
		w.statusMu.Lock()
		w.status.TasksFailed++
		w.statusMu.Unlock()

		if err := w.queue.Fail(bgCtx, task.ID, execErr.Error()); err != nil {
			w.logger.LogError(ctx, err, "worker.queue.Fail", "task_id", task.ID)
		}
	} else {
		w.statusMu.Lock()
		w.status.TasksCompleted++
		w.statusMu.Unlock()

		if err := w.queue.Complete(bgCtx, task.ID); err != nil {
			w.logger.LogError(ctx, err, "worker.queue.Complete", "task_id", task.ID)
		}
	}

	// A failed scan is a normal outcome, not a worker error.
	w.logger.FinishOperation(ctx, span, "worker.processTask", start, execErr)
	return nil
}

func (w *worker) execute(ctx context.Context, task *types.ScanTask) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		w.logger.LogPanic(ctx, r, "worker.execute",
			"task_id", task.ID,
			"scan_id", task.ScanID,
		)
		err = fmt.Errorf("panic while scanning %s: %v", task.Domain, r)

		failCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if uerr := w.store.UpdateScanStatus(failCtx, task.ScanID, types.ScanStatusFailed, err.Error()); uerr != nil {
			w.logger.LogError(ctx, uerr, "worker.execute.markFailed", "scan_id", task.ScanID)
		}
	}()

	return w.runner.RunFullScan(ctx, task.Domain, task.ScanID)
}

func (w *worker) updateStatus(status string, task *types.ScanTask) {
	w.statusMu.Lock()
	w.status.Status = status
	if task != nil {
		w.status.CurrentTask = task.ID
		w.status.CurrentScanID = task.ScanID
	} else {
		w.status.CurrentTask = ""
		w.status.CurrentScanID = 0
	}
	w.statusMu.Unlock()

	w.telemetry.RecordWorkerMetrics(w.Status())
}
