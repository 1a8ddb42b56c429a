package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/core"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

type workerPool struct {
	workers   []core.Worker
	queue     core.TaskQueue
	runner    core.ScanRunner
	store     core.ScanStore
	telemetry core.Telemetry
	cfg       config.WorkerConfig
	logger    *logger.Logger

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

func NewWorkerPool(
	queue core.TaskQueue,
	runner core.ScanRunner,
	store core.ScanStore,
	telemetry core.Telemetry,
	log *logger.Logger,
	cfg config.WorkerConfig,
) core.WorkerPool {
	return &workerPool{
		queue:     queue,
		runner:    runner,
		store:     store,
		telemetry: telemetry,
		cfg:       cfg,
		logger:    log.WithComponent("worker_pool"),
	}
}

func (p *workerPool) Start(ctx context.Context, workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("worker pool already started")
	}
	if workerCount < 1 {
		return fmt.Errorf("worker count must be at least 1, got %d", workerCount)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Infow("Starting worker pool", "workers", workerCount)

	for i := 0; i < workerCount; i++ {
		w := NewWorker(p.queue, p.runner, p.store, p.telemetry, p.logger, p.cfg)
		if err := w.Start(p.ctx); err != nil {
			p.cancel()
			_ = p.stopAll()
			return fmt.Errorf("failed to start worker %d: %w", i, err)
		}
		p.workers = append(p.workers, w)
	}

	p.logger.Infow("Worker pool started", "workers", len(p.workers))
	return nil
}

func (p *workerPool) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return fmt.Errorf("worker pool not started")
	}

	p.logger.Info("Stopping worker pool")
	p.cancel()
	return p.stopAll()
}

func (p *workerPool) Status() []*types.WorkerStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	statuses := make([]*types.WorkerStatus, 0, len(p.workers))
	for _, w := range p.workers {
		statuses = append(statuses, w.Status())
	}
	return statuses
}

func (p *workerPool) stopAll() error {
	g := new(errgroup.Group)
	for _, w := range p.workers {
		w := w
		g.Go(w.Stop)
	}

	err := g.Wait()
	p.workers = nil
	p.ctx = nil
	p.cancel = nil
	return err
}
