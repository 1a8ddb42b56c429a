package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/worker"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/shutdown"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run scan workers that consume the task queue",
	Long: `Start a pool of scan workers.

Each worker takes one task at a time from the Redis queue and runs the
full pipeline: DNS pre-flight, subfinder, httpx, nuclei and AI enrichment.
subfinder, httpx and nuclei must be on PATH or configured under tools.*.

Example:
  vigil worker --workers 4`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	if cfg.Queue.Backend == config.QueueBackendMemory {
		return fmt.Errorf("a standalone worker needs the redis queue; use 'vigil serve --embedded-worker' for the memory queue")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	log := log.WithComponent("worker")
	handler := shutdown.NewHandler(cfg.Worker.StopTimeout, log)

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	handler.Register("database", func(context.Context) error { return store.Close() })

	var b backends
	handler.Register("redis", func(context.Context) error { return b.Close() })

	queue, err := b.queue(ctx)
	if err != nil {
		handler.Shutdown()
		return err
	}

	tel := openTelemetry(ctx)
	handler.Register("telemetry", func(context.Context) error { return tel.Close() })

	orchestrator := pipeline.NewFromConfig(cfg, store, tel, nil, log)
	if err := orchestrator.CheckTools(); err != nil {
		log.Warnw("Scans will fail until the missing tools are installed", "error", err)
	}
	pool := worker.NewWorkerPool(queue, orchestrator, store, tel, log, cfg.Worker)
	if err := pool.Start(ctx, cfg.Worker.Count); err != nil {
		handler.Shutdown()
		return fmt.Errorf("failed to start workers: %w", err)
	}
	handler.Register("workers", func(context.Context) error { return pool.Stop() })

	log.Infow("Workers started", "count", cfg.Worker.Count)
	return handler.Wait(ctx, nil)
}
