package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/api"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/auth"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/pipeline"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/worker"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/shutdown"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the vigil HTTP API server",
	Long: `Start the HTTP API.

Submitted scans are put on the task queue for 'vigil worker' processes.
With --embedded-worker the server also runs a worker pool itself, which
is the only way to use the in-memory queue.

Example:
  vigil serve --port 5000
  vigil serve --queue-backend memory --embedded-worker --db-driver sqlite3 --db-dsn vigil.db
`,
	RunE: runServe,
}

var (
	tlsCert string
	tlsKey  string
)

func init() {
	rootCmd.AddCommand(serveCmd)

	defaults := config.DefaultConfig()
	serveCmd.Flags().Int("port", defaults.Server.Port, "Port to listen on")
	serveCmd.Flags().String("host", defaults.Server.Host, "Host to bind to")
	serveCmd.Flags().Bool("embedded-worker", false, "Run a scan worker pool inside the server process")
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate (optional)")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS private key (optional)")
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.embedded_worker", serveCmd.Flags().Lookup("embedded-worker"))
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	if cfg.Queue.Backend == config.QueueBackendMemory && !cfg.Server.EmbeddedWorker {
		return fmt.Errorf("the memory queue is only reachable from an embedded worker: add --embedded-worker or use --queue-backend redis")
	}
	if tlsCert != "" || tlsKey != "" {
		if tlsCert == "" || tlsKey == "" {
			return fmt.Errorf("both --tls-cert and --tls-key must be provided for TLS")
		}
		for _, f := range []string{tlsCert, tlsKey} {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("TLS file not readable: %w", err)
			}
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	log := log.WithComponent("server")
	log.Infow("Starting vigil API server",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"queue", cfg.Queue.Backend,
		"sessions", cfg.Security.SessionBackend,
		"embedded_worker", cfg.Server.EmbeddedWorker,
		"tls_enabled", tlsCert != "",
		"config_file", viper.ConfigFileUsed(),
	)

	handler := shutdown.NewHandler(cfg.Server.ShutdownTimeout, log)

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
	handler.Register("queue", func(context.Context) error { return queue.Close() })

	var sessions auth.SessionStore = auth.NewMemorySessionStore()
	if cfg.Security.SessionBackend == config.QueueBackendRedis {
		client, err := b.redisClient(ctx)
		if err != nil {
			handler.Shutdown()
			return err
		}
		sessions = auth.NewRedisSessionStore(client, cfg.Queue.Prefix)
	}

	authService, err := auth.NewService(store,
		auth.NewTokenManager(cfg.Security.TokenSecret, cfg.Security.TokenTTL),
		sessions, cfg.Security, log)
	if err != nil {
		handler.Shutdown()
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	tel := openTelemetry(ctx)
	handler.Register("telemetry", func(context.Context) error { return tel.Close() })

	if cfg.Server.EmbeddedWorker {
		orchestrator := pipeline.NewFromConfig(cfg, store, tel, nil, log)
		if err := orchestrator.CheckTools(); err != nil {
			log.Warnw("Scans will fail until the missing tools are installed", "error", err)
		}
		pool := worker.NewWorkerPool(queue, orchestrator, store, tel, log, cfg.Worker)
		if err := pool.Start(ctx, cfg.Worker.Count); err != nil {
			handler.Shutdown()
			return fmt.Errorf("failed to start embedded workers: %w", err)
		}
		handler.Register("workers", func(context.Context) error { return pool.Stop() })
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := api.NewRouter(api.Dependencies{
		Store:     store,
		Queue:     queue,
		Auth:      authService,
		Submitter: pipeline.NewSubmitter(store, queue, log),
		Security:  cfg.Security,
		Logger:    log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:           addr,
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: 1 << 20,
		ErrorLog:       zap.NewStdLog(log.WithComponent("http").Zap()),
	}
	handler.Register("http", func(ctx context.Context) error {
		return server.Shutdown(ctx)
	})

	serverErrors := make(chan error, 1)
	go func() {
		log.Infow("HTTP server listening", "address", addr, "tls", tlsCert != "")

		var err error
		if tlsCert != "" {
			err = server.ListenAndServeTLS(tlsCert, tlsKey)
		} else {
			err = server.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server error: %w", err)
		}
	}()

	start := time.Now()
	err = handler.Wait(ctx, serverErrors)
	log.Infow("Server shutdown complete", "uptime", time.Since(start).Round(time.Second).String())
	return err
}
