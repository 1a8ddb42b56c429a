// Package cmd holds the vigil command line: the API server, the scan
// workers and the maintenance commands around them.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/database"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
)

var (
	cfgFile string
	cfg     *config.Config
	log     *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Attack surface reconnaissance service",
	Long: `Vigil - Attack Surface Reconnaissance

Registered users submit a domain; a worker enumerates its subdomains
(subfinder), probes which answer HTTP (httpx), scans them for known
vulnerabilities (nuclei) and annotates every finding with an AI summary
and mitigation.

COMMANDS:
  vigil serve                 - HTTP API (add --embedded-worker for one process)
  vigil worker                - Scan workers consuming the task queue
  vigil scan <domain>         - Run one scan in the foreground
  vigil db migrate|status     - Schema migrations
  vigil user create <name>    - Create an API account
  vigil config show           - Print the effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			// Sync on a terminal stdout returns EINVAL on Linux.
			if err := log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
				fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
			}
		}
	},
}

// Execute runs the CLI. SIGINT and SIGTERM cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.vigil.yaml or ./.vigil.yaml)")

	defaults := config.DefaultConfig()

	rootCmd.PersistentFlags().String("log-level", defaults.Logger.Level, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", defaults.Logger.Format, "log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.PersistentFlags().String("db-driver", defaults.Database.Driver, "database driver (postgres, sqlite3)")
	rootCmd.PersistentFlags().String("db-dsn", defaults.Database.DSN, "database connection string")
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindEnv("database.dsn", "VIGIL_DATABASE_DSN", "DATABASE_URL")

	rootCmd.PersistentFlags().String("redis-addr", defaults.Redis.Addr, "Redis server address")
	rootCmd.PersistentFlags().String("redis-password", "", "Redis password")
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))
	viper.BindPFlag("redis.password", rootCmd.PersistentFlags().Lookup("redis-password"))
	viper.BindEnv("redis.addr", "VIGIL_REDIS_ADDR", "REDIS_URL")

	rootCmd.PersistentFlags().String("queue-backend", defaults.Queue.Backend, "task queue backend (redis, memory)")
	viper.BindPFlag("queue.backend", rootCmd.PersistentFlags().Lookup("queue-backend"))

	rootCmd.PersistentFlags().Int("workers", defaults.Worker.Count, "number of scan workers")
	viper.BindPFlag("worker.count", rootCmd.PersistentFlags().Lookup("workers"))

	if err := registerDefaults(defaults); err != nil {
		panic(fmt.Sprintf("failed to register config defaults: %v", err))
	}
}

// registerDefaults hands every field of DefaultConfig to viper so that each
// key is known to AutomaticEnv and the file, env and flag layers only need
// to name what they change.
func registerDefaults(defaults *config.Config) error {
	raw, err := yaml.Marshal(defaults)
	if err != nil {
		return err
	}
	var tree map[string]interface{}
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return err
	}
	setDefaults("", tree)
	return nil
}

func setDefaults(prefix string, tree map[string]interface{}) {
	for key, value := range tree {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if nested, ok := value.(map[string]interface{}); ok {
			setDefaults(full, nested)
			continue
		}
		viper.SetDefault(full, value)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".vigil")
	}

	viper.SetEnvPrefix("VIGIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg = &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg.Validate()
}

// openStore connects to the configured database and applies pending
// migrations.
func openStore(ctx context.Context) (*database.SQLStore, error) {
	store, err := database.NewStore(ctx, cfg.Database, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if cfg.Database.Driver == "sqlite3" {
		log.Warnw("Using SQLite database",
			"warning", "SQLite serialises writers",
			"recommendation", "Use PostgreSQL when running separate worker processes",
		)
	}
	return store, nil
}
