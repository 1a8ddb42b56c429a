package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/core"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/jobs"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/telemetry"
)

// backends lazily opens the shared connections of a long-running command.
// The queue and the session store share one Redis pool.
type backends struct {
	redis *redis.Client
}

func (b *backends) redisClient(ctx context.Context) (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	c, err := jobs.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	b.redis = c
	return c, nil
}

func (b *backends) queue(ctx context.Context) (core.TaskQueue, error) {
	if cfg.Queue.Backend == config.QueueBackendMemory {
		log.Warnw("Using in-memory task queue",
			"warning", "tasks are lost on restart and invisible to other processes",
		)
		return jobs.NewMemoryQueue(cfg.Worker.QueuePollInterval), nil
	}

	c, err := b.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return jobs.NewRedisQueue(c, cfg.Queue, cfg.Worker.QueuePollInterval), nil
}

// Close releases the Redis pool. A RedisQueue closes the same client, so an
// already-closed pool is not an error.
func (b *backends) Close() error {
	if b.redis == nil {
		return nil
	}
	if err := b.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

func openTelemetry(ctx context.Context) core.Telemetry {
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		log.Warnw("Telemetry disabled", "error", err)
		return telemetry.NewNoop()
	}
	return tel
}
