package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

var ErrTaskNotFound = errors.New("task not found")

func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// redisOptions accepts Addr as host:port or as a redis:// or rediss:// URL.
// Password and DB from cfg override the URL when set.
func redisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	opts := &redis.Options{Addr: cfg.Addr}
	if strings.HasPrefix(cfg.Addr, "redis://") || strings.HasPrefix(cfg.Addr, "rediss://") {
		parsed, err := redis.ParseURL(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		opts = parsed
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.MaxRetries = cfg.MaxRetries
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	return opts, nil
}

// RedisQueue keeps pending task ids in a sorted set scored by enqueue time,
// task bodies under their own keys, and in-flight tasks in a hash keyed by
// task id with the owning worker as value.
type RedisQueue struct {
	client     *redis.Client
	ttl        time.Duration
	pollWindow time.Duration

	pending    string
	processing string
	failed     string
	taskPrefix string
}

func NewRedisQueue(client *redis.Client, cfg config.QueueConfig, pollWindow time.Duration) *RedisQueue {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "vigil"
	}
	ttl := cfg.TaskTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if pollWindow <= 0 {
		pollWindow = time.Second
	}
	return &RedisQueue{
		client:     client,
		ttl:        ttl,
		pollWindow: pollWindow,
		pending:    prefix + ":queue:pending",
		processing: prefix + ":queue:processing",
		failed:     prefix + ":queue:failed",
		taskPrefix: prefix + ":task:",
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task *types.ScanTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = types.TaskStatusPending
	task.EnqueuedAt = time.Now().UTC()
	task.UpdatedAt = task.EnqueuedAt

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.taskPrefix+task.ID, data, q.ttl)
	pipe.ZAdd(ctx, q.pending, redis.Z{
		Score:  float64(task.EnqueuedAt.UnixMilli()),
		Member: task.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, workerID string) (*types.ScanTask, error) {
	res, err := q.client.BZPopMin(ctx, q.pollWindow, q.pending).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}

	taskID, ok := res.Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected queue member %T", res.Member)
	}

	task, err := q.load(ctx, taskID)
	if err != nil {
		// The body expired or was never written; nothing left to run.
		if errors.Is(err, ErrTaskNotFound) {
			return nil, nil
		}
		return nil, err
	}

	task.Status = types.TaskStatusProcessing
	task.WorkerID = workerID
	task.UpdatedAt = time.Now().UTC()

	if err := q.save(ctx, task, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, q.processing, task.ID, workerID)
	}); err != nil {
		q.client.ZAdd(ctx, q.pending, redis.Z{Score: res.Score, Member: task.ID})
		return nil, fmt.Errorf("failed to update task status: %w", err)
	}

	return task, nil
}

func (q *RedisQueue) Complete(ctx context.Context, taskID string) error {
	task, err := q.load(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = types.TaskStatusCompleted
	task.UpdatedAt = time.Now().UTC()

	return q.save(ctx, task, func(pipe redis.Pipeliner) {
		pipe.HDel(ctx, q.processing, taskID)
	})
}

func (q *RedisQueue) Fail(ctx context.Context, taskID string, reason string) error {
	task, err := q.load(ctx, taskID)
	if err != nil {
		return err
	}
	task.Status = types.TaskStatusFailed
	task.Error = reason
	task.UpdatedAt = time.Now().UTC()

	return q.save(ctx, task, func(pipe redis.Pipeliner) {
		pipe.HDel(ctx, q.processing, taskID)
		pipe.ZAdd(ctx, q.failed, redis.Z{
			Score:  float64(task.UpdatedAt.Unix()),
			Member: taskID,
		})
	})
}

func (q *RedisQueue) Status(ctx context.Context, taskID string) (*types.ScanTask, error) {
	return q.load(ctx, taskID)
}

func (q *RedisQueue) Pending(ctx context.Context) ([]*types.ScanTask, error) {
	ids, err := q.client.ZRange(ctx, q.pending, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get pending tasks: %w", err)
	}

	tasks := make([]*types.ScanTask, 0, len(ids))
	for _, id := range ids {
		task, err := q.load(ctx, id)
		if err != nil {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) load(ctx context.Context, taskID string) (*types.ScanTask, error) {
	data, err := q.client.Get(ctx, q.taskPrefix+taskID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
		}
		return nil, fmt.Errorf("failed to get task data: %w", err)
	}

	var task types.ScanTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

func (q *RedisQueue) save(ctx context.Context, task *types.ScanTask, extra func(redis.Pipeliner)) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.taskPrefix+task.ID, data, q.ttl)
	if extra != nil {
		extra(pipe)
	}
	_, err = pipe.Exec(ctx)
	return err
}
