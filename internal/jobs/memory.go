package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

// MemoryQueue is an in-process queue for single-binary deployments where the
// API and the workers share a process. Tasks do not survive a restart.
type MemoryQueue struct {
	mu         sync.Mutex
	tasks      map[string]*types.ScanTask
	order      []string
	notify     chan struct{}
	pollWindow time.Duration
	closed     bool
}

func NewMemoryQueue(pollWindow time.Duration) *MemoryQueue {
	if pollWindow <= 0 {
		pollWindow = time.Second
	}
	return &MemoryQueue{
		tasks:      make(map[string]*types.ScanTask),
		notify:     make(chan struct{}, 1),
		pollWindow: pollWindow,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task *types.ScanTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	task.Status = types.TaskStatusPending
	task.EnqueuedAt = time.Now().UTC()
	task.UpdatedAt = task.EnqueuedAt

	stored := *task
	q.tasks[task.ID] = &stored
	q.order = append(q.order, task.ID)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context, workerID string) (*types.ScanTask, error) {
	if task := q.pop(workerID); task != nil {
		return task, nil
	}

	timer := time.NewTimer(q.pollWindow)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, nil
	case <-timer.C:
		return nil, nil
	case <-q.notify:
		return q.pop(workerID), nil
	}
}

func (q *MemoryQueue) pop(workerID string) *types.ScanTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil
	}
	id := q.order[0]
	q.order = q.order[1:]

	task := q.tasks[id]
	task.Status = types.TaskStatusProcessing
	task.WorkerID = workerID
	task.UpdatedAt = time.Now().UTC()

	// More work is waiting; wake another worker.
	if len(q.order) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}

	out := *task
	return &out
}

func (q *MemoryQueue) finish(taskID, status, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
	}
	task.Status = status
	task.Error = reason
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (q *MemoryQueue) Complete(ctx context.Context, taskID string) error {
	return q.finish(taskID, types.TaskStatusCompleted, "")
}

func (q *MemoryQueue) Fail(ctx context.Context, taskID string, reason string) error {
	return q.finish(taskID, types.TaskStatusFailed, reason)
}

func (q *MemoryQueue) Status(ctx context.Context, taskID string) (*types.ScanTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	task, ok := q.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", taskID, ErrTaskNotFound)
	}
	out := *task
	return &out, nil
}

func (q *MemoryQueue) Pending(ctx context.Context) ([]*types.ScanTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := make([]*types.ScanTask, 0, len(q.order))
	for _, id := range q.order {
		t := *q.tasks[id]
		tasks = append(tasks, &t)
	}
	return tasks, nil
}

func (q *MemoryQueue) Ping(ctx context.Context) error {
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
