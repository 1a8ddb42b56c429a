package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/config"
	"github.com/CodeMonkeyCybersecurity/vigil/internal/core"
	"github.com/CodeMonkeyCybersecurity/vigil/pkg/types"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the scan task queue",
	Long: `Inspect the Redis task queue shared by 'vigil serve' and 'vigil worker'.

The in-memory queue lives inside a single process and cannot be inspected
from outside it.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		if cfg.Queue.Backend == config.QueueBackendMemory {
			return errors.New("queue commands need the redis backend")
		}
		return nil
	},
}

var queuePendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List tasks waiting for a worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(ctx context.Context, q core.TaskQueue) error {
			return listPending(ctx, q, os.Stdout)
		})
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(ctx context.Context, q core.TaskQueue) error {
			return showTask(ctx, q, args[0], os.Stdout)
		})
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queuePendingCmd)
	queueCmd.AddCommand(queueStatusCmd)
}

func withQueue(ctx context.Context, fn func(context.Context, core.TaskQueue) error) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var b backends
	defer b.Close()

	q, err := b.queue(ctx)
	if err != nil {
		return err
	}
	defer q.Close()
	return fn(ctx, q)
}

func listPending(ctx context.Context, q core.TaskQueue, out io.Writer) error {
	tasks, err := q.Pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		color.New(color.FgGreen).Fprintln(out, "No pending tasks")
		return nil
	}

	fmt.Fprintf(out, "%d pending task(s)\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(out, "  %s  scan %-6d %-40s queued %s ago\n",
			t.ID, t.ScanID, t.Domain, time.Since(t.EnqueuedAt).Round(time.Second))
	}
	return nil
}

func showTask(ctx context.Context, q core.TaskQueue, id string, out io.Writer) error {
	task, err := q.Status(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load task %s: %w", id, err)
	}

	fmt.Fprintf(out, "Task:     %s\n", task.ID)
	fmt.Fprintf(out, "Scan:     %d (%s)\n", task.ScanID, task.Domain)
	fmt.Fprintf(out, "Status:   %s\n", taskStatusColor(task.Status).Sprint(task.Status))
	if task.WorkerID != "" {
		fmt.Fprintf(out, "Worker:   %s\n", task.WorkerID)
	}
	fmt.Fprintf(out, "Queued:   %s\n", task.EnqueuedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Updated:  %s\n", task.UpdatedAt.Format(time.RFC3339))
	if task.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", task.Error)
	}
	return nil
}

func taskStatusColor(status string) *color.Color {
	switch status {
	case types.TaskStatusCompleted:
		return color.New(color.FgGreen)
	case types.TaskStatusFailed:
		return color.New(color.FgRed)
	case types.TaskStatusProcessing:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgYellow)
	}
}
