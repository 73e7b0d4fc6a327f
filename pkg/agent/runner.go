package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/tsbx-io/tsbx/pkg/models"
)

// RunnerConfig wires the task poller.
type RunnerConfig struct {
	Control ControlPlane
	Loop    *Loop

	// PollInterval is the pause between polls. Zero means
	// DefaultPollInterval.
	PollInterval time.Duration

	// TaskBoundary skips queued tasks created before this container
	// generation. Zero accepts everything.
	TaskBoundary time.Time

	Logger *slog.Logger
}

// Runner polls the control plane for queued tasks and runs them one at a
// time in created_at order. Task ids already run by this process are
// remembered so a lagging read never replays one.
type Runner struct {
	control ControlPlane
	loop    *Loop

	pollInterval time.Duration
	boundary     time.Time
	processed    map[string]struct{}
	logger       *slog.Logger
}

// NewRunner builds a Runner, applying defaults for zero config values.
func NewRunner(cfg RunnerConfig) *Runner {
	r := &Runner{
		control:      cfg.Control,
		loop:         cfg.Loop,
		pollInterval: cfg.PollInterval,
		boundary:     cfg.TaskBoundary,
		processed:    make(map[string]struct{}),
		logger:       cfg.Logger,
	}
	if r.pollInterval <= 0 {
		r.pollInterval = DefaultPollInterval
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Run signals readiness by transitioning the sandbox to idle, then polls
// until the context ends. Poll failures are logged and retried; only an
// unreachable control plane at boot is fatal.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.control.SetState(ctx, models.SandboxStateIdle); err != nil {
		return fmt.Errorf("signal ready: %w", err)
	}
	r.logger.Info("agent ready, polling for tasks", "poll_interval", r.pollInterval)

	for {
		if err := r.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("task poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

// pollOnce lists the queued window and runs every eligible task in
// created_at order.
func (r *Runner) pollOnce(ctx context.Context) error {
	tasks, err := r.control.ListQueuedTasks(ctx)
	if err != nil {
		return fmt.Errorf("list queued tasks: %w", err)
	}

	eligible := make([]*models.Task, 0, len(tasks))
	for _, task := range tasks {
		if _, seen := r.processed[task.ID]; seen {
			continue
		}
		if !r.boundary.IsZero() && task.CreatedAt.Before(r.boundary) {
			continue
		}
		eligible = append(eligible, task)
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].ID < eligible[j].ID
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	for _, task := range eligible {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.runTask(ctx, task)
		r.processed[task.ID] = struct{}{}
	}
	return nil
}

// runTask claims one task, transitions the sandbox busy for its duration,
// and hands it to the loop.
func (r *Runner) runTask(ctx context.Context, task *models.Task) {
	claimed, err := r.control.ClaimTask(ctx, task.ID)
	if err != nil {
		r.logger.Error("claim task", "task_id", task.ID, "error", err)
		return
	}
	if !claimed {
		r.logger.Info("task no longer queued, skipping", "task_id", task.ID)
		return
	}

	if err := r.control.SetState(ctx, models.SandboxStateBusy); err != nil {
		r.logger.Warn("transition to busy", "task_id", task.ID, "error", err)
	}
	start := time.Now()
	r.logger.Info("task started", "task_id", task.ID, "task_type", task.TaskType)

	if err := r.loop.Run(ctx, task); err != nil {
		r.logger.Error("task loop failed", "task_id", task.ID, "error", err)
	}

	if err := r.control.SetState(ctx, models.SandboxStateIdle); err != nil {
		r.logger.Warn("transition to idle", "task_id", task.ID, "error", err)
	}
	r.logger.Info("task finished", "task_id", task.ID,
		"duration", time.Since(start).Round(time.Millisecond))
}
