// Package reconciler runs the control plane's background repair loops:
// auto-termination of expired sandboxes, task deadline enforcement, and
// container health surveillance.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tsbx-io/tsbx/pkg/config"
	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/runtime"
	"github.com/tsbx-io/tsbx/pkg/store"
)

// createdBySystem marks request rows written by the reconciler rather than
// a caller.
const createdBySystem = "system"

// Service owns the three repair loops. All sweeps are idempotent and safe
// to run from multiple pods.
type Service struct {
	config  *config.ReconcilerConfig
	store   *store.Store
	runtime runtime.Runtime

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a reconciler over the given collaborators.
func NewService(cfg *config.ReconcilerConfig, st *store.Store, rt runtime.Runtime) *Service {
	return &Service{config: cfg, store: st, runtime: rt}
}

// Start launches the background loops.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Reconciler started",
		"auto_terminate_interval", s.config.AutoTerminateInterval,
		"task_timeout_interval", s.config.TaskTimeoutInterval,
		"health_sweep_interval", s.config.HealthSweepInterval)
}

// Stop signals the loops to exit and waits for them to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Reconciler stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.loop(ctx, s.config.AutoTerminateInterval, s.sweepAutoTerminate)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, s.config.TaskTimeoutInterval, s.sweepTaskTimeouts)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, s.config.HealthSweepInterval, s.sweepContainerHealth)
	}()
	wg.Wait()
}

// loop runs sweep immediately and then on every tick until ctx is done.
func (s *Service) loop(ctx context.Context, interval time.Duration, sweep func(context.Context)) {
	sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx)
		}
	}
}

// sweepAutoTerminate queues terminations for sandboxes whose idle window has
// elapsed. The request worker owns the actual teardown.
func (s *Service) sweepAutoTerminate(ctx context.Context) {
	now := time.Now().UTC()
	if _, err := s.store.BackfillStateTimestamps(ctx, now); err != nil {
		slog.Error("Auto-terminate: timestamp backfill failed", "error", err)
		return
	}

	expired, err := s.store.FindSandboxesNeedingAutoTerminate(ctx, now)
	if err != nil {
		slog.Error("Auto-terminate: expired sandbox scan failed", "error", err)
		return
	}

	for _, sb := range expired {
		queued, err := s.store.HasPendingTerminate(ctx, sb.ID)
		if err != nil {
			slog.Error("Auto-terminate: pending terminate lookup failed",
				"sandbox_id", sb.ID, "error", err)
			continue
		}
		if queued {
			continue
		}

		if err := s.enqueueTerminate(ctx, sb.ID); err != nil {
			slog.Error("Auto-terminate: failed to queue termination",
				"sandbox_id", sb.ID, "error", err)
			continue
		}
		slog.Info("Auto-terminate: queued sandbox termination",
			"sandbox_id", sb.ID, "state", sb.State,
			"idle_timeout_seconds", sb.IdleTimeoutSeconds)
	}
}

func (s *Service) enqueueTerminate(ctx context.Context, sandboxID string) error {
	payload, err := json.Marshal(models.TerminateSandboxPayload{
		Reason: models.TerminateReasonIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("encode terminate payload: %w", err)
	}
	return s.store.InsertRequest(ctx, &models.Request{
		ID:          uuid.NewString(),
		SandboxID:   sandboxID,
		RequestType: models.RequestTypeTerminateSandbox,
		CreatedBy:   createdBySystem,
		Payload:     payload,
	})
}

// sweepTaskTimeouts cancels tasks past their deadline and returns their
// sandboxes to idle. The container stays up.
func (s *Service) sweepTaskTimeouts(ctx context.Context) {
	now := time.Now().UTC()
	tasks, err := s.store.FindTimedOutTasks(ctx, now)
	if err != nil {
		slog.Error("Task timeout: expired task scan failed", "error", err)
		return
	}

	for _, task := range tasks {
		note := models.NoteSegment(models.NoteLevelWarning, taskTimeoutNote(task))
		if err := s.store.AppendTaskSegments(ctx, task.ID, note); err != nil {
			slog.Error("Task timeout: failed to append note",
				"task_id", task.ID, "error", err)
			continue
		}

		cancelled, err := s.store.CancelTask(ctx, task.ID,
			models.TerminateReasonTaskTimeout, now, task.RuntimeSeconds(now))
		if err != nil {
			slog.Error("Task timeout: cancellation failed",
				"task_id", task.ID, "error", err)
			continue
		}
		if !cancelled {
			// Another writer already finalized the task.
			continue
		}

		if _, err := s.store.CASSandboxState(ctx, task.SandboxID,
			[]models.SandboxState{models.SandboxStateBusy},
			models.SandboxStateIdle); err != nil {
			slog.Error("Task timeout: failed to return sandbox to idle",
				"sandbox_id", task.SandboxID, "error", err)
			continue
		}

		slog.Info("Task timeout: cancelled task",
			"task_id", task.ID, "sandbox_id", task.SandboxID)
	}
}

func taskTimeoutNote(task *models.Task) string {
	if task.TimeoutSeconds != nil {
		return fmt.Sprintf("Task exceeded its %d second timeout and was cancelled.", *task.TimeoutSeconds)
	}
	return "Task exceeded its timeout and was cancelled."
}

// sweepContainerHealth marks sandboxes whose containers died out-of-band as
// terminated so a fresh create_sandbox can restart them.
func (s *Service) sweepContainerHealth(ctx context.Context) {
	sandboxes, err := s.store.ListActiveSandboxes(ctx)
	if err != nil {
		slog.Error("Health sweep: active sandbox scan failed", "error", err)
		return
	}

	for _, sb := range sandboxes {
		// Only idle and busy sandboxes are required to have a live
		// container: initializing ones may still be waiting on their
		// create_sandbox request, terminating ones are already being torn
		// down by the worker.
		if sb.State != models.SandboxStateIdle && sb.State != models.SandboxStateBusy {
			continue
		}

		health, err := s.runtime.InspectHealth(ctx, sb.ID)
		if err != nil {
			slog.Error("Health sweep: probe failed",
				"sandbox_id", sb.ID, "error", err)
			continue
		}

		switch health {
		case runtime.HealthAbsent, runtime.HealthStopped, runtime.HealthUnresponsive:
			if err := s.store.SetSandboxState(ctx, sb.ID, models.SandboxStateTerminated); err != nil {
				slog.Error("Health sweep: failed to mark sandbox terminated",
					"sandbox_id", sb.ID, "error", err)
				continue
			}
			slog.Warn("Health sweep: container lost, sandbox terminated",
				"sandbox_id", sb.ID, "health", health)
		}
	}
}
