package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbx-io/tsbx/pkg/agent/llm"
	"github.com/tsbx-io/tsbx/pkg/models"
)

func newQueuedTask(id, text string, createdAt time.Time) *models.Task {
	task := newNLTask(id, text)
	task.Status = models.TaskStatusQueued
	task.CreatedAt = createdAt
	return task
}

type runnerFixture struct {
	control *fakeControl
	script  *llm.Script
	runner  *Runner
}

func newRunnerFixture(t *testing.T, boundary time.Time, tasks ...*models.Task) *runnerFixture {
	t.Helper()
	script := llm.NewLoopingScript(llm.ScriptToolCall("output", outputDoneArgs))
	fx := newLoopFixture(t, script, nil)
	for _, task := range tasks {
		fx.control.mu.Lock()
		fx.control.tasks[task.ID] = task
		fx.control.mu.Unlock()
	}
	runner := NewRunner(RunnerConfig{
		Control:      fx.control,
		Loop:         fx.loop,
		TaskBoundary: boundary,
	})
	return &runnerFixture{control: fx.control, script: script, runner: runner}
}

func TestRunnerPoll(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("runs queued tasks oldest first", func(t *testing.T) {
		fx := newRunnerFixture(t, time.Time{},
			newQueuedTask("task-late", "second", base.Add(10*time.Second)),
			newQueuedTask("task-early", "first", base),
		)

		require.NoError(t, fx.runner.pollOnce(context.Background()))

		assert.Equal(t, models.TaskStatusCompleted, fx.control.taskStatus(t, "task-early"))
		assert.Equal(t, models.TaskStatusCompleted, fx.control.taskStatus(t, "task-late"))
		assert.Equal(t, 2, fx.script.Calls())

		// Oldest first: the first claim flips the early task.
		inputs := fx.script.Inputs()
		require.Len(t, inputs, 2)
		assert.Contains(t, inputs[0].Messages[1].Content, "first")
		assert.Contains(t, inputs[1].Messages[1].Content, "second")
	})

	t.Run("boundary skips tasks from an earlier container generation", func(t *testing.T) {
		fx := newRunnerFixture(t, base.Add(5*time.Second),
			newQueuedTask("task-old", "stale", base),
			newQueuedTask("task-new", "fresh", base.Add(10*time.Second)),
		)

		require.NoError(t, fx.runner.pollOnce(context.Background()))

		assert.Equal(t, models.TaskStatusQueued, fx.control.taskStatus(t, "task-old"))
		assert.Equal(t, models.TaskStatusCompleted, fx.control.taskStatus(t, "task-new"))
	})

	t.Run("processed tasks never rerun", func(t *testing.T) {
		fx := newRunnerFixture(t, time.Time{},
			newQueuedTask("task-1", "once", base),
		)

		require.NoError(t, fx.runner.pollOnce(context.Background()))
		calls := fx.script.Calls()

		// Even if a lagging read were to return the task again, the
		// processed set blocks it.
		fx.control.setStatus("task-1", models.TaskStatusQueued)
		require.NoError(t, fx.runner.pollOnce(context.Background()))
		assert.Equal(t, calls, fx.script.Calls())
	})

	t.Run("lost claim skips without running the loop", func(t *testing.T) {
		task := newQueuedTask("task-1", "contested", base)
		fx := newRunnerFixture(t, time.Time{}, task)
		fx.control.setStatus("task-1", models.TaskStatusProcessing)

		// The queued snapshot still lists the task, but the claim loses.
		fx.runner.runTask(context.Background(), task)

		assert.Equal(t, 0, fx.script.Calls())
		assert.Equal(t, models.TaskStatusProcessing, fx.control.taskStatus(t, "task-1"))
	})

	t.Run("sandbox goes busy for the task and idle after", func(t *testing.T) {
		fx := newRunnerFixture(t, time.Time{},
			newQueuedTask("task-1", "work", base),
		)

		require.NoError(t, fx.runner.pollOnce(context.Background()))

		require.Len(t, fx.control.states, 2)
		assert.Equal(t, models.SandboxStateBusy, fx.control.states[0])
		assert.Equal(t, models.SandboxStateIdle, fx.control.states[1])
	})
}

func TestRunnerRun(t *testing.T) {
	t.Run("signals idle at boot and stops on context cancel", func(t *testing.T) {
		fx := newRunnerFixture(t, time.Time{})
		fx.runner.pollInterval = 5 * time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- fx.runner.Run(ctx) }()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("runner did not stop after cancel")
		}

		fx.control.mu.Lock()
		defer fx.control.mu.Unlock()
		require.NotEmpty(t, fx.control.states)
		assert.Equal(t, models.SandboxStateIdle, fx.control.states[0])
	})

	t.Run("picks up a task queued after boot", func(t *testing.T) {
		fx := newRunnerFixture(t, time.Time{})
		fx.runner.pollInterval = 5 * time.Millisecond

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fx.runner.Run(ctx) }()

		task := newQueuedTask("task-1", "late arrival", time.Now().UTC())
		fx.control.mu.Lock()
		fx.control.tasks[task.ID] = task
		fx.control.mu.Unlock()

		require.Eventually(t, func() bool {
			fx.control.mu.Lock()
			defer fx.control.mu.Unlock()
			return fx.control.tasks["task-1"].Status == models.TaskStatusCompleted
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		<-done
	})
}
