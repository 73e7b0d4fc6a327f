// Package agent is the in-sandbox runtime: it polls the control plane for
// queued tasks and drives each one through a single-threaded LLM loop with
// tool execution, plan gating, and guardrail sanitization. One process runs
// per container; it owns every task write for its sandbox while the task is
// processing.
package agent

import (
	"context"
	"time"

	"github.com/tsbx-io/tsbx/pkg/models"
)

const (
	// DefaultTaskWindow is how many of the most recent queued tasks one
	// poll considers.
	DefaultTaskWindow = 50

	// DefaultPollInterval is the pause between task polls.
	DefaultPollInterval = 2 * time.Second

	// DefaultRetryBudget bounds each of the loop's stray-response
	// counters before the no-progress branch fires.
	DefaultRetryBudget = 10

	// DefaultReplayLimit caps how many characters of a tool result are
	// replayed into the conversation. The stored segment keeps the full
	// output.
	DefaultReplayLimit = 8000
)

// ControlPlane is the agent's view of the control plane, bound to one
// sandbox. pkg/api implements it over HTTP with the sandbox bearer token;
// tests implement it directly over the store.
type ControlPlane interface {
	// ListQueuedTasks returns the window of most recently created queued
	// tasks for this sandbox, ordered oldest first.
	ListQueuedTasks(ctx context.Context) ([]*models.Task, error)
	// GetTask returns one task row.
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// ClaimTask transitions a task queued -> processing. False means
	// another writer got there first.
	ClaimTask(ctx context.Context, id string) (bool, error)
	// AppendSegments appends progress records to a processing task.
	AppendSegments(ctx context.Context, taskID string, segs ...models.Segment) error
	// CompleteTask finalizes a task with its closing segment and output
	// items. False means the task was already terminal.
	CompleteTask(ctx context.Context, taskID string, final models.Segment, output models.ContentItems) (bool, error)
	// FailTask marks a task failed with a reason. False means the task
	// was already terminal.
	FailTask(ctx context.Context, taskID, reason string) (bool, error)
	// SetState reports a sandbox lifecycle transition (idle/busy).
	SetState(ctx context.Context, state models.SandboxState) error
	// ReportContextLength forwards the latest LLM token usage.
	ReportContextLength(ctx context.Context, tokens int) error
}
