package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/runtime"
	"github.com/tsbx-io/tsbx/pkg/store"
)

// Executor dispatches claimed requests to their type handlers.
type Executor struct {
	deps Deps
}

// NewExecutor creates an executor over the given collaborators.
func NewExecutor(deps Deps) *Executor {
	return &Executor{deps: deps}
}

var _ RequestExecutor = (*Executor)(nil)

// Execute routes one claimed request to its handler.
func (e *Executor) Execute(ctx context.Context, req *models.Request) (any, error) {
	switch req.RequestType {
	case models.RequestTypeCreateSandbox:
		return e.createSandbox(ctx, req)
	case models.RequestTypeTerminateSandbox:
		return e.terminateSandbox(ctx, req)
	case models.RequestTypeCreateSnapshot:
		return e.createSnapshot(ctx, req)
	case models.RequestTypeCreateTask:
		return e.createTask(ctx, req)
	case models.RequestTypeExecuteCommand:
		return e.executeCommand(ctx, req)
	case models.RequestTypeFileRead:
		return e.fileRead(ctx, req)
	case models.RequestTypeFileMetadata:
		return e.fileMetadata(ctx, req)
	case models.RequestTypeFileList:
		return e.fileList(ctx, req)
	case models.RequestTypeFileDelete:
		return e.fileDelete(ctx, req)
	default:
		return nil, models.NewError(models.ErrKindRuntime, "unknown request type %q", req.RequestType)
	}
}

// volumeName derives the sandbox's data volume name.
func volumeName(sandboxID string) string {
	return "tsbx-data-" + sandboxID
}

// requireResponsive checks that the sandbox is non-terminal and its
// container answers the health probe. Every handler that reaches into a
// container goes through here first.
func (e *Executor) requireResponsive(ctx context.Context, sandboxID string) error {
	sb, err := e.deps.Store.GetSandbox(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.ErrSandboxNotAvailable
		}
		return err
	}
	if sb.State.Terminal() {
		return models.ErrSandboxNotAvailable
	}

	health, err := e.deps.Runtime.InspectHealth(ctx, sandboxID)
	if err != nil {
		return models.NewError(models.ErrKindRuntime, "health probe for %s: %v", sandboxID, err)
	}
	if health != runtime.HealthResponsive {
		return models.ErrSandboxNotAvailable
	}
	return nil
}

// touchActivity bumps the sandbox's last_activity_at, best-effort.
func (e *Executor) touchActivity(ctx context.Context, sandboxID string) {
	if err := e.deps.Store.TouchSandboxActivity(ctx, sandboxID); err != nil {
		slog.Warn("Failed to touch sandbox activity",
			"sandbox_id", sandboxID, "error", err)
	}
}
