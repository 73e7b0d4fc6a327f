package worker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/tsbx-io/tsbx/pkg/guard"
	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/runtime"
	"github.com/tsbx-io/tsbx/pkg/store"
)

// createSandbox provisions the container for an existing sandbox row: mints
// the API token, creates the data volume, starts the container with the
// injected environment, optionally restores a snapshot and writes seed
// files, and queues the startup task when the payload carries a prompt. The
// sandbox stays in initializing; its agent flips it to idle when ready.
func (e *Executor) createSandbox(ctx context.Context, req *models.Request) (any, error) {
	var p models.CreateSandboxPayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}

	if _, err := e.deps.Store.GetSandbox(ctx, req.SandboxID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.ErrSandboxNotAvailable
		}
		return nil, err
	}

	apiToken, err := e.deps.Tokens.Issue(p.Principal, p.PrincipalType, req.SandboxID)
	if err != nil {
		return nil, models.NewError(models.ErrKindRuntime, "mint sandbox token: %v", err)
	}

	if err := e.deps.Runtime.CreateVolume(ctx, volumeName(req.SandboxID)); err != nil {
		return nil, models.NewError(models.ErrKindRuntime, "create sandbox volume: %v", err)
	}

	memBytes, err := e.deps.Sandbox.MemoryBytes()
	if err != nil {
		return nil, models.NewError(models.ErrKindRuntime, "sandbox memory limit: %v", err)
	}

	containerID, err := e.deps.Runtime.CreateContainer(ctx, runtime.CreateSpec{
		SandboxID: req.SandboxID,
		Image:     e.deps.Sandbox.Image,
		Env:       e.sandboxEnv(req, &p, apiToken),
		Mounts: []runtime.Mount{{
			Type:   "volume",
			Source: volumeName(req.SandboxID),
			Target: e.deps.Sandbox.WorkingDir,
		}},
		Limits: runtime.Limits{MemoryBytes: memBytes, CPUs: e.deps.Sandbox.CPUs},
	})
	if err != nil {
		return nil, models.NewError(models.ErrKindRuntime, "create container: %v", err)
	}

	restored := false
	if p.SnapshotID != "" {
		if err := e.restoreSnapshot(ctx, req.SandboxID, p.SnapshotID); err != nil {
			return nil, err
		}
		restored = true
	}

	if err := e.writeSeedFiles(ctx, req.SandboxID, p.Instructions, p.Setup); err != nil {
		return nil, err
	}

	taskID := ""
	if p.Prompt != "" {
		taskID = uuid.NewString()
		task := &models.Task{
			ID:        taskID,
			SandboxID: req.SandboxID,
			CreatedBy: p.Principal,
			TaskType:  models.TaskTypeNL,
			Input: models.TaskInputCol{Content: []models.ContentItem{
				{Type: models.ContentTypeText, Content: p.Prompt},
			}},
			CreatedAt: req.CreatedAt,
		}
		if _, err := e.deps.Store.InsertTask(ctx, task); err != nil {
			return nil, err
		}
	}

	// No state change: the agent owns the initializing → idle transition.
	// The CAS still fences against a terminate that raced the creation.
	if _, err := e.deps.Store.CASSandboxState(ctx, req.SandboxID,
		[]models.SandboxState{models.SandboxStateInitializing},
		models.SandboxStateInitializing); err != nil {
		return nil, err
	}

	return &models.CreateSandboxResult{
		ContainerID:      containerID,
		SnapshotRestored: restored,
		TaskID:           taskID,
	}, nil
}

// sandboxEnv builds the container environment: payload env overlaid with the
// contract variables.
func (e *Executor) sandboxEnv(req *models.Request, p *models.CreateSandboxPayload, apiToken string) map[string]string {
	env := make(map[string]string, len(p.Env)+14)
	for k, v := range p.Env {
		env[k] = v
	}

	env[models.EnvAPIURL] = e.deps.Sandbox.APIURL
	env[models.EnvSandboxID] = req.SandboxID
	env[models.EnvSandboxDir] = e.deps.Sandbox.EnvDir
	env[models.EnvToken] = apiToken
	env[models.EnvPrincipal] = p.Principal
	env[models.EnvPrincipalType] = string(p.PrincipalType)
	env[models.EnvHostName] = e.deps.Sandbox.HostName
	env[models.EnvHostURL] = e.deps.Sandbox.HostURL
	env[models.EnvInferenceURL] = e.deps.Inference.URL
	env[models.EnvInferenceModel] = e.deps.Inference.Model
	if e.deps.Inference.APIKey != "" {
		env[models.EnvInferenceAPIKey] = e.deps.Inference.APIKey
	}
	if e.deps.Inference.TimeoutSecs > 0 {
		env[models.EnvInferenceTimeoutSecs] = strconv.Itoa(e.deps.Inference.TimeoutSecs)
	}
	env[models.EnvRequestCreatedAt] = req.CreatedAt.UTC().Format(time.RFC3339)
	if p.Setup != "" {
		env[models.EnvHasSetup] = "1"
	}
	return env
}

// restoreSnapshot uploads a stored snapshot tree into a freshly started
// container after a short settle pause, and records the lineage.
func (e *Executor) restoreSnapshot(ctx context.Context, sandboxID, snapshotID string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(e.deps.Sandbox.SnapshotRestorePause):
	}

	tr, err := e.deps.Snapshots.Open(snapshotID)
	if err != nil {
		return models.NewError(models.ErrKindNotFound, "snapshot %s: %v", snapshotID, err)
	}
	defer tr.Close()

	if err := e.deps.Runtime.UploadTar(ctx, sandboxID, tr, "/"); err != nil {
		return models.NewError(models.ErrKindRuntime, "restore snapshot %s: %v", snapshotID, err)
	}

	return e.deps.Store.SetSandboxSnapshotID(ctx, sandboxID, snapshotID)
}

// writeSeedFiles uploads the instructions, setup script, and guard rules
// into the sandbox's environment directory.
func (e *Executor) writeSeedFiles(ctx context.Context, sandboxID, instructions, setup string) error {
	type seedFile struct {
		name string
		mode int64
		body string
	}
	var files []seedFile
	if instructions != "" {
		files = append(files, seedFile{"instructions.md", 0o644, instructions})
	}
	if setup != "" {
		files = append(files, seedFile{"setup.sh", 0o755, setup})
	}
	if len(e.deps.Guard.InputRules)+len(e.deps.Guard.OutputRules) > 0 {
		raw, err := yaml.Marshal(e.deps.Guard)
		if err != nil {
			return models.NewError(models.ErrKindRuntime, "render guard rules: %v", err)
		}
		files = append(files, seedFile{guard.FileName, 0o644, string(raw)})
	}
	if len(files) == 0 {
		return nil
	}

	envDir := e.deps.Sandbox.EnvDir
	res, err := e.deps.Runtime.ExecCollect(ctx, sandboxID, []string{"mkdir", "-p", envDir}, nil)
	if err != nil {
		return models.NewError(models.ErrKindRuntime, "prepare %s: %v", envDir, err)
	}
	if res.ExitCode != 0 {
		return models.NewError(models.ErrKindRuntime, "prepare %s: %s", envDir, strings.TrimSpace(string(res.Stderr)))
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{
			Name:    f.name,
			Mode:    f.mode,
			Size:    int64(len(f.body)),
			ModTime: time.Now(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return models.NewError(models.ErrKindRuntime, "archive %s: %v", f.name, err)
		}
		if _, err := io.WriteString(tw, f.body); err != nil {
			return models.NewError(models.ErrKindRuntime, "archive %s: %v", f.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return models.NewError(models.ErrKindRuntime, "archive sandbox files: %v", err)
	}

	if err := e.deps.Runtime.UploadTar(ctx, sandboxID, &buf, envDir); err != nil {
		return models.NewError(models.ErrKindRuntime, "write sandbox files: %v", err)
	}
	return nil
}

// terminateSandbox tears a sandbox down, or on the task_timeout path only
// cancels the latest in-flight task and keeps the container alive.
func (e *Executor) terminateSandbox(ctx context.Context, req *models.Request) (any, error) {
	var p models.TerminateSandboxPayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}

	reason := p.Reason
	if reason == "" {
		reason = models.TerminateReasonUser
	}

	if p.DelaySeconds > 0 {
		delay := max(p.DelaySeconds, models.MinTerminateDelaySeconds)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(delay) * time.Second):
		}
	}

	// A task deadline does not cost the user their sandbox: cancel the task,
	// free the sandbox, keep the container.
	if reason == models.TerminateReasonTaskTimeout {
		if err := e.cancelInFlightTask(ctx, req.SandboxID, reason); err != nil {
			return nil, err
		}
		if _, err := e.deps.Store.CASSandboxState(ctx, req.SandboxID,
			[]models.SandboxState{models.SandboxStateBusy},
			models.SandboxStateIdle); err != nil {
			return nil, err
		}
		return &models.TerminateSandboxResult{Reason: reason, Terminated: false}, nil
	}

	sb, err := e.deps.Store.GetSandbox(ctx, req.SandboxID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.ErrSandboxNotAvailable
		}
		return nil, err
	}

	active := []models.SandboxState{
		models.SandboxStateInitializing,
		models.SandboxStateIdle,
		models.SandboxStateBusy,
		models.SandboxStateTerminating,
	}

	if !sb.State.Terminal() {
		if _, err := e.deps.Store.CASSandboxState(ctx, req.SandboxID, active,
			models.SandboxStateTerminating); err != nil {
			return nil, err
		}
		e.preStopSnapshot(ctx, req.SandboxID)
	}

	if err := e.deps.Runtime.StopAndRemove(ctx, req.SandboxID); err != nil {
		return nil, models.NewError(models.ErrKindRuntime, "stop container: %v", err)
	}
	if err := e.deps.Runtime.RemoveVolume(ctx, volumeName(req.SandboxID)); err != nil {
		slog.Warn("Failed to remove sandbox volume",
			"sandbox_id", req.SandboxID, "error", err)
	}

	if _, err := e.deps.Store.CASSandboxState(ctx, req.SandboxID, active,
		models.SandboxStateTerminated); err != nil {
		return nil, err
	}

	if err := e.cancelInFlightTask(ctx, req.SandboxID, reason); err != nil {
		return nil, err
	}
	if _, err := e.deps.Store.FailUnprocessedCreateTaskRequests(ctx, req.SandboxID); err != nil {
		return nil, err
	}

	return &models.TerminateSandboxResult{Reason: reason, Terminated: true}, nil
}

// preStopSnapshot captures the working directory before the container goes
// away. Best-effort: failures are logged, never surfaced.
func (e *Executor) preStopSnapshot(ctx context.Context, sandboxID string) {
	health, err := e.deps.Runtime.InspectHealth(ctx, sandboxID)
	if err != nil || health != runtime.HealthResponsive {
		slog.Info("Skipping pre-stop snapshot, container not responsive",
			"sandbox_id", sandboxID, "health", health)
		return
	}

	snapshotID := uuid.NewString()
	tr, err := e.deps.Runtime.DownloadTar(ctx, sandboxID, e.deps.Sandbox.WorkingDir)
	if err != nil {
		slog.Warn("Pre-stop snapshot download failed",
			"sandbox_id", sandboxID, "error", err)
		return
	}
	defer tr.Close()

	size, err := e.deps.Snapshots.Save(ctx, snapshotID, tr)
	if err != nil {
		slog.Warn("Pre-stop snapshot save failed",
			"sandbox_id", sandboxID, "snapshot_id", snapshotID, "error", err)
		return
	}

	if err := e.deps.Store.InsertSnapshot(ctx, &models.Snapshot{
		ID:          snapshotID,
		SandboxID:   sandboxID,
		TriggerType: models.SnapshotTriggerPreStop,
	}); err != nil {
		slog.Warn("Pre-stop snapshot insert failed",
			"sandbox_id", sandboxID, "snapshot_id", snapshotID, "error", err)
		return
	}
	if err := e.deps.Store.SetSandboxSnapshotID(ctx, sandboxID, snapshotID); err != nil {
		slog.Warn("Failed to record pre-stop snapshot lineage",
			"sandbox_id", sandboxID, "snapshot_id", snapshotID, "error", err)
		return
	}

	slog.Info("Pre-stop snapshot captured",
		"sandbox_id", sandboxID, "snapshot_id", snapshotID, "size_bytes", size)
}

// cancelInFlightTask cancels the sandbox's latest queued or processing task
// with a terminal cancelled segment. No in-flight task is not an error.
func (e *Executor) cancelInFlightTask(ctx context.Context, sandboxID, reason string) error {
	task, err := e.deps.Store.LatestInFlightTask(ctx, sandboxID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	now := time.Now().UTC()
	if _, err := e.deps.Store.CancelTask(ctx, task.ID, reason, now, task.RuntimeSeconds(now)); err != nil {
		return err
	}
	return nil
}

// createSnapshot captures the sandbox's working directory into the snapshot
// store and records the row.
func (e *Executor) createSnapshot(ctx context.Context, req *models.Request) (any, error) {
	var p models.CreateSnapshotPayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}
	if p.SnapshotID == "" {
		return nil, models.NewError(models.ErrKindRuntime, "create_snapshot payload missing snapshot_id")
	}

	if err := e.requireResponsive(ctx, req.SandboxID); err != nil {
		return nil, err
	}

	tr, err := e.deps.Runtime.DownloadTar(ctx, req.SandboxID, e.deps.Sandbox.WorkingDir)
	if err != nil {
		if errors.Is(err, runtime.ErrContainerNotFound) {
			return nil, models.ErrSandboxNotAvailable
		}
		return nil, models.NewError(models.ErrKindRuntime, "download working dir: %v", err)
	}
	defer tr.Close()

	size, err := e.deps.Snapshots.Save(ctx, p.SnapshotID, tr)
	if err != nil {
		return nil, err
	}

	if err := e.deps.Store.InsertSnapshot(ctx, &models.Snapshot{
		ID:          p.SnapshotID,
		SandboxID:   req.SandboxID,
		TriggerType: p.TriggerType,
		Metadata:    models.Metadata(p.Metadata),
	}); err != nil {
		// Keep the store and the disk consistent.
		if rerr := e.deps.Snapshots.Remove(p.SnapshotID); rerr != nil {
			slog.Warn("Failed to remove orphaned snapshot tree",
				"snapshot_id", p.SnapshotID, "error", rerr)
		}
		return nil, err
	}

	if err := e.deps.Store.SetSandboxSnapshotID(ctx, req.SandboxID, p.SnapshotID); err != nil {
		return nil, err
	}

	e.touchActivity(ctx, req.SandboxID)
	return &models.SnapshotResult{SnapshotID: p.SnapshotID, SizeBytes: size}, nil
}

// createTask inserts a queued task for the sandbox's agent. The task id is
// the idempotency key; replays report inserted=false.
func (e *Executor) createTask(ctx context.Context, req *models.Request) (any, error) {
	var p models.CreateTaskPayload
	if err := req.DecodePayload(&p); err != nil {
		return nil, err
	}
	if p.TaskID == "" {
		return nil, models.NewError(models.ErrKindRuntime, "create_task payload missing task_id")
	}

	sb, err := e.deps.Store.GetSandbox(ctx, req.SandboxID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.ErrSandboxNotAvailable
		}
		return nil, err
	}
	if sb.State.Terminal() {
		return nil, models.ErrSandboxNotAvailable
	}

	taskType := p.TaskType
	if taskType == "" {
		taskType = models.TaskTypeNL
	}

	task := &models.Task{
		ID:        p.TaskID,
		SandboxID: req.SandboxID,
		CreatedBy: req.CreatedBy,
		TaskType:  taskType,
		Input:     models.TaskInputCol(p.Input),
		CreatedAt: req.CreatedAt,
	}
	if p.TimeoutSeconds > 0 {
		task.TimeoutSeconds = &p.TimeoutSeconds
	}

	inserted, err := e.deps.Store.InsertTask(ctx, task)
	if err != nil {
		return nil, err
	}

	e.touchActivity(ctx, req.SandboxID)
	return &models.CreateTaskResult{TaskID: p.TaskID, Inserted: inserted}, nil
}
