package e2e

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbx-io/tsbx/pkg/agent/llm"
	"github.com/tsbx-io/tsbx/pkg/models"
)

// ────────────────────────────────────────────────────────────
// Scenario: create + idle-terminate.
//
// A sandbox with a 3 second idle timeout is provisioned, its agent
// signals ready, and nothing else happens. The reconciler notices the
// expired idle window, queues a system-created terminate_sandbox
// request, and the worker tears the container down.
// ────────────────────────────────────────────────────────────

func TestE2E_SandboxLifecycle(t *testing.T) {
	app := NewTestApp(t)

	sandboxID, created := app.CreateSandbox(t, SandboxSpec{
		IdleTimeoutSeconds: 3,
		Instructions:       "Assist with repository work.",
	})

	var result models.CreateSandboxResult
	DecodeResult(t, created, &result)
	assert.NotEmpty(t, result.ContainerID)
	assert.False(t, result.SnapshotRestored)
	assert.Empty(t, result.TaskID, "no startup prompt, no startup task")

	// Provisioning leaves the sandbox in initializing; only the agent's
	// ready signal moves it to idle.
	app.WaitForContainer(t, sandboxID)
	assert.Equal(t, models.SandboxStateInitializing, app.Sandbox(t, sandboxID).State)

	// An idle agent: it signals ready and then just polls.
	app.StartAgent(t, sandboxID, llm.NewScript())
	app.WaitForSandboxState(t, sandboxID, models.SandboxStateIdle)

	sb := app.Sandbox(t, sandboxID)
	require.NotNil(t, sb.IdleFrom, "idle sandbox must carry idle_from")
	assert.Nil(t, sb.BusyFrom, "idle sandbox must not carry busy_from")

	// Idle window elapses; the reconciler queues the termination and the
	// worker completes it.
	app.WaitForSandboxState(t, sandboxID, models.SandboxStateTerminated)
	assert.False(t, app.Runtime.HasContainer(sandboxID))

	var terminates []*models.Request
	for _, req := range app.Requests(t, sandboxID) {
		if req.RequestType == models.RequestTypeTerminateSandbox {
			terminates = append(terminates, req)
		}
	}
	require.Len(t, terminates, 1, "exactly one termination is queued per expiry")

	term := terminates[0]
	assert.Equal(t, "system", term.CreatedBy)
	assert.Equal(t, models.RequestStatusCompleted, term.Status)

	var payload models.TerminateSandboxPayload
	require.NoError(t, term.DecodePayload(&payload))
	assert.Equal(t, models.TerminateReasonIdleTimeout, payload.Reason)

	var termResult models.TerminateSandboxResult
	DecodeResult(t, term, &termResult)
	assert.True(t, termResult.Terminated)
	assert.Equal(t, models.TerminateReasonIdleTimeout, termResult.Reason)
}

// ────────────────────────────────────────────────────────────
// Scenario: file round-trip.
//
// The agent writes a/b.txt through create_file; the file request
// handlers then read, stat, list, and delete it through the queue,
// exercising the worker's stat/cat/find/rm contract end to end.
// ────────────────────────────────────────────────────────────

func TestE2E_FileRoundTrip(t *testing.T) {
	app := NewTestApp(t)

	sandboxID, _ := app.CreateSandbox(t, SandboxSpec{})
	script := llm.NewScript(
		llm.ScriptToolCall("create_file",
			`{"path":"a/b.txt","content":"hi","commentary":"Writing the requested file"}`),
		llm.ScriptToolCall("output",
			`{"content":[{"type":"markdown","content":"Created a/b.txt."}],"commentary":"Reporting completion"}`),
	)
	app.StartAgent(t, sandboxID, script)
	app.WaitForSandboxState(t, sandboxID, models.SandboxStateIdle)

	taskID := app.CreateTask(t, sandboxID, "Create a/b.txt containing hi.", 0)
	app.WaitForTaskStatus(t, taskID, models.TaskStatusCompleted)

	workingDir := app.Runtime.HostPath(sandboxID, app.Config.Sandbox.WorkingDir)
	onDisk, err := os.ReadFile(filepath.Join(workingDir, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(onDisk))

	// file_read: exact wire shape.
	readReq := app.RequireRequestCompleted(t, app.SubmitRequest(t, sandboxID,
		models.RequestTypeFileRead, models.FilePayload{Path: "a/b.txt"}))
	var read models.FileReadResult
	DecodeResult(t, readReq, &read)
	assert.Equal(t, "aGk=", read.ContentBase64)
	assert.Equal(t, "text/plain; charset=utf-8", read.ContentType)
	assert.Equal(t, int64(2), read.Size)

	// file_metadata.
	metaReq := app.RequireRequestCompleted(t, app.SubmitRequest(t, sandboxID,
		models.RequestTypeFileMetadata, models.FilePayload{Path: "a/b.txt"}))
	var meta models.FileMetadataResult
	DecodeResult(t, metaReq, &meta)
	assert.Equal(t, models.FileKindFile, meta.Kind)
	assert.Equal(t, int64(2), meta.Size)
	assert.NotEmpty(t, meta.Mode)
	assert.Positive(t, meta.Mtime)

	// file_list over the parent directory.
	listReq := app.RequireRequestCompleted(t, app.SubmitRequest(t, sandboxID,
		models.RequestTypeFileList, models.FilePayload{Path: "a"}))
	var list models.FileListResult
	DecodeResult(t, listReq, &list)
	require.Len(t, list.Entries, 1)
	assert.Equal(t, "b.txt", list.Entries[0].Name)
	assert.Equal(t, models.FileKindFile, list.Entries[0].Kind)
	assert.Equal(t, int64(2), list.Entries[0].Size)
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 1, list.NextOffset)

	// file_delete, then the re-read fails with the not-found taxonomy.
	deleteReq := app.RequireRequestCompleted(t, app.SubmitRequest(t, sandboxID,
		models.RequestTypeFileDelete, models.FilePayload{Path: "a/b.txt"}))
	var deleted models.FileDeleteResult
	DecodeResult(t, deleteReq, &deleted)
	assert.True(t, deleted.Deleted)

	rereadReq := app.WaitForRequest(t, app.SubmitRequest(t, sandboxID,
		models.RequestTypeFileRead, models.FilePayload{Path: "a/b.txt"}))
	assert.Equal(t, models.RequestStatusFailed, rereadReq.Status)
	require.NotNil(t, rereadReq.Error)
	assert.Contains(t, *rereadReq.Error, "no such file or directory")
}

// ────────────────────────────────────────────────────────────
// Scenario: snapshot + restore.
//
// Sandbox S1 writes data.txt, captures snapshot snap-1, and is
// terminated. Sandbox S2 is created from snap-1 and serves the file
// back through file_read.
// ────────────────────────────────────────────────────────────

func TestE2E_SnapshotRestore(t *testing.T) {
	app := NewTestApp(t)

	s1, _ := app.CreateSandbox(t, SandboxSpec{})

	execReq := app.RequireRequestCompleted(t, app.SubmitRequest(t, s1,
		models.RequestTypeExecuteCommand, models.ExecuteCommandPayload{
			Command: []string{"sh", "-c", "printf 42 > data.txt"},
		}))
	var execResult models.ExecuteCommandResult
	DecodeResult(t, execReq, &execResult)
	require.Equal(t, 0, execResult.ExitCode, "write data.txt: %s", execResult.Stderr)

	snapReq := app.RequireRequestCompleted(t, app.SubmitRequest(t, s1,
		models.RequestTypeCreateSnapshot, models.CreateSnapshotPayload{
			SnapshotID:  "snap-1",
			TriggerType: models.SnapshotTriggerUser,
		}))
	var snap models.SnapshotResult
	DecodeResult(t, snapReq, &snap)
	assert.Equal(t, "snap-1", snap.SnapshotID)
	assert.Positive(t, snap.SizeBytes)
	assert.True(t, app.Snapshots.Exists("snap-1"))

	sb1 := app.Sandbox(t, s1)
	require.NotNil(t, sb1.SnapshotID)
	assert.Equal(t, "snap-1", *sb1.SnapshotID)

	app.RequireRequestCompleted(t, app.SubmitRequest(t, s1,
		models.RequestTypeTerminateSandbox, models.TerminateSandboxPayload{}))
	app.WaitForSandboxState(t, s1, models.SandboxStateTerminated)
	assert.False(t, app.Runtime.HasContainer(s1))

	// S2 starts from the snapshot; the restored tree is visible to the
	// file handlers immediately.
	s2, created := app.CreateSandbox(t, SandboxSpec{SnapshotID: "snap-1"})
	var result models.CreateSandboxResult
	DecodeResult(t, created, &result)
	assert.True(t, result.SnapshotRestored)

	readReq := app.RequireRequestCompleted(t, app.SubmitRequest(t, s2,
		models.RequestTypeFileRead, models.FilePayload{Path: "data.txt"}))
	var read models.FileReadResult
	DecodeResult(t, readReq, &read)
	assert.Equal(t, "NDI=", read.ContentBase64) // "42"
	assert.Equal(t, int64(2), read.Size)

	sb2 := app.Sandbox(t, s2)
	require.NotNil(t, sb2.SnapshotID)
	assert.Equal(t, "snap-1", *sb2.SnapshotID, "restore records lineage")
}
