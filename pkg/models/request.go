package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestType is the closed set of durable commands against a sandbox.
type RequestType string

const (
	RequestTypeCreateSandbox    RequestType = "create_sandbox"
	RequestTypeTerminateSandbox RequestType = "terminate_sandbox"
	RequestTypeCreateSnapshot   RequestType = "create_snapshot"
	RequestTypeExecuteCommand   RequestType = "execute_command"
	RequestTypeCreateTask       RequestType = "create_task"
	RequestTypeFileRead         RequestType = "file_read"
	RequestTypeFileMetadata     RequestType = "file_metadata"
	RequestTypeFileList         RequestType = "file_list"
	RequestTypeFileDelete       RequestType = "file_delete"
)

// RequestStatus is the processing state of a request row.
type RequestStatus string

const (
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusProcessing RequestStatus = "processing"
	RequestStatusCompleted  RequestStatus = "completed"
	RequestStatusFailed     RequestStatus = "failed"
)

// Terminal reports whether the status admits no further writes.
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusCompleted || s == RequestStatusFailed
}

// Request is a durable command targeting one sandbox. While processing,
// exactly one worker holds the claim and is the row's only writer.
type Request struct {
	ID          string          `db:"id" json:"id"`
	SandboxID   string          `db:"sandbox_id" json:"sandbox_id"`
	RequestType RequestType     `db:"request_type" json:"request_type"`
	CreatedBy   string          `db:"created_by" json:"created_by"`
	Payload     json.RawMessage `db:"payload_json" json:"payload"`
	Status      RequestStatus   `db:"status" json:"status"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	StartedAt   *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	Error       *string         `db:"error" json:"error,omitempty"`
}

// DecodePayload unmarshals the request payload into dst.
func (r *Request) DecodePayload(dst any) error {
	if len(r.Payload) == 0 {
		return fmt.Errorf("request %s has empty payload", r.ID)
	}
	if err := json.Unmarshal(r.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.RequestType, err)
	}
	return nil
}

// PrincipalType distinguishes end users from operators in token claims.
type PrincipalType string

const (
	PrincipalTypeUser  PrincipalType = "User"
	PrincipalTypeAdmin PrincipalType = "Admin"
)

// Termination reasons carried in terminate_sandbox payloads and cancelled
// segments.
const (
	TerminateReasonIdleTimeout = "idle_timeout"
	TerminateReasonTaskTimeout = "task_timeout"
	TerminateReasonUser        = "user"
)

// CreateSandboxPayload is the payload of a create_sandbox request.
type CreateSandboxPayload struct {
	Env           map[string]string `json:"env"`
	Instructions  string            `json:"instructions,omitempty"`
	Setup         string            `json:"setup,omitempty"`
	Prompt        string            `json:"prompt,omitempty"`
	SnapshotID    string            `json:"snapshot_id,omitempty"`
	Principal     string            `json:"principal"`
	PrincipalType PrincipalType     `json:"principal_type"`
	UserToken     string            `json:"user_token"`
}

// TerminateSandboxPayload is the payload of a terminate_sandbox request.
// DelaySeconds below MinTerminateDelaySeconds is raised to the minimum.
type TerminateSandboxPayload struct {
	DelaySeconds int    `json:"delay_seconds,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Note         string `json:"note,omitempty"`
}

// MinTerminateDelaySeconds is the floor applied to terminate_sandbox delays.
const MinTerminateDelaySeconds = 5

// CreateSnapshotPayload is the payload of a create_snapshot request.
type CreateSnapshotPayload struct {
	SnapshotID  string         `json:"snapshot_id"`
	TriggerType string         `json:"trigger_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CreateTaskPayload is the payload of a create_task request. TaskID is the
// idempotency key: a second request with the same id is a no-op.
type CreateTaskPayload struct {
	TaskID         string    `json:"task_id"`
	TaskType       TaskType  `json:"task_type,omitempty"`
	Input          TaskInput `json:"input"`
	TimeoutSeconds int       `json:"timeout_seconds,omitempty"`
}

// FilePayload is the payload shared by the file_* request types. Offset and
// Limit only apply to file_list.
type FilePayload struct {
	Path   string `json:"path"`
	Offset int    `json:"offset,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ExecuteCommandPayload is the payload of an execute_command request. The
// command is an argv vector executed directly inside the container.
type ExecuteCommandPayload struct {
	Command []string `json:"command"`
	Workdir string   `json:"workdir,omitempty"`
}

// FileReadResult is the result of a file_read request.
type FileReadResult struct {
	ContentBase64 string `json:"content_base64"`
	ContentType   string `json:"content_type"`
	Size          int64  `json:"size"`
}

// Entry kinds reported by file_metadata and file_list.
const (
	FileKindFile    = "file"
	FileKindDir     = "dir"
	FileKindSymlink = "symlink"
)

// FileMetadataResult is the result of a file_metadata request.
type FileMetadataResult struct {
	Kind       string `json:"kind"`
	Size       int64  `json:"size"`
	Mode       string `json:"mode"`
	Mtime      int64  `json:"mtime"`
	LinkTarget string `json:"link_target,omitempty"`
}

// FileEntry is one directory entry in a file_list result.
type FileEntry struct {
	Name  string `json:"name"`
	Kind  string `json:"kind"`
	Size  int64  `json:"size"`
	Mode  string `json:"mode"`
	Mtime int64  `json:"mtime"`
}

// FileListResult is the paginated result of a file_list request.
type FileListResult struct {
	Entries    []FileEntry `json:"entries"`
	NextOffset int         `json:"next_offset"`
	Total      int         `json:"total"`
}

// File list pagination bounds.
const (
	FileListDefaultLimit = 100
	FileListMaxLimit     = 500
)

// MaxFileReadBytes caps file_read payloads at 25 MiB.
const MaxFileReadBytes int64 = 25 * 1024 * 1024

// ExecuteCommandResult is the result of an execute_command request.
type ExecuteCommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// CreateSandboxResult is the result written by a create_sandbox request.
// TaskID is set when the payload carried a startup prompt.
type CreateSandboxResult struct {
	ContainerID      string `json:"container_id"`
	SnapshotRestored bool   `json:"snapshot_restored,omitempty"`
	TaskID           string `json:"task_id,omitempty"`
}

// TerminateSandboxResult is the result written by a terminate_sandbox
// request. Terminated is false on the task_timeout path, which keeps the
// container and only cancels the latest in-flight task.
type TerminateSandboxResult struct {
	Reason     string `json:"reason"`
	Terminated bool   `json:"terminated"`
}

// CreateTaskResult is the result written by a create_task request. Inserted
// is false when the task id already existed.
type CreateTaskResult struct {
	TaskID   string `json:"task_id"`
	Inserted bool   `json:"inserted"`
}

// FileDeleteResult is the result written by a file_delete request.
type FileDeleteResult struct {
	Deleted bool `json:"deleted"`
}

// SnapshotResult is the result written by a create_snapshot request.
type SnapshotResult struct {
	SnapshotID string `json:"snapshot_id"`
	SizeBytes  int64  `json:"size_bytes"`
}
