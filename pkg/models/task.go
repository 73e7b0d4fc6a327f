package models

import (
	"time"
)

// TaskType distinguishes LLM-driven work from direct command execution.
type TaskType string

const (
	TaskTypeNL  TaskType = "NL"
	TaskTypeRaw TaskType = "raw"
)

// TaskStatus is the processing state of a task row.
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusFailed     TaskStatus = "failed"
)

// Terminal reports whether the status admits no further writes.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled || s == TaskStatusFailed
}

// ContentItem is one typed content element in task input or output.
// Input uses type "text"; output uses "markdown", "json", or "url".
type ContentItem struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Content item types.
const (
	ContentTypeText     = "text"
	ContentTypeMarkdown = "markdown"
	ContentTypeJSON     = "json"
	ContentTypeURL      = "url"
)

// TaskInput is the ordered input of a task.
type TaskInput struct {
	Content []ContentItem `json:"content"`
}

// Task is a unit of LLM work owned by exactly one sandbox. Segments are
// append-only while processing and immutable once the task is terminal.
type Task struct {
	ID             string       `db:"id" json:"id"`
	SandboxID      string       `db:"sandbox_id" json:"sandbox_id"`
	CreatedBy      string       `db:"created_by" json:"created_by"`
	Status         TaskStatus   `db:"status" json:"status"`
	TaskType       TaskType     `db:"task_type" json:"task_type"`
	Input          TaskInputCol `db:"input_json" json:"input"`
	Segments       Segments     `db:"segments_json" json:"segments"`
	Output         ContentItems `db:"output_json" json:"output,omitempty"`
	TimeoutSeconds *int         `db:"timeout_seconds" json:"timeout_seconds,omitempty"`
	TimeoutAt      *time.Time   `db:"timeout_at" json:"timeout_at,omitempty"`
	CreatedAt      time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at" json:"updated_at"`
}

// Text concatenates the text content items of the task input, separated by
// blank lines. Non-text items are skipped.
func (t *Task) Text() string {
	var out string
	for _, item := range t.Input.Content {
		if item.Type != ContentTypeText {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += item.Content
	}
	return out
}

// RuntimeSeconds returns the elapsed wall time since the task was created.
func (t *Task) RuntimeSeconds(now time.Time) float64 {
	return now.Sub(t.CreatedAt).Seconds()
}
