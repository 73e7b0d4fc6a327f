// Package models defines the persisted domain types shared by the control
// plane and the in-sandbox agent: sandboxes, requests, tasks, snapshots,
// task segments, and the error taxonomy surfaced to clients.
package models

import (
	"time"
)

// SandboxState is the lifecycle state of a sandbox container.
type SandboxState string

const (
	SandboxStateInitializing SandboxState = "initializing"
	SandboxStateIdle         SandboxState = "idle"
	SandboxStateBusy         SandboxState = "busy"
	SandboxStateTerminating  SandboxState = "terminating"
	SandboxStateTerminated   SandboxState = "terminated"
	SandboxStateDeleted      SandboxState = "deleted"
)

// Terminal reports whether the state admits no further transitions
// (other than terminated -> deleted).
func (s SandboxState) Terminal() bool {
	return s == SandboxStateTerminated || s == SandboxStateDeleted
}

// Sandbox is a long-lived container managed by the platform. Exactly one of
// IdleFrom/BusyFrom is set at any instant, matching the state.
type Sandbox struct {
	ID                 string       `db:"id" json:"id"`
	CreatedBy          string       `db:"created_by" json:"created_by"`
	State              SandboxState `db:"state" json:"state"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
	LastActivityAt     time.Time    `db:"last_activity_at" json:"last_activity_at"`
	IdleFrom           *time.Time   `db:"idle_from" json:"idle_from,omitempty"`
	BusyFrom           *time.Time   `db:"busy_from" json:"busy_from,omitempty"`
	IdleTimeoutSeconds int          `db:"idle_timeout_seconds" json:"idle_timeout_seconds"`
	ContextCutoffAt    *time.Time   `db:"context_cutoff_at" json:"context_cutoff_at,omitempty"`
	LastContextLength  int          `db:"last_context_length" json:"last_context_length"`
	SnapshotID         *string      `db:"snapshot_id" json:"snapshot_id,omitempty"`
	Metadata           Metadata     `db:"metadata_json" json:"metadata,omitempty"`
	Tags               Tags         `db:"tags_json" json:"tags,omitempty"`
}

// IdleDeadline returns the instant after which an idle (or never-activated
// initializing) sandbox qualifies for auto-termination, and whether such a
// deadline applies in the current state.
func (s *Sandbox) IdleDeadline() (time.Time, bool) {
	timeout := time.Duration(s.IdleTimeoutSeconds) * time.Second
	switch s.State {
	case SandboxStateIdle:
		if s.IdleFrom != nil {
			return s.IdleFrom.Add(timeout), true
		}
	case SandboxStateInitializing:
		return s.CreatedAt.Add(timeout), true
	}
	return time.Time{}, false
}
