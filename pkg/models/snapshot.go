package models

import "time"

// Snapshot is an immutable tar-level copy of a sandbox's working directory,
// stored on the control host. Once created it is independent of the source
// sandbox and can seed any number of new sandboxes.
type Snapshot struct {
	ID          string    `db:"id" json:"id"`
	SandboxID   string    `db:"sandbox_id" json:"sandbox_id"`
	TriggerType string    `db:"trigger_type" json:"trigger_type"`
	Metadata    Metadata  `db:"metadata_json" json:"metadata,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// Snapshot trigger types.
const (
	SnapshotTriggerUser    = "user"
	SnapshotTriggerPreStop = "pre_stop"
)
