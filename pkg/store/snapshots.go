package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"

	"github.com/tsbx-io/tsbx/pkg/models"
)

const snapshotColumns = `id, sandbox_id, trigger_type, metadata_json, created_at`

// InsertSnapshot records a snapshot row after its archive landed on disk.
func (s *Store) InsertSnapshot(ctx context.Context, snap *models.Snapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now()
	}
	if snap.TriggerType == "" {
		snap.TriggerType = models.SnapshotTriggerUser
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO snapshots (id, sandbox_id, trigger_type, metadata_json, created_at)
		VALUES (:id, :sandbox_id, :trigger_type, :metadata_json, :created_at)`,
		snap)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// GetSnapshot fetches one snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.db.GetContext(ctx, &snap,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, id)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// ListSnapshotsBySandbox returns all snapshots taken from one sandbox,
// newest first.
func (s *Store) ListSnapshotsBySandbox(ctx context.Context, sandboxID string) ([]*models.Snapshot, error) {
	var out []*models.Snapshot
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+snapshotColumns+` FROM snapshots
		WHERE sandbox_id = $1
		ORDER BY created_at DESC, id DESC`,
		sandboxID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots for %s: %w", sandboxID, err)
	}
	return out, nil
}
