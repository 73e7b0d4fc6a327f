package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tsbx-io/tsbx/pkg/models"
)

const sandboxColumns = `id, created_by, state, created_at, last_activity_at, idle_from, busy_from,
	idle_timeout_seconds, context_cutoff_at, last_context_length, snapshot_id, metadata_json, tags_json`

// CreateSandbox inserts a new sandbox row in state initializing. A zero
// CreatedAt is filled with the current time.
func (s *Store) CreateSandbox(ctx context.Context, sb *models.Sandbox) error {
	if sb.CreatedAt.IsZero() {
		sb.CreatedAt = now()
	}
	if sb.LastActivityAt.IsZero() {
		sb.LastActivityAt = sb.CreatedAt
	}
	if sb.State == "" {
		sb.State = models.SandboxStateInitializing
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sandboxes (id, created_by, state, created_at, last_activity_at, idle_from, busy_from,
			idle_timeout_seconds, context_cutoff_at, last_context_length, snapshot_id, metadata_json, tags_json)
		VALUES (:id, :created_by, :state, :created_at, :last_activity_at, :idle_from, :busy_from,
			:idle_timeout_seconds, :context_cutoff_at, :last_context_length, :snapshot_id, :metadata_json, :tags_json)`,
		sb)
	if err != nil {
		return fmt.Errorf("insert sandbox %s: %w", sb.ID, err)
	}
	return nil
}

// GetSandbox fetches one sandbox by id.
func (s *Store) GetSandbox(ctx context.Context, id string) (*models.Sandbox, error) {
	var sb models.Sandbox
	err := s.db.GetContext(ctx, &sb,
		`SELECT `+sandboxColumns+` FROM sandboxes WHERE id = $1`, id)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("sandbox %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get sandbox %s: %w", id, err)
	}
	return &sb, nil
}

// SetSandboxState transitions a sandbox to state and maintains the
// idle_from/busy_from mutual exclusion in the same write: entering idle
// stamps idle_from and clears busy_from, entering busy does the reverse, and
// every other state clears both. last_activity_at is bumped on every
// transition.
func (s *Store) SetSandboxState(ctx context.Context, id string, state models.SandboxState) error {
	ts := now()
	var idleFrom, busyFrom *time.Time
	switch state {
	case models.SandboxStateIdle:
		idleFrom = &ts
	case models.SandboxStateBusy:
		busyFrom = &ts
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes
		SET state = $2, idle_from = $3, busy_from = $4, last_activity_at = $5
		WHERE id = $1`,
		id, state, idleFrom, busyFrom, ts)
	if err != nil {
		return fmt.Errorf("set sandbox %s state %s: %w", id, state, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("sandbox %s: %w", id, ErrNotFound)
	}
	return nil
}

// CASSandboxState transitions id from one of the from states to the to
// state, returning whether the update won. Losing means another writer moved
// the row first.
func (s *Store) CASSandboxState(ctx context.Context, id string, from []models.SandboxState, to models.SandboxState) (bool, error) {
	ts := now()
	var idleFrom, busyFrom *time.Time
	switch to {
	case models.SandboxStateIdle:
		idleFrom = &ts
	case models.SandboxStateBusy:
		busyFrom = &ts
	}
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	query, args, err := sqlx.In(`
		UPDATE sandboxes
		SET state = ?, idle_from = ?, busy_from = ?, last_activity_at = ?
		WHERE id = ? AND state IN (?)`,
		string(to), idleFrom, busyFrom, ts, id, states)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("cas sandbox %s to %s: %w", id, to, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListActiveSandboxes returns all non-terminal sandboxes ordered by
// created_at, for the health sweep.
func (s *Store) ListActiveSandboxes(ctx context.Context) ([]*models.Sandbox, error) {
	var out []*models.Sandbox
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE state NOT IN ('terminated', 'deleted')
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list active sandboxes: %w", err)
	}
	return out, nil
}

// BackfillStateTimestamps repairs rows whose state and timestamp drifted
// apart: idle rows with a null idle_from get one, busy rows with a null
// busy_from get one. Returns how many rows were repaired.
func (s *Store) BackfillStateTimestamps(ctx context.Context, asOf time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandboxes
		SET idle_from = CASE WHEN state = 'idle' THEN $1 ELSE idle_from END,
		    busy_from = CASE WHEN state = 'busy' THEN $1 ELSE busy_from END
		WHERE (state = 'idle' AND idle_from IS NULL)
		   OR (state = 'busy' AND busy_from IS NULL)`,
		asOf)
	if err != nil {
		return 0, fmt.Errorf("backfill state timestamps: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// FindSandboxesNeedingAutoTerminate returns sandboxes whose idle window has
// fully elapsed as of asOf: idle past idle_from + idle_timeout, or stuck in
// initializing past created_at + idle_timeout.
func (s *Store) FindSandboxesNeedingAutoTerminate(ctx context.Context, asOf time.Time) ([]*models.Sandbox, error) {
	var out []*models.Sandbox
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+sandboxColumns+` FROM sandboxes
		WHERE (state = 'idle' AND idle_from IS NOT NULL
		       AND idle_from + make_interval(secs => idle_timeout_seconds) <= $1)
		   OR (state = 'initializing'
		       AND created_at + make_interval(secs => idle_timeout_seconds) <= $1)
		ORDER BY created_at ASC, id ASC`,
		asOf)
	if err != nil {
		return nil, fmt.Errorf("find sandboxes needing auto-terminate: %w", err)
	}
	return out, nil
}

// UpdateLastContextLength records the token count the sandbox's LLM last
// reported.
func (s *Store) UpdateLastContextLength(ctx context.Context, id string, tokens int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET last_context_length = $2 WHERE id = $1`, id, tokens)
	if err != nil {
		return fmt.Errorf("update sandbox %s context length: %w", id, err)
	}
	return nil
}

// SetSandboxSnapshotID records the seed snapshot used to build the sandbox.
func (s *Store) SetSandboxSnapshotID(ctx context.Context, id, snapshotID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET snapshot_id = $2 WHERE id = $1`, id, snapshotID)
	if err != nil {
		return fmt.Errorf("set sandbox %s snapshot id: %w", id, err)
	}
	return nil
}

// TouchSandboxActivity bumps last_activity_at without changing state.
func (s *Store) TouchSandboxActivity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET last_activity_at = $2 WHERE id = $1`, id, now())
	if err != nil {
		return fmt.Errorf("touch sandbox %s activity: %w", id, err)
	}
	return nil
}
