package store

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tsbx-io/tsbx/pkg/models"
)

const requestColumns = `id, sandbox_id, request_type, created_by, payload_json, status,
	created_at, started_at, completed_at, error`

// InsertRequest inserts a new pending request. A zero CreatedAt is filled
// with the current time; a nil payload becomes an empty object.
func (s *Store) InsertRequest(ctx context.Context, req *models.Request) error {
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now()
	}
	if req.Status == "" {
		req.Status = models.RequestStatusPending
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sandbox_requests (id, sandbox_id, request_type, created_by, payload_json, status,
			created_at, started_at, completed_at, error)
		VALUES (:id, :sandbox_id, :request_type, :created_by, :payload_json, :status,
			:created_at, :started_at, :completed_at, :error)`,
		req)
	if err != nil {
		return fmt.Errorf("insert request %s: %w", req.ID, err)
	}
	return nil
}

// GetRequest fetches one request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	var req models.Request
	err := s.db.GetContext(ctx, &req,
		`SELECT `+requestColumns+` FROM sandbox_requests WHERE id = $1`, id)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	return &req, nil
}

// ClaimPendingRequests atomically claims up to limit pending requests in
// created_at order (ties broken by id) and returns them already marked
// processing. Rows locked by a concurrent claim are skipped, so two workers
// never share a row. Returns ErrNoPendingRequests when nothing was claimable.
func (s *Store) ClaimPendingRequests(ctx context.Context, limit int) ([]*models.Request, error) {
	var claimed []*models.Request
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []*models.Request
		err := tx.SelectContext(ctx, &rows, `
			SELECT `+requestColumns+` FROM sandbox_requests
			WHERE status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED`,
			limit)
		if err != nil {
			return fmt.Errorf("select pending requests: %w", err)
		}
		if len(rows) == 0 {
			return ErrNoPendingRequests
		}

		startedAt := now()
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		query, args, err := sqlx.In(`
			UPDATE sandbox_requests
			SET status = 'processing', started_at = ?
			WHERE id IN (?)`,
			startedAt, ids)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return fmt.Errorf("mark requests processing: %w", err)
		}

		for _, r := range rows {
			r.Status = models.RequestStatusProcessing
			t := startedAt
			r.StartedAt = &t
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteRequest marks a processing request completed and replaces its
// payload with the result-bearing version the handler built.
func (s *Store) CompleteRequest(ctx context.Context, id string, payload json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandbox_requests
		SET status = 'completed', payload_json = $2, completed_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, payload, now())
	if err != nil {
		return fmt.Errorf("complete request %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("request %s not in processing: %w", id, ErrNotFound)
	}
	return nil
}

// FailRequest marks a processing request failed with a human-readable
// reason.
func (s *Store) FailRequest(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandbox_requests
		SET status = 'failed', error = $2, completed_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, reason, now())
	if err != nil {
		return fmt.Errorf("fail request %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("request %s not in processing: %w", id, ErrNotFound)
	}
	return nil
}

// ResetStaleProcessingRequests returns requests stuck in processing since
// before cutoff back to pending. Run at worker startup so rows orphaned by a
// crashed worker get retried instead of staying claimed forever.
func (s *Store) ResetStaleProcessingRequests(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandbox_requests
		SET status = 'pending', started_at = NULL
		WHERE status = 'processing' AND started_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale processing requests: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// HasPendingTerminate reports whether the sandbox already has an unfinished
// terminate_sandbox request, so the auto-terminate sweep stays idempotent
// across cadences.
func (s *Store) HasPendingTerminate(ctx context.Context, sandboxID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sandbox_requests
		WHERE sandbox_id = $1 AND request_type = 'terminate_sandbox'
		  AND status IN ('pending', 'processing')`,
		sandboxID)
	if err != nil {
		return false, fmt.Errorf("check pending terminate for %s: %w", sandboxID, err)
	}
	return count > 0, nil
}

// FailUnprocessedCreateTaskRequests marks every pending create_task request
// for the sandbox completed-with-error cancelled. Called while terminating
// so queued work does not outlive its sandbox. Returns the affected count.
func (s *Store) FailUnprocessedCreateTaskRequests(ctx context.Context, sandboxID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandbox_requests
		SET status = 'completed', error = 'cancelled', completed_at = $2
		WHERE sandbox_id = $1 AND request_type = 'create_task' AND status = 'pending'`,
		sandboxID, now())
	if err != nil {
		return 0, fmt.Errorf("cancel unprocessed create_task requests for %s: %w", sandboxID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountRequestsInStatus returns the number of requests currently in the
// given status. Used by worker pool health reporting.
func (s *Store) CountRequestsInStatus(ctx context.Context, status models.RequestStatus) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM sandbox_requests WHERE status = $1`,
		status)
	if err != nil {
		return 0, fmt.Errorf("count %s requests: %w", status, err)
	}
	return count, nil
}

// ListRequestsBySandbox returns all requests for one sandbox in creation
// order.
func (s *Store) ListRequestsBySandbox(ctx context.Context, sandboxID string) ([]*models.Request, error) {
	var out []*models.Request
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+requestColumns+` FROM sandbox_requests
		WHERE sandbox_id = $1
		ORDER BY created_at ASC, id ASC`,
		sandboxID)
	if err != nil {
		return nil, fmt.Errorf("list requests for %s: %w", sandboxID, err)
	}
	return out, nil
}
