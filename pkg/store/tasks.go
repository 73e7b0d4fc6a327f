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

const taskColumns = `id, sandbox_id, created_by, status, task_type, input_json, segments_json,
	output_json, timeout_seconds, timeout_at, created_at, updated_at`

// InsertTask inserts a task unless a row with the same id already exists, in
// which case it reports inserted=false and leaves the existing row alone.
// That makes create_task idempotent by task id. TimeoutAt is derived from
// TimeoutSeconds when unset.
func (s *Store) InsertTask(ctx context.Context, task *models.Task) (inserted bool, err error) {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.Status == "" {
		task.Status = models.TaskStatusQueued
	}
	if task.TaskType == "" {
		task.TaskType = models.TaskTypeNL
	}
	if task.TimeoutSeconds != nil && task.TimeoutAt == nil {
		deadline := task.CreatedAt.Add(time.Duration(*task.TimeoutSeconds) * time.Second)
		task.TimeoutAt = &deadline
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sandbox_tasks (id, sandbox_id, created_by, status, task_type, input_json,
			segments_json, output_json, timeout_seconds, timeout_at, created_at, updated_at)
		VALUES (:id, :sandbox_id, :created_by, :status, :task_type, :input_json,
			:segments_json, :output_json, :timeout_seconds, :timeout_at, :created_at, :updated_at)
		ON CONFLICT (id) DO NOTHING`,
		task)
	if err != nil {
		return false, fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := s.db.GetContext(ctx, &task,
		`SELECT `+taskColumns+` FROM sandbox_tasks WHERE id = $1`, id)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &task, nil
}

// ListQueuedTasks returns the sandbox's most recent windowSize queued tasks,
// re-sorted into created_at ascending order (ties broken by id) for
// processing. The window keeps a flooded queue from starving fresh work
// while preserving in-order execution inside the window.
func (s *Store) ListQueuedTasks(ctx context.Context, sandboxID string, windowSize int) ([]*models.Task, error) {
	var out []*models.Task
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+taskColumns+` FROM (
			SELECT `+taskColumns+` FROM sandbox_tasks
			WHERE sandbox_id = $1 AND status = 'queued'
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) window_rows
		ORDER BY created_at ASC, id ASC`,
		sandboxID, windowSize)
	if err != nil {
		return nil, fmt.Errorf("list queued tasks for %s: %w", sandboxID, err)
	}
	return out, nil
}

// LatestInFlightTask returns the most recently created queued or processing
// task of the sandbox, or ErrNotFound when none is in flight.
func (s *Store) LatestInFlightTask(ctx context.Context, sandboxID string) (*models.Task, error) {
	var task models.Task
	err := s.db.GetContext(ctx, &task, `
		SELECT `+taskColumns+` FROM sandbox_tasks
		WHERE sandbox_id = $1 AND status IN ('queued', 'processing')
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		sandboxID)
	if errors.Is(err, stdsql.ErrNoRows) {
		return nil, fmt.Errorf("no in-flight task for sandbox %s: %w", sandboxID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest in-flight task for %s: %w", sandboxID, err)
	}
	return &task, nil
}

// CASTaskStatus transitions id from one of the from statuses to the to
// status, reporting whether the update won the race.
func (s *Store) CASTaskStatus(ctx context.Context, id string, from []models.TaskStatus, to models.TaskStatus) (bool, error) {
	statuses := make([]string, len(from))
	for i, st := range from {
		statuses[i] = string(st)
	}
	query, args, err := sqlx.In(`
		UPDATE sandbox_tasks
		SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?)`,
		string(to), now(), id, statuses)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("cas task %s to %s: %w", id, to, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AppendTaskSegments appends segments to a non-terminal task's log. Appends
// against terminal tasks are rejected with ErrNotFound so the log stays
// immutable after completion.
func (s *Store) AppendTaskSegments(ctx context.Context, id string, segs ...models.Segment) error {
	if len(segs) == 0 {
		return nil
	}
	raw, err := json.Marshal(segs)
	if err != nil {
		return fmt.Errorf("marshal segments: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandbox_tasks
		SET segments_json = segments_json || $2::jsonb, updated_at = $3
		WHERE id = $1 AND status IN ('queued', 'processing')`,
		id, raw, now())
	if err != nil {
		return fmt.Errorf("append segments to task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s not open for segments: %w", id, ErrNotFound)
	}
	return nil
}

// CompleteTask finalizes a processing task in one write: appends the final
// segment, stores the materialized output, and sets status completed. Loses
// (returns false) if the task already left processing.
func (s *Store) CompleteTask(ctx context.Context, id string, final models.Segment, output models.ContentItems) (bool, error) {
	raw, err := json.Marshal([]models.Segment{final})
	if err != nil {
		return false, fmt.Errorf("marshal final segment: %w", err)
	}
	outVal, err := output.Value()
	if err != nil {
		return false, fmt.Errorf("marshal output: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandbox_tasks
		SET status = 'completed', segments_json = segments_json || $2::jsonb,
		    output_json = $3, updated_at = $4
		WHERE id = $1 AND status = 'processing'`,
		id, raw, outVal, now())
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelTask transitions a non-terminal task to cancelled and appends the
// terminal cancelled segment in the same atomic write, so it cleanly loses
// to an in-flight completion. Returns whether the cancellation won.
func (s *Store) CancelTask(ctx context.Context, id string, reason string, at time.Time, runtimeSeconds float64) (bool, error) {
	seg := models.CancelledSegment(reason, at, runtimeSeconds)
	raw, err := json.Marshal([]models.Segment{seg})
	if err != nil {
		return false, fmt.Errorf("marshal cancelled segment: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandbox_tasks
		SET status = 'cancelled', segments_json = segments_json || $2::jsonb, updated_at = $3
		WHERE id = $1 AND status IN ('queued', 'processing')`,
		id, raw, now())
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FailTask transitions a non-terminal task to failed with an explanatory
// note segment. Returns whether the transition won.
func (s *Store) FailTask(ctx context.Context, id string, reason string) (bool, error) {
	seg := models.NoteSegment(models.NoteLevelWarning, reason)
	raw, err := json.Marshal([]models.Segment{seg})
	if err != nil {
		return false, fmt.Errorf("marshal failure note: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sandbox_tasks
		SET status = 'failed', segments_json = segments_json || $2::jsonb, updated_at = $3
		WHERE id = $1 AND status IN ('queued', 'processing')`,
		id, raw, now())
	if err != nil {
		return false, fmt.Errorf("fail task %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FindTimedOutTasks returns non-terminal tasks whose timeout_at has passed
// as of asOf, oldest first.
func (s *Store) FindTimedOutTasks(ctx context.Context, asOf time.Time) ([]*models.Task, error) {
	var out []*models.Task
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+taskColumns+` FROM sandbox_tasks
		WHERE status IN ('queued', 'processing')
		  AND timeout_at IS NOT NULL AND timeout_at <= $1
		ORDER BY created_at ASC, id ASC`,
		asOf)
	if err != nil {
		return nil, fmt.Errorf("find timed out tasks: %w", err)
	}
	return out, nil
}
