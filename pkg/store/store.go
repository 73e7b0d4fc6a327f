// Package store implements the durable request/task queue and sandbox state
// tables on PostgreSQL. It is the only package that talks SQL; everything
// above it works with models types.
//
// Locking discipline: claim queries use SELECT ... FOR UPDATE SKIP LOCKED
// inside one transaction so concurrent workers never claim the same row.
// Status transitions that race with other writers go through compare-and-set
// updates that report whether they won.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tsbx-io/tsbx/pkg/database"
)

// Sentinel errors returned by store queries.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("row not found")
	// ErrNoPendingRequests indicates a claim found nothing to do.
	ErrNoPendingRequests = errors.New("no pending requests available")
)

// Store provides typed access to the sandboxes, sandbox_requests,
// sandbox_tasks, and snapshots tables.
type Store struct {
	db *sqlx.DB
}

// New builds a Store over the shared database client.
func New(client *database.Client) *Store {
	return &Store{db: client.DB()}
}

// NewFromDB builds a Store directly over a sqlx handle. Used by tests.
func NewFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// now returns the current UTC time truncated to microseconds, matching
// timestamptz precision so Go-side and database-side timestamps compare
// equal after a round trip.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// inTx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
