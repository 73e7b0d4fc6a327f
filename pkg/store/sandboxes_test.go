package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbx-io/tsbx/pkg/models"
)

func TestSetSandboxStateMaintainsTimestampExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sb := seedSandbox(t, s, models.SandboxStateInitializing)

	require.NoError(t, s.SetSandboxState(ctx, sb.ID, models.SandboxStateIdle))
	got, err := s.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateIdle, got.State)
	require.NotNil(t, got.IdleFrom)
	assert.Nil(t, got.BusyFrom)

	require.NoError(t, s.SetSandboxState(ctx, sb.ID, models.SandboxStateBusy))
	got, err = s.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateBusy, got.State)
	assert.Nil(t, got.IdleFrom)
	require.NotNil(t, got.BusyFrom)

	require.NoError(t, s.SetSandboxState(ctx, sb.ID, models.SandboxStateTerminating))
	got, err = s.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	assert.Nil(t, got.IdleFrom)
	assert.Nil(t, got.BusyFrom)
}

func TestSetSandboxStateBumpsActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sb := seedSandbox(t, s, models.SandboxStateInitializing)

	before, err := s.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.SetSandboxState(ctx, sb.ID, models.SandboxStateIdle))

	after, err := s.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}

func TestSetSandboxStateUnknownID(t *testing.T) {
	s := newTestStore(t)
	err := s.SetSandboxState(context.Background(), "sbx-missing", models.SandboxStateIdle)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCASSandboxState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sb := seedSandbox(t, s, models.SandboxStateBusy)

	won, err := s.CASSandboxState(ctx, sb.ID,
		[]models.SandboxState{models.SandboxStateBusy}, models.SandboxStateIdle)
	require.NoError(t, err)
	assert.True(t, won)

	// The row is idle now, so a second busy->idle CAS loses.
	won, err = s.CASSandboxState(ctx, sb.ID,
		[]models.SandboxState{models.SandboxStateBusy}, models.SandboxStateIdle)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := s.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateIdle, got.State)
	require.NotNil(t, got.IdleFrom)
	assert.Nil(t, got.BusyFrom)
}

func TestGetSandboxNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSandbox(context.Background(), "sbx-missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListActiveSandboxesExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	idle := seedSandbox(t, s, models.SandboxStateIdle)
	busy := seedSandbox(t, s, models.SandboxStateBusy)
	gone := seedSandbox(t, s, models.SandboxStateTerminated)

	active, err := s.ListActiveSandboxes(ctx)
	require.NoError(t, err)

	ids := make(map[string]bool, len(active))
	for _, sb := range active {
		ids[sb.ID] = true
	}
	assert.True(t, ids[idle.ID])
	assert.True(t, ids[busy.ID])
	assert.False(t, ids[gone.ID])
}

func TestFindSandboxesNeedingAutoTerminate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	expired := seedSandbox(t, s, models.SandboxStateIdle)
	fresh := seedSandbox(t, s, models.SandboxStateIdle)
	busy := seedSandbox(t, s, models.SandboxStateBusy)

	// Well past the idle window for "expired", inside it for "fresh".
	asOf := microNow().Add(time.Duration(expired.IdleTimeoutSeconds)*time.Second + time.Minute)

	due, err := s.FindSandboxesNeedingAutoTerminate(ctx, asOf)
	require.NoError(t, err)
	dueIDs := make(map[string]bool, len(due))
	for _, sb := range due {
		dueIDs[sb.ID] = true
	}
	assert.True(t, dueIDs[expired.ID])
	assert.False(t, dueIDs[busy.ID], "busy sandboxes never auto-terminate")

	due, err = s.FindSandboxesNeedingAutoTerminate(ctx, microNow())
	require.NoError(t, err)
	for _, sb := range due {
		assert.NotEqual(t, fresh.ID, sb.ID, "idle window not elapsed yet")
	}
}

func TestFindSandboxesNeedingAutoTerminateStuckInitializing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stuck := seedSandbox(t, s, models.SandboxStateInitializing)
	asOf := microNow().Add(time.Duration(stuck.IdleTimeoutSeconds)*time.Second + time.Minute)

	due, err := s.FindSandboxesNeedingAutoTerminate(ctx, asOf)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, stuck.ID, due[0].ID)
}

func TestBackfillStateTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sb := seedSandbox(t, s, models.SandboxStateIdle)

	// Simulate drift: an idle row with its idle_from lost.
	_, err := s.db.ExecContext(ctx,
		`UPDATE sandboxes SET idle_from = NULL WHERE id = $1`, sb.ID)
	require.NoError(t, err)

	asOf := microNow()
	n, err := s.BackfillStateTimestamps(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	require.NotNil(t, got.IdleFrom)
	assert.True(t, got.IdleFrom.Equal(asOf))

	// Second pass finds nothing to repair.
	n, err = s.BackfillStateTimestamps(ctx, microNow())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestIdleDeadline(t *testing.T) {
	sb := &models.Sandbox{IdleTimeoutSeconds: 60}
	_, ok := sb.IdleDeadline()
	assert.False(t, ok, "no idle_from means no deadline")

	from := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	sb.IdleFrom = &from
	deadline, ok := sb.IdleDeadline()
	require.True(t, ok)
	assert.Equal(t, from.Add(time.Minute), deadline)
}

func TestSetSandboxSnapshotID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sb := seedSandbox(t, s, models.SandboxStateIdle)

	require.NoError(t, s.SetSandboxSnapshotID(ctx, sb.ID, "snap-seed"))
	got, err := s.GetSandbox(ctx, sb.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SnapshotID)
	assert.Equal(t, "snap-seed", *got.SnapshotID)
}
