package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbx-io/tsbx/pkg/database"
	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/store"
	"github.com/tsbx-io/tsbx/pkg/token"
	"github.com/tsbx-io/tsbx/pkg/version"
	"github.com/tsbx-io/tsbx/test/util"
)

type apiFixture struct {
	store   *store.Store
	issuer  *token.Issuer
	ts      *httptest.Server
	sandbox *models.Sandbox
	client  *Client
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db := util.SetupTestDatabase(t)
	dbClient := database.NewClientFromDB(db)
	st := store.New(dbClient)

	issuer, err := token.NewIssuer("callback-test-secret", token.DefaultTTL)
	require.NoError(t, err)

	srv := NewServer(st, dbClient, issuer, discardLogger())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	sb := seedSandbox(t, st, models.SandboxStateIdle)
	tok, err := issuer.Issue("tester", models.PrincipalTypeUser, sb.ID)
	require.NoError(t, err)

	return &apiFixture{
		store:   st,
		issuer:  issuer,
		ts:      ts,
		sandbox: sb,
		client:  NewClient(ts.URL, sb.ID, tok),
	}
}

func seedSandbox(t *testing.T, st *store.Store, state models.SandboxState) *models.Sandbox {
	t.Helper()
	sb := &models.Sandbox{
		ID:                 "sbx-" + uuid.New().String(),
		CreatedBy:          "tester",
		State:              state,
		IdleTimeoutSeconds: 300,
	}
	require.NoError(t, st.CreateSandbox(context.Background(), sb))
	if state != models.SandboxStateInitializing {
		require.NoError(t, st.SetSandboxState(context.Background(), sb.ID, state))
	}
	return sb
}

func seedTask(t *testing.T, st *store.Store, sandboxID, text string, createdAt time.Time) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:        "task-" + uuid.New().String(),
		SandboxID: sandboxID,
		CreatedBy: "tester",
		TaskType:  models.TaskTypeNL,
		CreatedAt: createdAt,
		Input: models.TaskInputCol{Content: []models.ContentItem{
			{Type: models.ContentTypeText, Content: text},
		}},
	}
	inserted, err := st.InsertTask(context.Background(), task)
	require.NoError(t, err)
	require.True(t, inserted)
	return task
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	older := seedTask(t, f.store, f.sandbox.ID, "older work", base.Add(-2*time.Minute))
	newer := seedTask(t, f.store, f.sandbox.ID, "newer work", base.Add(-1*time.Minute))

	tasks, err := f.client.ListQueuedTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, older.ID, tasks[0].ID, "window must come back oldest first")
	assert.Equal(t, newer.ID, tasks[1].ID)

	claimed, err := f.client.ClaimTask(ctx, older.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	again, err := f.client.ClaimTask(ctx, older.ID)
	require.NoError(t, err)
	assert.False(t, again, "second claim must lose the compare-and-set")

	got, err := f.client.GetTask(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, got.Status)

	err = f.client.AppendSegments(ctx, older.ID,
		models.CommentarySegment(models.ChannelCommentary, "looking at the files"),
		models.ToolCallSegment("run_bash", json.RawMessage(`{"commands":"ls"}`)),
	)
	require.NoError(t, err)

	stored, err := f.store.GetTask(ctx, older.ID)
	require.NoError(t, err)
	require.Len(t, stored.Segments, 2)
	assert.Equal(t, models.SegmentTypeCommentary, stored.Segments[0].Type)
	assert.Equal(t, models.SegmentTypeToolCall, stored.Segments[1].Type)

	final := models.FinalSegment(models.ChannelMarkdown, "done: two files listed")
	output := models.ContentItems{{Type: models.ContentTypeMarkdown, Content: "done: two files listed"}}
	completed, err := f.client.CompleteTask(ctx, older.ID, final, output)
	require.NoError(t, err)
	assert.True(t, completed)

	stored, err = f.store.GetTask(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	require.Len(t, stored.Segments, 3)
	assert.Equal(t, models.SegmentTypeFinal, stored.Segments[2].Type)
	require.Len(t, stored.Output, 1)
	assert.Equal(t, "done: two files listed", stored.Output[0].Content)

	// The log is immutable once terminal.
	err = f.client.AppendSegments(ctx, older.ID,
		models.NoteSegment(models.NoteLevelInfo, "late note"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 409")

	completedAgain, err := f.client.CompleteTask(ctx, older.ID, final, output)
	require.NoError(t, err)
	assert.False(t, completedAgain)
}

func TestFailTaskOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	task := seedTask(t, f.store, f.sandbox.ID, "doomed", time.Time{})
	claimed, err := f.client.ClaimTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	failed, err := f.client.FailTask(ctx, task.ID, "inference unreachable")
	require.NoError(t, err)
	assert.True(t, failed)

	stored, err := f.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)

	again, err := f.client.FailTask(ctx, task.ID, "twice")
	require.NoError(t, err)
	assert.False(t, again, "terminal task must not fail twice")
}

func TestClaimUpdatesSandboxActivity(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	before, err := f.store.GetSandbox(ctx, f.sandbox.ID)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	task := seedTask(t, f.store, f.sandbox.ID, "work", time.Time{})
	claimed, err := f.client.ClaimTask(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	after, err := f.store.GetSandbox(ctx, f.sandbox.ID)
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt),
		"claim must bump last_activity_at")
}

func TestSetStateOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.SetState(ctx, models.SandboxStateBusy))
	sb, err := f.store.GetSandbox(ctx, f.sandbox.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateBusy, sb.State)
	assert.NotNil(t, sb.BusyFrom)
	assert.Nil(t, sb.IdleFrom)

	require.NoError(t, f.client.SetState(ctx, models.SandboxStateIdle))
	sb, err = f.store.GetSandbox(ctx, f.sandbox.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateIdle, sb.State)
	assert.NotNil(t, sb.IdleFrom)
	assert.Nil(t, sb.BusyFrom)

	// A report arriving after teardown started is acknowledged but loses.
	require.NoError(t, f.store.SetSandboxState(ctx, f.sandbox.ID, models.SandboxStateTerminating))
	require.NoError(t, f.client.SetState(ctx, models.SandboxStateIdle))
	sb, err = f.store.GetSandbox(ctx, f.sandbox.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SandboxStateTerminating, sb.State,
		"late idle report must not resurrect a terminating sandbox")
}

func TestReportContextLengthOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.ReportContextLength(ctx, 4242))

	sb, err := f.store.GetSandbox(ctx, f.sandbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 4242, sb.LastContextLength)
}

func TestTaskOwnershipScoping(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()

	other := seedSandbox(t, f.store, models.SandboxStateIdle)
	foreign := seedTask(t, f.store, other.ID, "not yours", time.Time{})

	_, err := f.client.GetTask(ctx, foreign.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")

	claimed, err := f.client.ClaimTask(ctx, foreign.ID)
	require.Error(t, err)
	assert.False(t, claimed)

	stored, err := f.store.GetTask(ctx, foreign.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, stored.Status,
		"a foreign claim attempt must not move the task")
}

func TestGetTaskNotFoundOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	_, err := f.client.GetTask(context.Background(), "task-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"healthy"`)
	assert.Contains(t, string(body), `"version":"`+version.GitCommit+`"`)
}
