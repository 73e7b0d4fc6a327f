// Package e2e boots the full control plane against real PostgreSQL and a
// host-directory container runtime, plus in-process agent runtimes driven by
// scripted inference, for end-to-end scenario tests.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tsbx-io/tsbx/pkg/agent"
	"github.com/tsbx-io/tsbx/pkg/agent/llm"
	"github.com/tsbx-io/tsbx/pkg/agent/prompt"
	"github.com/tsbx-io/tsbx/pkg/agent/tools"
	"github.com/tsbx-io/tsbx/pkg/api"
	"github.com/tsbx-io/tsbx/pkg/config"
	"github.com/tsbx-io/tsbx/pkg/database"
	"github.com/tsbx-io/tsbx/pkg/guard"
	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/plan"
	"github.com/tsbx-io/tsbx/pkg/reconciler"
	"github.com/tsbx-io/tsbx/pkg/snapshot"
	"github.com/tsbx-io/tsbx/pkg/store"
	"github.com/tsbx-io/tsbx/pkg/token"
	"github.com/tsbx-io/tsbx/pkg/worker"
	testdb "github.com/tsbx-io/tsbx/test/database"
)

// TestApp boots a complete control plane for e2e testing: store, callback
// API, request worker pool, and reconciler, all over a fresh database schema
// and a host-backed runtime.
type TestApp struct {
	Config    *config.Config
	DBClient  *database.Client
	Store     *store.Store
	Runtime   *hostRuntime
	Snapshots *snapshot.Store
	Issuer    *token.Issuer
	Pool      *worker.WorkerPool
	Recon     *reconciler.Service

	// BaseURL is the callback API endpoint injected into sandboxes.
	BaseURL string

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	workerCount           int
	autoTerminateInterval time.Duration
	taskTimeoutInterval   time.Duration
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithWorkerCount sets the number of request worker goroutines.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithReconcilerIntervals tightens the auto-terminate and task-timeout
// cadences for deadline-sensitive scenarios.
func WithReconcilerIntervals(autoTerminate, taskTimeout time.Duration) TestAppOption {
	return func(c *testAppConfig) {
		c.autoTerminateInterval = autoTerminate
		c.taskTimeoutInterval = taskTimeout
	}
}

// NewTestApp creates and starts a full control plane instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		workerCount:           2,
		autoTerminateInterval: 500 * time.Millisecond,
		taskTimeoutInterval:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(tc)
	}

	cfg := testConfig(tc)
	ctx := context.Background()

	// 1. Database: fresh schema with migrations applied.
	dbClient := testdb.NewTestClient(t)
	st := store.New(dbClient)

	// 2. Host-backed runtime and snapshot store.
	rt := newHostRuntime(t.TempDir())
	snaps, err := snapshot.NewStore(t.TempDir())
	require.NoError(t, err)
	cfg.Snapshots = &config.SnapshotsConfig{Root: snaps.Root()}

	// 3. Token issuer for sandbox API credentials.
	issuer, err := token.NewIssuer("e2e-secret", time.Hour)
	require.NoError(t, err)

	// 4. Callback API on a random port; its URL is injected into sandboxes.
	srv := api.NewServer(st, dbClient, issuer, quietLogger())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	cfg.Sandbox.APIURL = ts.URL

	// 5. Request worker pool.
	executor := worker.NewExecutor(worker.Deps{
		Store:     st,
		Runtime:   rt,
		Snapshots: snaps,
		Tokens:    issuer,
		Sandbox:   cfg.Sandbox,
		Inference: cfg.Inference,
		Guard:     cfg.Guard,
	})
	pool := worker.NewWorkerPool("e2e-"+t.Name(), st, cfg.Worker, executor)
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(pool.Stop)

	// 6. Reconciler with test cadences.
	recon := reconciler.NewService(cfg.Reconciler, st, rt)
	recon.Start(ctx)
	t.Cleanup(recon.Stop)

	return &TestApp{
		Config:    cfg,
		DBClient:  dbClient,
		Store:     st,
		Runtime:   rt,
		Snapshots: snaps,
		Issuer:    issuer,
		Pool:      pool,
		Recon:     recon,
		BaseURL:   ts.URL,
		t:         t,
	}
}

func testConfig(tc *testAppConfig) *config.Config {
	workerCfg := config.DefaultWorkerConfig()
	workerCfg.WorkerCount = tc.workerCount
	workerCfg.PollInterval = 100 * time.Millisecond
	workerCfg.PollIntervalJitter = 50 * time.Millisecond
	workerCfg.HandlerTimeout = 30 * time.Second
	workerCfg.GracefulShutdownTimeout = 10 * time.Second

	sandboxCfg := config.DefaultSandboxConfig()
	sandboxCfg.Image = "tsbx-test:latest"
	sandboxCfg.Memory = "512m"
	sandboxCfg.CPUs = 1
	sandboxCfg.HostName = "tsbx-e2e"
	sandboxCfg.SnapshotRestorePause = time.Millisecond

	return &config.Config{
		Worker: workerCfg,
		Reconciler: &config.ReconcilerConfig{
			AutoTerminateInterval: tc.autoTerminateInterval,
			TaskTimeoutInterval:   tc.taskTimeoutInterval,
			HealthSweepInterval:   2 * time.Second,
		},
		Sandbox: sandboxCfg,
		Inference: &config.InferenceConfig{
			URL:         "http://inference.test/v1",
			Model:       "scripted",
			TimeoutSecs: 30,
		},
		Token: config.DefaultTokenConfig(),
		Guard: guard.DefaultConfig(),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// StartSecondPool runs an additional worker pool over the same store under
// its own pod identity, for multi-replica claiming tests.
func (app *TestApp) StartSecondPool(t *testing.T, podID string) *worker.WorkerPool {
	t.Helper()
	executor := worker.NewExecutor(worker.Deps{
		Store:     app.Store,
		Runtime:   app.Runtime,
		Snapshots: app.Snapshots,
		Tokens:    app.Issuer,
		Sandbox:   app.Config.Sandbox,
		Inference: app.Config.Inference,
		Guard:     app.Config.Guard,
	})
	pool := worker.NewWorkerPool(podID, app.Store, app.Config.Worker, executor)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)
	return pool
}

// ────────────────────────────────────────────────────────────
// Request Submission Helpers
// ────────────────────────────────────────────────────────────

// SandboxSpec carries the caller-visible parts of a create_sandbox payload.
type SandboxSpec struct {
	IdleTimeoutSeconds int // 0 means 600
	Instructions       string
	Setup              string
	Prompt             string
	SnapshotID         string
}

// CreateSandbox inserts the sandbox row plus its create_sandbox request and
// waits for the worker to provision the container. Returns the sandbox id
// and the completed request for result assertions.
func (app *TestApp) CreateSandbox(t *testing.T, spec SandboxSpec) (string, *models.Request) {
	t.Helper()

	idleTimeout := spec.IdleTimeoutSeconds
	if idleTimeout == 0 {
		idleTimeout = 600
	}
	sandboxID := "sbx-" + uuid.NewString()
	require.NoError(t, app.Store.CreateSandbox(context.Background(), &models.Sandbox{
		ID:                 sandboxID,
		CreatedBy:          "e2e",
		State:              models.SandboxStateInitializing,
		IdleTimeoutSeconds: idleTimeout,
	}))

	reqID := app.SubmitRequest(t, sandboxID, models.RequestTypeCreateSandbox, models.CreateSandboxPayload{
		Instructions:  spec.Instructions,
		Setup:         spec.Setup,
		Prompt:        spec.Prompt,
		SnapshotID:    spec.SnapshotID,
		Principal:     "e2e",
		PrincipalType: models.PrincipalTypeUser,
	})
	return sandboxID, app.RequireRequestCompleted(t, reqID)
}

// SubmitRequest inserts a pending request and returns its id.
func (app *TestApp) SubmitRequest(t *testing.T, sandboxID string, reqType models.RequestType, payload any) string {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := &models.Request{
		ID:          "req-" + uuid.NewString(),
		SandboxID:   sandboxID,
		RequestType: reqType,
		CreatedBy:   "e2e",
		Payload:     raw,
	}
	require.NoError(t, app.Store.InsertRequest(context.Background(), req))
	return req.ID
}

// CreateTask submits a create_task request and waits for it to complete.
// Returns the task id.
func (app *TestApp) CreateTask(t *testing.T, sandboxID, promptText string, timeoutSeconds int) string {
	t.Helper()
	taskID := "task-" + uuid.NewString()
	reqID := app.SubmitRequest(t, sandboxID, models.RequestTypeCreateTask, models.CreateTaskPayload{
		TaskID: taskID,
		Input: models.TaskInput{Content: []models.ContentItem{
			{Type: models.ContentTypeText, Content: promptText},
		}},
		TimeoutSeconds: timeoutSeconds,
	})
	app.RequireRequestCompleted(t, reqID)
	return taskID
}

// ────────────────────────────────────────────────────────────
// Polling Helpers
// ────────────────────────────────────────────────────────────

// WaitForRequest polls until the request reaches a terminal status.
func (app *TestApp) WaitForRequest(t *testing.T, requestID string) *models.Request {
	t.Helper()
	var req *models.Request
	require.Eventually(t, func() bool {
		r, err := app.Store.GetRequest(context.Background(), requestID)
		if err != nil {
			return false
		}
		req = r
		return r.Status.Terminal()
	}, 30*time.Second, 100*time.Millisecond,
		"request %s did not reach a terminal status", requestID)
	return req
}

// RequireRequestCompleted waits for the request and requires it completed.
func (app *TestApp) RequireRequestCompleted(t *testing.T, requestID string) *models.Request {
	t.Helper()
	req := app.WaitForRequest(t, requestID)
	if req.Error != nil {
		require.Equal(t, models.RequestStatusCompleted, req.Status,
			"request %s failed: %s", requestID, *req.Error)
	}
	require.Equal(t, models.RequestStatusCompleted, req.Status)
	return req
}

// DecodeResult unmarshals the "result" key of a completed request payload.
func DecodeResult(t *testing.T, req *models.Request, dst any) {
	t.Helper()
	var wrapper struct {
		Result json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(req.Payload, &wrapper))
	require.NotEmpty(t, wrapper.Result, "request %s has no result", req.ID)
	require.NoError(t, json.Unmarshal(wrapper.Result, dst))
}

// WaitForSandboxState polls until the sandbox reaches one of the expected
// states and returns the state observed.
func (app *TestApp) WaitForSandboxState(t *testing.T, sandboxID string, expected ...models.SandboxState) models.SandboxState {
	t.Helper()
	var actual models.SandboxState
	require.Eventually(t, func() bool {
		sb, err := app.Store.GetSandbox(context.Background(), sandboxID)
		if err != nil {
			return false
		}
		actual = sb.State
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond,
		"sandbox %s did not reach state %v (last: %s)", sandboxID, expected, actual)
	return actual
}

// WaitForTaskStatus polls until the task reaches one of the expected
// statuses and returns the row observed.
func (app *TestApp) WaitForTaskStatus(t *testing.T, taskID string, expected ...models.TaskStatus) *models.Task {
	t.Helper()
	var task *models.Task
	var actual models.TaskStatus
	require.Eventually(t, func() bool {
		tk, err := app.Store.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		task = tk
		actual = tk.Status
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 30*time.Second, 100*time.Millisecond,
		"task %s did not reach status %v (last: %s)", taskID, expected, actual)
	return task
}

// WaitForContainer polls until the worker has provisioned the sandbox's
// container.
func (app *TestApp) WaitForContainer(t *testing.T, sandboxID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return app.Runtime.HasContainer(sandboxID)
	}, 30*time.Second, 100*time.Millisecond,
		"no container provisioned for sandbox %s", sandboxID)
}

// Sandbox fetches the current sandbox row.
func (app *TestApp) Sandbox(t *testing.T, sandboxID string) *models.Sandbox {
	t.Helper()
	sb, err := app.Store.GetSandbox(context.Background(), sandboxID)
	require.NoError(t, err)
	return sb
}

// Task fetches the current task row.
func (app *TestApp) Task(t *testing.T, taskID string) *models.Task {
	t.Helper()
	task, err := app.Store.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task
}

// Requests lists all requests for the sandbox in creation order.
func (app *TestApp) Requests(t *testing.T, sandboxID string) []*models.Request {
	t.Helper()
	reqs, err := app.Store.ListRequestsBySandbox(context.Background(), sandboxID)
	require.NoError(t, err)
	return reqs
}

// ────────────────────────────────────────────────────────────
// Agent Runtime
// ────────────────────────────────────────────────────────────

// StartAgent boots an in-process agent runtime for the sandbox, wired the
// way the container entrypoint wires it: control plane over HTTP with the
// minted token, tools rooted in the sandbox's host directories, guard rules
// from the seeded file. Returns a stop function; stopping is also registered
// via t.Cleanup.
func (app *TestApp) StartAgent(t *testing.T, sandboxID string, client llm.Client) func() {
	t.Helper()
	app.WaitForContainer(t, sandboxID)

	env := app.Runtime.ContainerEnv(sandboxID)
	require.NotEmpty(t, env[models.EnvToken], "container %s has no API token", sandboxID)

	workingDir := app.Runtime.HostPath(sandboxID, app.Config.Sandbox.WorkingDir)
	envDir := app.Runtime.HostPath(sandboxID, app.Config.Sandbox.EnvDir)

	guardSvc, err := guard.NewServiceFromFile(filepath.Join(envDir, guard.FileName))
	require.NoError(t, err)

	planMgr := plan.NewManager(filepath.Join(workingDir, plan.FileName))
	registry := tools.NewStandardRegistry(tools.Config{
		WorkingDir: workingDir,
		EnvDir:     envDir,
		Plan:       planMgr,
	})
	prompts := prompt.NewBuilder(prompt.BuilderConfig{
		WorkingDir: app.Config.Sandbox.WorkingDir,
		EnvDir:     app.Config.Sandbox.EnvDir,
		HostName:   env[models.EnvHostName],
		Plan:       planMgr,
	})

	control := api.NewClient(env[models.EnvAPIURL], env[models.EnvSandboxID], env[models.EnvToken])
	boundary, err := time.Parse(time.RFC3339, env[models.EnvRequestCreatedAt])
	require.NoError(t, err)

	loop := agent.NewLoop(agent.LoopConfig{
		Control:  control,
		LLM:      client,
		Registry: registry,
		Prompts:  prompts,
		Guard:    guardSvc,
		Plan:     planMgr,
		Logger:   quietLogger(),
	})
	runner := agent.NewRunner(agent.RunnerConfig{
		Control:      control,
		Loop:         loop,
		PollInterval: 50 * time.Millisecond,
		TaskBoundary: boundary,
		Logger:       quietLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			t.Errorf("agent for %s exited: %v", sandboxID, err)
		}
	}()

	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return stop
}

// ────────────────────────────────────────────────────────────
// Segment Assertions
// ────────────────────────────────────────────────────────────

// findSegment returns the first segment matching pred and its index, or -1.
func findSegment(segments models.Segments, pred func(models.Segment) bool) (models.Segment, int) {
	for i, seg := range segments {
		if pred(seg) {
			return seg, i
		}
	}
	return models.Segment{}, -1
}

// segmentsOfType filters the segment log by type.
func segmentsOfType(segments models.Segments, st models.SegmentType) []models.Segment {
	var out []models.Segment
	for _, seg := range segments {
		if seg.Type == st {
			out = append(out, seg)
		}
	}
	return out
}

func fmtSegments(segments models.Segments) string {
	out := ""
	for i, seg := range segments {
		out += fmt.Sprintf("[%d] type=%s tool=%s level=%s reason=%s\n",
			i, seg.Type, seg.Tool, seg.Level, seg.Reason)
	}
	return out
}
