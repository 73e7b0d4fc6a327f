// Package worker provides request queue processing infrastructure: a pool of
// workers that claim durable sandbox requests and an executor that carries
// them out against the container runtime.
package worker

import (
	"context"
	"time"

	"github.com/tsbx-io/tsbx/pkg/config"
	"github.com/tsbx-io/tsbx/pkg/guard"
	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/runtime"
	"github.com/tsbx-io/tsbx/pkg/snapshot"
	"github.com/tsbx-io/tsbx/pkg/store"
	"github.com/tsbx-io/tsbx/pkg/token"
)

// RequestExecutor carries out one claimed request.
//
// The executor owns the request's side effects (containers, snapshots, task
// rows); the worker only handles claiming, the handler deadline, and the
// single terminal status write. On success the returned value is merged into
// the request payload under the "result" key; on error the request is failed
// with the error's message.
type RequestExecutor interface {
	Execute(ctx context.Context, req *models.Request) (any, error)
}

// Deps bundles the collaborators request handlers touch.
type Deps struct {
	Store     *store.Store
	Runtime   runtime.Runtime
	Snapshots *snapshot.Store
	Tokens    *token.Issuer
	Sandbox   *config.SandboxConfig
	Inference *config.InferenceConfig

	// Guard is the rule set seeded into each new sandbox. When empty the
	// agent falls back to its built-in rules.
	Guard guard.Config
}

// PoolHealth contains health information for the entire worker pool.
type PoolHealth struct {
	IsHealthy          bool           `json:"is_healthy"`
	DBReachable        bool           `json:"db_reachable"`
	DBError            string         `json:"db_error,omitempty"`
	PodID              string         `json:"pod_id"`
	ActiveWorkers      int            `json:"active_workers"`
	TotalWorkers       int            `json:"total_workers"`
	QueueDepth         int            `json:"queue_depth"`
	ProcessingRequests int            `json:"processing_requests"`
	WorkerStats        []WorkerHealth `json:"worker_stats"`
	LastStaleSweep     time.Time      `json:"last_stale_sweep"`
	RequestsRecovered  int            `json:"requests_recovered"`
}

// WorkerHealth contains health information for a single worker.
type WorkerHealth struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"` // "idle" or "working"
	CurrentRequestID  string    `json:"current_request_id,omitempty"`
	RequestsProcessed int       `json:"requests_processed"`
	LastActivity      time.Time `json:"last_activity"`
}
