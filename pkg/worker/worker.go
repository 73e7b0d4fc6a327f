package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/tsbx-io/tsbx/pkg/config"
	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/store"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes requests.
type Worker struct {
	id       string
	podID    string
	store    *store.Store
	config   *config.WorkerConfig
	executor RequestExecutor
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking
	mu                sync.RWMutex
	status            WorkerStatus
	currentRequestID  string
	requestsProcessed int
	lastActivity      time.Time
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, st *store.Store, cfg *config.WorkerConfig, executor RequestExecutor) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		store:        st,
		config:       cfg,
		executor:     executor,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health status.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:                w.id,
		Status:            string(w.status),
		CurrentRequestID:  w.currentRequestID,
		RequestsProcessed: w.requestsProcessed,
		LastActivity:      w.lastActivity,
	}
}

// run is the main worker loop.
func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, store.ErrNoPendingRequests) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing requests", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims a batch of pending requests and processes each one.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	requests, err := w.store.ClaimPendingRequests(ctx, w.config.BatchSize)
	if err != nil {
		return err
	}

	for _, req := range requests {
		select {
		case <-w.stopCh:
			// Shutdown mid-batch: the stale sweep returns the remaining
			// claimed requests to pending.
			return nil
		default:
		}
		w.process(ctx, req)
	}
	return nil
}

// process runs one request through the executor and writes its terminal
// status. Exactly one of completed/failed is written per request.
func (w *Worker) process(ctx context.Context, req *models.Request) {
	log := slog.With(
		"request_id", req.ID,
		"request_type", req.RequestType,
		"sandbox_id", req.SandboxID,
		"worker_id", w.id)
	log.Info("Request claimed")

	w.setStatus(WorkerStatusWorking, req.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	reqCtx, cancel := context.WithTimeout(ctx, w.config.HandlerTimeout)
	defer cancel()

	result, err := w.executor.Execute(reqCtx, req)

	// Terminal status writes use a background context: reqCtx may already
	// be done, and the outcome must be recorded regardless.
	if err != nil {
		log.Warn("Request failed", "error", err)
		if ferr := w.store.FailRequest(context.Background(), req.ID, err.Error()); ferr != nil {
			log.Error("Failed to record request failure", "error", ferr)
		}
		return
	}

	merged, err := mergeResult(req.Payload, result)
	if err != nil {
		log.Error("Failed to encode request result", "error", err)
		if ferr := w.store.FailRequest(context.Background(), req.ID, err.Error()); ferr != nil {
			log.Error("Failed to record request failure", "error", ferr)
		}
		return
	}

	if cerr := w.store.CompleteRequest(context.Background(), req.ID, merged); cerr != nil {
		log.Error("Failed to record request completion", "error", cerr)
		return
	}

	w.mu.Lock()
	w.requestsProcessed++
	w.mu.Unlock()

	log.Info("Request processing complete")
}

// mergeResult folds the handler result into the original request payload
// under the "result" key.
func mergeResult(payload json.RawMessage, result any) (json.RawMessage, error) {
	merged := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &merged); err != nil {
			return nil, fmt.Errorf("decode request payload for result merge: %w", err)
		}
	}
	merged["result"] = result
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode request result: %w", err)
	}
	return out, nil
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *Worker) setStatus(status WorkerStatus, requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentRequestID = requestID
	w.lastActivity = time.Now()
}
