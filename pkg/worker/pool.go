package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tsbx-io/tsbx/pkg/config"
	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/store"
)

// WorkerPool manages a pool of request workers plus the stale-request sweep.
type WorkerPool struct {
	podID    string
	store    *store.Store
	config   *config.WorkerConfig
	executor RequestExecutor
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	// Stale sweep state
	sweeps sweepState
}

// sweepState tracks stale request recovery metrics (thread-safe).
type sweepState struct {
	mu                sync.Mutex
	lastStaleSweep    time.Time
	requestsRecovered int
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, st *store.Store, cfg *config.WorkerConfig, executor RequestExecutor) *WorkerPool {
	return &WorkerPool{
		podID:    podID,
		store:    st,
		config:   cfg,
		executor: executor,
		workers:  make([]*Worker, 0, cfg.WorkerCount),
		stopCh:   make(chan struct{}),
	}
}

// Start recovers stale requests, spawns worker goroutines, and starts the
// periodic stale sweep. It is safe to call multiple times; subsequent calls
// are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	// Requests claimed by a crashed worker stay in processing forever
	// unless swept back to pending.
	if err := p.sweepStaleRequests(ctx); err != nil {
		return fmt.Errorf("startup stale request sweep: %w", err)
	}

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.store, p.config, p.executor)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runStaleSweep(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current requests before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// runStaleSweep periodically returns stale processing requests to pending.
// All pods run this independently; the sweep is idempotent.
func (p *WorkerPool) runStaleSweep(ctx context.Context) {
	ticker := time.NewTicker(p.config.StaleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.sweepStaleRequests(ctx); err != nil {
				slog.Error("Stale request sweep failed", "error", err)
			}
		}
	}
}

// sweepStaleRequests resets requests stuck in processing past the stale
// threshold back to pending.
func (p *WorkerPool) sweepStaleRequests(ctx context.Context) error {
	cutoff := time.Now().Add(-p.config.StaleThreshold)
	recovered, err := p.store.ResetStaleProcessingRequests(ctx, cutoff)
	if err != nil {
		return err
	}

	p.sweeps.mu.Lock()
	p.sweeps.lastStaleSweep = time.Now()
	p.sweeps.requestsRecovered += int(recovered)
	p.sweeps.mu.Unlock()

	if recovered > 0 {
		slog.Warn("Recovered stale processing requests",
			"pod_id", p.podID, "count", recovered)
	}
	return nil
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.store.CountRequestsInStatus(ctx, models.RequestStatusPending)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID, "error", errQ)
	}

	processing, errP := p.store.CountRequestsInStatus(ctx, models.RequestStatusProcessing)
	if errP != nil {
		slog.Error("Failed to query processing requests for health check",
			"pod_id", p.podID, "error", errP)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == string(WorkerStatusWorking) {
			activeWorkers++
		}
	}

	dbHealthy := errQ == nil && errP == nil
	isHealthy := len(p.workers) > 0 && dbHealthy

	p.sweeps.mu.Lock()
	lastSweep := p.sweeps.lastStaleSweep
	recovered := p.sweeps.requestsRecovered
	p.sweeps.mu.Unlock()

	var dbError string
	if !dbHealthy {
		if errQ != nil {
			dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
		} else {
			dbError = fmt.Sprintf("processing requests query failed: %v", errP)
		}
	}

	return &PoolHealth{
		IsHealthy:          isHealthy,
		DBReachable:        dbHealthy,
		DBError:            dbError,
		PodID:              p.podID,
		ActiveWorkers:      activeWorkers,
		TotalWorkers:       len(p.workers),
		QueueDepth:         queueDepth,
		ProcessingRequests: processing,
		WorkerStats:        workerStats,
		LastStaleSweep:     lastSweep,
		RequestsRecovered:  recovered,
	}
}
