package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/events"
	"github.com/seekerlab/seeker/pkg/models"
	"github.com/seekerlab/seeker/pkg/services"
)

// WorkerPool manages a pool of queue workers plus the lease-reclaim
// background task.
type WorkerPool struct {
	podID     string
	jobs      *services.JobService
	config    *config.QueueConfig
	executor  JobExecutor
	publisher *events.Publisher
	notifier  *Notifier
	workers   []*Worker
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Job cancel registry: job_id → cancel function
	activeJobs map[string]context.CancelFunc
	mu         sync.RWMutex
	started    bool

	// Lease reclaim state
	reclaim reclaimState
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(podID string, jobs *services.JobService, cfg *config.QueueConfig, executor JobExecutor) *WorkerPool {
	return &WorkerPool{
		podID:      podID,
		jobs:       jobs,
		config:     cfg,
		executor:   executor,
		workers:    make([]*Worker, 0, cfg.Parallelism),
		stopCh:     make(chan struct{}),
		activeJobs: make(map[string]context.CancelFunc),
	}
}

// SetPublisher wires the journal publisher for mid-flight events.
// Must be called before Start.
func (p *WorkerPool) SetPublisher(pub *events.Publisher) {
	p.publisher = pub
}

// SetNotifier wires the webhook notifier. Must be called before Start.
func (p *WorkerPool) SetNotifier(n *Notifier) {
	p.notifier = n
}

// Start spawns worker goroutines and the lease reclaim background task.
// It is safe to call multiple times; subsequent calls are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.Parallelism)

	for i := 0; i < p.config.Parallelism; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.jobs, p.config, p.executor, p)
		worker.SetPublisher(p.publisher)
		worker.SetNotifier(p.notifier)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runLeaseReclaim(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// Workers finish their current jobs before exiting (graceful shutdown).
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.getActiveJobIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active jobs to complete",
			"count", len(active),
			"job_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterJob stores a cancel function for client-triggered cancellation.
func (p *WorkerPool) RegisterJob(jobID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeJobs[jobID] = cancel
}

// UnregisterJob removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterJob(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeJobs, jobID)
}

// CancelJob triggers context cancellation for a job running on this pod.
// Returns true if the job was found and cancelled here; a false return
// just means another replica holds it — the DB status flip still stops
// it at the next stage boundary.
func (p *WorkerPool) CancelJob(jobID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeJobs[jobID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the current health status of the pool.
func (p *WorkerPool) Health() *PoolHealth {
	ctx := context.Background()

	queueDepth, errQ := p.jobs.QueueDepth(ctx)
	if errQ != nil {
		slog.Error("Failed to query queue depth for health check",
			"pod_id", p.podID, "error", errQ)
	}

	counts, errA := p.jobs.CountByStatus(ctx)
	if errA != nil {
		slog.Error("Failed to query job counts for health check",
			"pod_id", p.podID, "error", errA)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	// DB errors affect health status - if we can't reach the DB, we're not healthy
	dbHealthy := errQ == nil && errA == nil
	isHealthy := len(p.workers) > 0 && dbHealthy

	p.reclaim.mu.Lock()
	lastScan := p.reclaim.lastScan
	reclaimed := p.reclaim.reclaimed
	p.reclaim.mu.Unlock()

	var dbError string
	if !dbHealthy {
		if errQ != nil {
			dbError = fmt.Sprintf("queue depth query failed: %v", errQ)
		} else {
			dbError = fmt.Sprintf("job count query failed: %v", errA)
		}
	}

	return &PoolHealth{
		IsHealthy:       isHealthy,
		DBReachable:     dbHealthy,
		DBError:         dbError,
		PodID:           p.podID,
		ActiveWorkers:   activeWorkers,
		TotalWorkers:    len(p.workers),
		QueueDepth:      queueDepth,
		WorkerStats:     workerStats,
		LastReclaimScan: lastScan,
		LeasesReclaimed: reclaimed,
		ActiveJobs:      counts[models.JobStatusRunning],
	}
}

// getActiveJobIDs returns IDs of currently processing jobs (for logging).
func (p *WorkerPool) getActiveJobIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeJobs))
	for id := range p.activeJobs {
		ids = append(ids, id)
	}
	return ids
}
