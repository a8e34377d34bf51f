package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/events"
	"github.com/seekerlab/seeker/pkg/models"
	"github.com/seekerlab/seeker/pkg/services"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

// Worker status constants.
const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// Worker is a single queue worker that polls for and processes jobs.
type Worker struct {
	id        string
	podID     string
	jobs      *services.JobService
	config    *config.QueueConfig
	executor  JobExecutor
	publisher *events.Publisher
	notifier  *Notifier
	pool      JobRegistry
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        WorkerStatus
	currentJobID  string
	jobsProcessed int
	lastActivity  time.Time
}

// JobRegistry is the subset of WorkerPool used by Worker for job registration.
type JobRegistry interface {
	RegisterJob(jobID string, cancel context.CancelFunc)
	UnregisterJob(jobID string)
}

// NewWorker creates a new queue worker.
func NewWorker(id, podID string, jobs *services.JobService, cfg *config.QueueConfig, executor JobExecutor, pool JobRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		jobs:         jobs,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// SetPublisher wires the journal publisher (nil disables mid-flight
// events; terminal events still come from JobService).
func (w *Worker) SetPublisher(p *events.Publisher) {
	w.publisher = p
}

// SetNotifier wires the webhook notifier (nil disables webhooks).
func (w *Worker) SetNotifier(n *Notifier) {
	w.notifier = n
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
		ID:            w.id,
		Status:        w.status,
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
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
				if errors.Is(err, services.ErrNoJobsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing job", "error", err)
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

// pollAndProcess claims the next job and runs it to a terminal state.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	job, err := w.jobs.Claim(ctx, w.config.LeaseDuration)
	if err != nil {
		return err
	}

	log := slog.With("job_id", job.ID, "worker_id", w.id)
	log.Info("Job claimed", "type", job.Type, "attempt", job.Attempts)

	w.publishStarted(ctx, job)

	w.setStatus(WorkerStatusWorking, job.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	// Job context with the execution timeout.
	jobCtx, cancelJob := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancelJob()

	// Register cancel function for client-triggered cancellation.
	w.pool.RegisterJob(job.ID, cancelJob)
	defer w.pool.UnregisterJob(job.ID)

	// Heartbeat keeps the lease (and the idempotency key) alive while
	// the job runs.
	heartbeatCtx, cancelHeartbeat := context.WithCancel(jobCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	result := w.executor.Execute(jobCtx, job)

	// Nil-guard: synthesize a safe result if the executor returned nil.
	if result == nil {
		switch {
		case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
			result = &ExecutionResult{
				Status: models.JobStatusFailed,
				Err:    fmt.Errorf("job timed out after %v", w.config.JobTimeout),
			}
		case errors.Is(jobCtx.Err(), context.Canceled):
			result = &ExecutionResult{
				Status: models.JobStatusCanceled,
				Err:    context.Canceled,
			}
		default:
			result = &ExecutionResult{
				Status: models.JobStatusFailed,
				Err:    fmt.Errorf("executor returned nil result"),
			}
		}
	}

	if result.Status == "" && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
		result = &ExecutionResult{
			Status: models.JobStatusFailed,
			Err:    fmt.Errorf("job timed out after %v", w.config.JobTimeout),
		}
	}
	if result.Status == "" && errors.Is(jobCtx.Err(), context.Canceled) {
		result = &ExecutionResult{
			Status: models.JobStatusCanceled,
			Err:    context.Canceled,
		}
	}

	cancelHeartbeat()

	// Terminal write uses a background context — the job ctx may be
	// cancelled or expired. Finish is a no-op when a Cancel already
	// flipped the row, so a late result never overwrites a cancellation.
	var errMsg string
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	if err := w.jobs.Finish(context.Background(), job.ID, result.Status, result.Result, errMsg); err != nil {
		log.Error("Failed to finish job", "error", err)
		return err
	}

	w.notifyWebhook(job, result)

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()

	log.Info("Job processing complete", "status", result.Status)
	return nil
}

// runHeartbeat re-stamps the lease until the job context ends.
func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.jobs.Heartbeat(ctx, jobID, w.config.LeaseDuration); err != nil {
				slog.Warn("Heartbeat update failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// publishStarted appends the started event. Non-blocking: errors are logged.
func (w *Worker) publishStarted(ctx context.Context, job *models.Job) {
	if w.publisher == nil {
		return
	}
	if err := w.publisher.PublishStarted(ctx, job.ID, events.StartedPayload{
		Attempt: job.Attempts,
	}); err != nil {
		slog.Warn("Failed to publish started event",
			"job_id", job.ID, "error", err)
	}
}

// notifyWebhook delivers the terminal status to the job's notify URL,
// when one is set. Best-effort and asynchronous.
func (w *Worker) notifyWebhook(job *models.Job, result *ExecutionResult) {
	if w.notifier == nil || job.NotifyURL == nil || *job.NotifyURL == "" {
		return
	}

	payload := WebhookPayload{
		JobID:  job.ID,
		Status: result.Status,
		Result: result.Result,
	}
	if result.Err != nil {
		payload.Error = result.Err.Error()
	}

	go w.notifier.Deliver(*job.NotifyURL, payload)
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
func (w *Worker) setStatus(status WorkerStatus, jobID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
