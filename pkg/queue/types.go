// Package queue implements the claim-based worker pool that drains the
// durable job queue.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seekerlab/seeker/pkg/models"
)

// ErrAtCapacity indicates all execution slots are busy.
var ErrAtCapacity = errors.New("at capacity")

// ExecutionResult is what a JobExecutor returns for a finished job.
// Status must be terminal; Err carries the failure detail when Status
// is failed.
type ExecutionResult struct {
	Status models.JobStatus
	Result json.RawMessage
	Err    error
}

// JobExecutor runs one claimed job to completion. Implementations must
// honor ctx cancellation: the worker cancels it on shutdown, timeout,
// and client-requested cancellation.
type JobExecutor interface {
	Execute(ctx context.Context, job *models.Job) *ExecutionResult
}

// JobExecutorFunc adapts a function to the JobExecutor interface.
type JobExecutorFunc func(ctx context.Context, job *models.Job) *ExecutionResult

// Execute implements JobExecutor.
func (f JobExecutorFunc) Execute(ctx context.Context, job *models.Job) *ExecutionResult {
	return f(ctx, job)
}

// WorkerHealth is a snapshot of one worker's state.
type WorkerHealth struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	CurrentJobID  string       `json:"current_job_id,omitempty"`
	JobsProcessed int          `json:"jobs_processed"`
	LastActivity  time.Time    `json:"last_activity"`
}

// PoolHealth is a snapshot of the pool's state, served by the status
// endpoints.
type PoolHealth struct {
	IsHealthy       bool           `json:"is_healthy"`
	DBReachable     bool           `json:"db_reachable"`
	DBError         string         `json:"db_error,omitempty"`
	PodID           string         `json:"pod_id"`
	ActiveWorkers   int            `json:"active_workers"`
	TotalWorkers    int            `json:"total_workers"`
	QueueDepth      int            `json:"queue_depth"`
	WorkerStats     []WorkerHealth `json:"worker_stats"`
	LastReclaimScan time.Time      `json:"last_reclaim_scan"`
	LeasesReclaimed int            `json:"leases_reclaimed"`
	ActiveJobs      int            `json:"active_jobs"`
}
