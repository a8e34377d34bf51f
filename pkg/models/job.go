// Package models defines the domain types persisted by the store layer.
package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of an async job.
type JobStatus string

// Job status values. Succeeded, failed and canceled are terminal.
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

// Job is a unit of asynchronous work owned by the store.
// Exactly one worker holds the lease on a running job at any moment;
// the lease columns are the single-flight primitive (no in-process locks).
type Job struct {
	ID                   string          `json:"id"`
	Type                 string          `json:"type"`
	Params               json.RawMessage `json:"params,omitempty"`
	Status               JobStatus       `json:"status"`
	Attempts             int             `json:"attempts"`
	IdempotencyKey       *string         `json:"idempotency_key,omitempty"`
	IdempotencyExpiresAt *time.Time      `json:"idempotency_expires_at,omitempty"`
	LeaseExpiresAt       *time.Time      `json:"lease_expires_at,omitempty"`
	HeartbeatAt          *time.Time      `json:"heartbeat_at,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	ErrorMessage         *string         `json:"error_message,omitempty"`
	NotifyURL            *string         `json:"notify_url,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	FinishedAt           *time.Time      `json:"finished_at,omitempty"`
}

// JobEvent is one append-only journal row. IDs are strictly increasing
// per job; readers resume with a last-seen-id cursor.
type JobEvent struct {
	ID        int64           `json:"id"`
	JobID     string          `json:"job_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
