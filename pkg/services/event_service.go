package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seekerlab/seeker/pkg/database"
	"github.com/seekerlab/seeker/pkg/models"
)

// EventService manages the append-only job event journal.
type EventService struct {
	db *database.Client
}

// NewEventService creates a new EventService.
func NewEventService(db *database.Client) *EventService {
	return &EventService{db: db}
}

// Append writes one journal row and returns its id. The payload is
// marshaled as JSON; nil payloads are stored as NULL.
func (s *EventService) Append(ctx context.Context, jobID, eventType string, payload any) (int64, error) {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("marshaling %s payload: %w", eventType, err)
		}
	}

	var id int64
	err := s.db.Pool().QueryRow(ctx,
		`INSERT INTO job_events (job_id, event_type, payload) VALUES ($1, $2, $3) RETURNING id`,
		jobID, eventType, payloadJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("appending %s event for %s: %w", eventType, jobID, err)
	}
	return id, nil
}

// GetEventsSince retrieves a job's events with id > sinceID in id order,
// up to limit (0 = no limit). This is the cursor primitive behind every
// stream resumption: strictly increasing ids, no gaps.
func (s *EventService) GetEventsSince(ctx context.Context, jobID string, sinceID int64, limit int) ([]models.JobEvent, error) {
	q := `SELECT id, job_id, event_type, payload, created_at
		FROM job_events
		WHERE job_id = $1 AND id > $2
		ORDER BY id`
	args := []any{jobID, sinceID}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.Pool().Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("getting events for %s: %w", jobID, err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var e models.JobEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestEventID returns the id of a job's newest journal row, or 0
// when the journal is empty. Used by live tails that want to skip
// history already delivered by catchup.
func (s *EventService) LatestEventID(ctx context.Context, jobID string) (int64, error) {
	var id int64
	err := s.db.Pool().QueryRow(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM job_events WHERE job_id = $1`,
		jobID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("getting latest event id for %s: %w", jobID, err)
	}
	return id, nil
}

// CleanupOldEvents removes journal rows belonging to jobs that reached
// a terminal state before the retention cutoff.
func (s *EventService) CleanupOldEvents(ctx context.Context, retention time.Duration) (int, error) {
	writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-retention)
	tag, err := s.db.Pool().Exec(writeCtx, `
		DELETE FROM job_events
		WHERE job_id IN (
			SELECT id FROM jobs
			WHERE status IN ('succeeded', 'failed', 'canceled')
			  AND finished_at < $1
		)`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleaning up old events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
