package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seekerlab/seeker/pkg/models"
	"github.com/seekerlab/seeker/pkg/services"
)

// DefaultPollInterval is how often the streamer polls the journal for
// new rows. The journal is the single source of truth across replicas,
// so delivery latency is bounded by this interval.
const DefaultPollInterval = time.Second

// Streamer delivers a job's journal to a consumer, tailing the table by
// cursor until the terminal event has been handed over. It backs both
// the SSE endpoints and the WebSocket channel pollers.
type Streamer struct {
	events   *services.EventService
	jobs     *services.JobService
	interval time.Duration
}

// NewStreamer creates a Streamer polling at the given interval
// (DefaultPollInterval when zero).
func NewStreamer(events *services.EventService, jobs *services.JobService, interval time.Duration) *Streamer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Streamer{events: events, jobs: jobs, interval: interval}
}

// LatestID returns the id of the job's newest journal row (0 when
// empty), the starting cursor for a live-only tail.
func (s *Streamer) LatestID(ctx context.Context, jobID string) (int64, error) {
	return s.events.LatestEventID(ctx, jobID)
}

// Stream replays the journal from sinceID and then tails it, invoking
// fn for each event in id order. It returns nil once a terminal event
// has been delivered, the fn's error if fn fails, or ctx.Err() on
// cancellation.
//
// A job can also be terminal without a reachable terminal event when
// the cursor starts past it (client resumed after the end) — that case
// is detected by checking job status once the journal is drained.
func (s *Streamer) Stream(ctx context.Context, jobID string, sinceID int64, fn func(models.JobEvent) error) error {
	cursor := sinceID

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		batch, err := s.events.GetEventsSince(ctx, jobID, cursor, 0)
		if err != nil {
			return fmt.Errorf("tailing journal for %s: %w", jobID, err)
		}

		for _, evt := range batch {
			if err := fn(evt); err != nil {
				return err
			}
			cursor = evt.ID
			if IsTerminalEvent(evt.Type) {
				return nil
			}
		}

		if len(batch) == 0 {
			done, err := s.jobTerminal(ctx, jobID)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// jobTerminal reports whether the job has reached a terminal status.
// A missing job counts as terminal so a stream over a deleted or bogus
// id ends instead of polling forever.
func (s *Streamer) jobTerminal(ctx context.Context, jobID string) (bool, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	return job.Status.IsTerminal(), nil
}
