// Package cleanup runs the background retention sweeps: expired MCP
// sessions, expired idempotency keys, and old job-event journal rows.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/services"
)

// eventRetention is how long terminal jobs keep their journal rows.
// Streams replay from the journal, so rows must outlive any client that
// might still resume; a week is far past every reconnect window.
const eventRetention = 7 * 24 * time.Hour

// Service periodically enforces retention:
//   - Deletes sessions idle past the session TTL
//   - Clears idempotency keys on terminal jobs past the key TTL
//   - Removes journal rows of jobs finished before the retention window
//
// All sweeps are idempotent and safe to run from multiple pods.
type Service struct {
	sessionCfg     *config.SessionConfig
	idempotencyCfg *config.IdempotencyConfig
	sessions       *services.SessionService
	jobs           *services.JobService
	events         *services.EventService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(
	sessionCfg *config.SessionConfig,
	idempotencyCfg *config.IdempotencyConfig,
	sessions *services.SessionService,
	jobs *services.JobService,
	events *services.EventService,
) *Service {
	return &Service{
		sessionCfg:     sessionCfg,
		idempotencyCfg: idempotencyCfg,
		sessions:       sessions,
		jobs:           jobs,
		events:         events,
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"session_ttl", s.sessionCfg.TTL,
		"session_interval", s.sessionCfg.CleanupInterval,
		"idempotency_interval", s.idempotencyCfg.CleanupInterval,
		"event_retention", eventRetention)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweepSessions(ctx)
	s.sweepIdempotencyKeys(ctx)
	s.sweepEvents(ctx)

	sessionTicker := time.NewTicker(s.sessionCfg.CleanupInterval)
	defer sessionTicker.Stop()
	keyTicker := time.NewTicker(s.idempotencyCfg.CleanupInterval)
	defer keyTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sessionTicker.C:
			s.sweepSessions(ctx)
			s.sweepEvents(ctx)
		case <-keyTicker.C:
			s.sweepIdempotencyKeys(ctx)
		}
	}
}

func (s *Service) sweepSessions(ctx context.Context) {
	count, err := s.sessions.SweepExpired(ctx, s.sessionCfg.TTL)
	if err != nil {
		slog.Error("Retention: session sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed expired sessions", "count", count)
	}
}

func (s *Service) sweepIdempotencyKeys(ctx context.Context) {
	if !s.idempotencyCfg.Enabled {
		return
	}
	count, err := s.jobs.CleanupExpiredIdempotencyKeys(ctx)
	if err != nil {
		slog.Error("Retention: idempotency key sweep failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: cleared expired idempotency keys", "count", count)
	}
}

func (s *Service) sweepEvents(ctx context.Context) {
	count, err := s.events.CleanupOldEvents(ctx, eventRetention)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed old job events", "count", count)
	}
}
