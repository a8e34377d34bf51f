package events

import (
	"context"
	"log/slog"

	"github.com/seekerlab/seeker/pkg/services"
)

// Publisher appends typed mid-flight events to the job journal.
// Terminal events (completed, error, canceled) are written by
// JobService inside the status-flip transaction, never through here.
//
// Publishing is best-effort for high-frequency events: a failed
// synthesis_token append is logged and dropped rather than aborting the
// stream, since the final content arrives with the completed event.
type Publisher struct {
	events *services.EventService
}

// NewPublisher creates a Publisher over the journal.
func NewPublisher(events *services.EventService) *Publisher {
	return &Publisher{events: events}
}

// PublishStarted records the start of an execution attempt.
func (p *Publisher) PublishStarted(ctx context.Context, jobID string, payload StartedPayload) error {
	_, err := p.events.Append(ctx, jobID, EventTypeStarted, payload)
	return err
}

// PublishProgress records a stage transition.
func (p *Publisher) PublishProgress(ctx context.Context, jobID string, payload ProgressPayload) error {
	_, err := p.events.Append(ctx, jobID, EventTypeProgress, payload)
	return err
}

// PublishAgentStarted records a sub-agent dispatch.
func (p *Publisher) PublishAgentStarted(ctx context.Context, jobID string, payload AgentStartedPayload) error {
	_, err := p.events.Append(ctx, jobID, EventTypeAgentStarted, payload)
	return err
}

// PublishAgentCompleted records a sub-agent success.
func (p *Publisher) PublishAgentCompleted(ctx context.Context, jobID string, payload AgentCompletedPayload) error {
	_, err := p.events.Append(ctx, jobID, EventTypeAgentCompleted, payload)
	return err
}

// PublishAgentFailed records a sub-agent failure.
func (p *Publisher) PublishAgentFailed(ctx context.Context, jobID string, payload AgentFailedPayload) error {
	_, err := p.events.Append(ctx, jobID, EventTypeAgentFailed, payload)
	return err
}

// PublishAgentUsage records a sub-agent's token usage.
func (p *Publisher) PublishAgentUsage(ctx context.Context, jobID string, payload AgentUsagePayload) error {
	_, err := p.events.Append(ctx, jobID, EventTypeAgentUsage, payload)
	return err
}

// PublishSynthesisToken records one streamed synthesis chunk.
// Best-effort: failures are logged, not returned, so a transient DB
// hiccup never kills an otherwise healthy synthesis stream.
func (p *Publisher) PublishSynthesisToken(ctx context.Context, jobID string, payload SynthesisTokenPayload) {
	if _, err := p.events.Append(ctx, jobID, EventTypeSynthesisToken, payload); err != nil {
		slog.Warn("Failed to append synthesis token event",
			"job_id", jobID, "error", err)
	}
}

// PublishSynthesisError records a synthesis failure.
func (p *Publisher) PublishSynthesisError(ctx context.Context, jobID string, payload SynthesisErrorPayload) error {
	_, err := p.events.Append(ctx, jobID, EventTypeSynthesisError, payload)
	return err
}

// PublishReportSaved records the persisted report id.
func (p *Publisher) PublishReportSaved(ctx context.Context, jobID string, payload ReportSavedPayload) error {
	_, err := p.events.Append(ctx, jobID, EventTypeReportSaved, payload)
	return err
}

// PublishUIHint records a browsable URL for the result.
func (p *Publisher) PublishUIHint(ctx context.Context, jobID string, payload UIHintPayload) error {
	_, err := p.events.Append(ctx, jobID, EventTypeUIHint, payload)
	return err
}
