package events

import (
	"context"
	"fmt"

	"github.com/seekerlab/seeker/pkg/services"
)

// EventServiceAdapter wraps services.EventService to implement CatchupQuerier.
type EventServiceAdapter struct {
	eventService *services.EventService
}

// NewEventServiceAdapter creates a CatchupQuerier from an EventService.
func NewEventServiceAdapter(es *services.EventService) *EventServiceAdapter {
	return &EventServiceAdapter{eventService: es}
}

// GetCatchupEvents queries events since sinceID up to limit for the catchup mechanism.
func (a *EventServiceAdapter) GetCatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	jobID := JobIDFromChannel(channel)
	if jobID == "" {
		return nil, fmt.Errorf("not a job channel: %q", channel)
	}

	jobEvents, err := a.eventService.GetEventsSince(ctx, jobID, sinceID, limit)
	if err != nil {
		return nil, err
	}

	result := make([]CatchupEvent, len(jobEvents))
	for i, evt := range jobEvents {
		result[i] = CatchupEvent{
			ID:        evt.ID,
			Type:      evt.Type,
			Payload:   evt.Payload,
			CreatedAt: evt.CreatedAt,
		}
	}
	return result, nil
}
