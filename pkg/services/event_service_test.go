package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/models"
	testdb "github.com/seekerlab/seeker/test/database"
)

func TestEventService_AppendAndCursor(t *testing.T) {
	client := testdb.NewTestClient(t)
	jobs := NewJobService(client, config.DefaultIdempotencyConfig())
	events := NewEventService(client)
	ctx := context.Background()

	out, err := jobs.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{}`)})
	require.NoError(t, err)
	jobID := out.Job.ID

	t.Run("ids are strictly increasing", func(t *testing.T) {
		var last int64
		for i := 0; i < 5; i++ {
			id, err := events.Append(ctx, jobID, "progress", map[string]any{"stage": i})
			require.NoError(t, err)
			assert.Greater(t, id, last)
			last = id
		}
	})

	t.Run("cursor resume returns only newer events", func(t *testing.T) {
		all, err := events.GetEventsSince(ctx, jobID, 0, 0)
		require.NoError(t, err)
		require.NotEmpty(t, all)

		mid := all[len(all)/2].ID
		tail, err := events.GetEventsSince(ctx, jobID, mid, 0)
		require.NoError(t, err)
		for _, e := range tail {
			assert.Greater(t, e.ID, mid)
		}
		assert.Len(t, tail, len(all)-len(all)/2-1)
	})

	t.Run("limit caps the page", func(t *testing.T) {
		page, err := events.GetEventsSince(ctx, jobID, 0, 2)
		require.NoError(t, err)
		assert.Len(t, page, 2)
	})

	t.Run("nil payload stored as null", func(t *testing.T) {
		id, err := events.Append(ctx, jobID, "canceled", nil)
		require.NoError(t, err)

		evts, err := events.GetEventsSince(ctx, jobID, id-1, 1)
		require.NoError(t, err)
		require.Len(t, evts, 1)
		assert.Nil(t, evts[0].Payload)
	})
}

func TestEventService_CleanupOldEvents(t *testing.T) {
	client := testdb.NewTestClient(t)
	jobs := NewJobService(client, config.DefaultIdempotencyConfig())
	events := NewEventService(client)
	ctx := context.Background()

	finished, err := jobs.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{}`)})
	require.NoError(t, err)
	require.NoError(t, jobs.Finish(ctx, finished.Job.ID, models.JobStatusSucceeded, nil, ""))

	live, err := jobs.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{}`)})
	require.NoError(t, err)

	// Negative retention puts the cutoff in the future, so the finished
	// job's events qualify immediately.
	n, err := events.CleanupOldEvents(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Positive(t, n)

	gone, err := events.GetEventsSince(ctx, finished.Job.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := events.GetEventsSince(ctx, live.Job.ID, 0, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, kept)
}
