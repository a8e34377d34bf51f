package services

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/models"
	testdb "github.com/seekerlab/seeker/test/database"
)

func newTestJobService(t *testing.T) (*JobService, *EventService) {
	client := testdb.NewTestClient(t)
	return NewJobService(client, config.DefaultIdempotencyConfig()), NewEventService(client)
}

func TestNewJobID(t *testing.T) {
	pattern := regexp.MustCompile(`^job_\d+_[a-z0-9]{6,}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewJobID()
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id], "ids must be unique")
		seen[id] = true
	}
}

func TestJobService_Enqueue(t *testing.T) {
	svc, events := newTestJobService(t)
	ctx := context.Background()

	t.Run("creates queued job with submitted event", func(t *testing.T) {
		out, err := svc.Enqueue(ctx, EnqueueInput{
			Type:   "research",
			Params: json.RawMessage(`{"query":"test"}`),
		})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusQueued, out.Job.Status)
		assert.False(t, out.ExistingJob)
		assert.False(t, out.Cached)
		assert.Zero(t, out.Job.Attempts)

		evts, err := events.GetEventsSince(ctx, out.Job.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, evts, 1)
		assert.Equal(t, "submitted", evts[0].Type)
	})

	t.Run("defaults type to research", func(t *testing.T) {
		out, err := svc.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{}`)})
		require.NoError(t, err)
		assert.Equal(t, "research", out.Job.Type)
	})

	t.Run("returns existing job for queued duplicate", func(t *testing.T) {
		key := "dup-queued-key"
		first, err := svc.Enqueue(ctx, EnqueueInput{
			Params:         json.RawMessage(`{"query":"a"}`),
			IdempotencyKey: &key,
		})
		require.NoError(t, err)

		second, err := svc.Enqueue(ctx, EnqueueInput{
			Params:         json.RawMessage(`{"query":"a"}`),
			IdempotencyKey: &key,
		})
		require.NoError(t, err)
		assert.True(t, second.ExistingJob)
		assert.Equal(t, first.Job.ID, second.Job.ID)
	})

	t.Run("replays cached result for succeeded duplicate", func(t *testing.T) {
		key := "dup-succeeded-key"
		first, err := svc.Enqueue(ctx, EnqueueInput{
			Params:         json.RawMessage(`{"query":"b"}`),
			IdempotencyKey: &key,
		})
		require.NoError(t, err)

		require.NoError(t, svc.Finish(ctx, first.Job.ID, models.JobStatusSucceeded,
			json.RawMessage(`{"reportId":1}`), ""))

		second, err := svc.Enqueue(ctx, EnqueueInput{
			Params:         json.RawMessage(`{"query":"b"}`),
			IdempotencyKey: &key,
		})
		require.NoError(t, err)
		assert.True(t, second.Cached)
		assert.Equal(t, first.Job.ID, second.Job.ID)
		assert.JSONEq(t, `{"reportId":1}`, string(second.Job.Result))
	})

	t.Run("retries failed job within window and links retry_of", func(t *testing.T) {
		key := "retry-failed-key"
		first, err := svc.Enqueue(ctx, EnqueueInput{
			Params:         json.RawMessage(`{"query":"c"}`),
			IdempotencyKey: &key,
		})
		require.NoError(t, err)

		require.NoError(t, svc.Finish(ctx, first.Job.ID, models.JobStatusFailed, nil, "upstream down"))

		second, err := svc.Enqueue(ctx, EnqueueInput{
			Params:         json.RawMessage(`{"query":"c"}`),
			IdempotencyKey: &key,
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.Job.ID, second.Job.ID)
		assert.Equal(t, first.Job.ID, second.RetryOf)

		var params map[string]any
		require.NoError(t, json.Unmarshal(second.Job.Params, &params))
		assert.Equal(t, first.Job.ID, params["_retry_of"])

		// The key moved to the new row.
		old, err := svc.Get(ctx, first.Job.ID)
		require.NoError(t, err)
		assert.Nil(t, old.IdempotencyKey)
		require.NotNil(t, second.Job.IdempotencyKey)
		assert.Equal(t, key, *second.Job.IdempotencyKey)
	})

	t.Run("canceled job always retries", func(t *testing.T) {
		key := "retry-canceled-key"
		first, err := svc.Enqueue(ctx, EnqueueInput{
			Params:         json.RawMessage(`{"query":"d"}`),
			IdempotencyKey: &key,
		})
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, first.Job.ID)
		require.NoError(t, err)

		second, err := svc.Enqueue(ctx, EnqueueInput{
			Params:         json.RawMessage(`{"query":"d"}`),
			IdempotencyKey: &key,
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.Job.ID, second.Job.ID)
		assert.Equal(t, first.Job.ID, second.RetryOf)
	})

	t.Run("force_new bypasses idempotency", func(t *testing.T) {
		key := "force-new-key"
		first, err := svc.Enqueue(ctx, EnqueueInput{
			Params:         json.RawMessage(`{"query":"e"}`),
			IdempotencyKey: &key,
		})
		require.NoError(t, err)

		forced, err := svc.Enqueue(ctx, EnqueueInput{
			Params:         json.RawMessage(`{"query":"e"}`),
			IdempotencyKey: &key,
			ForceNew:       true,
		})
		require.NoError(t, err)
		assert.NotEqual(t, first.Job.ID, forced.Job.ID)
		assert.False(t, forced.ExistingJob)
		assert.Nil(t, forced.Job.IdempotencyKey)
	})
}

func TestJobService_FailedJobPastRetryPolicySurfacesFailure(t *testing.T) {
	ctx := context.Background()

	run := func(t *testing.T, cfg *config.IdempotencyConfig, key string) {
		svc := NewJobService(testdb.NewTestClient(t), cfg)

		first, err := svc.Enqueue(ctx, EnqueueInput{
			Params:         json.RawMessage(`{"query":"f"}`),
			IdempotencyKey: &key,
		})
		require.NoError(t, err)
		require.NoError(t, svc.Finish(ctx, first.Job.ID, models.JobStatusFailed, nil, "upstream down"))

		second, err := svc.Enqueue(ctx, EnqueueInput{
			Params:         json.RawMessage(`{"query":"f"}`),
			IdempotencyKey: &key,
		})
		require.NoError(t, err)
		assert.Equal(t, first.Job.ID, second.Job.ID)
		assert.True(t, second.ReplayedFailure)
		assert.False(t, second.Cached, "a failure must not masquerade as a cache hit")
		assert.Equal(t, models.JobStatusFailed, second.Job.Status)
		require.NotNil(t, second.Job.ErrorMessage)
		assert.Equal(t, "upstream down", *second.Job.ErrorMessage)
	}

	t.Run("retry disabled", func(t *testing.T) {
		cfg := config.DefaultIdempotencyConfig()
		cfg.RetryOnFailure = false
		run(t, cfg, "failed-no-retry-key")
	})

	t.Run("retry window elapsed", func(t *testing.T) {
		cfg := config.DefaultIdempotencyConfig()
		cfg.RetryWindow = -time.Second
		run(t, cfg, "failed-window-key")
	})
}

func TestJobService_ClaimHeartbeatFinish(t *testing.T) {
	svc, events := newTestJobService(t)
	ctx := context.Background()

	t.Run("claim returns ErrNoJobsAvailable on empty queue", func(t *testing.T) {
		_, err := svc.Claim(ctx, time.Minute)
		assert.ErrorIs(t, err, ErrNoJobsAvailable)
	})

	t.Run("claim takes oldest queued job and stamps lease", func(t *testing.T) {
		first, err := svc.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{"n":1}`)})
		require.NoError(t, err)
		_, err = svc.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{"n":2}`)})
		require.NoError(t, err)

		claimed, err := svc.Claim(ctx, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, first.Job.ID, claimed.ID)
		assert.Equal(t, models.JobStatusRunning, claimed.Status)
		assert.Equal(t, 1, claimed.Attempts)
		require.NotNil(t, claimed.LeaseExpiresAt)
		assert.WithinDuration(t, time.Now().Add(time.Minute), *claimed.LeaseExpiresAt, 5*time.Second)
	})

	t.Run("heartbeat extends lease", func(t *testing.T) {
		claimed, err := svc.Claim(ctx, time.Second)
		require.NoError(t, err)

		require.NoError(t, svc.Heartbeat(ctx, claimed.ID, time.Hour))

		job, err := svc.Get(ctx, claimed.ID)
		require.NoError(t, err)
		require.NotNil(t, job.LeaseExpiresAt)
		assert.WithinDuration(t, time.Now().Add(time.Hour), *job.LeaseExpiresAt, 5*time.Second)
		require.NoError(t, svc.Finish(ctx, claimed.ID, models.JobStatusSucceeded, nil, ""))
	})

	t.Run("finish writes terminal event in same transition", func(t *testing.T) {
		out, err := svc.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{"n":3}`)})
		require.NoError(t, err)
		claimed, err := svc.Claim(ctx, time.Minute)
		require.NoError(t, err)
		require.Equal(t, out.Job.ID, claimed.ID)

		require.NoError(t, svc.Finish(ctx, claimed.ID, models.JobStatusSucceeded,
			json.RawMessage(`{"reportId":7}`), ""))

		job, err := svc.Get(ctx, claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusSucceeded, job.Status)
		assert.NotNil(t, job.FinishedAt)
		assert.Nil(t, job.LeaseExpiresAt)

		evts, err := events.GetEventsSince(ctx, claimed.ID, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, "completed", evts[len(evts)-1].Type)
	})

	t.Run("finish after cancel is a no-op", func(t *testing.T) {
		out, err := svc.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{"n":4}`)})
		require.NoError(t, err)
		claimed, err := svc.Claim(ctx, time.Minute)
		require.NoError(t, err)
		require.Equal(t, out.Job.ID, claimed.ID)

		_, err = svc.Cancel(ctx, claimed.ID)
		require.NoError(t, err)

		// The worker finishing late must not overwrite the cancellation.
		require.NoError(t, svc.Finish(ctx, claimed.ID, models.JobStatusSucceeded,
			json.RawMessage(`{"reportId":9}`), ""))

		job, err := svc.Get(ctx, claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, job.Status)
		assert.Nil(t, job.Result)
	})
}

func TestJobService_Cancel(t *testing.T) {
	svc, _ := newTestJobService(t)
	ctx := context.Background()

	t.Run("cancels queued job", func(t *testing.T) {
		out, err := svc.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{}`)})
		require.NoError(t, err)

		job, err := svc.Cancel(ctx, out.Job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCanceled, job.Status)
	})

	t.Run("terminal job is not cancellable", func(t *testing.T) {
		out, err := svc.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{}`)})
		require.NoError(t, err)
		_, err = svc.Cancel(ctx, out.Job.ID)
		require.NoError(t, err)

		_, err = svc.Cancel(ctx, out.Job.ID)
		assert.ErrorIs(t, err, ErrNotCancellable)
	})

	t.Run("missing job returns ErrNotFound", func(t *testing.T) {
		_, err := svc.Cancel(ctx, "job_0_ffffff")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestJobService_ReclaimExpiredLeases(t *testing.T) {
	svc, events := newTestJobService(t)
	ctx := context.Background()

	t.Run("re-queues expired lease with abandoned event", func(t *testing.T) {
		out, err := svc.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{}`)})
		require.NoError(t, err)

		claimed, err := svc.Claim(ctx, -time.Second) // lease already expired
		require.NoError(t, err)
		require.Equal(t, out.Job.ID, claimed.ID)

		n, err := svc.ReclaimExpiredLeases(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		job, err := svc.Get(ctx, claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusQueued, job.Status)
		assert.Equal(t, 1, job.Attempts)

		evts, err := events.GetEventsSince(ctx, claimed.ID, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, "abandoned", evts[len(evts)-1].Type)

		// Clean up the re-queued job so later subtests claim their own.
		_, err = svc.Cancel(ctx, claimed.ID)
		require.NoError(t, err)
	})

	t.Run("fails job after max attempts", func(t *testing.T) {
		out, err := svc.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{}`)})
		require.NoError(t, err)

		for attempt := 1; attempt <= 2; attempt++ {
			claimed, err := svc.Claim(ctx, -time.Second)
			require.NoError(t, err)
			require.Equal(t, out.Job.ID, claimed.ID)
			require.Equal(t, attempt, claimed.Attempts)

			n, err := svc.ReclaimExpiredLeases(ctx, 2)
			require.NoError(t, err)
			require.Equal(t, 1, n)
		}

		job, err := svc.Get(ctx, out.Job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, job.Status)
		require.NotNil(t, job.ErrorMessage)
		assert.Equal(t, "max_attempts_exceeded", *job.ErrorMessage)

		evts, err := events.GetEventsSince(ctx, out.Job.ID, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, "error", evts[len(evts)-1].Type)
	})

	t.Run("healthy lease is untouched", func(t *testing.T) {
		out, err := svc.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{}`)})
		require.NoError(t, err)
		claimed, err := svc.Claim(ctx, time.Hour)
		require.NoError(t, err)
		require.Equal(t, out.Job.ID, claimed.ID)

		n, err := svc.ReclaimExpiredLeases(ctx, 3)
		require.NoError(t, err)
		assert.Zero(t, n)

		job, err := svc.Get(ctx, claimed.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, job.Status)
	})
}

func TestJobService_CleanupExpiredIdempotencyKeys(t *testing.T) {
	client := testdb.NewTestClient(t)
	cfg := config.DefaultIdempotencyConfig()
	cfg.TTL = -time.Second // keys expire immediately
	svc := NewJobService(client, cfg)
	ctx := context.Background()

	key := "expiring-key"
	out, err := svc.Enqueue(ctx, EnqueueInput{
		Params:         json.RawMessage(`{}`),
		IdempotencyKey: &key,
	})
	require.NoError(t, err)

	claimed, err := svc.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, svc.Finish(ctx, claimed.ID, models.JobStatusSucceeded, nil, ""))

	n, err := svc.CleanupExpiredIdempotencyKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := svc.Get(ctx, out.Job.ID)
	require.NoError(t, err)
	assert.Nil(t, job.IdempotencyKey)

	// An expired key no longer replays the cached result.
	second, err := svc.Enqueue(ctx, EnqueueInput{
		Params:         json.RawMessage(`{}`),
		IdempotencyKey: &key,
	})
	require.NoError(t, err)
	assert.NotEqual(t, out.Job.ID, second.Job.ID)
	assert.False(t, second.Cached)
}

func TestJobService_Counts(t *testing.T) {
	svc, _ := newTestJobService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := svc.Enqueue(ctx, EnqueueInput{Params: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}
	_, err := svc.Claim(ctx, time.Minute)
	require.NoError(t, err)

	depth, err := svc.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	counts, err := svc.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.JobStatusQueued])
	assert.Equal(t, 1, counts[models.JobStatusRunning])
}
