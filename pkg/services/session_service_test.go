package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerlab/seeker/pkg/models"
	testdb "github.com/seekerlab/seeker/test/database"
)

func TestSessionService(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewSessionService(client)
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		sess, err := svc.Create(ctx, models.TransportHTTP, "2025-03-26",
			json.RawMessage(`{"sampling":{}}`), nil)
		require.NoError(t, err)
		assert.NotEmpty(t, sess.ID)

		got, err := svc.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TransportHTTP, got.Transport)
		assert.Equal(t, "2025-03-26", got.ProtocolVersion)
		assert.Empty(t, got.Subscriptions)
	})

	t.Run("missing session returns ErrNotFound", func(t *testing.T) {
		_, err := svc.Get(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("subscriptions are a set", func(t *testing.T) {
		sess, err := svc.Create(ctx, models.TransportWebSocket, "2025-03-26", nil, nil)
		require.NoError(t, err)

		require.NoError(t, svc.Subscribe(ctx, sess.ID, "report://42"))
		require.NoError(t, svc.Subscribe(ctx, sess.ID, "report://42")) // duplicate
		require.NoError(t, svc.Subscribe(ctx, sess.ID, "report://7"))

		got, err := svc.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"report://42", "report://7"}, got.Subscriptions)

		require.NoError(t, svc.Unsubscribe(ctx, sess.ID, "report://42"))
		got, err = svc.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"report://7"}, got.Subscriptions)

		subs, err := svc.SubscribersOf(ctx, "report://7")
		require.NoError(t, err)
		assert.Contains(t, subs, sess.ID)
	})

	t.Run("subscribe to missing session fails", func(t *testing.T) {
		err := svc.Subscribe(ctx, "00000000-0000-0000-0000-000000000000", "report://1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("sweep removes only idle sessions", func(t *testing.T) {
		idle, err := svc.Create(ctx, models.TransportStdio, "2025-03-26", nil, nil)
		require.NoError(t, err)
		fresh, err := svc.Create(ctx, models.TransportHTTP, "2025-03-26", nil, nil)
		require.NoError(t, err)

		// Age the idle session directly.
		_, err = client.Pool().Exec(ctx,
			`UPDATE mcp_sessions SET last_seen_at = now() - interval '2 hours' WHERE id = $1`,
			idle.ID)
		require.NoError(t, err)

		n, err := svc.SweepExpired(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = svc.Get(ctx, idle.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = svc.Get(ctx, fresh.ID)
		assert.NoError(t, err)
	})

	t.Run("touch keeps a session alive", func(t *testing.T) {
		sess, err := svc.Create(ctx, models.TransportHTTP, "2025-03-26", nil, nil)
		require.NoError(t, err)

		_, err = client.Pool().Exec(ctx,
			`UPDATE mcp_sessions SET last_seen_at = now() - interval '2 hours' WHERE id = $1`,
			sess.ID)
		require.NoError(t, err)
		require.NoError(t, svc.Touch(ctx, sess.ID))

		n, err := svc.SweepExpired(ctx, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("delete", func(t *testing.T) {
		sess, err := svc.Create(ctx, models.TransportHTTP, "2025-03-26", nil, nil)
		require.NoError(t, err)
		require.NoError(t, svc.Delete(ctx, sess.ID))
		_, err = svc.Get(ctx, sess.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
