package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testdb "github.com/seekerlab/seeker/test/database"
)

func TestReportService(t *testing.T) {
	client := testdb.NewTestClient(t)
	svc := NewReportService(client)
	ctx := context.Background()

	embedding := make([]float32, 384)
	embedding[0] = 0.5

	t.Run("save and get", func(t *testing.T) {
		id, err := svc.Save(ctx, SaveReportInput{
			Query:     "what is raft",
			Params:    json.RawMessage(`{"costPreference":"low"}`),
			Content:   "Raft is a consensus algorithm.",
			Embedding: embedding,
			Metadata:  json.RawMessage(`{"model":"test"}`),
		})
		require.NoError(t, err)
		assert.Positive(t, id)

		r, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "what is raft", r.Query)
		assert.Equal(t, "Raft is a consensus algorithm.", r.Content)
		assert.Nil(t, r.Rating)
	})

	t.Run("empty query rejected", func(t *testing.T) {
		_, err := svc.Save(ctx, SaveReportInput{Content: "x"})
		assert.True(t, IsValidationError(err))
	})

	t.Run("missing report returns ErrNotFound", func(t *testing.T) {
		_, err := svc.Get(ctx, 999999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rate bounds", func(t *testing.T) {
		id, err := svc.Save(ctx, SaveReportInput{Query: "q", Content: "c", Embedding: embedding})
		require.NoError(t, err)

		assert.True(t, IsValidationError(svc.Rate(ctx, id, 0)))
		assert.True(t, IsValidationError(svc.Rate(ctx, id, 6)))
		require.NoError(t, svc.Rate(ctx, id, 4))

		r, err := svc.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, r.Rating)
		assert.Equal(t, 4, *r.Rating)

		assert.ErrorIs(t, svc.Rate(ctx, 999999, 3), ErrNotFound)
	})

	t.Run("nil embedding is backfilled later", func(t *testing.T) {
		id, err := svc.Save(ctx, SaveReportInput{Query: "degraded save", Content: "body"})
		require.NoError(t, err)

		missing, err := svc.ListMissingEmbeddings(ctx, 10)
		require.NoError(t, err)
		require.Len(t, missing, 1)
		assert.Equal(t, id, missing[0].ID)

		require.NoError(t, svc.UpdateEmbedding(ctx, id, embedding))

		missing, err = svc.ListMissingEmbeddings(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, missing)
	})

	t.Run("list recent is newest first", func(t *testing.T) {
		reports, err := svc.ListRecent(ctx, 50)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(reports), 2)
		for i := 1; i < len(reports); i++ {
			assert.Greater(t, reports[i-1].ID, reports[i].ID)
		}
	})
}
