package retrieval

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/database"
	"github.com/seekerlab/seeker/pkg/services"
	testdb "github.com/seekerlab/seeker/test/database"
)

// fakeEmbedder returns deterministic vectors: the query vector is fixed
// and each report's similarity is controlled by how the test seeded it.
type fakeEmbedder struct {
	dim  int
	fail bool
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.fail {
		return nil, assert.AnError
	}
	// Unit vector along the first axis; report embeddings seeded at an
	// angle to it get a predictable cosine similarity.
	vec := make([]float32, f.dim)
	vec[0] = 1
	return vec, nil
}

// vectorWithSimilarity builds a unit vector whose cosine similarity to
// the first-axis unit vector is sim.
func vectorWithSimilarity(dim int, sim float64) []float32 {
	vec := make([]float32, dim)
	vec[0] = float32(sim)
	vec[1] = float32(math.Sqrt(1 - sim*sim))
	return vec
}

func setupRetrievalTest(t *testing.T) (*database.Client, *services.ReportService) {
	t.Helper()
	client := testdb.NewTestClient(t)
	return client, services.NewReportService(client)
}

func seedReport(t *testing.T, reports *services.ReportService, ix *Indexer, query, content string, embedding []float32) int64 {
	t.Helper()
	id, err := reports.Save(context.Background(), services.SaveReportInput{
		Query: query, Content: content, Embedding: embedding,
	})
	require.NoError(t, err)
	_, err = ix.Index(context.Background(), ReportItemID(id), query, content)
	require.NoError(t, err)
	return id
}

func TestIndexer_ReindexKeepsFrequenciesExact(t *testing.T) {
	client, _ := setupRetrievalTest(t)
	ix := NewIndexer(client)
	ctx := context.Background()

	docID, err := ix.Index(ctx, "doc:alpha", "Alpha", "raft consensus raft leader")
	require.NoError(t, err)

	// Re-index with different content: old postings must vanish.
	again, err := ix.Index(ctx, "doc:alpha", "Alpha", "paxos quorum")
	require.NoError(t, err)
	assert.Equal(t, docID, again)

	var raftDF int
	err = client.Pool().QueryRow(ctx,
		`SELECT COALESCE((SELECT doc_frequency FROM doc_terms WHERE term = 'raft'), 0)`,
	).Scan(&raftDF)
	require.NoError(t, err)
	assert.Zero(t, raftDF, "stale term survived re-index")

	total, avg, err := ix.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.InDelta(t, 2.0, avg, 0.01)
}

func TestIndexer_Remove(t *testing.T) {
	client, _ := setupRetrievalTest(t)
	ix := NewIndexer(client)
	ctx := context.Background()

	_, err := ix.Index(ctx, "doc:gone", "", "ephemeral content here")
	require.NoError(t, err)
	require.NoError(t, ix.Remove(ctx, "doc:gone"))

	total, _, err := ix.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, total)

	// Removing a missing document is a no-op.
	assert.NoError(t, ix.Remove(ctx, "doc:never-existed"))
}

func TestRetriever_LexicalOnly(t *testing.T) {
	client, _ := setupRetrievalTest(t)
	ix := NewIndexer(client)
	ctx := context.Background()

	_, err := ix.Index(ctx, "doc:raft", "Raft", "raft is a consensus algorithm for replicated logs")
	require.NoError(t, err)
	_, err = ix.Index(ctx, "doc:http", "HTTP", "http is a stateless request response protocol")
	require.NoError(t, err)

	r := NewRetriever(client, config.DefaultRetrievalConfig(), nil, nil)
	resp, err := r.Retrieve(ctx, Request{Query: "consensus algorithm", Scope: ScopeDocs})
	require.NoError(t, err)

	require.Len(t, resp.Results, 1)
	assert.Equal(t, "doc:raft", resp.Results[0].ID)
	// Docs scope never touches the embedder, so it is not degraded.
	assert.False(t, resp.Degraded)
}

func TestRetriever_DegradedWithoutEmbedder(t *testing.T) {
	client, reports := setupRetrievalTest(t)
	ix := NewIndexer(client)
	ctx := context.Background()

	seedReport(t, reports, ix, "vector databases", "pgvector stores embeddings inside postgres", nil)

	r := NewRetriever(client, config.DefaultRetrievalConfig(), nil, nil)
	resp, err := r.Retrieve(ctx, Request{Query: "postgres embeddings"})
	require.NoError(t, err)

	assert.True(t, resp.Degraded)
	require.NotEmpty(t, resp.Results)
	_, isReport := ReportIDFromItem(resp.Results[0].ID)
	assert.True(t, isReport)
}

func TestRetriever_EmbedderFailureDegrades(t *testing.T) {
	client, reports := setupRetrievalTest(t)
	ix := NewIndexer(client)
	ctx := context.Background()

	seedReport(t, reports, ix, "caching", "cache invalidation strategies", nil)

	r := NewRetriever(client, config.DefaultRetrievalConfig(), &fakeEmbedder{dim: 384, fail: true}, nil)
	resp, err := r.Retrieve(ctx, Request{Query: "cache invalidation"})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.NotEmpty(t, resp.Results)
}

func TestRetriever_ProgressiveThresholds(t *testing.T) {
	client, reports := setupRetrievalTest(t)
	ix := NewIndexer(client)
	ctx := context.Background()

	// Two reports above the strictest tier, eight more above the
	// loosest. Asking for k=10 forces relaxation down the ladder.
	for i := range 2 {
		seedReport(t, reports, ix,
			fmt.Sprintf("close topic %d", i), "tightly related content",
			vectorWithSimilarity(384, 0.95-float64(i)*0.01))
	}
	for i := range 8 {
		seedReport(t, reports, ix,
			fmt.Sprintf("far topic %d", i), "loosely related content",
			vectorWithSimilarity(384, 0.65-float64(i)*0.004))
	}

	r := NewRetriever(client, config.DefaultRetrievalConfig(), &fakeEmbedder{dim: 384}, nil)
	resp, err := r.Retrieve(ctx, Request{Query: "unrelated lexical terms", K: 10, Scope: ScopeReports})
	require.NoError(t, err)

	assert.False(t, resp.Degraded)
	assert.Len(t, resp.Results, 10)
	for i := 1; i < len(resp.Results); i++ {
		assert.GreaterOrEqual(t, resp.Results[i-1].Score, resp.Results[i].Score)
	}

	// Same request replayed yields the identical ordering.
	again, err := r.Retrieve(ctx, Request{Query: "unrelated lexical terms", K: 10, Scope: ScopeReports})
	require.NoError(t, err)
	assert.Equal(t, resp.Results, again.Results)
}

func TestRetriever_GraphAnnotation(t *testing.T) {
	client, reports := setupRetrievalTest(t)
	ix := NewIndexer(client)
	graph := services.NewGraphService(client)
	ctx := context.Background()

	raft, err := graph.UpsertNode(ctx, "concept", "Raft", "consensus algorithm", nil)
	require.NoError(t, err)
	paxos, err := graph.UpsertNode(ctx, "concept", "Paxos", "", nil)
	require.NoError(t, err)
	_, err = graph.UpsertEdge(ctx, raft.ID, paxos.ID, "derived_from", 0.9, 1.0)
	require.NoError(t, err)

	seedReport(t, reports, ix, "consensus overview", "raft simplifies consensus compared to paxos", nil)
	seedReport(t, reports, ix, "http guide", "http consensus on headers is irrelevant here", nil)

	r := NewRetriever(client, config.DefaultRetrievalConfig(), nil, graph)
	resp, err := r.Retrieve(ctx, Request{Query: "raft consensus", Scope: ScopeReports})
	require.NoError(t, err)

	require.NotNil(t, resp.Graph)
	assert.Equal(t, "Raft", resp.Graph.Entity.Name)
	require.NotEmpty(t, resp.Graph.Relationships)
	assert.Equal(t, "Paxos", resp.Graph.Relationships[0].Node.Name)

	require.NotEmpty(t, resp.Results)
	assert.True(t, resp.Results[0].GraphMatch)
}

func TestRetriever_EmptyQueryRejected(t *testing.T) {
	client, _ := setupRetrievalTest(t)
	r := NewRetriever(client, config.DefaultRetrievalConfig(), nil, nil)
	_, err := r.Retrieve(context.Background(), Request{Query: "   "})
	assert.True(t, services.IsValidationError(err))
}
