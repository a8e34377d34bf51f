package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/seekerlab/seeker/pkg/config"
	"github.com/seekerlab/seeker/pkg/database"
	"github.com/seekerlab/seeker/pkg/models"
	"github.com/seekerlab/seeker/pkg/services"
)

// Scope selects which item kinds a retrieval covers.
type Scope string

const (
	ScopeReports Scope = "reports"
	ScopeDocs    Scope = "docs"
	ScopeBoth    Scope = "both"
)

const snippetRunes = 240

// QueryEmbedder is the slice of the embedding provider retrieval needs.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GraphSearcher is the slice of the graph service retrieval needs.
type GraphSearcher interface {
	MatchNames(ctx context.Context, text string, limit int) ([]models.GraphNode, error)
	Neighbors(ctx context.Context, startID int64, maxHops, limit int) ([]services.Neighbor, error)
}

// Reranker re-scores (query, content) pairs. Wired externally; nil
// disables the rerank stage.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error)
}

// Request is one retrieval call.
type Request struct {
	Query  string `json:"query"`
	K      int    `json:"k"`
	Scope  Scope  `json:"scope"`
	Rerank bool   `json:"rerank"`
}

// Result is one ranked hit.
type Result struct {
	ID         string  `json:"id"`
	Title      string  `json:"title,omitempty"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
	BM25       float64 `json:"bm25,omitempty"`
	Dense      float64 `json:"dense,omitempty"`
	GraphMatch bool    `json:"graphMatch,omitempty"`
}

// GraphExpansion is the neighborhood of the best node matching the
// query, when graph enrichment found one.
type GraphExpansion struct {
	Entity        models.GraphNode    `json:"entity"`
	Relationships []services.Neighbor `json:"relationships"`
}

// Response is the full retrieval answer. Degraded is true when the
// dense stage was skipped because the embedder is unavailable.
type Response struct {
	Results  []Result        `json:"results"`
	Graph    *GraphExpansion `json:"graph,omitempty"`
	Degraded bool            `json:"degraded"`
}

// Retriever runs the staged hybrid search pipeline.
type Retriever struct {
	cfg      *config.RetrievalConfig
	lexical  *lexicalSearcher
	dense    *denseSearcher
	embedder QueryEmbedder
	graph    GraphSearcher
	reranker Reranker

	embedderDown atomic.Bool
}

// NewRetriever wires the pipeline. embedder and graph may be nil, which
// permanently disables their stages.
func NewRetriever(db *database.Client, cfg *config.RetrievalConfig, embedder QueryEmbedder, graph GraphSearcher) *Retriever {
	slog.Info("Retrieval fusion weights fixed for process lifetime",
		"lexical_weight", cfg.LexicalWeight,
		"dense_weight", cfg.DenseWeight,
		"bm25_k1", cfg.BM25K1,
		"bm25_b", cfg.BM25B,
		"thresholds", cfg.Thresholds)

	return &Retriever{
		cfg:      cfg,
		lexical:  &lexicalSearcher{db: db, k1: cfg.BM25K1, b: cfg.BM25B},
		dense:    &denseSearcher{db: db, thresholds: cfg.Thresholds, efSearch: cfg.EFSearch, limit: cfg.CandidateLimit},
		embedder: embedder,
		graph:    graph,
	}
}

// SetReranker installs an optional rerank stage. Call before serving.
func (r *Retriever) SetReranker(rr Reranker) { r.reranker = rr }

// SetEmbedderDown marks the dense stage unavailable; boot sets this
// when the embeddings probe fails so queries degrade instead of erroring.
func (r *Retriever) SetEmbedderDown(down bool) { r.embedderDown.Store(down) }

// Retrieve runs the full pipeline for one query.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Response, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, services.NewValidationError("query", "must not be empty")
	}
	k := req.K
	if k <= 0 {
		k = r.cfg.DefaultK
	}
	scope := req.Scope
	if scope == "" {
		scope = ScopeBoth
	}

	lexical, err := r.lexical.Search(ctx, query, sourcePrefixFor(scope), r.cfg.CandidateLimit)
	if err != nil {
		return nil, err
	}

	dense, degraded := r.denseStage(ctx, query, scope, k)

	resp := &Response{Degraded: degraded}
	if r.cfg.GraphEnabled && r.graph != nil {
		resp.Graph = r.graphStage(ctx, query, lexical, dense)
	}

	fused := Fuse(lexical, dense, r.cfg.LexicalWeight, r.cfg.DenseWeight, k)

	if req.Rerank && r.reranker != nil {
		fused, err = r.reranker.Rerank(ctx, query, fused)
		if err != nil {
			return nil, fmt.Errorf("reranking: %w", err)
		}
	}

	resp.Results = make([]Result, 0, len(fused))
	for _, c := range fused {
		resp.Results = append(resp.Results, Result{
			ID:         c.ItemID,
			Title:      c.Title,
			Snippet:    snippet(c.Content),
			Score:      c.Fused,
			BM25:       c.BM25,
			Dense:      c.Dense,
			GraphMatch: c.GraphMatch,
		})
	}
	return resp, nil
}

// denseStage embeds the query and runs the threshold ladder. Any
// failure degrades to lexical-only rather than failing the request.
func (r *Retriever) denseStage(ctx context.Context, query string, scope Scope, k int) ([]Candidate, bool) {
	if scope == ScopeDocs {
		return nil, false
	}
	if r.embedder == nil || r.embedderDown.Load() {
		return nil, true
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("Query embedding failed, degrading to lexical-only", "error", err)
		return nil, true
	}

	dense, err := r.dense.Search(ctx, vec, MinDenseHits(k))
	if err != nil {
		slog.Warn("Dense search failed, degrading to lexical-only", "error", err)
		return nil, true
	}
	return dense, false
}

// graphStage matches the query against canonical node names, annotates
// candidates that mention a matched entity, and expands the strongest
// match's neighborhood. Graph errors never fail the retrieval.
func (r *Retriever) graphStage(ctx context.Context, query string, lexical, dense []Candidate) *GraphExpansion {
	nodes, err := r.graph.MatchNames(ctx, query, 10)
	if err != nil {
		slog.Warn("Graph name matching failed", "error", err)
		return nil
	}
	if len(nodes) == 0 {
		return nil
	}

	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = strings.ToLower(n.Name)
	}
	annotate := func(cands []Candidate) {
		for i := range cands {
			text := strings.ToLower(cands[i].Title + " " + cands[i].Content)
			for _, name := range names {
				if strings.Contains(text, name) {
					cands[i].GraphMatch = true
					break
				}
			}
		}
	}
	annotate(lexical)
	annotate(dense)

	best := nodes[0]
	neighbors, err := r.graph.Neighbors(ctx, best.ID, r.cfg.MaxHops, 50)
	if err != nil {
		slog.Warn("Graph expansion failed", "node", best.Name, "error", err)
		return &GraphExpansion{Entity: best}
	}
	return &GraphExpansion{Entity: best, Relationships: neighbors}
}

func sourcePrefixFor(scope Scope) string {
	switch scope {
	case ScopeReports:
		return "report:"
	case ScopeDocs:
		return "doc:"
	default:
		return ""
	}
}

func snippet(content string) string {
	if utf8.RuneCountInString(content) <= snippetRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:snippetRunes]) + "…"
}
