package retrieval

import (
	"context"
	"fmt"
	"math"

	"github.com/pgvector/pgvector-go"

	"github.com/seekerlab/seeker/pkg/database"
)

// denseSearcher runs cosine-similarity queries over report embeddings
// using the HNSW index, relaxing the similarity cutoff progressively
// until enough candidates are found.
type denseSearcher struct {
	db         *database.Client
	thresholds []float64
	efSearch   int
	limit      int
}

// Search embeds nothing itself; it receives the query vector and walks
// the threshold ladder. Each tier re-runs the index scan with a lower
// cutoff; the ladder stops as soon as a tier yields at least minHits
// candidates, and the last tier's results are returned regardless.
func (s *denseSearcher) Search(ctx context.Context, queryVec []float32, minHits int) ([]Candidate, error) {
	if minHits < 1 {
		minHits = 1
	}

	var candidates []Candidate
	for _, threshold := range s.thresholds {
		var err error
		candidates, err = s.searchAt(ctx, queryVec, threshold)
		if err != nil {
			return nil, err
		}
		if len(candidates) >= minHits {
			break
		}
	}
	return candidates, nil
}

func (s *denseSearcher) searchAt(ctx context.Context, queryVec []float32, threshold float64) ([]Candidate, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting dense search transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// SET LOCAL scopes the HNSW runtime parameter to this transaction.
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", s.efSearch)); err != nil {
		return nil, fmt.Errorf("setting ef_search: %w", err)
	}

	vec := pgvector.NewVector(queryVec)
	rows, err := tx.Query(ctx, `
		SELECT id, query, content, 1 - (embedding <=> $1) AS similarity
		FROM reports
		WHERE embedding IS NOT NULL
		  AND 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1, id
		LIMIT $3`,
		vec, threshold, s.limit,
	)
	if err != nil {
		return nil, fmt.Errorf("dense search at threshold %.2f: %w", threshold, err)
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		var similarity float64
		if err := rows.Scan(&c.DocID, &c.Title, &c.Content, &similarity); err != nil {
			return nil, fmt.Errorf("scanning dense row: %w", err)
		}
		c.ItemID = ReportItemID(c.DocID)
		c.Dense = similarity
		c.HasDense = true
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return candidates, tx.Commit(ctx)
}

// MinDenseHits is the ⌈k/2⌉ bar a threshold tier must clear before the
// ladder stops relaxing.
func MinDenseHits(k int) int {
	return int(math.Ceil(float64(k) / 2))
}
