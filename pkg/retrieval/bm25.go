package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/seekerlab/seeker/pkg/database"
)

// bm25Score is the Okapi BM25 contribution of one term in one document.
func bm25Score(tf, df, totalDocs int, docLen, avgLen, k1, b float64) float64 {
	if tf == 0 || df == 0 || totalDocs == 0 {
		return 0
	}

	idf := math.Log(1 + (float64(totalDocs)-float64(df)+0.5)/(float64(df)+0.5))

	norm := 1.0
	if avgLen > 0 {
		norm = 1 - b + b*(docLen/avgLen)
	}
	return idf * float64(tf) * (k1 + 1) / (float64(tf) + k1*norm)
}

// lexicalSearcher runs BM25 queries against the inverted index.
type lexicalSearcher struct {
	db    *database.Client
	k1, b float64
}

// posting is one (term, document) pair joined with document stats.
type posting struct {
	term      string
	docID     int64
	sourceID  string
	title     string
	content   string
	frequency int
	docLength int
	docFreq   int
}

// Search tokenizes the query, scores every document containing at
// least one query term, and returns the top candidates ordered by
// descending BM25 score then ascending document id.
func (s *lexicalSearcher) Search(ctx context.Context, query, sourcePrefix string, limit int) ([]Candidate, error) {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	var totalDocs int
	var avgLen float64
	if err := s.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(AVG(length), 0) FROM doc_index`,
	).Scan(&totalDocs, &avgLen); err != nil {
		return nil, fmt.Errorf("reading index stats: %w", err)
	}
	if totalDocs == 0 {
		return nil, nil
	}

	postings, err := s.loadPostings(ctx, terms, sourcePrefix)
	if err != nil {
		return nil, err
	}

	byDoc := make(map[int64]*Candidate)
	for _, p := range postings {
		c, ok := byDoc[p.docID]
		if !ok {
			c = &Candidate{
				ItemID:  p.sourceID,
				DocID:   p.docID,
				Title:   p.title,
				Content: p.content,
				HasBM25: true,
			}
			byDoc[p.docID] = c
		}
		c.BM25 += bm25Score(p.frequency, p.docFreq, totalDocs,
			float64(p.docLength), avgLen, s.k1, s.b)
	}

	candidates := make([]Candidate, 0, len(byDoc))
	for _, c := range byDoc {
		candidates = append(candidates, *c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].BM25 != candidates[j].BM25 {
			return candidates[i].BM25 > candidates[j].BM25
		}
		return candidates[i].DocID < candidates[j].DocID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (s *lexicalSearcher) loadPostings(ctx context.Context, terms []string, sourcePrefix string) ([]posting, error) {
	q := `
		SELECT p.term, p.doc_id, d.source_id, d.title, d.content,
		       p.frequency, d.length, t.doc_frequency
		FROM doc_postings p
		JOIN doc_index d ON d.id = p.doc_id
		JOIN doc_terms t ON t.term = p.term
		WHERE p.term = ANY($1)`
	args := []any{terms}
	if sourcePrefix != "" {
		q += ` AND d.source_id LIKE $2`
		args = append(args, sourcePrefix+"%")
	}

	rows, err := s.db.Pool().Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("loading postings: %w", err)
	}
	defer rows.Close()

	var postings []posting
	for rows.Next() {
		var p posting
		if err := rows.Scan(&p.term, &p.docID, &p.sourceID, &p.title, &p.content,
			&p.frequency, &p.docLength, &p.docFreq); err != nil {
			return nil, fmt.Errorf("scanning posting row: %w", err)
		}
		postings = append(postings, p)
	}
	return postings, rows.Err()
}
