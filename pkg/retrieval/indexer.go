package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/seekerlab/seeker/pkg/database"
)

// Indexer maintains the BM25 inverted index. Document content,
// postings, and term document-frequencies are always written in one
// transaction so the index never disagrees with itself.
type Indexer struct {
	db *database.Client
}

// NewIndexer creates a new Indexer.
func NewIndexer(db *database.Client) *Indexer {
	return &Indexer{db: db}
}

// Index adds or replaces a document in the inverted index. Re-indexing
// an existing source id removes its old postings first so term
// frequencies stay exact.
func (ix *Indexer) Index(ctx context.Context, sourceID, title, content string) (int64, error) {
	if sourceID == "" {
		return 0, fmt.Errorf("indexing document: source id must not be empty")
	}

	tokens := Tokenize(title + " " + content)
	tf := termFrequencies(tokens)

	tx, err := ix.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("starting index transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var docID int64
	var existed bool
	err = tx.QueryRow(ctx, `
		INSERT INTO doc_index (source_id, title, content, length)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id) DO UPDATE
		SET title = EXCLUDED.title, content = EXCLUDED.content, length = EXCLUDED.length
		RETURNING id, (xmax <> 0)`,
		sourceID, title, content, len(tokens),
	).Scan(&docID, &existed)
	if err != nil {
		return 0, fmt.Errorf("upserting document %q: %w", sourceID, err)
	}

	if existed {
		if err := ix.removePostings(ctx, tx, docID); err != nil {
			return 0, err
		}
	}

	for term, freq := range tf {
		if _, err := tx.Exec(ctx, `
			INSERT INTO doc_postings (term, doc_id, frequency)
			VALUES ($1, $2, $3)`,
			term, docID, freq); err != nil {
			return 0, fmt.Errorf("inserting posting %q: %w", term, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO doc_terms (term, doc_frequency)
			VALUES ($1, 1)
			ON CONFLICT (term) DO UPDATE
			SET doc_frequency = doc_terms.doc_frequency + 1`,
			term); err != nil {
			return 0, fmt.Errorf("bumping term frequency %q: %w", term, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing index transaction: %w", err)
	}
	return docID, nil
}

// Remove deletes a document and its postings from the index. Missing
// source ids are a no-op.
func (ix *Indexer) Remove(ctx context.Context, sourceID string) error {
	tx, err := ix.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("starting index transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var docID int64
	err = tx.QueryRow(ctx,
		`SELECT id FROM doc_index WHERE source_id = $1`, sourceID).Scan(&docID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("looking up document %q: %w", sourceID, err)
	}

	if err := ix.removePostings(ctx, tx, docID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM doc_index WHERE id = $1`, docID); err != nil {
		return fmt.Errorf("deleting document %q: %w", sourceID, err)
	}

	return tx.Commit(ctx)
}

// removePostings deletes a document's postings and decrements the
// document frequency of each affected term, dropping terms that reach
// zero.
func (ix *Indexer) removePostings(ctx context.Context, tx pgx.Tx, docID int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE doc_terms SET doc_frequency = doc_frequency - 1
		WHERE term IN (SELECT term FROM doc_postings WHERE doc_id = $1)`,
		docID); err != nil {
		return fmt.Errorf("decrementing term frequencies: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM doc_postings WHERE doc_id = $1`, docID); err != nil {
		return fmt.Errorf("deleting postings: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM doc_terms WHERE doc_frequency <= 0`); err != nil {
		return fmt.Errorf("pruning empty terms: %w", err)
	}
	return nil
}

// Stats returns the corpus size and average document length used by
// BM25 scoring.
func (ix *Indexer) Stats(ctx context.Context) (totalDocs int, avgLength float64, err error) {
	err = ix.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(AVG(length), 0) FROM doc_index`,
	).Scan(&totalDocs, &avgLength)
	if err != nil {
		return 0, 0, fmt.Errorf("reading index stats: %w", err)
	}
	return totalDocs, avgLength, nil
}
