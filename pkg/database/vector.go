package database

import (
	"context"
	"fmt"
	"log/slog"
)

// vectorTables lists every table carrying an embedding column that must
// track the configured dimension.
var vectorTables = []struct {
	table string
	index string
}{
	{"reports", "idx_reports_embedding"},
	{"graph_nodes", "idx_graph_nodes_embedding"},
}

// EnsureVectorDimension aligns the embedding columns with the configured
// embedder dimension. On mismatch, every embedding is cleared (set to
// NULL via column recreation) and the HNSW index is rebuilt; callers
// schedule background re-embedding of affected rows.
func (c *Client) EnsureVectorDimension(ctx context.Context, dim int) error {
	current, err := c.detectVectorDimension(ctx, "reports")
	if err != nil {
		return err
	}
	if current == dim {
		return nil
	}

	slog.Warn("Vector dimension mismatch — clearing embeddings and recreating columns",
		"detected_dim", current,
		"configured_dim", dim)

	for _, vt := range vectorTables {
		if err := c.recreateVectorColumn(ctx, vt.table, vt.index, dim); err != nil {
			return fmt.Errorf("recreating %s.embedding: %w", vt.table, err)
		}
	}

	slog.Warn("Embeddings cleared for dimension change — rows will re-embed in the background",
		"new_dim", dim)
	return nil
}

// detectVectorDimension reads the declared dimension of a table's
// embedding column from the catalog. atttypmod holds the vector dimension
// directly for the pgvector column type.
func (c *Client) detectVectorDimension(ctx context.Context, table string) (int, error) {
	var dim int
	err := c.pool.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		JOIN pg_class t ON a.attrelid = t.oid
		WHERE t.relname = $1 AND a.attname = 'embedding'`,
		table,
	).Scan(&dim)
	if err != nil {
		return 0, fmt.Errorf("detecting vector dimension of %s: %w", table, err)
	}
	return dim, nil
}

// recreateVectorColumn drops and recreates the embedding column and its
// HNSW index with the new dimension. Dropping the column clears all
// embeddings, which is the documented behavior of a dimension change.
func (c *Client) recreateVectorColumn(ctx context.Context, table, index string, dim int) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	stmts := []string{
		fmt.Sprintf("DROP INDEX IF EXISTS %s", index),
		fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS embedding", table),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN embedding vector(%d)", table, dim),
		fmt.Sprintf(
			"CREATE INDEX %s ON %s USING hnsw (embedding vector_cosine_ops) WITH (m = 24, ef_construction = 100)",
			index, table),
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}

	return tx.Commit(ctx)
}
