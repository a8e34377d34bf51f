package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/seekerlab/seeker/pkg/database"
	"github.com/seekerlab/seeker/pkg/models"
)

// ReportService manages persisted research reports.
type ReportService struct {
	db *database.Client
}

// NewReportService creates a new ReportService.
func NewReportService(db *database.Client) *ReportService {
	return &ReportService{db: db}
}

// SaveReportInput carries a finished report. Embedding may be nil when
// the embedder is degraded; the row is picked up later by the
// re-embedding sweep.
type SaveReportInput struct {
	Query     string
	Params    json.RawMessage
	Content   string
	Embedding []float32
	Metadata  json.RawMessage
}

// Save inserts a report and returns its id.
func (s *ReportService) Save(ctx context.Context, in SaveReportInput) (int64, error) {
	if in.Query == "" {
		return 0, NewValidationError("query", "must not be empty")
	}

	var embedding any
	if in.Embedding != nil {
		embedding = pgvector.NewVector(in.Embedding)
	}

	var id int64
	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO reports (query, params, content, embedding, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		in.Query, in.Params, in.Content, embedding, in.Metadata,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("saving report: %w", err)
	}
	return id, nil
}

// Get retrieves a report by id. The embedding is not loaded; retrieval
// queries score against it in SQL.
func (s *ReportService) Get(ctx context.Context, id int64) (*models.Report, error) {
	var r models.Report
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, query, params, content, rating, metadata, created_at
		FROM reports WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.Query, &r.Params, &r.Content, &r.Rating, &r.Metadata, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting report %d: %w", id, err)
	}
	return &r, nil
}

// Rate stores a 1–5 rating on a report.
func (s *ReportService) Rate(ctx context.Context, id int64, rating int) error {
	if rating < 1 || rating > 5 {
		return NewValidationError("rating", "must be between 1 and 5")
	}
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE reports SET rating = $2 WHERE id = $1`, id, rating)
	if err != nil {
		return fmt.Errorf("rating report %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecent returns the most recent reports, newest first.
func (s *ReportService) ListRecent(ctx context.Context, limit int) ([]models.Report, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, query, params, content, rating, metadata, created_at
		FROM reports ORDER BY id DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	defer rows.Close()

	var reports []models.Report
	for rows.Next() {
		var r models.Report
		if err := rows.Scan(&r.ID, &r.Query, &r.Params, &r.Content, &r.Rating, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning report row: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// ListMissingEmbeddings returns ids and content of reports whose
// embeddings were cleared by a dimension migration.
func (s *ReportService) ListMissingEmbeddings(ctx context.Context, limit int) ([]models.Report, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, query, content FROM reports
		WHERE embedding IS NULL
		ORDER BY id LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing reports missing embeddings: %w", err)
	}
	defer rows.Close()

	var reports []models.Report
	for rows.Next() {
		var r models.Report
		if err := rows.Scan(&r.ID, &r.Query, &r.Content); err != nil {
			return nil, fmt.Errorf("scanning report row: %w", err)
		}
		reports = append(reports, r)
	}
	return reports, rows.Err()
}

// UpdateEmbedding backfills one report's embedding.
func (s *ReportService) UpdateEmbedding(ctx context.Context, id int64, embedding []float32) error {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE reports SET embedding = $2 WHERE id = $1`,
		id, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("updating embedding for report %d: %w", id, err)
	}
	return nil
}
