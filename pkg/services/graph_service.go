package services

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/seekerlab/seeker/pkg/database"
	"github.com/seekerlab/seeker/pkg/models"
)

// GraphService manages the knowledge graph tables. Nodes are unique per
// (type, lower(name)); edges are unique per (source, target, relation).
type GraphService struct {
	db *database.Client
}

// NewGraphService creates a new GraphService.
func NewGraphService(db *database.Client) *GraphService {
	return &GraphService{db: db}
}

// UpsertNode inserts a node or refreshes an existing one's description
// and embedding. Matching is case-insensitive on name within a type.
func (s *GraphService) UpsertNode(ctx context.Context, nodeType, name, description string, embedding []float32) (*models.GraphNode, error) {
	if name == "" {
		return nil, NewValidationError("name", "must not be empty")
	}

	var emb any
	if embedding != nil {
		emb = pgvector.NewVector(embedding)
	}

	var n models.GraphNode
	err := s.db.Pool().QueryRow(ctx, `
		INSERT INTO graph_nodes (node_type, name, description, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (node_type, lower(name)) DO UPDATE
		SET description = COALESCE(NULLIF(EXCLUDED.description, ''), graph_nodes.description),
		    embedding   = COALESCE(EXCLUDED.embedding, graph_nodes.embedding)
		RETURNING id, node_type, name, description, degree, created_at`,
		nodeType, name, description, emb,
	).Scan(&n.ID, &n.Type, &n.Name, &n.Description, &n.Degree, &n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting node %q: %w", name, err)
	}
	return &n, nil
}

// UpsertEdge inserts an edge or refreshes weight and confidence on an
// existing one. Cycles and self-loops are permitted. Degree counters on
// the endpoints are maintained only when the edge is newly created.
func (s *GraphService) UpsertEdge(ctx context.Context, sourceID, targetID int64, relation string, weight, confidence float64) (*models.GraphEdge, error) {
	tx, err := s.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting edge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var e models.GraphEdge
	var inserted bool
	err = tx.QueryRow(ctx, `
		INSERT INTO graph_edges (source_id, target_id, relation, weight, confidence)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id, target_id, relation) DO UPDATE
		SET weight     = EXCLUDED.weight,
		    confidence = EXCLUDED.confidence
		RETURNING id, source_id, target_id, relation, weight, confidence, created_at, (xmax = 0)`,
		sourceID, targetID, relation, weight, confidence,
	).Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &e.Confidence, &e.CreatedAt, &inserted)
	if err != nil {
		return nil, fmt.Errorf("upserting edge %d-[%s]->%d: %w", sourceID, relation, targetID, err)
	}

	if inserted {
		if _, err := tx.Exec(ctx,
			`UPDATE graph_nodes SET degree = degree + 1 WHERE id IN ($1, $2)`,
			sourceID, targetID); err != nil {
			return nil, fmt.Errorf("updating node degrees: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing edge transaction: %w", err)
	}
	return &e, nil
}

// FindNodeByName looks up a node by name, case-insensitively. When
// nodeType is empty the highest-degree match across types wins.
func (s *GraphService) FindNodeByName(ctx context.Context, name, nodeType string) (*models.GraphNode, error) {
	q := `SELECT id, node_type, name, description, degree, created_at
		FROM graph_nodes WHERE lower(name) = lower($1)`
	args := []any{name}
	if nodeType != "" {
		q += ` AND node_type = $2`
		args = append(args, nodeType)
	}
	q += ` ORDER BY degree DESC LIMIT 1`

	var n models.GraphNode
	err := s.db.Pool().QueryRow(ctx, q, args...).Scan(
		&n.ID, &n.Type, &n.Name, &n.Description, &n.Degree, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("finding node %q: %w", name, err)
	}
	return &n, nil
}

// GetNode retrieves a node by id.
func (s *GraphService) GetNode(ctx context.Context, id int64) (*models.GraphNode, error) {
	var n models.GraphNode
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, node_type, name, description, degree, created_at
		FROM graph_nodes WHERE id = $1`,
		id,
	).Scan(&n.ID, &n.Type, &n.Name, &n.Description, &n.Degree, &n.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting node %d: %w", id, err)
	}
	return &n, nil
}

// Neighbor is one hop in a graph traversal.
type Neighbor struct {
	Node     models.GraphNode `json:"node"`
	Edge     models.GraphEdge `json:"edge"`
	Hops     int              `json:"hops"`
	PathFrom int64            `json:"pathFrom"`
}

// Neighbors walks outward from a start node up to maxHops, breadth
// first, visiting each node at most once. Results are ordered by
// weight*confidence of the edge that first reached them, descending.
func (s *GraphService) Neighbors(ctx context.Context, startID int64, maxHops, limit int) ([]Neighbor, error) {
	if maxHops < 1 {
		maxHops = 1
	}
	if limit <= 0 {
		limit = 50
	}

	visited := map[int64]bool{startID: true}
	frontier := []int64{startID}
	var result []Neighbor

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		edges, err := s.edgesTouching(ctx, frontier)
		if err != nil {
			return nil, err
		}

		var next []int64
		for _, e := range edges {
			for _, pair := range [][2]int64{{e.SourceID, e.TargetID}, {e.TargetID, e.SourceID}} {
				from, to := pair[0], pair[1]
				if !visited[from] || visited[to] {
					continue
				}
				visited[to] = true
				node, err := s.GetNode(ctx, to)
				if err != nil {
					if errors.Is(err, ErrNotFound) {
						continue
					}
					return nil, err
				}
				result = append(result, Neighbor{Node: *node, Edge: e, Hops: hop, PathFrom: from})
				next = append(next, to)
			}
		}
		frontier = next
	}

	sort.SliceStable(result, func(i, j int) bool {
		si := result[i].Edge.Weight * result[i].Edge.Confidence
		sj := result[j].Edge.Weight * result[j].Edge.Confidence
		if si != sj {
			return si > sj
		}
		return result[i].Node.ID < result[j].Node.ID
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// edgesTouching returns all edges incident to any node in ids, strongest
// first so BFS discovers nodes through their best edge.
func (s *GraphService) edgesTouching(ctx context.Context, ids []int64) ([]models.GraphEdge, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, source_id, target_id, relation, weight, confidence, created_at
		FROM graph_edges
		WHERE source_id = ANY($1) OR target_id = ANY($1)
		ORDER BY weight * confidence DESC`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("loading edges: %w", err)
	}
	defer rows.Close()

	var edges []models.GraphEdge
	for rows.Next() {
		var e models.GraphEdge
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.Weight, &e.Confidence, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning edge row: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// MatchNames returns ids of graph nodes whose names appear, case
// insensitively, in the given text. Used to annotate retrieval results
// with graph matches.
func (s *GraphService) MatchNames(ctx context.Context, text string, limit int) ([]models.GraphNode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, node_type, name, description, degree, created_at
		FROM graph_nodes
		WHERE position(lower(name) in lower($1)) > 0
		ORDER BY degree DESC
		LIMIT $2`,
		text, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("matching node names: %w", err)
	}
	defer rows.Close()

	var nodes []models.GraphNode
	for rows.Next() {
		var n models.GraphNode
		if err := rows.Scan(&n.ID, &n.Type, &n.Name, &n.Description, &n.Degree, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning node row: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}
