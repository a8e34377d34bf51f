package models

import "time"

// GraphNode is a knowledge-graph entity extracted from reports.
// Nodes are unique by (type, lower(name)).
type GraphNode struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Embedding   []float32 `json:"-"`
	Degree      int       `json:"degree"`
	CreatedAt   time.Time `json:"created_at"`
}

// GraphEdge is a directed relation between two nodes, unique by
// (source, target, relation). Cycles are permitted; traversal carries
// a visited set and a depth limit.
type GraphEdge struct {
	ID         int64     `json:"id"`
	SourceID   int64     `json:"source_id"`
	TargetID   int64     `json:"target_id"`
	Relation   string    `json:"relation"`
	Weight     float64   `json:"weight"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}
