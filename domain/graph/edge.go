package graph

import "github.com/google/uuid"

// Edge is a directed parent→child connection between two nodes.
type Edge struct {
	ID       string `json:"id"`
	SourceID string `json:"source"`
	TargetID string `json:"target"`
}

// Key returns the ordered (source,target) pair used for deduplication. A
// second edge between the same ordered pair is considered a duplicate.
func (e Edge) Key() string {
	return e.SourceID + "->" + e.TargetID
}

// NewEdgeID returns a fresh edge identifier.
func NewEdgeID() string {
	return uuid.New().String()
}
