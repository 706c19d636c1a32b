// Package events defines the row-level change events that flow between
// sessions over the change feed. An event describes one committed write to
// the remote store: a node or edge insert/update/delete, or a graph
// metadata update.
package events

import (
	"time"

	"loomsync/domain/graph"
)

// ChangeType is the kind of row-level change.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// EntityType identifies the table a change applies to.
type EntityType string

const (
	EntityGraph EntityType = "graph"
	EntityNode  EntityType = "node"
	EntityEdge  EntityType = "edge"
)

// NodeData is the persisted node blob: everything about a node except its
// position, which is stored as first-class columns. The transient generating
// flag is deliberately absent.
type NodeData struct {
	Role          graph.Role     `json:"role"`
	Content       string         `json:"content"`
	Kind          graph.NodeKind `json:"kind,omitempty"`
	BranchContext string         `json:"branchContext,omitempty"`
	AuthorName    string         `json:"authorName,omitempty"`
	PersonaID     string         `json:"personaId,omitempty"`
	CustomPersona string         `json:"customPersona,omitempty"`
	FileURL       string         `json:"fileUrl,omitempty"`
	FileName      string         `json:"fileName,omitempty"`
	FileSize      int64          `json:"fileSize,omitempty"`
	MimeType      string         `json:"mimeType,omitempty"`
}

// ModelConfig is the per-node completion configuration blob.
type ModelConfig struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// NodeRecord is the wire/storage representation of a node row.
type NodeRecord struct {
	ID      string      `json:"id"`
	GraphID string      `json:"graphId"`
	X       float64     `json:"x"`
	Y       float64     `json:"y"`
	Data    NodeData    `json:"data"`
	Config  ModelConfig `json:"config"`
}

// EdgeRecord is the wire/storage representation of an edge row.
type EdgeRecord struct {
	ID       string `json:"id"`
	GraphID  string `json:"graphId"`
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
}

// GraphRecord is the wire/storage representation of a graph row.
type GraphRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ChangeEvent is one committed change, as delivered by the feed. Origin
// carries the writing session's id so that session can filter out its own
// writes.
type ChangeEvent struct {
	Origin    string      `json:"origin"`
	GraphID   string      `json:"graphId"`
	Entity    EntityType  `json:"entity"`
	Type      ChangeType  `json:"type"`
	Node      *NodeRecord `json:"node,omitempty"`
	Edge      *EdgeRecord `json:"edge,omitempty"`
	GraphName string      `json:"graphName,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NodeRecordFrom converts a store node into its persisted representation.
func NodeRecordFrom(graphID string, n *graph.Node) NodeRecord {
	rec := NodeRecord{
		ID:      n.ID,
		GraphID: graphID,
		X:       n.Position.X,
		Y:       n.Position.Y,
		Data: NodeData{
			Role:          n.Role,
			Content:       n.Content,
			Kind:          n.Kind,
			BranchContext: n.BranchContext,
			AuthorName:    n.AuthorName,
			PersonaID:     n.PersonaID,
			CustomPersona: n.CustomPersona,
		},
	}
	if n.Attachment != nil {
		rec.Data.FileURL = n.Attachment.URL
		rec.Data.FileName = n.Attachment.Name
		rec.Data.FileSize = n.Attachment.Size
		rec.Data.MimeType = n.Attachment.MimeType
	}
	return rec
}

// ToNode converts a persisted node row back into a store node.
func (r NodeRecord) ToNode() graph.Node {
	n := graph.Node{
		ID:            r.ID,
		Position:      graph.Position{X: r.X, Y: r.Y},
		Kind:          r.Data.Kind,
		Role:          r.Data.Role,
		Content:       r.Data.Content,
		BranchContext: r.Data.BranchContext,
		AuthorName:    r.Data.AuthorName,
		PersonaID:     r.Data.PersonaID,
		CustomPersona: r.Data.CustomPersona,
	}
	if n.Kind == "" {
		n.Kind = graph.KindMessage
	}
	if r.Data.FileURL != "" || r.Data.FileName != "" {
		n.Kind = graph.KindAttachment
		n.Attachment = &graph.Attachment{
			URL:      r.Data.FileURL,
			Name:     r.Data.FileName,
			Size:     r.Data.FileSize,
			MimeType: r.Data.MimeType,
		}
	}
	return n
}

// EdgeRecordFrom converts a store edge into its persisted representation.
func EdgeRecordFrom(graphID string, e *graph.Edge) EdgeRecord {
	return EdgeRecord{ID: e.ID, GraphID: graphID, SourceID: e.SourceID, TargetID: e.TargetID}
}

// ToEdge converts a persisted edge row back into a store edge.
func (r EdgeRecord) ToEdge() graph.Edge {
	return graph.Edge{ID: r.ID, SourceID: r.SourceID, TargetID: r.TargetID}
}
