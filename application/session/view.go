package session

import (
	appsync "loomsync/application/sync"
	"loomsync/domain/graph"
)

// NodeView is a node as rendered to clients, including the transient
// generating flag.
type NodeView struct {
	ID            string            `json:"id"`
	Position      graph.Position    `json:"position"`
	Kind          graph.NodeKind    `json:"kind"`
	Role          graph.Role        `json:"role"`
	Content       string            `json:"content"`
	BranchContext string            `json:"branchContext,omitempty"`
	Generating    bool              `json:"generating,omitempty"`
	PersonaID     string            `json:"personaId,omitempty"`
	CustomPersona string            `json:"customPersona,omitempty"`
	AuthorName    string            `json:"authorName,omitempty"`
	Attachment    *graph.Attachment `json:"attachment,omitempty"`
}

// EdgeView is an edge as rendered to clients.
type EdgeView struct {
	ID       string `json:"id"`
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
}

// GraphView is the full client-facing state of a session's graph.
type GraphView struct {
	SessionID  string         `json:"sessionId"`
	GraphID    string         `json:"graphId,omitempty"`
	Name       string         `json:"name"`
	Nodes      []NodeView     `json:"nodes"`
	Edges      []EdgeView     `json:"edges"`
	SyncStatus appsync.Status `json:"syncStatus"`
	SyncError  string         `json:"syncError,omitempty"`
}

// View renders the session's current state for transport.
func (s *Session) View() GraphView {
	meta := s.Store.Meta()
	nodes := s.Store.Nodes()
	edges := s.Store.Edges()
	status, errMsg := s.Engine.Status()

	view := GraphView{
		SessionID:  s.ID,
		GraphID:    meta.ID,
		Name:       meta.Name,
		Nodes:      make([]NodeView, 0, len(nodes)),
		Edges:      make([]EdgeView, 0, len(edges)),
		SyncStatus: status,
		SyncError:  errMsg,
	}
	for _, n := range nodes {
		view.Nodes = append(view.Nodes, NodeView{
			ID:            n.ID,
			Position:      n.Position,
			Kind:          n.Kind,
			Role:          n.Role,
			Content:       n.Content,
			BranchContext: n.BranchContext,
			Generating:    n.Generating,
			PersonaID:     n.PersonaID,
			CustomPersona: n.CustomPersona,
			AuthorName:    n.AuthorName,
			Attachment:    n.Attachment,
		})
	}
	for _, e := range edges {
		view.Edges = append(view.Edges, EdgeView{
			ID:       e.ID,
			SourceID: e.SourceID,
			TargetID: e.TargetID,
		})
	}
	return view
}
