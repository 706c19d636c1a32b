package graph

import (
	"math"

	"github.com/google/uuid"
)

// Role determines a node's conversational turn semantics.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// NodeKind distinguishes the two node shapes: a plain chat message and a
// message carrying a file attachment. Attachment fields are only meaningful
// on KindAttachment nodes.
type NodeKind string

const (
	KindMessage    NodeKind = "message"
	KindAttachment NodeKind = "attachment"
)

// Position is a node's coordinate on the canvas, in graph (world) space.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo calculates the Euclidean distance to another position.
func (p Position) DistanceTo(other Position) float64 {
	dx := p.X - other.X
	dy := p.Y - other.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Attachment references an uploaded file associated with a node.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// Node is a single conversation turn on the canvas.
//
// Content may be the empty string: for an assistant node that is a meaningful
// state ("awaiting generation"), not a missing value.
type Node struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
	Kind     NodeKind `json:"kind"`
	Role     Role     `json:"role"`
	Content  string   `json:"content"`

	// BranchContext is the text selection in the parent that anchored this
	// branch, empty for non-branch nodes.
	BranchContext string `json:"branchContext,omitempty"`

	// Generating is transient: true while a completion stream is filling
	// Content. Never persisted.
	Generating bool `json:"generating,omitempty"`

	PersonaID     string `json:"personaId,omitempty"`
	CustomPersona string `json:"customPersona,omitempty"`
	AuthorName    string `json:"authorName,omitempty"`

	Attachment *Attachment `json:"attachment,omitempty"`
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	if n.Attachment != nil {
		a := *n.Attachment
		c.Attachment = &a
	}
	return &c
}

// ChildRole derives the role of a child created under this node. A child of a
// user node is an assistant turn and vice versa; children of system nodes
// start a fresh user turn.
func (n *Node) ChildRole() Role {
	switch n.Role {
	case RoleUser:
		return RoleAssistant
	case RoleAssistant:
		return RoleUser
	default:
		return RoleUser
	}
}

// NodePatch is a partial update applied to a node. Nil fields are left
// untouched; this is the shallow-merge contract used by streaming content
// updates and terminal state transitions.
type NodePatch struct {
	Content       *string
	BranchContext *string
	Generating    *bool
	PersonaID     *string
	CustomPersona *string
	AuthorName    *string
	Attachment    *Attachment
}

// NewNodeID returns a fresh opaque node identifier. Uniqueness is required,
// ordering is not relied upon.
func NewNodeID() string {
	return uuid.New().String()
}
