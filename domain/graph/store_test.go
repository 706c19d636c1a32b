package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRootNode(t *testing.T) {
	s := NewStore("user-1")

	id := s.CreateRootNode(Position{X: 10, Y: 20}, "hello", "Alice")
	require.NotEmpty(t, id)

	node := s.NodeByID(id)
	require.NotNil(t, node)
	assert.Equal(t, RoleUser, node.Role)
	assert.Equal(t, KindMessage, node.Kind)
	assert.Equal(t, "hello", node.Content)
	assert.Equal(t, "Alice", node.AuthorName)
	assert.False(t, node.Generating)
	assert.Empty(t, s.Edges())
}

func TestCreateChildNode(t *testing.T) {
	s := NewStore("user-1")

	t.Run("inverts role and connects to parent", func(t *testing.T) {
		rootID := s.CreateRootNode(Position{}, "question", "Alice")
		childID := s.CreateChildNode(rootID, Position{X: 0, Y: 120}, "")

		child := s.NodeByID(childID)
		require.NotNil(t, child)
		assert.Equal(t, RoleAssistant, child.Role)
		assert.True(t, child.Generating, "assistant child starts generating")

		edges := s.Edges()
		require.Len(t, edges, 1)
		assert.Equal(t, rootID, edges[0].SourceID)
		assert.Equal(t, childID, edges[0].TargetID)
	})

	t.Run("child of assistant is a user turn", func(t *testing.T) {
		s := NewStore("user-1")
		rootID := s.CreateRootNode(Position{}, "q", "")
		assistantID := s.CreateChildNode(rootID, Position{}, "")
		replyID := s.CreateChildNode(assistantID, Position{}, "")

		reply := s.NodeByID(replyID)
		require.NotNil(t, reply)
		assert.Equal(t, RoleUser, reply.Role)
		assert.False(t, reply.Generating)
	})

	t.Run("inherits persona from parent", func(t *testing.T) {
		s := NewStore("user-1")
		rootID := s.CreateRootNode(Position{}, "q", "")
		persona := "pirate"
		s.UpdateNode(rootID, NodePatch{PersonaID: &persona})

		childID := s.CreateChildNode(rootID, Position{}, "")
		assert.Equal(t, "pirate", s.NodeByID(childID).PersonaID)
	})

	t.Run("unknown parent creates nothing", func(t *testing.T) {
		s := NewStore("user-1")
		id := s.CreateChildNode("missing", Position{}, "")
		assert.NotEmpty(t, id)
		assert.Nil(t, s.NodeByID(id))
		assert.Empty(t, s.Nodes())
		assert.Empty(t, s.Edges())
	})
}

func TestCreateAttachmentNode(t *testing.T) {
	s := NewStore("user-1")
	att := Attachment{URL: "https://files.example/doc.pdf", Name: "doc.pdf", Size: 1024, MimeType: "application/pdf"}

	id := s.CreateAttachmentNode(Position{X: 5, Y: 5}, att, "Alice")

	node := s.NodeByID(id)
	require.NotNil(t, node)
	assert.Equal(t, KindAttachment, node.Kind)
	require.NotNil(t, node.Attachment)
	assert.Equal(t, "doc.pdf", node.Attachment.Name)
}

func TestUpdateNode(t *testing.T) {
	s := NewStore("user-1")
	id := s.CreateRootNode(Position{}, "before", "")

	t.Run("patches only non-nil fields", func(t *testing.T) {
		content := "after"
		s.UpdateNode(id, NodePatch{Content: &content})

		node := s.NodeByID(id)
		assert.Equal(t, "after", node.Content)
		assert.Equal(t, RoleUser, node.Role)
	})

	t.Run("unknown id is a no-op", func(t *testing.T) {
		content := "x"
		s.UpdateNode("missing", NodePatch{Content: &content})
		assert.Len(t, s.Nodes(), 1)
	})
}

func TestAppendContent(t *testing.T) {
	s := NewStore("user-1")
	id := s.CreateRootNode(Position{}, "", "")

	s.AppendContent(id, "hel")
	s.AppendContent(id, "lo")

	assert.Equal(t, "hello", s.NodeByID(id).Content)
}

func TestDeleteNodeCascadesOneHop(t *testing.T) {
	s := NewStore("user-1")
	rootID := s.CreateRootNode(Position{}, "root", "")
	childID := s.CreateChildNode(rootID, Position{}, "")
	grandID := s.CreateChildNode(childID, Position{}, "")

	s.DeleteNode(childID)

	assert.Nil(t, s.NodeByID(childID))
	assert.NotNil(t, s.NodeByID(rootID))
	assert.NotNil(t, s.NodeByID(grandID), "descendants survive as islands")
	assert.Empty(t, s.Edges(), "edges touching the node are removed")
}

func TestDeleteNodeClearsSelection(t *testing.T) {
	s := NewStore("user-1")
	id := s.CreateRootNode(Position{}, "", "")
	s.SelectNode(id)

	s.DeleteNode(id)

	assert.Empty(t, s.SelectedNode())
}

func TestConnect(t *testing.T) {
	s := NewStore("user-1")
	a := s.CreateRootNode(Position{}, "a", "")
	b := s.CreateRootNode(Position{}, "b", "")

	t.Run("creates a directed edge", func(t *testing.T) {
		edgeID := s.Connect(a, b)
		require.NotEmpty(t, edgeID)
		require.Len(t, s.Edges(), 1)
	})

	t.Run("duplicate ordered pair returns the existing edge", func(t *testing.T) {
		first := s.Edges()[0].ID
		assert.Equal(t, first, s.Connect(a, b))
		assert.Len(t, s.Edges(), 1)
	})

	t.Run("reverse direction is a distinct edge", func(t *testing.T) {
		reverse := s.Connect(b, a)
		assert.NotEmpty(t, reverse)
		assert.Len(t, s.Edges(), 2)
	})

	t.Run("unknown endpoint is rejected", func(t *testing.T) {
		assert.Empty(t, s.Connect(a, "missing"))
		assert.Empty(t, s.Connect("missing", b))
	})
}

func TestUndoRedo(t *testing.T) {
	t.Run("round trip restores state", func(t *testing.T) {
		s := NewStore("user-1")
		a := s.CreateRootNode(Position{}, "a", "")
		s.CreateChildNode(a, Position{}, "")
		require.Len(t, s.Nodes(), 2)

		require.True(t, s.Undo())
		assert.Len(t, s.Nodes(), 1)
		assert.Empty(t, s.Edges())

		require.True(t, s.Redo())
		assert.Len(t, s.Nodes(), 2)
		assert.Len(t, s.Edges(), 1)
	})

	t.Run("empty stacks report false", func(t *testing.T) {
		s := NewStore("user-1")
		assert.False(t, s.Undo())
		assert.False(t, s.Redo())
	})

	t.Run("history is bounded to five steps", func(t *testing.T) {
		s := NewStore("user-1")
		for i := 0; i < 8; i++ {
			s.CreateRootNode(Position{}, "n", "")
		}
		undone := 0
		for s.Undo() {
			undone++
		}
		assert.Equal(t, 5, undone)
		assert.Len(t, s.Nodes(), 3, "only the last five creations can be unwound")
	})

	t.Run("new mutation clears the redo stack", func(t *testing.T) {
		s := NewStore("user-1")
		s.CreateRootNode(Position{}, "a", "")
		s.CreateRootNode(Position{}, "b", "")
		require.True(t, s.Undo())
		s.CreateRootNode(Position{}, "c", "")
		assert.False(t, s.Redo())
	})
}

func TestApplyRemoteNodeUpsert(t *testing.T) {
	t.Run("appends unknown nodes", func(t *testing.T) {
		s := NewStore("user-1")
		changed := s.ApplyRemoteNodeUpsert(Node{ID: "n1", Role: RoleUser, Content: "hi"})
		assert.True(t, changed)
		require.NotNil(t, s.NodeByID("n1"))
	})

	t.Run("drops sub-pixel position jitter", func(t *testing.T) {
		s := NewStore("user-1")
		id := s.CreateRootNode(Position{X: 100, Y: 100}, "hi", "")
		local := s.NodeByID(id)

		incoming := *local
		incoming.Position = Position{X: 100.4, Y: 100.3}
		assert.False(t, s.ApplyRemoteNodeUpsert(incoming))
		assert.Equal(t, Position{X: 100, Y: 100}, s.NodeByID(id).Position)
	})

	t.Run("applies a real move", func(t *testing.T) {
		s := NewStore("user-1")
		id := s.CreateRootNode(Position{X: 100, Y: 100}, "hi", "")
		local := s.NodeByID(id)

		incoming := *local
		incoming.Position = Position{X: 300, Y: 100}
		assert.True(t, s.ApplyRemoteNodeUpsert(incoming))
		assert.Equal(t, Position{X: 300, Y: 100}, s.NodeByID(id).Position)
	})

	t.Run("keeps the local generating flag", func(t *testing.T) {
		s := NewStore("user-1")
		rootID := s.CreateRootNode(Position{}, "q", "")
		childID := s.CreateChildNode(rootID, Position{}, "")
		require.True(t, s.NodeByID(childID).Generating)

		incoming := *s.NodeByID(childID)
		incoming.Content = "partial answer"
		incoming.Generating = false
		require.True(t, s.ApplyRemoteNodeUpsert(incoming))

		assert.True(t, s.NodeByID(childID).Generating)
		assert.Equal(t, "partial answer", s.NodeByID(childID).Content)
	})
}

func TestApplyRemoteEdges(t *testing.T) {
	s := NewStore("user-1")
	a := s.CreateRootNode(Position{}, "a", "")
	b := s.CreateRootNode(Position{}, "b", "")

	t.Run("upsert dedupes by ordered pair", func(t *testing.T) {
		require.True(t, s.ApplyRemoteEdgeUpsert(Edge{ID: "e1", SourceID: a, TargetID: b}))
		assert.False(t, s.ApplyRemoteEdgeUpsert(Edge{ID: "e2", SourceID: a, TargetID: b}))
		assert.Len(t, s.Edges(), 1)
	})

	t.Run("delete matches by pair when ids differ", func(t *testing.T) {
		assert.True(t, s.ApplyRemoteEdgeDelete(Edge{ID: "other-id", SourceID: a, TargetID: b}))
		assert.Empty(t, s.Edges())
	})

	t.Run("deleting an absent edge reports false", func(t *testing.T) {
		assert.False(t, s.ApplyRemoteEdgeDelete(Edge{ID: "gone", SourceID: a, TargetID: b}))
	})
}

func TestApplyRemoteName(t *testing.T) {
	s := NewStore("user-1")
	assert.True(t, s.ApplyRemoteName("Trip planning"))
	assert.Equal(t, "Trip planning", s.Meta().Name)
	assert.False(t, s.ApplyRemoteName("Trip planning"))
	assert.False(t, s.ApplyRemoteName(""))
}

func TestNotificationChannels(t *testing.T) {
	s := NewStore("user-1")
	var localCount, refreshCount int
	s.OnLocalChange(func() { localCount++ })
	s.OnRefresh(func() { refreshCount++ })

	s.CreateRootNode(Position{}, "hi", "")
	assert.Equal(t, 1, localCount)
	assert.Equal(t, 1, refreshCount)

	s.ApplyRemoteNodeUpsert(Node{ID: "remote-1", Role: RoleUser, Content: "peer"})
	assert.Equal(t, 1, localCount, "remote merges never mark the session dirty")
	assert.Equal(t, 2, refreshCount)
}

func TestLoadReplacesStateSilently(t *testing.T) {
	s := NewStore("user-1")
	fired := false
	s.OnLocalChange(func() { fired = true })

	nodes := []*Node{{ID: "n1", Role: RoleUser, Content: "restored"}}
	edges := []*Edge{{ID: "e1", SourceID: "n1", TargetID: "n1"}}
	s.Load(Metadata{ID: "g1", Name: "Saved", OwnerID: "user-1"}, nodes, edges)

	assert.False(t, fired)
	assert.Equal(t, "g1", s.Meta().ID)
	require.NotNil(t, s.NodeByID("n1"))
	assert.False(t, s.Undo(), "history resets on load")
}

func TestBranchAnchors(t *testing.T) {
	s := NewStore("user-1")
	rootID := s.CreateRootNode(Position{}, "long answer text", "")
	s.CreateChildNode(rootID, Position{}, "answer text")
	s.CreateChildNode(rootID, Position{}, "")

	anchors := s.BranchAnchors(rootID)
	assert.Equal(t, []string{"answer text"}, anchors)
	assert.True(t, s.HasChildren(rootID))
}
