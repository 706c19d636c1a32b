package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loomsync/domain/graph"
)

func TestSnapshotEqual(t *testing.T) {
	t.Run("stable across captures of unchanged state", func(t *testing.T) {
		s := graph.NewStore("user-1")
		s.CreateRootNode(graph.Position{X: 1, Y: 2}, "hello", "Alice")

		assert.True(t, Take(s).Equal(Take(s)))
	})

	t.Run("differs after a content change", func(t *testing.T) {
		s := graph.NewStore("user-1")
		id := s.CreateRootNode(graph.Position{}, "hello", "")
		before := Take(s)

		s.AppendContent(id, " world")
		assert.False(t, Take(s).Equal(before))
	})

	t.Run("differs after a rename", func(t *testing.T) {
		s := graph.NewStore("user-1")
		before := Take(s)
		s.SetName("Trip planning")
		assert.False(t, Take(s).Equal(before))
	})

	t.Run("ignores selection state", func(t *testing.T) {
		s := graph.NewStore("user-1")
		id := s.CreateRootNode(graph.Position{}, "hello", "")
		before := Take(s)

		s.SelectNode(id)
		s.SetBranchSelection("hel")
		assert.True(t, Take(s).Equal(before))
	})

	t.Run("ignores the generating flag", func(t *testing.T) {
		s := graph.NewStore("user-1")
		id := s.CreateRootNode(graph.Position{}, "hello", "")
		before := Take(s)

		on := true
		s.UpdateNode(id, graph.NodePatch{Generating: &on})
		assert.True(t, Take(s).Equal(before))
	})
}

func TestSnapshotEdgeRecords(t *testing.T) {
	s := graph.NewStore("user-1")
	s.SetGraphID("g1")
	a := s.CreateRootNode(graph.Position{}, "a", "")
	b := s.CreateRootNode(graph.Position{}, "b", "")
	s.Connect(a, b)

	recs := Take(s).EdgeRecords()
	require.Len(t, recs, 1)
	rec, ok := recs[a+"->"+b]
	require.True(t, ok)
	assert.Equal(t, "g1", rec.GraphID)
	assert.Equal(t, a, rec.SourceID)
	assert.Equal(t, b, rec.TargetID)
}
