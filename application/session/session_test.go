package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appsync "loomsync/application/sync"
	"loomsync/domain/graph"
	"loomsync/infrastructure/persistence/memory"
)

type fixtures struct {
	remote *memory.Store
	feed   *memory.Feed
	hub    *memory.PresenceHub
}

func newManager(t *testing.T) (*Manager, fixtures) {
	t.Helper()
	f := fixtures{
		remote: memory.NewStore(),
		feed:   memory.NewFeed(),
		hub:    memory.NewPresenceHub(),
	}
	m := NewManager(Deps{
		Remote:   f.remote,
		Feed:     f.feed,
		Presence: f.hub,
		Logger:   zap.NewNop(),
		Debounce: time.Hour,
	})
	return m, f
}

func TestOpenFreshSession(t *testing.T) {
	m, f := newManager(t)
	ctx := context.Background()

	sess, err := m.Open(ctx, "user-1", "", "Alice")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, sess, m.Get(sess.ID))

	assert.Empty(t, sess.Store.Meta().ID, "a fresh graph has no identity yet")
	assert.Equal(t, graph.UntitledName, sess.Store.Meta().Name)
	assert.False(t, sess.Reconciler.Active(), "no realtime before first save")

	// First save assigns identity and attaches realtime.
	sess.Store.CreateRootNode(graph.Position{}, "hello", "Alice")
	require.NoError(t, sess.Engine.Save(ctx))
	graphID := sess.Store.Meta().ID
	require.NotEmpty(t, graphID)

	require.Eventually(t, func() bool {
		return f.feed.SubscriberCount(graphID) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOpenExistingGraph(t *testing.T) {
	m, f := newManager(t)
	ctx := context.Background()

	// Persist a graph through one session, then open it in another.
	first, err := m.Open(ctx, "user-1", "", "Alice")
	require.NoError(t, err)
	a := first.Store.CreateRootNode(graph.Position{X: 10, Y: 20}, "saved content", "Alice")
	first.Store.CreateChildNode(a, graph.Position{}, "")
	off := false
	for _, n := range first.Store.Nodes() {
		first.Store.UpdateNode(n.ID, graph.NodePatch{Generating: &off})
	}
	require.NoError(t, first.Engine.Save(ctx))
	graphID := first.Store.Meta().ID
	m.Close(ctx, first.ID)

	sess, err := m.Open(ctx, "user-2", graphID, "Bob")
	require.NoError(t, err)

	assert.Equal(t, graphID, sess.Store.Meta().ID)
	assert.Len(t, sess.Store.Nodes(), 2)
	assert.Len(t, sess.Store.Edges(), 1)
	require.Eventually(t, func() bool {
		return sess.Reconciler.Active()
	}, 2*time.Second, 10*time.Millisecond)

	// Opening someone else's graph stamps access so it shows in listings.
	graphs, err := f.remote.ListGraphs(ctx, "user-2")
	require.NoError(t, err)
	require.Len(t, graphs, 1)
	assert.Equal(t, graphID, graphs[0].ID)
}

func TestOpenUnknownGraphFails(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Open(context.Background(), "user-1", "no-such-graph", "Alice")
	require.Error(t, err)
}

func TestCloseFlushesUnsavedWork(t *testing.T) {
	m, f := newManager(t)
	ctx := context.Background()

	sess, err := m.Open(ctx, "user-1", "", "Alice")
	require.NoError(t, err)
	sess.Store.CreateRootNode(graph.Position{}, "must survive", "Alice")

	m.Close(ctx, sess.ID)

	assert.Nil(t, m.Get(sess.ID))
	graphs, err := f.remote.ListGraphs(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, graphs, 1, "close persists the unsaved graph")
	assert.Equal(t, 1, f.remote.NodeCount(graphs[0].ID))
}

func TestTwoSessionsConverge(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	alice, err := m.Open(ctx, "user-1", "", "Alice")
	require.NoError(t, err)
	alice.Store.CreateRootNode(graph.Position{}, "shared root", "Alice")
	require.NoError(t, alice.Engine.Save(ctx))
	graphID := alice.Store.Meta().ID

	bob, err := m.Open(ctx, "user-2", graphID, "Bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return bob.Reconciler.Active() && alice.Reconciler.Active()
	}, 2*time.Second, 10*time.Millisecond)

	// Bob's save propagates to Alice over the change feed.
	bob.Store.CreateRootNode(graph.Position{X: 100}, "bob's note", "Bob")
	require.NoError(t, bob.Engine.Save(ctx))

	require.Eventually(t, func() bool {
		return len(alice.Store.Nodes()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Alice's presence join races Bob's one-time announce, so drive the
	// roster with cursor publishes until she sees him.
	require.Eventually(t, func() bool {
		bob.Presence.PublishCursor(ctx, graph.Position{X: 5, Y: 5})
		return len(alice.Presence.Collaborators()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Bob", alice.Presence.Collaborators()[0].Name)
}

func TestSessionView(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	sess, err := m.Open(ctx, "user-1", "", "Alice")
	require.NoError(t, err)
	id := sess.Store.CreateRootNode(graph.Position{X: 1, Y: 2}, "hello", "Alice")

	view := sess.View()
	assert.Equal(t, sess.ID, view.SessionID)
	assert.Equal(t, graph.UntitledName, view.Name)
	assert.Equal(t, appsync.StatusUnsaved, view.SyncStatus)
	require.Len(t, view.Nodes, 1)
	assert.Equal(t, id, view.Nodes[0].ID)
	assert.Equal(t, "hello", view.Nodes[0].Content)
}

func TestColorAssignmentIsStable(t *testing.T) {
	c := colorFor("session-abc")
	assert.Equal(t, c, colorFor("session-abc"))
	assert.Contains(t, cursorPalette, c)
}
