package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loomsync/domain/events"
	"loomsync/domain/graph"
	"loomsync/infrastructure/persistence/memory"
	"loomsync/pkg/errors"
)

type opCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newOpCounter() *opCounter {
	return &opCounter{counts: make(map[string]int)}
}

func (c *opCounter) hook(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[op]++
	return nil
}

func (c *opCounter) get(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[op]
}

func (c *opCounter) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts = make(map[string]int)
}

func TestEngineFirstSaveAssignsIdentity(t *testing.T) {
	store := graph.NewStore("user-1")
	remote := memory.NewStore()
	engine := NewEngine(store, remote, nil, "sess-1", time.Hour, zap.NewNop())
	defer engine.Close()

	a := store.CreateRootNode(graph.Position{}, "hello", "")
	store.CreateChildNode(a, graph.Position{}, "")

	require.NoError(t, engine.Save(context.Background()))

	graphID := store.Meta().ID
	require.NotEmpty(t, graphID, "first save assigns the remote identity")
	assert.Equal(t, 2, remote.NodeCount(graphID))
	assert.Equal(t, 1, remote.EdgeCount(graphID))

	status, msg := engine.Status()
	assert.Equal(t, StatusSynced, status)
	assert.Empty(t, msg)
}

func TestEngineSaveShortCircuits(t *testing.T) {
	store := graph.NewStore("user-1")
	remote := memory.NewStore()
	counter := newOpCounter()
	remote.Fail = counter.hook
	engine := NewEngine(store, remote, nil, "sess-1", time.Hour, zap.NewNop())
	defer engine.Close()

	store.CreateRootNode(graph.Position{}, "hello", "")
	require.NoError(t, engine.Save(context.Background()))
	counter.reset()

	require.NoError(t, engine.Save(context.Background()))

	assert.Zero(t, counter.get("CreateGraph"))
	assert.Zero(t, counter.get("UpdateGraphMeta"))
	assert.Zero(t, counter.get("UpsertNode"))
}

func TestEngineMidSaveEditPersistsNextCycle(t *testing.T) {
	store := graph.NewStore("user-1")
	remote := memory.NewStore()
	engine := NewEngine(store, remote, nil, "sess-1", time.Hour, zap.NewNop())
	defer engine.Close()

	id := store.CreateRootNode(graph.Position{}, "v1", "")

	// Mutate the store from inside the write, as a concurrent editor would
	// while the save is in flight.
	var once sync.Once
	remote.Fail = func(op string) error {
		if op == "UpsertNode" {
			once.Do(func() { store.AppendContent(id, " v2") })
		}
		return nil
	}

	require.NoError(t, engine.Save(context.Background()))

	status, _ := engine.Status()
	assert.Equal(t, StatusUnsaved, status, "edit landing mid-save leaves work outstanding")

	remote.Fail = nil
	require.NoError(t, engine.Save(context.Background()))

	_, nodes, _, err := remote.GetGraph(context.Background(), store.Meta().ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "v1 v2", nodes[0].Data.Content)

	status, _ = engine.Status()
	assert.Equal(t, StatusSynced, status)
}

func TestEngineStatusCallbacksInTransitionOrder(t *testing.T) {
	store := graph.NewStore("user-1")
	remote := memory.NewStore()
	engine := NewEngine(store, remote, nil, "sess-1", time.Hour, zap.NewNop())
	defer engine.Close()

	var mu sync.Mutex
	var seen []Status
	engine.OnStatus(func(s Status, _ string) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	store.CreateRootNode(graph.Position{}, "hello", "")
	require.NoError(t, engine.Save(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Status{StatusUnsaved, StatusSaving, StatusSynced}, seen)
}

func TestEngineSaveErrorState(t *testing.T) {
	store := graph.NewStore("user-1")
	remote := memory.NewStore()
	engine := NewEngine(store, remote, nil, "sess-1", time.Hour, zap.NewNop())
	defer engine.Close()

	store.CreateRootNode(graph.Position{}, "hello", "")
	remote.Fail = func(op string) error {
		if op == "UpsertNode" {
			return errors.NewDatabaseError("upsert", assert.AnError)
		}
		return nil
	}

	require.Error(t, engine.Save(context.Background()))
	status, msg := engine.Status()
	assert.Equal(t, StatusError, status)
	assert.NotEmpty(t, msg)

	// The next save retries from scratch.
	remote.Fail = nil
	require.NoError(t, engine.Save(context.Background()))
	status, _ = engine.Status()
	assert.Equal(t, StatusSynced, status)
}

func TestEngineNodePruneIsNonFatal(t *testing.T) {
	store := graph.NewStore("user-1")
	remote := memory.NewStore()
	engine := NewEngine(store, remote, nil, "sess-1", time.Hour, zap.NewNop())
	defer engine.Close()

	store.CreateRootNode(graph.Position{}, "hello", "")
	remote.Fail = func(op string) error {
		if op == "ListNodeIDs" {
			return errors.NewDatabaseError("query", assert.AnError)
		}
		return nil
	}

	require.NoError(t, engine.Save(context.Background()))
	status, _ := engine.Status()
	assert.Equal(t, StatusSynced, status)
}

func TestEnginePrunesDeletedNodes(t *testing.T) {
	store := graph.NewStore("user-1")
	remote := memory.NewStore()
	engine := NewEngine(store, remote, nil, "sess-1", time.Hour, zap.NewNop())
	defer engine.Close()

	a := store.CreateRootNode(graph.Position{}, "a", "")
	store.CreateRootNode(graph.Position{}, "b", "")
	require.NoError(t, engine.Save(context.Background()))
	graphID := store.Meta().ID
	require.Equal(t, 2, remote.NodeCount(graphID))

	store.DeleteNode(a)
	require.NoError(t, engine.Save(context.Background()))
	assert.Equal(t, 1, remote.NodeCount(graphID))
}

func TestEngineDebounceCoalesces(t *testing.T) {
	store := graph.NewStore("user-1")
	remote := memory.NewStore()
	counter := newOpCounter()
	remote.Fail = counter.hook
	engine := NewEngine(store, remote, nil, "sess-1", 30*time.Millisecond, zap.NewNop())
	defer engine.Close()

	store.CreateRootNode(graph.Position{}, "a", "")
	store.CreateRootNode(graph.Position{}, "b", "")
	store.CreateRootNode(graph.Position{}, "c", "")

	require.Eventually(t, func() bool {
		status, _ := engine.Status()
		return status == StatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, counter.get("CreateGraph"), "burst collapses into one save")
	assert.Equal(t, 3, remote.NodeCount(store.Meta().ID))
}

func TestEngineSkipsSavesWhileGenerating(t *testing.T) {
	store := graph.NewStore("user-1")
	remote := memory.NewStore()
	counter := newOpCounter()
	engine := NewEngine(store, remote, nil, "sess-1", 20*time.Millisecond, zap.NewNop())
	defer engine.Close()

	id := store.CreateRootNode(graph.Position{}, "question", "")
	require.Eventually(t, func() bool {
		status, _ := engine.Status()
		return status == StatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	remote.Fail = counter.hook
	on := true
	store.UpdateNode(id, graph.NodePatch{Generating: &on})
	store.AppendContent(id, " with")
	store.AppendContent(id, " more")

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, counter.get("UpsertNode"), "streaming chunks are not persisted")

	off := false
	store.UpdateNode(id, graph.NodePatch{Generating: &off})

	require.Eventually(t, func() bool {
		return counter.get("UpsertNode") > 0
	}, 2*time.Second, 10*time.Millisecond)

	meta, nodes, _, err := remote.GetGraph(context.Background(), store.Meta().ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "question with more", nodes[0].Data.Content)
	assert.Equal(t, graph.UntitledName, meta.Name)
}

func TestEngineFlush(t *testing.T) {
	store := graph.NewStore("user-1")
	remote := memory.NewStore()
	engine := NewEngine(store, remote, nil, "sess-1", time.Hour, zap.NewNop())
	defer engine.Close()

	store.CreateRootNode(graph.Position{}, "hello", "")
	require.NoError(t, engine.Flush(context.Background()))

	assert.NotEmpty(t, store.Meta().ID)
	assert.Equal(t, 1, remote.NodeCount(store.Meta().ID))
}

func TestEnginePublishesChangeEvents(t *testing.T) {
	store := graph.NewStore("user-1")
	remote := memory.NewStore()
	feed := memory.NewFeed()
	engine := NewEngine(store, remote, feed, "sess-1", time.Hour, zap.NewNop())
	defer engine.Close()

	a := store.CreateRootNode(graph.Position{}, "a", "")
	b := store.CreateRootNode(graph.Position{}, "b", "")
	edgeID := store.Connect(a, b)
	require.NoError(t, engine.Save(context.Background()))
	graphID := store.Meta().ID

	var mu sync.Mutex
	var got []events.ChangeEvent
	_, err := feed.Subscribe(context.Background(), graphID, func(ev events.ChangeEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	require.NoError(t, err)

	store.RemoveEdge(edgeID)
	store.AppendContent(a, " more")
	require.NoError(t, engine.Save(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	byKind := make(map[string]int)
	for _, ev := range got {
		assert.Equal(t, "sess-1", ev.Origin)
		assert.Equal(t, graphID, ev.GraphID)
		assert.False(t, ev.Timestamp.IsZero())
		byKind[string(ev.Entity)+"/"+string(ev.Type)]++
	}
	assert.Equal(t, 1, byKind["graph/update"])
	assert.Equal(t, 2, byKind["node/update"])
	assert.Equal(t, 1, byKind["edge/delete"], "removed edge is announced from the baseline diff")
	assert.Zero(t, byKind["edge/insert"])
}

func TestEngineModelConfigPersisted(t *testing.T) {
	store := graph.NewStore("user-1")
	remote := memory.NewStore()
	engine := NewEngine(store, remote, nil, "sess-1", time.Hour, zap.NewNop())
	defer engine.Close()

	engine.SetModelConfig(events.ModelConfig{Model: "llama3", Temperature: 0.7})
	store.CreateRootNode(graph.Position{}, "hello", "")
	require.NoError(t, engine.Save(context.Background()))

	_, nodes, _, err := remote.GetGraph(context.Background(), store.Meta().ID)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "llama3", nodes[0].Config.Model)
	assert.InDelta(t, 0.7, nodes[0].Config.Temperature, 1e-9)
}
