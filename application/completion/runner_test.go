package completion

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"loomsync/domain/graph"
)

// scriptedStreamer replays canned chunks, optionally blocking until
// cancelled.
type scriptedStreamer struct {
	mu     sync.Mutex
	chunks []string
	err    error
	block  bool
	calls  [][]graph.Message
}

func (s *scriptedStreamer) Stream(ctx context.Context, model string, temperature float64, msgs []graph.Message, onChunk func(string)) error {
	s.mu.Lock()
	s.calls = append(s.calls, msgs)
	chunks, err, block := s.chunks, s.err, s.block
	s.mu.Unlock()

	for _, c := range chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		onChunk(c)
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (s *scriptedStreamer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func setupBranch(t *testing.T) (*graph.Store, string) {
	t.Helper()
	store := graph.NewStore("user-1")
	rootID := store.CreateRootNode(graph.Position{}, "what is the capital of france?", "")
	childID := store.CreateChildNode(rootID, graph.Position{}, "")
	require.True(t, store.NodeByID(childID).Generating)
	return store, childID
}

func TestStreamIntoAppendsChunks(t *testing.T) {
	store, nodeID := setupBranch(t)
	streamer := &scriptedStreamer{chunks: []string{"Par", "is"}}
	r := NewRunner(store, streamer, zap.NewNop())

	r.StreamInto(context.Background(), nodeID, "llama3", 0.7)

	node := store.NodeByID(nodeID)
	assert.Equal(t, "Paris", node.Content)
	assert.False(t, node.Generating, "generating clears when the stream ends")
}

func TestStreamIntoSendsAncestorContext(t *testing.T) {
	store, nodeID := setupBranch(t)
	streamer := &scriptedStreamer{chunks: []string{"Paris"}}
	r := NewRunner(store, streamer, zap.NewNop())

	r.StreamInto(context.Background(), nodeID, "llama3", 0)

	require.Equal(t, 1, streamer.callCount())
	msgs := streamer.calls[0]
	require.Len(t, msgs, 1, "the empty target node is excluded from its own context")
	assert.Equal(t, graph.RoleUser, msgs[0].Role)
	assert.Equal(t, "what is the capital of france?", msgs[0].Content)
}

func TestStreamIntoCancelledSentinel(t *testing.T) {
	store, nodeID := setupBranch(t)
	streamer := &scriptedStreamer{chunks: []string{"Par"}, block: true}
	r := NewRunner(store, streamer, zap.NewNop())

	done := make(chan struct{})
	go func() {
		r.StreamInto(context.Background(), nodeID, "llama3", 0)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(store.NodeByID(nodeID).Content, "Par")
	}, 2*time.Second, 5*time.Millisecond)

	r.Cancel(nodeID)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}

	node := store.NodeByID(nodeID)
	assert.Equal(t, "Par\n\n[generation cancelled]", node.Content)
	assert.False(t, node.Generating)
}

func TestStreamIntoErrorSentinel(t *testing.T) {
	store, nodeID := setupBranch(t)
	streamer := &scriptedStreamer{chunks: []string{"Par"}, err: assert.AnError}
	r := NewRunner(store, streamer, zap.NewNop())

	r.StreamInto(context.Background(), nodeID, "llama3", 0)

	node := store.NodeByID(nodeID)
	assert.Contains(t, node.Content, "Par")
	assert.Contains(t, node.Content, "[generation error:")
	assert.False(t, node.Generating)
}

func TestStreamIntoMissingNode(t *testing.T) {
	store := graph.NewStore("user-1")
	streamer := &scriptedStreamer{}
	r := NewRunner(store, streamer, zap.NewNop())

	r.StreamInto(context.Background(), "missing", "llama3", 0)
	assert.Zero(t, streamer.callCount())
}

func TestStreamIntoRootWithoutAncestors(t *testing.T) {
	store := graph.NewStore("user-1")
	rootID := store.CreateRootNode(graph.Position{}, "hello", "")
	streamer := &scriptedStreamer{}
	r := NewRunner(store, streamer, zap.NewNop())

	r.StreamInto(context.Background(), rootID, "llama3", 0)
	assert.Zero(t, streamer.callCount(), "a node with no ancestors has nothing to complete")
}

func TestSummarizeTitle(t *testing.T) {
	t.Run("replaces only the untitled sentinel", func(t *testing.T) {
		store, nodeID := setupBranch(t)
		store.AppendContent(nodeID, "Paris")
		streamer := &scriptedStreamer{chunks: []string{"French ", "capitals"}}
		r := NewRunner(store, streamer, zap.NewNop())

		r.SummarizeTitle(context.Background(), nodeID, "llama3")
		assert.Equal(t, "French capitals", store.Meta().Name)

		// The title request carries the summarization instruction.
		msgs := streamer.calls[len(streamer.calls)-1]
		assert.Contains(t, msgs[len(msgs)-1].Content, "at most five words")
	})

	t.Run("skips a renamed graph", func(t *testing.T) {
		store, nodeID := setupBranch(t)
		store.SetName("My research")
		streamer := &scriptedStreamer{chunks: []string{"ignored"}}
		r := NewRunner(store, streamer, zap.NewNop())

		r.SummarizeTitle(context.Background(), nodeID, "llama3")
		assert.Equal(t, "My research", store.Meta().Name)
		assert.Zero(t, streamer.callCount())
	})

	t.Run("keeps the name on failure", func(t *testing.T) {
		store, nodeID := setupBranch(t)
		streamer := &scriptedStreamer{err: assert.AnError}
		r := NewRunner(store, streamer, zap.NewNop())

		r.SummarizeTitle(context.Background(), nodeID, "llama3")
		assert.Equal(t, graph.UntitledName, store.Meta().Name)
	})

	t.Run("trims quotes and length", func(t *testing.T) {
		store, nodeID := setupBranch(t)
		long := "\"" + strings.Repeat("every word counts here ", 5) + "\""
		streamer := &scriptedStreamer{chunks: []string{long}}
		r := NewRunner(store, streamer, zap.NewNop())

		r.SummarizeTitle(context.Background(), nodeID, "llama3")
		name := store.Meta().Name
		assert.NotEqual(t, graph.UntitledName, name)
		assert.LessOrEqual(t, len(name), 60)
		assert.False(t, strings.HasPrefix(name, "\""))
	})

	t.Run("truncates multi-byte titles on rune boundaries", func(t *testing.T) {
		store, nodeID := setupBranch(t)
		// The odd-length prefix puts every following two-byte rune across
		// an even byte offset, so a byte-indexed cut would split one.
		long := "W" + strings.Repeat("ü", 80)
		streamer := &scriptedStreamer{chunks: []string{long}}
		r := NewRunner(store, streamer, zap.NewNop())

		r.SummarizeTitle(context.Background(), nodeID, "llama3")
		name := store.Meta().Name
		assert.True(t, utf8.ValidString(name))
		assert.Equal(t, 60, utf8.RuneCountInString(name))
	})
}

func TestCancelAll(t *testing.T) {
	store := graph.NewStore("user-1")
	rootID := store.CreateRootNode(graph.Position{}, "q", "")
	a := store.CreateChildNode(rootID, graph.Position{}, "")
	b := store.CreateChildNode(rootID, graph.Position{}, "")
	streamer := &scriptedStreamer{block: true}
	r := NewRunner(store, streamer, zap.NewNop())

	var wg sync.WaitGroup
	for _, id := range []string{a, b} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.StreamInto(context.Background(), id, "llama3", 0)
		}(id)
	}
	require.Eventually(t, func() bool {
		return streamer.callCount() == 2
	}, 2*time.Second, 5*time.Millisecond)

	r.CancelAll()
	wg.Wait()

	assert.Contains(t, store.NodeByID(a).Content, "[generation cancelled]")
	assert.Contains(t, store.NodeByID(b).Content, "[generation cancelled]")
}
