// Package completion drives streaming chat generation into graph nodes.
package completion

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"loomsync/application/ports"
	"loomsync/domain/graph"
)

const (
	cancelledSentinel = "\n\n[generation cancelled]"
	titlePrompt       = "Summarize the following conversation in at most five words. Reply with the title only, no quotes."
	titleMaxLen       = 60
)

// Runner streams completions into nodes. One stream per node; starting a
// second stream for the same node cancels the first.
type Runner struct {
	store    *graph.Store
	streamer ports.CompletionStreamer
	logger   *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewRunner(store *graph.Store, streamer ports.CompletionStreamer, logger *zap.Logger) *Runner {
	return &Runner{
		store:    store,
		streamer: streamer,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// StreamInto generates a completion for nodeID from its ancestor chain and
// appends chunks as they arrive. The node's generating flag is cleared when
// the stream ends however it ends. Failures are written into the node
// content as a sentinel rather than returned: the node is the user-visible
// surface for this operation.
func (r *Runner) StreamInto(ctx context.Context, nodeID, model string, temperature float64) {
	node := r.store.NodeByID(nodeID)
	if node == nil {
		r.logger.Warn("stream target missing", zap.String("nodeID", nodeID))
		return
	}
	msgs := r.store.AncestorMessages(nodeID)
	if len(msgs) == 0 {
		r.finish(nodeID)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if prev, ok := r.cancels[nodeID]; ok {
		prev()
	}
	r.cancels[nodeID] = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.cancels, nodeID)
		r.mu.Unlock()
		cancel()
		r.finish(nodeID)
	}()

	err := r.streamer.Stream(ctx, model, temperature, msgs, func(chunk string) {
		r.store.AppendContent(nodeID, chunk)
	})
	switch {
	case err == nil:
	case ctx.Err() == context.Canceled:
		r.store.AppendContent(nodeID, cancelledSentinel)
	default:
		r.logger.Error("completion stream failed",
			zap.String("nodeID", nodeID), zap.Error(err))
		r.store.AppendContent(nodeID, fmt.Sprintf("\n\n[generation error: %v]", err))
	}
}

// Cancel aborts the stream for nodeID, if any.
func (r *Runner) Cancel(nodeID string) {
	r.mu.Lock()
	cancel, ok := r.cancels[nodeID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll aborts every in-flight stream.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = make(map[string]context.CancelFunc)
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// SummarizeTitle asks the model for a short title and applies it, but only
// while the graph still carries the default name. A failure leaves the name
// alone.
func (r *Runner) SummarizeTitle(ctx context.Context, nodeID, model string) {
	if r.store.Meta().Name != graph.UntitledName {
		return
	}
	msgs := r.store.ConversationContext(nodeID)
	if len(msgs) == 0 {
		return
	}
	msgs = append(msgs, graph.Message{Role: graph.RoleUser, Content: titlePrompt})

	var sb strings.Builder
	err := r.streamer.Stream(ctx, model, 0, msgs, func(chunk string) {
		sb.WriteString(chunk)
	})
	if err != nil {
		r.logger.Warn("title summarization failed", zap.Error(err))
		return
	}
	title := sanitizeTitle(sb.String())
	if title == "" {
		return
	}
	// Re-check: the user may have renamed the graph while we streamed.
	if r.store.Meta().Name != graph.UntitledName {
		return
	}
	r.store.SetName(title)
}

func (r *Runner) finish(nodeID string) {
	off := false
	r.store.UpdateNode(nodeID, graph.NodePatch{Generating: &off})
}

func sanitizeTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.ReplaceAll(s, "\n", " ")
	// Truncate on rune boundaries so multi-byte titles stay valid UTF-8.
	if runes := []rune(s); len(runes) > titleMaxLen {
		s = strings.TrimSpace(string(runes[:titleMaxLen]))
	}
	return s
}
