package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"loomsync/application/ports"
	"loomsync/domain/events"
	"loomsync/domain/graph"
)

// DefaultSettleDelay is how long a subscription attempt waits before
// connecting, so that rapid graph switches collapse into one subscription.
const DefaultSettleDelay = 100 * time.Millisecond

const applyQueueSize = 256

// Reconciler merges change events from other sessions into the local store.
//
// Every Subscribe or Stop bumps a generation counter; the delayed connect
// re-checks the counter and aborts if another call superseded it, so at most
// one subscription is ever live. Events are applied on a single goroutine in
// arrival order.
type Reconciler struct {
	store       *graph.Store
	engine      *Engine
	feed        ports.ChangeFeed
	logger      *zap.Logger
	sessionID   string
	settleDelay time.Duration

	generation atomic.Int64

	mu      sync.Mutex
	graphID string
	sub     ports.Subscription

	queue chan events.ChangeEvent
	done  chan struct{}
	once  sync.Once
}

// NewReconciler starts the apply loop immediately; it idles until Subscribe.
func NewReconciler(store *graph.Store, engine *Engine, feed ports.ChangeFeed, sessionID string, settleDelay time.Duration, logger *zap.Logger) *Reconciler {
	if settleDelay < 0 {
		settleDelay = DefaultSettleDelay
	}
	r := &Reconciler{
		store:       store,
		engine:      engine,
		feed:        feed,
		logger:      logger,
		sessionID:   sessionID,
		settleDelay: settleDelay,
		queue:       make(chan events.ChangeEvent, applyQueueSize),
		done:        make(chan struct{}),
	}
	go r.applyLoop()
	return r
}

// Subscribe points the reconciler at a graph's change feed. A previous
// subscription is torn down first. The connect happens after the settle
// delay, and silently aborts if Subscribe or Stop was called again in the
// meantime.
func (r *Reconciler) Subscribe(ctx context.Context, graphID string) {
	gen := r.generation.Add(1)

	r.mu.Lock()
	r.teardownLocked()
	r.graphID = graphID
	r.mu.Unlock()

	if graphID == "" {
		return
	}

	go func() {
		if r.settleDelay > 0 {
			select {
			case <-time.After(r.settleDelay):
			case <-ctx.Done():
				return
			}
		}
		if r.generation.Load() != gen {
			return
		}
		sub, err := r.feed.Subscribe(ctx, graphID, r.enqueue)
		if err != nil {
			r.logger.Error("change feed subscribe failed",
				zap.String("graphID", graphID), zap.Error(err))
			return
		}
		r.mu.Lock()
		// A racing Subscribe or Stop may have won between the generation
		// check and here.
		if r.generation.Load() != gen {
			r.mu.Unlock()
			sub.Unsubscribe()
			return
		}
		r.sub = sub
		r.mu.Unlock()
		r.logger.Debug("subscribed to change feed", zap.String("graphID", graphID))
	}()
}

// Stop tears down the current subscription and invalidates any pending
// connect.
func (r *Reconciler) Stop() {
	r.generation.Add(1)
	r.mu.Lock()
	r.teardownLocked()
	r.graphID = ""
	r.mu.Unlock()
}

// Close stops the subscription and the apply loop.
func (r *Reconciler) Close() {
	r.Stop()
	r.once.Do(func() { close(r.done) })
}

// Active reports whether a subscription is currently live.
func (r *Reconciler) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub != nil
}

func (r *Reconciler) teardownLocked() {
	if r.sub != nil {
		r.sub.Unsubscribe()
		r.sub = nil
	}
}

// enqueue is called from the feed's delivery goroutine. The queue is big
// enough for any realistic burst; overflow drops the event with a warning
// rather than blocking the feed.
func (r *Reconciler) enqueue(ev events.ChangeEvent) {
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("change event dropped, apply queue full",
			zap.String("graphID", ev.GraphID))
	}
}

func (r *Reconciler) applyLoop() {
	for {
		select {
		case ev := <-r.queue:
			r.apply(ev)
		case <-r.done:
			return
		}
	}
}

// apply merges one event. Events originating from this session are skipped,
// as is everything that arrives while our own save is in flight: those rows
// echo writes the store already contains.
func (r *Reconciler) apply(ev events.ChangeEvent) {
	if ev.Origin == r.sessionID {
		return
	}
	if r.engine != nil && r.engine.Saving() {
		return
	}
	r.mu.Lock()
	graphID := r.graphID
	r.mu.Unlock()
	if ev.GraphID != graphID {
		return
	}

	switch ev.Entity {
	case events.EntityNode:
		if ev.Node == nil {
			return
		}
		switch ev.Type {
		case events.ChangeInsert, events.ChangeUpdate:
			n := ev.Node.ToNode()
			if r.store.ApplyRemoteNodeUpsert(n) {
				r.logger.Debug("merged remote node", zap.String("nodeID", n.ID))
			}
		case events.ChangeDelete:
			if r.store.ApplyRemoteNodeDelete(ev.Node.ID) {
				r.logger.Debug("removed remote-deleted node", zap.String("nodeID", ev.Node.ID))
			}
		}
	case events.EntityEdge:
		if ev.Edge == nil {
			return
		}
		edge := ev.Edge.ToEdge()
		switch ev.Type {
		case events.ChangeInsert, events.ChangeUpdate:
			r.store.ApplyRemoteEdgeUpsert(edge)
		case events.ChangeDelete:
			r.store.ApplyRemoteEdgeDelete(edge)
		}
	case events.EntityGraph:
		if ev.Type == events.ChangeUpdate && ev.GraphName != "" {
			r.store.ApplyRemoteName(ev.GraphName)
		}
	}
}
