package sync

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"loomsync/domain/events"
	"loomsync/domain/graph"
	"loomsync/pkg/errors"

	"loomsync/application/ports"
)

// Status is the session-visible persistence state, rendered by the UI's sync
// indicator.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusUnsaved Status = "unsaved"
	StatusSaving  Status = "saving"
	StatusError   Status = "error"
)

// DefaultDebounce is the quiet period after the last mutation before a save
// is attempted.
const DefaultDebounce = 1500 * time.Millisecond

// Engine is the persistence sync engine: it watches the store for local
// mutations, debounces them, and writes the whole graph to the remote store
// with idempotent identity assignment on first save.
//
// Saves are coalesced through a single in-flight flag; mutations arriving
// while a save runs are captured by the next debounce cycle. A failed save
// parks the engine in the error state with the message retained; no retry is
// scheduled, and the next mutation re-enters the unsaved path.
type Engine struct {
	store     *graph.Store
	remote    ports.RemoteStore
	feed      ports.ChangeFeed
	logger    *zap.Logger
	sessionID string
	debounce  time.Duration

	mu            sync.Mutex
	status        Status
	errMsg        string
	timer         *time.Timer
	inFlight      bool
	closed        bool
	baseline      Snapshot
	baselineEdges map[string]events.EdgeRecord
	modelConfig   events.ModelConfig
	onStatus      []func(Status, string)

	statusCh   chan statusUpdate
	statusQuit chan struct{}
}

type statusUpdate struct {
	status Status
	msg    string
}

// NewEngine wires an engine to the store's local-change notifications. The
// caller owns starting and closing it.
func NewEngine(store *graph.Store, remote ports.RemoteStore, feed ports.ChangeFeed, sessionID string, debounce time.Duration, logger *zap.Logger) *Engine {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	base := Take(store)
	e := &Engine{
		store:         store,
		remote:        remote,
		feed:          feed,
		logger:        logger,
		sessionID:     sessionID,
		debounce:      debounce,
		status:        StatusSynced,
		baseline:      base,
		baselineEdges: base.EdgeRecords(),
		statusCh:      make(chan statusUpdate, 16),
		statusQuit:    make(chan struct{}),
	}
	store.OnLocalChange(e.noteLocalChange)
	go e.statusLoop()
	return e
}

// statusLoop delivers status callbacks one at a time, in transition order.
func (e *Engine) statusLoop() {
	for {
		select {
		case <-e.statusQuit:
			return
		case up := <-e.statusCh:
			e.mu.Lock()
			cbs := make([]func(Status, string), len(e.onStatus))
			copy(cbs, e.onStatus)
			e.mu.Unlock()
			for _, cb := range cbs {
				cb(up.status, up.msg)
			}
		}
	}
}

// SetModelConfig sets the completion configuration persisted alongside each
// node.
func (e *Engine) SetModelConfig(cfg events.ModelConfig) {
	e.mu.Lock()
	e.modelConfig = cfg
	e.mu.Unlock()
}

// OnStatus registers a status-change callback for the sync indicator.
func (e *Engine) OnStatus(fn func(Status, string)) {
	e.mu.Lock()
	e.onStatus = append(e.onStatus, fn)
	e.mu.Unlock()
}

// Status returns the current state and, in the error state, the retained
// diagnostic message.
func (e *Engine) Status() (Status, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.errMsg
}

// Saving reports whether a write is in flight. The reconciler consults this
// for self-write suppression.
func (e *Engine) Saving() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

// Flush cancels any pending debounce and saves immediately.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
	return e.Save(ctx)
}

// Close stops the debounce timer and the status dispatcher. An in-flight
// save is allowed to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
	close(e.statusQuit)
}

// noteLocalChange is the store's local-mutation callback. Mutations observed
// while any node is generating are ignored: persisting token-by-token would
// be a write storm, and the terminal generating=false update re-arms the
// debounce anyway.
func (e *Engine) noteLocalChange() {
	if e.store.AnyGenerating() {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.status != StatusSaving {
		e.setStatusLocked(StatusUnsaved, "")
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, func() {
		if err := e.Save(context.Background()); err != nil {
			e.logger.Warn("debounced save failed", zap.Error(err))
		}
	})
	e.mu.Unlock()
}

// Save writes the current graph to the remote store. A second call while a
// save is in flight is coalesced into a no-op; a call with nothing changed
// since the last baseline short-circuits without touching the remote store.
func (e *Engine) Save(ctx context.Context) error {
	e.mu.Lock()
	if e.inFlight || e.closed {
		e.mu.Unlock()
		return nil
	}
	meta := e.store.Meta()
	nodes := e.store.Nodes()
	edges := e.store.Edges()
	snap := TakeState(meta, nodes, edges)
	if snap.Equal(e.baseline) {
		e.setStatusLocked(StatusSynced, "")
		e.mu.Unlock()
		return nil
	}
	e.inFlight = true
	e.setStatusLocked(StatusSaving, "")
	prevEdges := e.baselineEdges
	e.mu.Unlock()

	err := e.write(ctx, meta, nodes, edges, prevEdges)

	e.mu.Lock()
	e.inFlight = false
	if err != nil {
		e.setStatusLocked(StatusError, err.Error())
		e.mu.Unlock()
		return err
	}
	// The baseline is the capture that was written, never the live store:
	// an edit landing mid-save must stay ahead of it so the next cycle
	// persists it.
	e.baseline = snap
	e.baselineEdges = snap.EdgeRecords()
	if Take(e.store).Equal(e.baseline) {
		e.setStatusLocked(StatusSynced, "")
	} else {
		e.setStatusLocked(StatusUnsaved, "")
	}
	e.mu.Unlock()
	return nil
}

// write runs the save algorithm. Steps 1, 2 and 4 abort the save on failure;
// the node prune (step 3) is deliberately non-fatal so a transient cleanup
// failure cannot wedge the session in the error state.
func (e *Engine) write(ctx context.Context, meta graph.Metadata, nodes []*graph.Node, edges []*graph.Edge, prevEdges map[string]events.EdgeRecord) error {
	// Step 1: assign identity on first save, otherwise refresh metadata.
	graphID := meta.ID
	if graphID == "" {
		id, err := e.remote.CreateGraph(ctx, meta.Name, meta.OwnerID)
		if err != nil {
			return errors.Wrap(err, "create graph")
		}
		graphID = id
		e.store.SetGraphID(id)
		e.logger.Info("graph created on first save",
			zap.String("graphID", graphID),
			zap.String("owner", meta.OwnerID),
		)
	} else {
		if err := e.remote.UpdateGraphMeta(ctx, graphID, meta.Name); err != nil {
			return errors.Wrap(err, "update graph metadata")
		}
		e.publish(ctx, events.ChangeEvent{
			Entity: events.EntityGraph, Type: events.ChangeUpdate,
			GraphID: graphID, GraphName: meta.Name,
		})
	}

	e.mu.Lock()
	cfg := e.modelConfig
	e.mu.Unlock()

	// Step 2: upsert every current node.
	localIDs := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		rec := events.NodeRecordFrom(graphID, n)
		rec.Config = cfg
		if err := e.remote.UpsertNode(ctx, rec); err != nil {
			return errors.Wrapf(err, "upsert node %s", n.ID)
		}
		localIDs[n.ID] = true
		e.publish(ctx, events.ChangeEvent{
			Entity: events.EntityNode, Type: events.ChangeUpdate,
			GraphID: graphID, Node: &rec,
		})
	}

	// Step 3: prune remote nodes removed locally. Never fatal.
	remoteIDs, err := e.remote.ListNodeIDs(ctx, graphID)
	if err != nil {
		e.logger.Warn("node prune skipped: listing remote nodes failed",
			zap.String("graphID", graphID), zap.Error(err))
	} else {
		for _, id := range remoteIDs {
			if localIDs[id] {
				continue
			}
			if err := e.remote.DeleteNode(ctx, graphID, id); err != nil {
				e.logger.Warn("node prune failed",
					zap.String("graphID", graphID),
					zap.String("nodeID", id),
					zap.Error(err))
				continue
			}
			e.publish(ctx, events.ChangeEvent{
				Entity: events.EntityNode, Type: events.ChangeDelete,
				GraphID: graphID, Node: &events.NodeRecord{ID: id, GraphID: graphID},
			})
		}
	}

	// Step 4: replace the edge set wholesale. Cheaper than a true diff and
	// graphs are small; the brief window of edge inconsistency is accepted.
	if err := e.remote.DeleteEdges(ctx, graphID); err != nil {
		return errors.Wrap(err, "clear edges")
	}
	current := make(map[string]events.EdgeRecord, len(edges))
	for _, edge := range edges {
		key := edge.Key()
		if _, dup := current[key]; dup {
			continue
		}
		rec := events.EdgeRecordFrom(graphID, edge)
		if err := e.remote.InsertEdge(ctx, rec); err != nil {
			return errors.Wrapf(err, "insert edge %s", edge.ID)
		}
		current[key] = rec
		e.publish(ctx, events.ChangeEvent{
			Entity: events.EntityEdge, Type: events.ChangeInsert,
			GraphID: graphID, Edge: &rec,
		})
	}
	for key, rec := range prevEdges {
		if _, ok := current[key]; ok {
			continue
		}
		gone := rec
		gone.GraphID = graphID
		e.publish(ctx, events.ChangeEvent{
			Entity: events.EntityEdge, Type: events.ChangeDelete,
			GraphID: graphID, Edge: &gone,
		})
	}

	return nil
}

// publish emits a change event on the feed. The feed is best-effort; a
// publish failure never fails the save.
func (e *Engine) publish(ctx context.Context, ev events.ChangeEvent) {
	if e.feed == nil {
		return
	}
	ev.Origin = e.sessionID
	ev.Timestamp = time.Now()
	if err := e.feed.Publish(ctx, ev); err != nil {
		e.logger.Warn("change event publish failed",
			zap.String("graphID", ev.GraphID),
			zap.String("entity", string(ev.Entity)),
			zap.Error(err))
	}
}

func (e *Engine) setStatusLocked(s Status, msg string) {
	if e.status == s && e.errMsg == msg {
		return
	}
	e.status = s
	e.errMsg = msg
	select {
	case e.statusCh <- statusUpdate{status: s, msg: msg}:
	default:
		// The queue only backs up once delivery has stopped, after Close.
	}
}
