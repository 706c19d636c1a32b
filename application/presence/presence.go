package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"loomsync/domain/graph"
)

// CursorMinInterval bounds cursor publish frequency to roughly thirty
// updates a second.
const CursorMinInterval = 33 * time.Millisecond

// Collaborator is one participant's shared presence state.
type Collaborator struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Color      string         `json:"color"`
	Mouse      graph.Position `json:"mouse"`
	Left       bool           `json:"left,omitempty"`
	LastActive time.Time      `json:"lastActive"`
}

// Transport carries presence state between sessions viewing a graph.
type Transport interface {
	// Join subscribes to a graph's presence channel. onState is invoked
	// from the transport's delivery goroutine for every peer update,
	// including tombstones.
	Join(ctx context.Context, graphID string, onState func(Collaborator)) (Channel, error)
}

// Channel is one live presence membership.
type Channel interface {
	Send(ctx context.Context, state Collaborator) error
	Leave() error
}

// Broadcaster publishes this session's cursor and identity and tracks peers.
// Cursor updates are throttled; identity changes and joins go out
// immediately.
type Broadcaster struct {
	transport Transport
	logger    *zap.Logger

	mu       sync.Mutex
	self     Collaborator
	ch       Channel
	peers    map[string]Collaborator
	lastSent time.Time
	onPeers  []func([]Collaborator)
}

// NewBroadcaster creates a broadcaster for the given identity. Color is
// assigned by the caller and kept stable for the session.
func NewBroadcaster(transport Transport, self Collaborator, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		transport: transport,
		logger:    logger,
		self:      self,
		peers:     make(map[string]Collaborator),
	}
}

// OnPeers registers a callback invoked with the full peer list after every
// change.
func (b *Broadcaster) OnPeers(fn func([]Collaborator)) {
	b.mu.Lock()
	b.onPeers = append(b.onPeers, fn)
	b.mu.Unlock()
}

// Join enters the graph's presence channel and announces this session.
func (b *Broadcaster) Join(ctx context.Context, graphID string) error {
	b.mu.Lock()
	existing := b.ch
	b.mu.Unlock()
	if existing != nil {
		b.Leave()
	}

	ch, err := b.transport.Join(ctx, graphID, b.handleState)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.ch = ch
	b.peers = make(map[string]Collaborator)
	self := b.self
	b.mu.Unlock()

	self.LastActive = time.Now()
	if err := ch.Send(ctx, self); err != nil {
		b.logger.Warn("presence announce failed", zap.Error(err))
	}
	return nil
}

// Leave announces departure and closes the channel. Peers drop this session
// from their lists on the tombstone.
func (b *Broadcaster) Leave() {
	b.mu.Lock()
	ch := b.ch
	b.ch = nil
	self := b.self
	b.peers = make(map[string]Collaborator)
	b.mu.Unlock()

	if ch == nil {
		return
	}
	self.Left = true
	self.LastActive = time.Now()
	if err := ch.Send(context.Background(), self); err != nil {
		b.logger.Debug("presence tombstone failed", zap.Error(err))
	}
	if err := ch.Leave(); err != nil {
		b.logger.Debug("presence leave failed", zap.Error(err))
	}
	b.notify()
}

// PublishCursor shares the local cursor position. Calls inside the throttle
// window are dropped; the peer sees the next one.
func (b *Broadcaster) PublishCursor(ctx context.Context, pos graph.Position) {
	now := time.Now()
	b.mu.Lock()
	if b.ch == nil || now.Sub(b.lastSent) < CursorMinInterval {
		b.mu.Unlock()
		return
	}
	b.lastSent = now
	b.self.Mouse = pos
	b.self.LastActive = now
	ch := b.ch
	self := b.self
	b.mu.Unlock()

	if err := ch.Send(ctx, self); err != nil {
		b.logger.Debug("cursor publish failed", zap.Error(err))
	}
}

// Collaborators returns the current peers, ordered by id for stable
// rendering.
func (b *Broadcaster) Collaborators() []Collaborator {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peerListLocked()
}

// handleState folds one peer update into the roster. Updates without an id
// and echoes of our own state are ignored; the latest state per id wins.
func (b *Broadcaster) handleState(c Collaborator) {
	b.mu.Lock()
	if c.ID == "" || c.ID == b.self.ID {
		b.mu.Unlock()
		return
	}
	if c.Left {
		delete(b.peers, c.ID)
	} else {
		if c.LastActive.IsZero() {
			c.LastActive = time.Now()
		}
		b.peers[c.ID] = c
	}
	b.mu.Unlock()
	b.notify()
}

func (b *Broadcaster) notify() {
	b.mu.Lock()
	fns := append([]func([]Collaborator){}, b.onPeers...)
	list := b.peerListLocked()
	b.mu.Unlock()
	for _, fn := range fns {
		fn(list)
	}
}

func (b *Broadcaster) peerListLocked() []Collaborator {
	list := make([]Collaborator, 0, len(b.peers))
	for _, c := range b.peers {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}
