// Package session assembles the per-graph working set: the in-memory store,
// the persistence engine, the realtime reconciler, presence, and the
// completion runner, one of each per open editing session.
package session

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"loomsync/application/completion"
	"loomsync/application/ports"
	"loomsync/application/presence"
	appsync "loomsync/application/sync"
	"loomsync/domain/events"
	"loomsync/domain/graph"
	"loomsync/pkg/errors"
)

var cursorPalette = []string{
	"#ef4444", "#f97316", "#eab308", "#22c55e",
	"#06b6d4", "#3b82f6", "#8b5cf6", "#ec4899",
}

// Deps are the shared backends every session draws on.
type Deps struct {
	Remote      ports.RemoteStore
	Feed        ports.ChangeFeed
	Presence    presence.Transport
	Streamer    ports.CompletionStreamer
	Logger      *zap.Logger
	Debounce    time.Duration
	SettleDelay time.Duration
}

// Session is one user's live view of one graph.
type Session struct {
	ID     string
	UserID string

	Store      *graph.Store
	Engine     *appsync.Engine
	Reconciler *appsync.Reconciler
	Presence   *presence.Broadcaster
	Completion *completion.Runner

	logger *zap.Logger

	mu           sync.Mutex
	subscribedID string
	closed       bool
}

// Manager opens and tracks sessions.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		sessions: make(map[string]*Session),
	}
}

// Open creates a session for userID. With a graphID the graph is loaded from
// the remote store and realtime channels are attached; with an empty graphID
// the session starts on a fresh unsaved graph that acquires identity and
// realtime on its first save.
func (m *Manager) Open(ctx context.Context, userID, graphID, displayName string) (*Session, error) {
	store := graph.NewStore(userID)

	if graphID != "" {
		meta, nodeRecs, edgeRecs, err := m.deps.Remote.GetGraph(ctx, graphID)
		if err != nil {
			return nil, errors.Wrapf(err, "load graph %s", graphID)
		}
		nodes := make([]*graph.Node, 0, len(nodeRecs))
		for _, rec := range nodeRecs {
			n := rec.ToNode()
			nodes = append(nodes, &n)
		}
		edges := make([]*graph.Edge, 0, len(edgeRecs))
		for _, rec := range edgeRecs {
			e := rec.ToEdge()
			edges = append(edges, &e)
		}
		store.Load(graph.Metadata{ID: meta.ID, Name: meta.Name, OwnerID: meta.OwnerID}, nodes, edges)

		if err := m.deps.Remote.TouchAccess(ctx, graphID, userID); err != nil {
			m.deps.Logger.Warn("access stamp failed",
				zap.String("graphID", graphID), zap.Error(err))
		}
	}

	sessionID := uuid.New().String()
	engine := appsync.NewEngine(store, m.deps.Remote, m.deps.Feed, sessionID, m.deps.Debounce, m.deps.Logger)
	rec := appsync.NewReconciler(store, engine, m.deps.Feed, sessionID, m.deps.SettleDelay, m.deps.Logger)

	s := &Session{
		ID:         sessionID,
		UserID:     userID,
		Store:      store,
		Engine:     engine,
		Reconciler: rec,
		Completion: completion.NewRunner(store, m.deps.Streamer, m.deps.Logger),
		logger:     m.deps.Logger,
	}
	if m.deps.Presence != nil {
		s.Presence = presence.NewBroadcaster(m.deps.Presence, presence.Collaborator{
			ID:    sessionID,
			Name:  displayName,
			Color: colorFor(sessionID),
		}, m.deps.Logger)
	}

	if graphID != "" {
		s.attachRealtime(ctx, graphID)
	}
	// A graph created in this session gains identity on first save; attach
	// realtime as soon as that happens.
	engine.OnStatus(func(status appsync.Status, _ string) {
		if status != appsync.StatusSynced {
			return
		}
		if id := store.Meta().ID; id != "" {
			s.attachRealtime(context.Background(), id)
		}
	})

	m.mu.Lock()
	m.sessions[sessionID] = s
	m.mu.Unlock()

	m.deps.Logger.Info("session opened",
		zap.String("sessionID", sessionID),
		zap.String("userID", userID),
		zap.String("graphID", graphID),
	)
	return s, nil
}

// Get returns the session by id, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Close flushes and tears down the session. Unknown ids are no-ops.
func (m *Manager) Close(ctx context.Context, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if ok {
		s.close(ctx)
	}
}

// CloseAll tears down every open session, for shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.close(ctx)
	}
}

// SetModelConfig sets the completion configuration stored with each node.
func (s *Session) SetModelConfig(cfg events.ModelConfig) {
	s.Engine.SetModelConfig(cfg)
}

func (s *Session) attachRealtime(ctx context.Context, graphID string) {
	s.mu.Lock()
	if s.closed || s.subscribedID == graphID {
		s.mu.Unlock()
		return
	}
	s.subscribedID = graphID
	s.mu.Unlock()

	s.Reconciler.Subscribe(ctx, graphID)
	if s.Presence != nil {
		if err := s.Presence.Join(ctx, graphID); err != nil {
			s.logger.Warn("presence join failed",
				zap.String("graphID", graphID), zap.Error(err))
		}
	}
}

func (s *Session) close(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.Completion.CancelAll()
	if s.Presence != nil {
		s.Presence.Leave()
	}
	s.Reconciler.Close()
	// Final flush: an in-flight debounce is racing shutdown, so save
	// directly and let coalescing sort out the overlap.
	if err := s.Engine.Save(ctx); err != nil {
		s.logger.Warn("final save on close failed",
			zap.String("sessionID", s.ID), zap.Error(err))
	}
	s.Engine.Close()
	s.logger.Info("session closed", zap.String("sessionID", s.ID))
}

func colorFor(sessionID string) string {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return cursorPalette[int(h.Sum32())%len(cursorPalette)]
}
