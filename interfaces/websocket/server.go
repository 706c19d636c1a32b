package websocket

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"loomsync/application/presence"
	"loomsync/application/session"
	appsync "loomsync/application/sync"
	"loomsync/domain/graph"
	"loomsync/pkg/auth"
)

// Server upgrades canvas clients onto the hub and binds session state
// changes to hub pushes.
type Server struct {
	hub      *Hub
	sessions *session.Manager
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, sessions *session.Manager, logger *zap.Logger) *Server {
	return &Server{
		hub:      hub,
		sessions: sessions,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer in front.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// HandleConnection serves GET /ws/sessions/{sessionID}. The request must
// carry a valid token; the session must belong to the authenticated user.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	sess := s.sessions.Get(sessionID)
	if sess == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if sess.UserID != user.UserID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	// The request context ends when this handler returns, but cursor
	// callbacks outlive it for as long as the connection stays open.
	onCursor := func(x, y float64) {
		if sess.Presence != nil {
			sess.Presence.PublishCursor(context.Background(), graph.Position{X: x, Y: y})
		}
	}
	client := NewClient(sessionID, s.hub, conn, onCursor, s.logger)
	client.Start()

	// Prime the new connection with current state.
	s.hub.SendToSession(sessionID, "graph", sess.View())
	if sess.Presence != nil {
		s.hub.SendToSession(sessionID, "peers", sess.Presence.Collaborators())
	}
}

// BindSession wires a session's change notifications to hub pushes. Call
// once, right after the session is opened.
func (s *Server) BindSession(sess *session.Session) {
	sessionID := sess.ID

	sess.Store.OnRefresh(func() {
		s.hub.SendToSession(sessionID, "graph", sess.View())
	})
	sess.Engine.OnStatus(func(status appsync.Status, msg string) {
		s.hub.SendToSession(sessionID, "status", map[string]string{
			"state":   string(status),
			"message": msg,
		})
	})
	if sess.Presence != nil {
		sess.Presence.OnPeers(func(peers []presence.Collaborator) {
			s.hub.SendToSession(sessionID, "peers", peers)
		})
	}
}

// Shutdown stops the hub.
func (s *Server) Shutdown(context.Context) error {
	s.hub.Stop()
	return nil
}
