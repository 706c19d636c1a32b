package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"loomsync/application/ports"
	"loomsync/application/session"
	"loomsync/interfaces/http/rest/handlers"
	"loomsync/interfaces/http/rest/middleware"
	"loomsync/interfaces/websocket"
	"loomsync/pkg/auth"
)

// Router creates and configures the HTTP router
type Router struct {
	sessions   *session.Manager
	remote     ports.RemoteStore
	ws         *websocket.Server
	validator  *auth.JWTValidator
	logger     *zap.Logger
	enableCORS bool
}

// NewRouter creates a new router instance
func NewRouter(
	sessions *session.Manager,
	remote ports.RemoteStore,
	ws *websocket.Server,
	validator *auth.JWTValidator,
	logger *zap.Logger,
	enableCORS bool,
) *Router {
	return &Router{
		sessions:   sessions,
		remote:     remote,
		ws:         ws,
		validator:  validator,
		logger:     logger,
		enableCORS: enableCORS,
	}
}

// Setup configures all routes and middleware
func (rt *Router) Setup() http.Handler {
	router := chi.NewRouter()

	// Global middleware
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.Logger(rt.logger))

	if rt.enableCORS {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
			AllowedMethods:   []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health check
	router.Get("/health", rt.healthCheck)
	router.Get("/ready", rt.readinessCheck)

	sessionHandler := handlers.NewSessionHandler(rt.sessions, rt.ws.BindSession, rt.logger)
	graphHandler := handlers.NewGraphHandler(rt.remote, rt.logger)

	// API routes
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Authenticate(rt.validator, rt.logger))

		// Graph listings, outside any editing session
		r.Route("/graphs", func(r chi.Router) {
			r.Get("/", graphHandler.ListGraphs)
			r.Get("/{graphID}", graphHandler.GetGraph)
		})

		// Editing sessions and everything scoped to one
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.OpenSession)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", sessionHandler.GetSession)
				r.Delete("/", sessionHandler.CloseSession)
				r.Get("/status", sessionHandler.GetStatus)
				r.Post("/save", sessionHandler.Save)
				r.Post("/undo", sessionHandler.Undo)
				r.Post("/redo", sessionHandler.Redo)
				r.Patch("/graph", sessionHandler.RenameGraph)
				r.Put("/selection", sessionHandler.SetSelection)

				r.Route("/nodes", func(r chi.Router) {
					r.Post("/", sessionHandler.CreateNode)
					r.Patch("/{nodeID}", sessionHandler.UpdateNode)
					r.Delete("/{nodeID}", sessionHandler.DeleteNode)
					r.Post("/{nodeID}/generate", sessionHandler.Generate)
					r.Post("/{nodeID}/cancel", sessionHandler.CancelGenerate)
				})

				r.Route("/edges", func(r chi.Router) {
					r.Post("/", sessionHandler.CreateEdge)
					r.Delete("/{edgeID}", sessionHandler.DeleteEdge)
				})
			})
		})
	})

	// Websocket upgrade; the auth middleware accepts a token query
	// parameter here because browsers cannot set headers on upgrades.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(rt.validator, rt.logger))
		r.Get("/ws/sessions/{sessionID}", rt.ws.HandleConnection)
	})

	return router
}

// healthCheck handles health check requests
func (rt *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// readinessCheck handles readiness check requests
func (rt *Router) readinessCheck(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}
