package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"loomsync/application/ports"
	"loomsync/pkg/auth"
	"loomsync/pkg/common"
	apperrors "loomsync/pkg/errors"
	"loomsync/pkg/utils"
)

// GraphHandler serves read-only graph listings outside of any editing
// session. Mutations always go through a session.
type GraphHandler struct {
	remote ports.RemoteStore
	logger *zap.Logger
}

func NewGraphHandler(remote ports.RemoteStore, logger *zap.Logger) *GraphHandler {
	return &GraphHandler{remote: remote, logger: logger}
}

type graphSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	OwnerID   string `json:"ownerId"`
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

// ListGraphs returns the graphs the caller owns or has opened, most
// recently touched first.
func (h *GraphHandler) ListGraphs(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		common.RespondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}

	records, err := h.remote.ListGraphs(r.Context(), user.UserID)
	if err != nil {
		h.logger.Error("list graphs failed", zap.String("userId", user.UserID), zap.Error(err))
		common.RespondAppError(w, apperrors.Wrap(err, "listing graphs"))
		return
	}

	out := make([]graphSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, graphSummary{
			ID:        rec.ID,
			Name:      rec.Name,
			OwnerID:   rec.OwnerID,
			CreatedAt: utils.FormatRFC3339(rec.CreatedAt),
			UpdatedAt: utils.FormatRFC3339(rec.UpdatedAt),
		})
	}
	common.RespondJSON(w, http.StatusOK, map[string]any{"graphs": out})
}

// GetGraph returns one graph's metadata together with its node and edge
// rows as stored. A caller fetching a graph it does not own records an
// access stamp so the graph shows up in its listing afterwards.
func (h *GraphHandler) GetGraph(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		common.RespondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required")
		return
	}
	graphID := chi.URLParam(r, "graphID")
	if graphID == "" {
		common.RespondError(w, http.StatusBadRequest, "VALIDATION_ERROR", "graph id is required")
		return
	}

	meta, nodes, edges, err := h.remote.GetGraph(r.Context(), graphID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			common.RespondError(w, http.StatusNotFound, "NOT_FOUND", "graph not found")
			return
		}
		h.logger.Error("get graph failed", zap.String("graphId", graphID), zap.Error(err))
		common.RespondAppError(w, apperrors.Wrap(err, "loading graph"))
		return
	}

	if meta.OwnerID != user.UserID {
		if err := h.remote.TouchAccess(r.Context(), graphID, user.UserID); err != nil {
			h.logger.Warn("access stamp failed",
				zap.String("graphId", graphID),
				zap.String("userId", user.UserID),
				zap.Error(err))
		}
	}

	common.RespondJSON(w, http.StatusOK, map[string]any{
		"graph": meta,
		"nodes": nodes,
		"edges": edges,
	})
}
