package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"loomsync/application/session"
	"loomsync/domain/graph"
	"loomsync/pkg/auth"
	"loomsync/pkg/common"
	"loomsync/pkg/utils"
)

const maxBodyBytes = 1 << 20

// SessionHandler serves the editing-session lifecycle and every graph
// mutation inside a session.
type SessionHandler struct {
	sessions *session.Manager
	bind     func(*session.Session)
	logger   *zap.Logger
}

// NewSessionHandler creates the handler. bind is invoked once per opened
// session to attach push channels; nil is allowed.
func NewSessionHandler(sessions *session.Manager, bind func(*session.Session), logger *zap.Logger) *SessionHandler {
	if bind == nil {
		bind = func(*session.Session) {}
	}
	return &SessionHandler{
		sessions: sessions,
		bind:     bind,
		logger:   logger,
	}
}

type openSessionRequest struct {
	GraphID string `json:"graphId" validate:"omitempty,uuid4"`
}

// OpenSession handles POST /sessions. An empty graphId starts a fresh
// unsaved graph.
func (h *SessionHandler) OpenSession(w http.ResponseWriter, r *http.Request) {
	user, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		common.RespondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	var req openSessionRequest
	if r.ContentLength > 0 {
		if err := common.ParseJSONBody(r, &req, maxBodyBytes); err != nil {
			common.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			common.RespondError(w, http.StatusBadRequest, "VALIDATION", err.Error())
			return
		}
	}

	name := user.Name
	if name == "" {
		name = user.Email
	}
	sess, err := h.sessions.Open(r.Context(), user.UserID, req.GraphID, name)
	if err != nil {
		h.logger.Error("session open failed",
			zap.String("userID", user.UserID),
			zap.String("graphID", req.GraphID),
			zap.Error(err),
		)
		common.RespondAppError(w, err)
		return
	}
	h.bind(sess)

	common.RespondJSON(w, http.StatusCreated, sess.View())
}

// CloseSession handles DELETE /sessions/{sessionID}.
func (h *SessionHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	h.sessions.Close(r.Context(), sess.ID)
	common.RespondJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// GetSession handles GET /sessions/{sessionID}.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	common.RespondJSON(w, http.StatusOK, sess.View())
}

// GetStatus handles GET /sessions/{sessionID}/status.
func (h *SessionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	state, msg := sess.Engine.Status()
	common.RespondJSON(w, http.StatusOK, map[string]string{
		"state":   string(state),
		"message": msg,
	})
}

// Save handles POST /sessions/{sessionID}/save, forcing an immediate flush.
func (h *SessionHandler) Save(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := sess.Engine.Flush(r.Context()); err != nil {
		common.RespondAppError(w, err)
		return
	}
	common.RespondJSON(w, http.StatusOK, sess.View())
}

// Undo handles POST /sessions/{sessionID}/undo.
func (h *SessionHandler) Undo(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	applied := sess.Store.Undo()
	common.RespondJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

// Redo handles POST /sessions/{sessionID}/redo.
func (h *SessionHandler) Redo(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	applied := sess.Store.Redo()
	common.RespondJSON(w, http.StatusOK, map[string]bool{"applied": applied})
}

type renameGraphRequest struct {
	Name string `json:"name" validate:"required,min=1,max=200"`
}

// RenameGraph handles PATCH /sessions/{sessionID}/graph.
func (h *SessionHandler) RenameGraph(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req renameGraphRequest
	if err := common.ParseJSONBody(r, &req, maxBodyBytes); err != nil {
		common.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		common.RespondError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	sess.Store.SetName(req.Name)
	common.RespondJSON(w, http.StatusOK, sess.View())
}

type attachmentRequest struct {
	URL      string `json:"url" validate:"required,url"`
	Name     string `json:"name" validate:"required"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

type createNodeRequest struct {
	Kind          string             `json:"kind" validate:"required,oneof=root child attachment"`
	ParentID      string             `json:"parentId" validate:"required_if=Kind child"`
	X             float64            `json:"x"`
	Y             float64            `json:"y"`
	Content       string             `json:"content"`
	BranchContext string             `json:"branchContext"`
	AuthorName    string             `json:"authorName"`
	Attachment    *attachmentRequest `json:"attachment" validate:"required_if=Kind attachment"`
}

// CreateNode handles POST /sessions/{sessionID}/nodes.
func (h *SessionHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req createNodeRequest
	if err := common.ParseJSONBody(r, &req, maxBodyBytes); err != nil {
		common.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		common.RespondError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}

	pos := graph.Position{X: req.X, Y: req.Y}
	var nodeID string
	switch req.Kind {
	case "root":
		nodeID = sess.Store.CreateRootNode(pos, req.Content, req.AuthorName)
	case "child":
		nodeID = sess.Store.CreateChildNode(req.ParentID, pos, req.BranchContext)
	case "attachment":
		nodeID = sess.Store.CreateAttachmentNode(pos, graph.Attachment{
			URL:      req.Attachment.URL,
			Name:     req.Attachment.Name,
			Size:     req.Attachment.Size,
			MimeType: req.Attachment.MimeType,
		}, req.AuthorName)
	}

	common.RespondJSON(w, http.StatusCreated, map[string]string{"nodeId": nodeID})
}

type updateNodeRequest struct {
	Content       *string         `json:"content"`
	BranchContext *string         `json:"branchContext"`
	PersonaID     *string         `json:"personaId"`
	CustomPersona *string         `json:"customPersona"`
	AuthorName    *string         `json:"authorName"`
	Position      *graph.Position `json:"position"`
}

// UpdateNode handles PATCH /sessions/{sessionID}/nodes/{nodeID}. Absent
// fields are left untouched.
func (h *SessionHandler) UpdateNode(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	nodeID := chi.URLParam(r, "nodeID")

	var req updateNodeRequest
	if err := common.ParseJSONBody(r, &req, maxBodyBytes); err != nil {
		common.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	if req.Position != nil {
		sess.Store.MoveNode(nodeID, *req.Position)
	}
	sess.Store.UpdateNode(nodeID, graph.NodePatch{
		Content:       req.Content,
		BranchContext: req.BranchContext,
		PersonaID:     req.PersonaID,
		CustomPersona: req.CustomPersona,
		AuthorName:    req.AuthorName,
	})
	common.RespondJSON(w, http.StatusOK, map[string]string{"nodeId": nodeID})
}

// DeleteNode handles DELETE /sessions/{sessionID}/nodes/{nodeID}.
func (h *SessionHandler) DeleteNode(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	sess.Store.DeleteNode(nodeID)
	common.RespondJSON(w, http.StatusOK, map[string]string{"nodeId": nodeID})
}

type generateRequest struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature" validate:"gte=0,lte=2"`
}

// Generate handles POST /sessions/{sessionID}/nodes/{nodeID}/generate,
// streaming a completion into the node in the background.
func (h *SessionHandler) Generate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	if sess.Store.NodeByID(nodeID) == nil {
		common.RespondError(w, http.StatusNotFound, "NOT_FOUND", "node not found")
		return
	}

	var req generateRequest
	if r.ContentLength > 0 {
		if err := common.ParseJSONBody(r, &req, maxBodyBytes); err != nil {
			common.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			common.RespondError(w, http.StatusBadRequest, "VALIDATION", err.Error())
			return
		}
	}

	// The stream outlives the request; chunks reach clients through the
	// store's refresh notifications. Detached from the request context so
	// that returning 202 does not cancel it.
	go func() {
		ctx := context.Background()
		sess.Completion.StreamInto(ctx, nodeID, req.Model, req.Temperature)
		sess.Completion.SummarizeTitle(ctx, nodeID, req.Model)
	}()

	common.RespondJSON(w, http.StatusAccepted, map[string]string{"nodeId": nodeID})
}

// CancelGenerate handles POST /sessions/{sessionID}/nodes/{nodeID}/cancel.
func (h *SessionHandler) CancelGenerate(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	sess.Completion.Cancel(nodeID)
	common.RespondJSON(w, http.StatusOK, map[string]string{"nodeId": nodeID})
}

type createEdgeRequest struct {
	SourceID string `json:"sourceId" validate:"required"`
	TargetID string `json:"targetId" validate:"required,nefield=SourceID"`
}

// CreateEdge handles POST /sessions/{sessionID}/edges.
func (h *SessionHandler) CreateEdge(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req createEdgeRequest
	if err := common.ParseJSONBody(r, &req, maxBodyBytes); err != nil {
		common.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if err := utils.ValidateStruct(req); err != nil {
		common.RespondError(w, http.StatusBadRequest, "VALIDATION", err.Error())
		return
	}
	edgeID := sess.Store.Connect(req.SourceID, req.TargetID)
	common.RespondJSON(w, http.StatusCreated, map[string]string{"edgeId": edgeID})
}

// DeleteEdge handles DELETE /sessions/{sessionID}/edges/{edgeID}.
func (h *SessionHandler) DeleteEdge(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	edgeID := chi.URLParam(r, "edgeID")
	sess.Store.RemoveEdge(edgeID)
	common.RespondJSON(w, http.StatusOK, map[string]string{"edgeId": edgeID})
}

type selectionRequest struct {
	NodeID     string `json:"nodeId"`
	BranchText string `json:"branchText"`
}

// SetSelection handles POST /sessions/{sessionID}/selection, recording the
// selected node and the text selection anchoring a potential branch.
func (h *SessionHandler) SetSelection(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	var req selectionRequest
	if err := common.ParseJSONBody(r, &req, maxBodyBytes); err != nil {
		common.RespondError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	sess.Store.SelectNode(req.NodeID)
	sess.Store.SetBranchSelection(req.BranchText)
	common.RespondJSON(w, http.StatusOK, map[string]string{"nodeId": req.NodeID})
}

// session resolves the URL's session and enforces ownership. On failure it
// writes the error response and returns ok=false.
func (h *SessionHandler) session(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	user, err := auth.GetUserFromContext(r.Context())
	if err != nil {
		common.RespondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return nil, false
	}
	sessionID := chi.URLParam(r, "sessionID")
	sess := h.sessions.Get(sessionID)
	if sess == nil {
		common.RespondError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return nil, false
	}
	if sess.UserID != user.UserID {
		common.RespondError(w, http.StatusForbidden, "FORBIDDEN", "session belongs to another user")
		return nil, false
	}
	return sess, true
}
