package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/dennisdiepolder/monti/router/internal/transfer"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// SessionTracker is the session lifecycle surface the handler drives
type SessionTracker interface {
	Open(ctx context.Context, customerRef, roomRef string) (string, error)
	RecordEnd(ctx context.Context, sessionID string, metadata map[string]any) (*types.CallSession, error)
	MergeMetadata(ctx context.Context, sessionID string, metadata map[string]any) (*types.CallSession, error)
	Get(ctx context.Context, sessionID string) (*types.CallSession, error)
}

// Transferrer hands live calls to human agents
type Transferrer interface {
	RequestTransfer(ctx context.Context, req transfer.Request) (*transfer.Result, error)
}

// SessionHandler provides REST endpoints for call sessions
type SessionHandler struct {
	tracker   SessionTracker
	transfers Transferrer
	logger    zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(tracker SessionTracker, transfers Transferrer, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		tracker:   tracker,
		transfers: transfers,
		logger:    logger.With().Str("component", "session_handler").Logger(),
	}
}

// Routes mounts the session endpoints
func (h *SessionHandler) Routes(r chi.Router) {
	r.Post("/", h.Open)
	r.Route("/{sessionId}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/end", h.End)
		r.Post("/metadata", h.Merge)
		r.Post("/transfer", h.Transfer)
	})
}

type openRequest struct {
	CustomerRef string `json:"customerRef"`
	RoomRef     string `json:"roomRef"`
}

// Open handles POST /api/sessions. Repeating the call for a room with an
// open session returns the same id.
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.RoomRef) == "" {
		http.Error(w, "roomRef is required", http.StatusBadRequest)
		return
	}

	id, err := h.tracker.Open(r.Context(), req.CustomerRef, req.RoomRef)
	if err != nil {
		fail(w, h.logger, err, "failed to open session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

// Get handles GET /api/sessions/{sessionId}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.tracker.Get(r.Context(), chi.URLParam(r, "sessionId"))
	if err != nil {
		fail(w, h.logger, err, "failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type metadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

// End handles POST /api/sessions/{sessionId}/end. The body is optional.
func (h *SessionHandler) End(w http.ResponseWriter, r *http.Request) {
	var req metadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	sess, err := h.tracker.RecordEnd(r.Context(), chi.URLParam(r, "sessionId"), req.Metadata)
	if err != nil {
		fail(w, h.logger, err, "failed to end session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Merge handles POST /api/sessions/{sessionId}/metadata
func (h *SessionHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var req metadataRequest
	if !decode(w, r, &req) {
		return
	}

	sess, err := h.tracker.MergeMetadata(r.Context(), chi.URLParam(r, "sessionId"), req.Metadata)
	if err != nil {
		fail(w, h.logger, err, "failed to merge session metadata")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type transferRequest struct {
	AgentID string             `json:"agentId"`
	Type    types.TransferType `json:"type"`
	Summary string             `json:"summary,omitempty"`
}

// Transfer handles POST /api/sessions/{sessionId}/transfer. It blocks until
// the handover completes or fails.
func (h *SessionHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !decode(w, r, &req) {
		return
	}

	res, err := h.transfers.RequestTransfer(r.Context(), transfer.Request{
		SessionID: chi.URLParam(r, "sessionId"),
		AgentID:   req.AgentID,
		Type:      req.Type,
		Summary:   req.Summary,
	})
	if err != nil {
		fail(w, h.logger, err, "transfer failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
