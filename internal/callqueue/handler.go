package callqueue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// ServiceLeveler reports the service level of an in-process scheduler
type ServiceLeveler interface {
	ServiceLevel() types.ServiceLevel
}

// CallHandler handles HTTP requests for call queue operations
type CallHandler struct {
	mgr     *Manager
	loop    *Loop
	sl      ServiceLeveler
	baseCtx context.Context
	logger  zerolog.Logger
}

// NewCallHandler creates a new CallHandler. loop and sl are nil when the
// scheduler runs in a separate process. baseCtx bounds loops started over HTTP.
func NewCallHandler(baseCtx context.Context, mgr *Manager, loop *Loop, sl ServiceLeveler, logger zerolog.Logger) *CallHandler {
	return &CallHandler{
		mgr:     mgr,
		loop:    loop,
		sl:      sl,
		baseCtx: baseCtx,
		logger:  logger.With().Str("component", "queue_handler").Logger(),
	}
}

// Routes mounts the queue endpoints
func (h *CallHandler) Routes(r chi.Router) {
	r.Post("/", h.HandleEnqueue)
	r.Get("/", h.HandleList)
	r.Get("/stats", h.HandleStats)
	r.Route("/{entryId}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Get("/position", h.HandlePosition)
		r.Post("/priority", h.HandlePriority)
		r.Post("/complete", h.HandleComplete)
		r.Post("/abandon", h.HandleAbandon)
	})
}

// SchedulerRoutes mounts the scheduler control endpoints
func (h *CallHandler) SchedulerRoutes(r chi.Router) {
	r.Get("/health", h.HandleSchedulerHealth)
	r.Post("/start", h.HandleSchedulerStart)
	r.Post("/stop", h.HandleSchedulerStop)
}

// HandleEnqueue handles POST /api/queue
func (h *CallHandler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	entry, err := h.mgr.Enqueue(r.Context(), req)
	if err != nil {
		h.fail(w, err, "failed to enqueue call")
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// HandleList handles GET /api/queue and returns waiting entries in service order
func (h *CallHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries, err := h.mgr.Waiting(r.Context(), DefaultBatchSize)
	if err != nil {
		h.fail(w, err, "failed to list queue")
		return
	}
	if entries == nil {
		entries = []types.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleGet handles GET /api/queue/{entryId}
func (h *CallHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	entry, err := h.mgr.Get(r.Context(), chi.URLParam(r, "entryId"))
	if err != nil {
		h.fail(w, err, "failed to get queue entry")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// HandleStats handles GET /api/queue/stats
func (h *CallHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.mgr.QueueStats(r.Context())
	if err != nil {
		h.fail(w, err, "failed to get queue stats")
		return
	}
	if h.sl != nil {
		stats.ServiceLevel = h.sl.ServiceLevel()
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandlePosition handles GET /api/queue/{entryId}/position
func (h *CallHandler) HandlePosition(w http.ResponseWriter, r *http.Request) {
	entryID := chi.URLParam(r, "entryId")
	pos, err := h.mgr.Position(r.Context(), entryID)
	if err != nil {
		h.fail(w, err, "failed to get queue position")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entryId":  entryID,
		"position": pos,
	})
}

type priorityRequest struct {
	Priority types.Priority `json:"priority"`
}

// HandlePriority handles POST /api/queue/{entryId}/priority
func (h *CallHandler) HandlePriority(w http.ResponseWriter, r *http.Request) {
	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	entryID := chi.URLParam(r, "entryId")
	if err := h.mgr.UpdatePriority(r.Context(), entryID, req.Priority); err != nil {
		h.fail(w, err, "failed to update priority")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entryId":  entryID,
		"priority": req.Priority,
	})
}

// HandleComplete handles POST /api/queue/{entryId}/complete
func (h *CallHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	h.finalize(w, r, types.QueueCompleted, h.mgr.MarkCompleted)
}

// HandleAbandon handles POST /api/queue/{entryId}/abandon
func (h *CallHandler) HandleAbandon(w http.ResponseWriter, r *http.Request) {
	h.finalize(w, r, types.QueueAbandoned, h.mgr.MarkAbandoned)
}

func (h *CallHandler) finalize(w http.ResponseWriter, r *http.Request, to types.QueueState, mark func(context.Context, string) error) {
	entryID := chi.URLParam(r, "entryId")
	if err := mark(r.Context(), entryID); err != nil {
		h.fail(w, err, "failed to update queue entry")
		return
	}
	entry, err := h.mgr.Get(r.Context(), entryID)
	if err != nil {
		h.fail(w, err, "failed to get queue entry")
		return
	}
	if entry.State != to {
		h.logger.Debug().
			Str("entry_id", entryID).
			Str("state", string(entry.State)).
			Str("requested", string(to)).
			Msg("entry was already terminal")
	}
	writeJSON(w, http.StatusOK, entry)
}

// HandleSchedulerHealth handles GET /api/scheduler/health
func (h *CallHandler) HandleSchedulerHealth(w http.ResponseWriter, r *http.Request) {
	if h.loop == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"running": false, "embedded": false})
		return
	}
	writeJSON(w, http.StatusOK, h.loop.Health())
}

// HandleSchedulerStart handles POST /api/scheduler/start
func (h *CallHandler) HandleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	if h.loop == nil {
		http.Error(w, "scheduler is not embedded in this process", http.StatusNotImplemented)
		return
	}
	if err := h.loop.Start(h.baseCtx); err != nil {
		if errors.Is(err, ErrLoopRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.fail(w, err, "failed to start scheduler")
		return
	}
	h.logger.Info().Msg("scheduler started over HTTP")
	writeJSON(w, http.StatusOK, h.loop.Health())
}

// HandleSchedulerStop handles POST /api/scheduler/stop
func (h *CallHandler) HandleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	if h.loop == nil {
		http.Error(w, "scheduler is not embedded in this process", http.StatusNotImplemented)
		return
	}
	if err := h.loop.Stop(r.Context()); err != nil {
		if errors.Is(err, ErrLoopStopped) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		h.fail(w, err, "failed to stop scheduler")
		return
	}
	h.logger.Info().Msg("scheduler stopped over HTTP")
	writeJSON(w, http.StatusOK, h.loop.Health())
}

// fail maps store and queue errors to status codes
func (h *CallHandler) fail(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "queue entry not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidPriority), errors.Is(err, ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrNotWaiting), errors.Is(err, storage.ErrInvalidTransition), errors.Is(err, storage.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, storage.ErrTransient):
		h.logger.Warn().Err(err).Msg(msg)
		http.Error(w, "store temporarily unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error().Err(err).Msg(msg)
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
