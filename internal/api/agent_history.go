package api

import (
	"net/http"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/archive"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// AgentHistoryHandler serves archived call records
type AgentHistoryHandler struct {
	archive archive.Archive
	logger  zerolog.Logger
}

// NewAgentHistoryHandler creates a new AgentHistoryHandler
func NewAgentHistoryHandler(arch archive.Archive, logger zerolog.Logger) *AgentHistoryHandler {
	return &AgentHistoryHandler{
		archive: arch,
		logger:  logger.With().Str("component", "agent_history_handler").Logger(),
	}
}

func dateParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := r.URL.Query().Get("date")
	if date == "" {
		http.Error(w, "date query parameter is required (YYYY-MM-DD)", http.StatusBadRequest)
		return "", false
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
		return "", false
	}
	return date, true
}

// GetCalls returns call records for the given agent on a specific date
// GET /api/agents/{agentId}/calls?date=YYYY-MM-DD
func (h *AgentHistoryHandler) GetCalls(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if agentID == "" {
		http.Error(w, "agentId is required", http.StatusBadRequest)
		return
	}
	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	records, err := h.archive.GetAgentCallsByDate(r.Context(), agentID, date)
	if err != nil {
		h.logger.Error().Err(err).
			Str("agent_id", agentID).
			Str("date", date).
			Msg("failed to get agent calls")
		http.Error(w, "failed to retrieve calls", http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []types.CallRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetDay returns every archived call on a date
// GET /api/calls?date=YYYY-MM-DD
func (h *AgentHistoryHandler) GetDay(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	records, err := h.archive.GetCallRecords(r.Context(), date)
	if err != nil {
		h.logger.Error().Err(err).Str("date", date).Msg("failed to get call records")
		http.Error(w, "failed to retrieve calls", http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []types.CallRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
