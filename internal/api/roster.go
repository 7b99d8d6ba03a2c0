package api

import (
	"net/http"
	"strings"

	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// RosterEntry is one agent in a directory update
type RosterEntry struct {
	AgentID            string            `json:"agentId"`
	Name               string            `json:"name"`
	PhoneNumber        string            `json:"phoneNumber"`
	Status             types.AgentStatus `json:"status"`
	MaxConcurrentCalls int               `json:"maxConcurrentCalls"`
}

func (e RosterEntry) agent() (*types.Agent, string) {
	if strings.TrimSpace(e.AgentID) == "" {
		return nil, "agentId is required"
	}
	if e.Status == "" {
		e.Status = types.AgentOffline
	}
	if !e.Status.Valid() {
		return nil, "unknown status " + string(e.Status)
	}
	if e.MaxConcurrentCalls <= 0 {
		e.MaxConcurrentCalls = 1
	}
	return &types.Agent{
		ID:                 e.AgentID,
		Name:               e.Name,
		PhoneNumber:        e.PhoneNumber,
		Status:             e.Status,
		MaxConcurrentCalls: e.MaxConcurrentCalls,
	}, ""
}

// RosterHandler maintains the agent directory for the agent-management service
type RosterHandler struct {
	agents storage.AgentDirectory
	logger zerolog.Logger
}

// NewRosterHandler creates a new RosterHandler
func NewRosterHandler(agents storage.AgentDirectory, logger zerolog.Logger) *RosterHandler {
	return &RosterHandler{
		agents: agents,
		logger: logger.With().Str("component", "roster").Logger(),
	}
}

// Routes mounts the directory endpoints under /internal/agents
func (h *RosterHandler) Routes(r chi.Router) {
	r.Post("/roster", h.HandleRoster)
	r.Route("/{agentId}", func(r chi.Router) {
		r.Get("/", h.HandleGet)
		r.Put("/", h.HandleUpsert)
		r.Post("/status", h.HandleStatus)
	})
}

// HandleRoster handles POST /internal/agents/roster
func (h *RosterHandler) HandleRoster(w http.ResponseWriter, r *http.Request) {
	var roster []RosterEntry
	if !decode(w, r, &roster) {
		return
	}

	registered := 0
	for _, entry := range roster {
		agent, problem := entry.agent()
		if problem != "" {
			h.logger.Warn().Str("agent_id", entry.AgentID).Str("reason", problem).Msg("skipping roster entry")
			continue
		}
		if err := h.agents.UpsertAgent(r.Context(), agent); err != nil {
			fail(w, h.logger, err, "failed to register roster")
			return
		}
		registered++
	}

	h.logger.Info().Int("registered", registered).Msg("roster received")
	writeJSON(w, http.StatusOK, map[string]int{"registered": registered})
}

// HandleGet handles GET /internal/agents/{agentId}
func (h *RosterHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	agent, err := h.agents.GetAgent(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		fail(w, h.logger, err, "failed to get agent")
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// HandleUpsert handles PUT /internal/agents/{agentId}
func (h *RosterHandler) HandleUpsert(w http.ResponseWriter, r *http.Request) {
	var entry RosterEntry
	if !decode(w, r, &entry) {
		return
	}
	entry.AgentID = chi.URLParam(r, "agentId")

	agent, problem := entry.agent()
	if problem != "" {
		http.Error(w, problem, http.StatusBadRequest)
		return
	}
	if err := h.agents.UpsertAgent(r.Context(), agent); err != nil {
		fail(w, h.logger, err, "failed to upsert agent")
		return
	}

	saved, err := h.agents.GetAgent(r.Context(), agent.ID)
	if err != nil {
		fail(w, h.logger, err, "failed to get agent")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

type statusRequest struct {
	Status types.AgentStatus `json:"status"`
}

// HandleStatus handles POST /internal/agents/{agentId}/status
func (h *RosterHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		http.Error(w, "unknown status "+string(req.Status), http.StatusBadRequest)
		return
	}

	agentID := chi.URLParam(r, "agentId")
	if err := h.agents.SetAgentStatus(r.Context(), agentID, req.Status); err != nil {
		fail(w, h.logger, err, "failed to set agent status")
		return
	}
	h.logger.Info().Str("agent_id", agentID).Str("status", string(req.Status)).Msg("agent status changed")
	writeJSON(w, http.StatusOK, map[string]string{"agentId": agentID, "status": string(req.Status)})
}
