// Package transfer hands live calls from the automated handler to human agents.
package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/events"
	"github.com/dennisdiepolder/monti/router/internal/metrics"
	"github.com/dennisdiepolder/monti/router/internal/telephony"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrParticipantNotFound means the room has no caller leg to transfer
	ErrParticipantNotFound = errors.New("caller participant not found")
	// ErrPickupTimeout means the agent did not answer the consultation call
	ErrPickupTimeout = errors.New("agent did not pick up")
	// ErrSessionEnded means the call finished before the transfer was requested
	ErrSessionEnded = errors.New("session already ended")
	// ErrInvalidTransferType is returned for types other than warm and cold
	ErrInvalidTransferType = errors.New("invalid transfer type")
	// ErrNoAgentAddress means the target agent has no phone number on record
	ErrNoAgentAddress = errors.New("agent has no dialable address")
	// ErrTransferInProgress means a different transfer for the session is running
	ErrTransferInProgress = errors.New("another transfer is in progress for this session")
	// ErrInvalidRequest means a required request field is missing
	ErrInvalidRequest = errors.New("invalid transfer request")
)

// Gateway is the set of media plane capabilities transfers use
type Gateway interface {
	telephony.ParticipantLister
	telephony.Transferer
	telephony.ParticipantCreator
	telephony.ParticipantRemover
	telephony.ParticipantMover
}

// Sessions is the session tracker surface transfers need
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*types.CallSession, error)
	UpdateHandler(ctx context.Context, sessionID string, handledBy types.HandledBy, agentRef *string, metadata map[string]any) (*types.CallSession, bool, error)
	MergeMetadata(ctx context.Context, sessionID string, metadata map[string]any) (*types.CallSession, error)
}

// Agents looks up transfer targets
type Agents interface {
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
}

// AgentSender sends messages to connected agents via WebSocket
type AgentSender interface {
	SendToAgent(agentID string, message []byte) bool
}

// Request asks for a live call to be handed to a human agent
type Request struct {
	SessionID string             `json:"sessionId"`
	AgentID   string             `json:"agentId"`
	Type      types.TransferType `json:"type"`
	// Summary briefs the agent during a warm transfer
	Summary string `json:"summary,omitempty"`
}

func (r Request) key() string {
	return r.SessionID + "|" + r.AgentID + "|" + string(r.Type)
}

// Result describes a completed transfer
type Result struct {
	SessionID        string             `json:"sessionId"`
	AgentID          string             `json:"agentId"`
	Type             types.TransferType `json:"type"`
	ConsultationRoom string             `json:"consultationRoom,omitempty"`
	Session          *types.CallSession `json:"session"`
}

// Options configure an Orchestrator
type Options struct {
	Gateway       Gateway
	Sessions      Sessions
	Agents        Agents
	Sender        AgentSender
	Events        events.Publisher
	Metrics       *metrics.Metrics
	PickupTimeout time.Duration
	PollInterval  time.Duration
}

// Orchestrator executes warm and cold transfers. Failed transfers are
// reported to the caller and never retried.
type Orchestrator struct {
	gateway       Gateway
	sessions      Sessions
	agents        Agents
	sender        AgentSender
	events        events.Publisher
	metrics       *metrics.Metrics
	pickupTimeout time.Duration
	pollInterval  time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	group    singleflight.Group
	mu       sync.Mutex
	inflight map[string]*inflightTransfer // by session id
}

// inflightTransfer counts the callers of one running request per session
type inflightTransfer struct {
	key  string
	refs int
}

// NewOrchestrator creates a new Orchestrator
func NewOrchestrator(opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.Events == nil {
		opts.Events = events.NoopPublisher{}
	}
	if opts.PickupTimeout <= 0 {
		opts.PickupTimeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	return &Orchestrator{
		gateway:       opts.Gateway,
		sessions:      opts.Sessions,
		agents:        opts.Agents,
		sender:        opts.Sender,
		events:        opts.Events,
		metrics:       opts.Metrics,
		pickupTimeout: opts.PickupTimeout,
		pollInterval:  opts.PollInterval,
		logger:        logger.With().Str("component", "transfer").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
		inflight:      make(map[string]*inflightTransfer),
	}
}

// RequestTransfer hands the session's call to the agent. Concurrent identical
// requests share one attempt and its result.
func (o *Orchestrator) RequestTransfer(ctx context.Context, req Request) (*Result, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTransferType, req.Type)
	}
	if req.SessionID == "" || req.AgentID == "" {
		return nil, fmt.Errorf("%w: sessionId and agentId are required", ErrInvalidRequest)
	}

	key := req.key()
	if err := o.acquire(req.SessionID, key); err != nil {
		return nil, err
	}
	defer o.release(req.SessionID)

	v, err, shared := o.group.Do(key, func() (interface{}, error) {
		// The attempt outlives any single caller that joins it
		return o.execute(context.WithoutCancel(ctx), req)
	})
	if shared {
		o.logger.Debug().Str("session_id", req.SessionID).Msg("joined in-flight transfer")
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// acquire registers a caller for key on the session. It fails while a
// request with a different key holds the session.
func (o *Orchestrator) acquire(sessionID, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.inflight[sessionID]
	if !ok {
		cur = &inflightTransfer{key: key}
		o.inflight[sessionID] = cur
	}
	if cur.key != key {
		return ErrTransferInProgress
	}
	cur.refs++
	return nil
}

// release drops one caller; the last one frees the session
func (o *Orchestrator) release(sessionID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, ok := o.inflight[sessionID]
	if !ok {
		return
	}
	if cur.refs--; cur.refs <= 0 {
		delete(o.inflight, sessionID)
	}
}

func (o *Orchestrator) execute(ctx context.Context, req Request) (*Result, error) {
	log := o.logger.With().
		Str("session_id", req.SessionID).
		Str("agent_id", req.AgentID).
		Str("transfer_type", string(req.Type)).
		Logger()

	sess, err := o.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Ended() {
		return nil, ErrSessionEnded
	}
	agent, err := o.agents.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if agent.PhoneNumber == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoAgentAddress, agent.ID)
	}

	log.Info().Str("room", sess.RoomRef).Msg("initiating transfer")

	res := &Result{SessionID: sess.ID, AgentID: agent.ID, Type: req.Type}
	switch req.Type {
	case types.TransferCold:
		err = o.cold(ctx, sess, agent)
	case types.TransferWarm:
		res.ConsultationRoom, err = o.warm(ctx, sess, agent, req.Summary)
	}
	if err != nil {
		o.metrics.RecordTransfer(req.Type, "failure")
		log.Error().Err(err).Msg("transfer failed")
		o.recordFailure(ctx, req, err)
		return nil, err
	}

	metadata := map[string]any{
		types.MetaTransferType:    string(req.Type),
		types.MetaTransferSuccess: true,
		types.MetaTransferTime:    o.now().Format(time.RFC3339Nano),
	}
	if res.ConsultationRoom != "" {
		metadata[types.MetaConsultationRoom] = res.ConsultationRoom
	}
	agentID := agent.ID
	updated, _, err := o.sessions.UpdateHandler(ctx, sess.ID, types.HandledByHuman, &agentID, metadata)
	if err != nil {
		// The media plane already moved the call; the record is what failed
		o.metrics.RecordTransfer(req.Type, "failure")
		log.Error().Err(err).Msg("transfer completed but session update failed")
		return nil, fmt.Errorf("record transfer: %w", err)
	}
	res.Session = updated

	o.metrics.RecordTransfer(req.Type, "success")
	log.Info().Int("transfer_count", updated.TransferCount).Msg("transfer completed")

	o.notifyAgent(req, sess.RoomRef)
	events.Emit(ctx, o.events, o.logger, events.Event{
		Type:      events.TransferCompleted,
		SessionID: sess.ID,
		AgentID:   agent.ID,
		RoomRef:   sess.RoomRef,
		Data:      metadata,
	})
	return res, nil
}

// cold redirects the caller leg straight to the agent's phone
func (o *Orchestrator) cold(ctx context.Context, sess *types.CallSession, agent *types.Agent) error {
	participants, err := o.gateway.ListParticipants(ctx, sess.RoomRef)
	if err != nil {
		return err
	}
	caller, ok := telephony.FindCaller(participants)
	if !ok {
		return fmt.Errorf("%w in room %s", ErrParticipantNotFound, sess.RoomRef)
	}
	return o.gateway.TransferParticipant(ctx, sess.RoomRef, caller.Identity, telephony.DialAddress(agent.PhoneNumber))
}

// warm dials the agent into a consultation room, waits for pickup and then
// joins the agent to the caller's room.
func (o *Orchestrator) warm(ctx context.Context, sess *types.CallSession, agent *types.Agent, summary string) (string, error) {
	room := ConsultationRoom(sess.ID)
	identity, err := o.gateway.CreateParticipant(ctx, telephony.CreateParticipantRequest{
		RoomRef:     room,
		Destination: agent.PhoneNumber,
		Identity:    "agent-" + agent.PhoneNumber,
		Name:        "Human Agent",
		Metadata:    summary,
	})
	if err != nil {
		return room, err
	}

	if err := o.awaitPickup(ctx, room, identity); err != nil {
		if rmErr := o.gateway.RemoveParticipant(ctx, room, identity); rmErr != nil {
			o.logger.Warn().Err(rmErr).
				Str("room", room).
				Str("identity", identity).
				Msg("failed to hang up consultation leg")
		}
		return room, err
	}

	if err := o.gateway.MoveParticipant(ctx, room, identity, sess.RoomRef); err != nil {
		return room, err
	}
	return room, nil
}

// awaitPickup polls the consultation room until the agent leg answers
func (o *Orchestrator) awaitPickup(ctx context.Context, room, identity string) error {
	deadline := time.NewTimer(o.pickupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		participants, err := o.gateway.ListParticipants(ctx, room)
		if err != nil {
			return err
		}
		for _, p := range participants {
			if p.Identity == identity && p.Answered {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w after %s", ErrPickupTimeout, o.pickupTimeout)
		case <-ticker.C:
		}
	}
}

// recordFailure notes the failed attempt on the session without changing its handler
func (o *Orchestrator) recordFailure(ctx context.Context, req Request, cause error) {
	_, err := o.sessions.MergeMetadata(ctx, req.SessionID, map[string]any{
		types.MetaTransferType:    string(req.Type),
		types.MetaTransferSuccess: false,
		types.MetaTransferTime:    o.now().Format(time.RFC3339Nano),
		"transfer_error":          cause.Error(),
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("failed to record transfer failure")
	}
}

func (o *Orchestrator) notifyAgent(req Request, roomRef string) {
	if o.sender == nil {
		return
	}
	data, err := json.Marshal(types.TransferRequest{
		Type:         types.MsgTransferRequest,
		AgentID:      req.AgentID,
		SessionID:    req.SessionID,
		TransferType: req.Type,
		RoomRef:      roomRef,
		Summary:      req.Summary,
		Timestamp:    o.now(),
	})
	if err != nil {
		o.logger.Error().Err(err).Str("session_id", req.SessionID).Msg("failed to marshal transfer_request message")
		return
	}
	if !o.sender.SendToAgent(req.AgentID, data) {
		o.logger.Debug().Str("agent_id", req.AgentID).Msg("agent not connected for transfer_request")
	}
}

// ConsultationRoom names the side room used to brief an agent
func ConsultationRoom(sessionID string) string {
	return "consult-" + sessionID
}
