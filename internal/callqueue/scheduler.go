package callqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/events"
	"github.com/dennisdiepolder/monti/router/internal/metrics"
	"github.com/dennisdiepolder/monti/router/internal/session"
	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/dennisdiepolder/monti/router/internal/telephony"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultBatchSize bounds the waiting entries considered per cycle
const DefaultBatchSize = 100

// errEntryTaken means another writer moved the entry out of waiting first
var errEntryTaken = errors.New("queue entry already taken")

// AgentSender sends messages to connected agents via WebSocket
type AgentSender interface {
	SendToAgent(agentID string, message []byte) bool
}

// CycleResult summarizes one poll cycle
type CycleResult struct {
	Considered       int
	AssignedHuman    int
	AssignedAI       int
	Skipped          int
	DispatchFailures int
}

// SchedulerOptions are the collaborators a Scheduler needs besides the store
type SchedulerOptions struct {
	Dispatcher   telephony.Dispatcher
	Strategy     RoutingStrategy
	Sender       AgentSender
	Events       events.Publisher
	Metrics      *metrics.Metrics
	ServiceLevel *SLTracker
	AIAgentName  string
	BatchSize    int
}

// Scheduler matches waiting entries to human agents, falling back to the
// automated handler when nobody can take the call. A cycle holds no state
// between runs beyond failure counts used for logging, so any number of
// schedulers may share one store.
type Scheduler struct {
	store       storage.Store
	dispatcher  telephony.Dispatcher
	strategy    RoutingStrategy
	sender      AgentSender
	events      events.Publisher
	metrics     *metrics.Metrics
	sl          *SLTracker
	aiAgentName string
	batchSize   int
	logger      zerolog.Logger
	now         func() time.Time

	mu       sync.Mutex
	failures map[string]int // entry id -> consecutive dispatch failures
}

// NewScheduler creates a new Scheduler
func NewScheduler(store storage.Store, opts SchedulerOptions, logger zerolog.Logger) *Scheduler {
	if opts.Strategy == nil {
		opts.Strategy = LeastLoaded{}
	}
	if opts.Events == nil {
		opts.Events = events.NoopPublisher{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Scheduler{
		store:       store,
		dispatcher:  opts.Dispatcher,
		strategy:    opts.Strategy,
		sender:      opts.Sender,
		events:      opts.Events,
		metrics:     opts.Metrics,
		sl:          opts.ServiceLevel,
		aiAgentName: opts.AIAgentName,
		batchSize:   opts.BatchSize,
		logger:      logger.With().Str("component", "scheduler").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		failures:    make(map[string]int),
	}
}

// ServiceLevel returns the service level recorded by this scheduler
func (s *Scheduler) ServiceLevel() types.ServiceLevel {
	return s.sl.Snapshot()
}

// RunCycle performs a single routing pass over the waiting entries. Store
// read failures abort the cycle; the next cycle starts over from the store.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	start := time.Now()

	waiting, err := s.store.FetchWaiting(ctx, s.batchSize)
	if err != nil {
		s.metrics.RecordCycle(time.Since(start), err)
		return res, fmt.Errorf("fetch waiting entries: %w", err)
	}
	res.Considered = len(waiting)
	s.pruneFailures(waiting)

	for i := range waiting {
		if err := ctx.Err(); err != nil {
			s.metrics.RecordCycle(time.Since(start), err)
			return res, err
		}
		if err := s.route(ctx, &waiting[i], &res); err != nil {
			s.metrics.RecordCycle(time.Since(start), err)
			return res, err
		}
	}

	s.metrics.RecordCycle(time.Since(start), nil)
	if res.Considered > 0 {
		s.logger.Debug().
			Int("considered", res.Considered).
			Int("assigned_human", res.AssignedHuman).
			Int("assigned_ai", res.AssignedAI).
			Int("skipped", res.Skipped).
			Int("dispatch_failures", res.DispatchFailures).
			Dur("duration", time.Since(start)).
			Msg("routing cycle complete")
	}
	return res, nil
}

// route handles one entry. Only errors that should abort the cycle are returned.
func (s *Scheduler) route(ctx context.Context, e *types.QueueEntry, res *CycleResult) error {
	eligible, err := s.store.FindEligible(ctx)
	if err != nil {
		return fmt.Errorf("find eligible agents: %w", err)
	}

	if agent := s.strategy.SelectAgent(eligible); agent != nil {
		err := s.assignHuman(ctx, e, agent)
		switch {
		case err == nil:
			res.AssignedHuman++
			return nil
		case errors.Is(err, errEntryTaken):
			res.Skipped++
			return nil
		case errors.Is(err, storage.ErrConflict):
			// The agent filled up between the read and the write
			s.metrics.RecordConflict()
			s.logger.Debug().
				Str("entry_id", e.ID).
				Str("agent_id", agent.ID).
				Msg("agent capacity taken concurrently, falling back to automated handler")
		default:
			return err
		}
	}

	ok, err := s.fallback(ctx, e)
	switch {
	case errors.Is(err, errEntryTaken):
		res.Skipped++
	case err != nil:
		return err
	case ok:
		res.AssignedAI++
	default:
		res.DispatchFailures++
	}
	return nil
}

// assignHuman moves e to assigned, takes a slot on agent and opens the human
// session in one transaction.
func (s *Scheduler) assignHuman(ctx context.Context, e *types.QueueEntry, agent *types.Agent) error {
	now := s.now()
	agentID := agent.ID
	var sess *types.CallSession

	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.TransitionEntry(ctx, e.ID, types.QueueWaiting, types.QueueAssigned,
			storage.EntryFields{AssignedAt: &now, AssignedAgentRef: &agentID})
		if err != nil {
			return err
		}
		if !ok {
			return errEntryTaken
		}

		ok, err = tx.IncrementLoad(ctx, agentID, now)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: agent %s has no free capacity", storage.ErrConflict, agentID)
		}

		sess, err = s.openHumanSession(ctx, tx, e, agentID, now)
		return err
	})
	if err != nil {
		return err
	}

	wait := now.Sub(e.CreatedAt)
	s.clearFailures(e.ID)
	s.metrics.RecordAssignment(types.HandledByHuman)
	s.sl.RecordAnswer(wait)

	s.logger.Info().
		Str("entry_id", e.ID).
		Str("agent_id", agentID).
		Str("session_id", sess.ID).
		Str("priority", e.Priority.String()).
		Dur("wait", wait).
		Msg("call assigned to agent")

	s.notifyAgent(e, agentID, sess.ID, now)
	events.Emit(ctx, s.events, s.logger, events.Event{
		Type:      events.EntryAssigned,
		EntryID:   e.ID,
		SessionID: sess.ID,
		AgentID:   agentID,
		RoomRef:   e.RoomRef,
		Data:      map[string]any{"handled_by": string(types.HandledByHuman), "wait_seconds": wait.Seconds()},
	})
	return nil
}

// openHumanSession opens the session for a routed entry. If the room already
// has an open session, it is taken over by the agent instead.
func (s *Scheduler) openHumanSession(ctx context.Context, tx storage.Tx, e *types.QueueEntry, agentID string, now time.Time) (*types.CallSession, error) {
	sess, created, err := session.OpenInTx(ctx, tx, &types.CallSession{
		ID:               uuid.New().String(),
		CustomerRef:      e.CustomerRef,
		RoomRef:          e.RoomRef,
		StartTime:        now,
		HandledBy:        types.HandledByHuman,
		AgentRef:         &agentID,
		CapacityAgentRef: &agentID,
		QueueEntryRef:    &e.ID,
	})
	if err != nil || created {
		return sess, err
	}

	if sess.CapacityAgentRef != nil {
		// The slot taken above replaces the one the session held
		if _, err := tx.DecrementLoad(ctx, *sess.CapacityAgentRef); err != nil {
			return nil, err
		}
	}
	sess.HandledBy = types.HandledByHuman
	sess.AgentRef = &agentID
	sess.CapacityAgentRef = &agentID
	sess.QueueEntryRef = &e.ID
	if err := tx.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// fallback hands e to the automated handler. It reports false when dispatch
// failed and the entry stays waiting for the next cycle, and errEntryTaken
// when another writer moved the entry while the dispatch was in flight.
func (s *Scheduler) fallback(ctx context.Context, e *types.QueueEntry) (bool, error) {
	if s.dispatcher == nil {
		return false, fmt.Errorf("no automated handler dispatcher configured")
	}

	err := s.dispatcher.Dispatch(ctx, telephony.DispatchRequest{
		RoomRef:   e.RoomRef,
		AgentName: s.aiAgentName,
		Metadata: map[string]any{
			"queue_id":     e.ID,
			"customer_id":  e.CustomerRef,
			"phone_number": e.PhoneNumber,
			"priority":     int(e.Priority),
		},
	})
	if err != nil {
		n := s.recordFailure(e.ID)
		s.metrics.RecordDispatchFailure()
		s.logger.Error().Err(err).
			Str("entry_id", e.ID).
			Str("room", e.RoomRef).
			Int("consecutive_failures", n).
			Msg("failed to dispatch automated handler, entry stays waiting")
		return false, nil
	}

	now := s.now()
	var (
		sess  *types.CallSession
		taken bool
	)
	err = s.store.WithTx(ctx, func(tx storage.Tx) error {
		sess, taken = nil, false
		ok, err := tx.TransitionEntry(ctx, e.ID, types.QueueWaiting, types.QueueAssigned,
			storage.EntryFields{AssignedAt: &now})
		if err != nil {
			return err
		}
		if !ok {
			taken = true
			return nil
		}

		var created bool
		sess, created, err = session.OpenInTx(ctx, tx, &types.CallSession{
			ID:            uuid.New().String(),
			CustomerRef:   e.CustomerRef,
			RoomRef:       e.RoomRef,
			StartTime:     now,
			HandledBy:     types.HandledByAI,
			QueueEntryRef: &e.ID,
		})
		if err != nil || created || sess.QueueEntryRef != nil {
			return err
		}
		sess.QueueEntryRef = &e.ID
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return false, fmt.Errorf("record automated assignment for entry %s: %w", e.ID, err)
	}
	if taken {
		s.logger.Warn().
			Str("entry_id", e.ID).
			Str("room", e.RoomRef).
			Msg("entry left waiting during dispatch, automated handler may be dispatched twice")
		return false, errEntryTaken
	}

	wait := now.Sub(e.CreatedAt)
	s.clearFailures(e.ID)
	s.metrics.RecordAssignment(types.HandledByAI)
	s.sl.RecordAnswer(wait)

	s.logger.Info().
		Str("entry_id", e.ID).
		Str("session_id", sess.ID).
		Str("room", e.RoomRef).
		Dur("wait", wait).
		Msg("call routed to automated handler")

	events.Emit(ctx, s.events, s.logger, events.Event{
		Type:      events.EntryAssigned,
		EntryID:   e.ID,
		SessionID: sess.ID,
		RoomRef:   e.RoomRef,
		Data:      map[string]any{"handled_by": string(types.HandledByAI), "wait_seconds": wait.Seconds()},
	})
	return true, nil
}

func (s *Scheduler) notifyAgent(e *types.QueueEntry, agentID, sessionID string, now time.Time) {
	if s.sender == nil {
		return
	}
	msg := types.CallAssign{
		Type:        types.MsgCallAssign,
		AgentID:     agentID,
		EntryID:     e.ID,
		SessionID:   sessionID,
		RoomRef:     e.RoomRef,
		CustomerRef: e.CustomerRef,
		Priority:    e.Priority,
		Timestamp:   now,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error().Err(err).
			Str("entry_id", e.ID).
			Str("agent_id", agentID).
			Msg("failed to marshal call_assign message")
		return
	}

	if !s.sender.SendToAgent(agentID, data) {
		s.logger.Warn().
			Str("entry_id", e.ID).
			Str("agent_id", agentID).
			Msg("failed to send call_assign to agent")
	}
}

// DispatchFailures returns the consecutive dispatch failures recorded for an entry
func (s *Scheduler) DispatchFailures(entryID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[entryID]
}

func (s *Scheduler) recordFailure(entryID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[entryID]++
	return s.failures[entryID]
}

func (s *Scheduler) clearFailures(entryID string) {
	s.mu.Lock()
	delete(s.failures, entryID)
	s.mu.Unlock()
}

// pruneFailures forgets entries that are no longer waiting
func (s *Scheduler) pruneFailures(waiting []types.QueueEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.failures) == 0 {
		return
	}
	live := make(map[string]struct{}, len(waiting))
	for _, e := range waiting {
		live[e.ID] = struct{}{}
	}
	for id := range s.failures {
		if _, ok := live[id]; !ok {
			delete(s.failures, id)
		}
	}
}
