package transfer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/session"
	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/dennisdiepolder/monti/router/internal/telephony"
	"github.com/dennisdiepolder/monti/router/internal/testsupport"
	"github.com/dennisdiepolder/monti/router/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store   *storage.SQLStore
	tracker *session.Tracker
	gateway *testsupport.FakeGateway
	sender  *testsupport.RecordingSender
	events  *testsupport.EventRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   testsupport.MustOpenStore(t),
		gateway: testsupport.NewFakeGateway(),
		sender:  &testsupport.RecordingSender{},
		events:  &testsupport.EventRecorder{},
	}
	h.tracker = session.NewTracker(h.store, nil, h.events, zerolog.Nop())
	return h
}

func (h *harness) orchestrator(gw Gateway, pickup time.Duration) *Orchestrator {
	if gw == nil {
		gw = h.gateway
	}
	return NewOrchestrator(Options{
		Gateway:       gw,
		Sessions:      h.tracker,
		Agents:        h.store,
		Sender:        h.sender,
		Events:        h.events,
		PickupTimeout: pickup,
		PollInterval:  time.Millisecond,
	}, zerolog.Nop())
}

// openCall opens an automated session with a caller leg in its room
func (h *harness) openCall(t *testing.T, room string) string {
	t.Helper()
	id, err := h.tracker.Open(context.Background(), "cust-1", room)
	require.NoError(t, err)
	h.gateway.AddParticipant(room, telephony.Participant{Identity: "sip_+4917612345678", SIP: true, Answered: true})
	h.gateway.AddParticipant(room, telephony.Participant{Identity: "support-agent", Answered: true})
	return id
}

func TestColdTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := testsupport.SeedAgent(t, h.store, "a1", 2)
	sessionID := h.openCall(t, "room-1")

	res, err := h.orchestrator(nil, time.Second).RequestTransfer(ctx, Request{
		SessionID: sessionID, AgentID: agent.ID, Type: types.TransferCold,
	})
	require.NoError(t, err)

	require.Len(t, h.gateway.Transfers, 1)
	assert.Equal(t, "sip_+4917612345678", h.gateway.Transfers[0].ParticipantRef)
	assert.Equal(t, "tel:"+agent.PhoneNumber, h.gateway.Transfers[0].Destination)

	sess := res.Session
	assert.Equal(t, types.HandledByHuman, sess.HandledBy)
	assert.Equal(t, agent.ID, types.Deref(sess.AgentRef))
	assert.Equal(t, 1, sess.TransferCount)
	assert.Equal(t, "cold", sess.OutcomeMetadata[types.MetaTransferType])
	assert.Equal(t, true, sess.OutcomeMetadata[types.MetaTransferSuccess])
	assert.NotEmpty(t, sess.OutcomeMetadata[types.MetaTransferTime])
	assert.NotContains(t, sess.OutcomeMetadata, types.MetaConsultationRoom)

	assert.Equal(t, 1, testsupport.MustAgent(t, h.store, agent.ID).CurrentCallCount)
	assert.Equal(t, 1, h.events.Count("transfer.completed"))
	assert.Len(t, h.sender.Sent(agent.ID), 1)
}

func TestColdTransferWithoutCallerFailsClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := testsupport.SeedAgent(t, h.store, "a1", 1)
	sessionID, err := h.tracker.Open(ctx, "cust-1", "room-empty")
	require.NoError(t, err)
	h.gateway.AddParticipant("room-empty", telephony.Participant{Identity: "support-agent", Answered: true})

	_, err = h.orchestrator(nil, time.Second).RequestTransfer(ctx, Request{
		SessionID: sessionID, AgentID: agent.ID, Type: types.TransferCold,
	})
	require.ErrorIs(t, err, ErrParticipantNotFound)
	assert.Empty(t, h.gateway.Transfers)

	sess, err := h.tracker.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, types.HandledByAI, sess.HandledBy)
	assert.Equal(t, 0, sess.TransferCount)
	assert.Equal(t, false, sess.OutcomeMetadata[types.MetaTransferSuccess])
	assert.Equal(t, 0, testsupport.MustAgent(t, h.store, agent.ID).CurrentCallCount)
	assert.Zero(t, h.events.Count("transfer.completed"))
}

func TestWarmTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.AnswerAfterPolls = 2
	agent := testsupport.SeedAgent(t, h.store, "a1", 1)
	sessionID := h.openCall(t, "room-1")

	res, err := h.orchestrator(nil, time.Second).RequestTransfer(ctx, Request{
		SessionID: sessionID, AgentID: agent.ID, Type: types.TransferWarm, Summary: "billing dispute, account 42",
	})
	require.NoError(t, err)

	consult := "consult-" + sessionID
	assert.Equal(t, consult, res.ConsultationRoom)

	require.Len(t, h.gateway.Created, 1)
	created := h.gateway.Created[0]
	assert.Equal(t, consult, created.RoomRef)
	assert.Equal(t, agent.PhoneNumber, created.Destination, "outbound SIP legs dial the bare number")
	assert.Equal(t, "agent-"+agent.PhoneNumber, created.Identity)
	assert.Equal(t, "Human Agent", created.Name)
	assert.Equal(t, "billing dispute, account 42", created.Metadata)

	require.Len(t, h.gateway.Moves, 1)
	assert.Equal(t, testsupport.Move{FromRoom: consult, Identity: created.Identity, ToRoom: "room-1"}, h.gateway.Moves[0])
	assert.Empty(t, h.gateway.Removed)

	sess := res.Session
	assert.Equal(t, types.HandledByHuman, sess.HandledBy)
	assert.Equal(t, 1, sess.TransferCount)
	assert.Equal(t, "warm", sess.OutcomeMetadata[types.MetaTransferType])
	assert.Equal(t, consult, sess.OutcomeMetadata[types.MetaConsultationRoom])
}

func TestWarmTransferPickupTimeout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.AnswerAfterPolls = -1
	agent := testsupport.SeedAgent(t, h.store, "a1", 1)
	sessionID := h.openCall(t, "room-1")

	_, err := h.orchestrator(nil, 20*time.Millisecond).RequestTransfer(ctx, Request{
		SessionID: sessionID, AgentID: agent.ID, Type: types.TransferWarm,
	})
	require.ErrorIs(t, err, ErrPickupTimeout)

	assert.Equal(t, []string{"agent-" + agent.PhoneNumber}, h.gateway.Removed)
	assert.Empty(t, h.gateway.Moves)
	assert.Empty(t, h.gateway.Participants("consult-"+sessionID))

	sess, err := h.tracker.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, types.HandledByAI, sess.HandledBy)
	assert.Nil(t, sess.AgentRef)
	assert.Equal(t, 0, testsupport.MustAgent(t, h.store, agent.ID).CurrentCallCount)
}

func TestWarmTransferDialFailureKeepsAutomatedHandler(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.gateway.CreateErr = errors.New("trunk unavailable")
	agent := testsupport.SeedAgent(t, h.store, "a1", 1)
	sessionID := h.openCall(t, "room-1")

	_, err := h.orchestrator(nil, time.Second).RequestTransfer(ctx, Request{
		SessionID: sessionID, AgentID: agent.ID, Type: types.TransferWarm,
	})
	var gwErr *telephony.GatewayError
	require.ErrorAs(t, err, &gwErr)

	sess, err := h.tracker.Get(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, types.HandledByAI, sess.HandledBy)
	assert.Equal(t, 0, sess.TransferCount)
	assert.Equal(t, false, sess.OutcomeMetadata[types.MetaTransferSuccess])
	assert.Len(t, h.gateway.Participants("room-1"), 2)
	assert.Empty(t, h.gateway.Moves)
	assert.Equal(t, 0, testsupport.MustAgent(t, h.store, agent.ID).CurrentCallCount)
}

func TestRequestTransferValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := testsupport.SeedAgent(t, h.store, "a1", 1)
	sessionID := h.openCall(t, "room-1")
	o := h.orchestrator(nil, time.Second)

	_, err := o.RequestTransfer(ctx, Request{SessionID: sessionID, AgentID: agent.ID, Type: "blind"})
	assert.ErrorIs(t, err, ErrInvalidTransferType)

	_, err = o.RequestTransfer(ctx, Request{SessionID: sessionID, Type: types.TransferCold})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = o.RequestTransfer(ctx, Request{SessionID: "missing", AgentID: agent.ID, Type: types.TransferCold})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = h.tracker.RecordEnd(ctx, sessionID, nil)
	require.NoError(t, err)
	_, err = o.RequestTransfer(ctx, Request{SessionID: sessionID, AgentID: agent.ID, Type: types.TransferCold})
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.Empty(t, h.gateway.Transfers)
}

// blockingGateway holds cold transfers until released
type blockingGateway struct {
	*testsupport.FakeGateway
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *blockingGateway) TransferParticipant(ctx context.Context, roomRef, participantRef, destination string) error {
	g.calls.Add(1)
	g.entered <- struct{}{}
	<-g.release
	return g.FakeGateway.TransferParticipant(ctx, roomRef, participantRef, destination)
}

func TestConcurrentIdenticalTransfersShareOneAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := testsupport.SeedAgent(t, h.store, "a1", 1)
	other := testsupport.SeedAgent(t, h.store, "a2", 1)
	sessionID := h.openCall(t, "room-1")

	gw := &blockingGateway{FakeGateway: h.gateway, entered: make(chan struct{}, 2), release: make(chan struct{})}
	o := h.orchestrator(gw, time.Second)
	req := Request{SessionID: sessionID, AgentID: agent.ID, Type: types.TransferCold}

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = o.RequestTransfer(ctx, req)
	}()
	<-gw.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = o.RequestTransfer(ctx, req)
	}()

	// A different target for the same session is refused while one runs
	_, err := o.RequestTransfer(ctx, Request{SessionID: sessionID, AgentID: other.ID, Type: types.TransferCold})
	assert.ErrorIs(t, err, ErrTransferInProgress)

	time.Sleep(20 * time.Millisecond)
	close(gw.release)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, int32(1), gw.calls.Load())
	assert.Equal(t, 1, results[0].Session.TransferCount)
	assert.Equal(t, results[0].Session.TransferCount, results[1].Session.TransferCount)
	assert.Equal(t, 1, testsupport.MustAgent(t, h.store, agent.ID).CurrentCallCount)

	// Every caller has returned, so the session is free for a new target
	o.mu.Lock()
	assert.Empty(t, o.inflight)
	o.mu.Unlock()
	res, err := o.RequestTransfer(ctx, Request{SessionID: sessionID, AgentID: other.ID, Type: types.TransferCold})
	require.NoError(t, err)
	assert.Equal(t, other.ID, types.Deref(res.Session.AgentRef))
}

func TestInflightHeldUntilLastCallerReturns(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil, time.Second)
	first := Request{SessionID: "s1", AgentID: "a1", Type: types.TransferCold}.key()
	second := Request{SessionID: "s1", AgentID: "a2", Type: types.TransferCold}.key()

	require.NoError(t, o.acquire("s1", first))
	// A caller joining after the attempt finished still holds a reference
	require.NoError(t, o.acquire("s1", first))
	o.release("s1")
	assert.ErrorIs(t, o.acquire("s1", second), ErrTransferInProgress)

	o.release("s1")
	require.NoError(t, o.acquire("s1", second))
	o.release("s1")

	o.mu.Lock()
	defer o.mu.Unlock()
	assert.Empty(t, o.inflight)
}
