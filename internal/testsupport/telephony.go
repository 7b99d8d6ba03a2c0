package testsupport

import (
	"context"
	"sync"

	"github.com/dennisdiepolder/monti/router/internal/telephony"
)

// Transfer is a recorded cold transfer
type Transfer struct {
	RoomRef        string
	ParticipantRef string
	Destination    string
}

// Move is a recorded participant move
type Move struct {
	FromRoom string
	Identity string
	ToRoom   string
}

// FakeGateway implements every telephony capability in memory
type FakeGateway struct {
	mu sync.Mutex

	// DispatchErr, when set, is called before each dispatch; a non-nil result fails it
	DispatchErr func(req telephony.DispatchRequest) error
	// AnswerAfterPolls is how many participant listings a dialed leg stays ringing.
	// A negative value means it never answers.
	AnswerAfterPolls int

	TransferErr error
	CreateErr   error
	MoveErr     error

	Dispatches []telephony.DispatchRequest
	Transfers  []Transfer
	Created    []telephony.CreateParticipantRequest
	Removed    []string
	Moves      []Move

	rooms map[string][]telephony.Participant
	polls map[string]int
}

// NewFakeGateway creates an empty gateway
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		rooms: make(map[string][]telephony.Participant),
		polls: make(map[string]int),
	}
}

// AddParticipant places a participant in a room
func (g *FakeGateway) AddParticipant(roomRef string, p telephony.Participant) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rooms[roomRef] = append(g.rooms[roomRef], p)
}

// Participants returns a copy of a room's participants
func (g *FakeGateway) Participants(roomRef string) []telephony.Participant {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]telephony.Participant(nil), g.rooms[roomRef]...)
}

// DispatchCount returns how many dispatches succeeded
func (g *FakeGateway) DispatchCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Dispatches)
}

func (g *FakeGateway) Dispatch(ctx context.Context, req telephony.DispatchRequest) error {
	g.mu.Lock()
	hook := g.DispatchErr
	g.mu.Unlock()
	if hook != nil {
		if err := hook(req); err != nil {
			return telephony.Wrap("dispatch", err)
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Dispatches = append(g.Dispatches, req)
	return nil
}

func (g *FakeGateway) ListParticipants(ctx context.Context, roomRef string) ([]telephony.Participant, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]telephony.Participant, 0, len(g.rooms[roomRef]))
	for i, p := range g.rooms[roomRef] {
		if !p.Answered {
			g.polls[p.Identity]++
			if g.AnswerAfterPolls >= 0 && g.polls[p.Identity] > g.AnswerAfterPolls {
				p.Answered = true
				g.rooms[roomRef][i] = p
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (g *FakeGateway) TransferParticipant(ctx context.Context, roomRef, participantRef, destination string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.TransferErr != nil {
		return telephony.Wrap("transfer participant", g.TransferErr)
	}
	g.Transfers = append(g.Transfers, Transfer{RoomRef: roomRef, ParticipantRef: participantRef, Destination: destination})
	return nil
}

func (g *FakeGateway) CreateParticipant(ctx context.Context, req telephony.CreateParticipantRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return "", telephony.Wrap("create participant", g.CreateErr)
	}
	g.Created = append(g.Created, req)
	g.rooms[req.RoomRef] = append(g.rooms[req.RoomRef], telephony.Participant{
		Identity: req.Identity,
		Name:     req.Name,
		SIP:      true,
	})
	return req.Identity, nil
}

func (g *FakeGateway) RemoveParticipant(ctx context.Context, roomRef, identity string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Removed = append(g.Removed, identity)
	g.rooms[roomRef] = without(g.rooms[roomRef], identity)
	return nil
}

func (g *FakeGateway) MoveParticipant(ctx context.Context, fromRoom, identity, toRoom string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.MoveErr != nil {
		return telephony.Wrap("move participant", g.MoveErr)
	}
	for _, p := range g.rooms[fromRoom] {
		if p.Identity == identity {
			g.rooms[toRoom] = append(g.rooms[toRoom], p)
		}
	}
	g.rooms[fromRoom] = without(g.rooms[fromRoom], identity)
	g.Moves = append(g.Moves, Move{FromRoom: fromRoom, Identity: identity, ToRoom: toRoom})
	return nil
}

func without(ps []telephony.Participant, identity string) []telephony.Participant {
	out := ps[:0]
	for _, p := range ps {
		if p.Identity != identity {
			out = append(out, p)
		}
	}
	return out
}
