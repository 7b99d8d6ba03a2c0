package testsupport

import (
	"context"
	"sync"

	"github.com/dennisdiepolder/monti/router/internal/events"
)

// EventRecorder captures published events
type EventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *EventRecorder) Publish(ctx context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Types returns the recorded event types in publish order
func (r *EventRecorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// Count returns how many events of type t were published
func (r *EventRecorder) Count(t string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// RecordingSender captures websocket messages sent to agents
type RecordingSender struct {
	mu       sync.Mutex
	Messages map[string][][]byte
}

// SendToAgent records the message and reports delivery
func (s *RecordingSender) SendToAgent(agentID string, message []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Messages == nil {
		s.Messages = make(map[string][][]byte)
	}
	s.Messages[agentID] = append(s.Messages[agentID], message)
	return true
}

// Sent returns the messages sent to one agent
func (s *RecordingSender) Sent(agentID string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.Messages[agentID]...)
}
