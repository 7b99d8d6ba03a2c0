// Package telephony describes the media plane operations the router needs.
// Each capability is its own interface so that callers depend only on what
// they use.
package telephony

import (
	"context"
	"fmt"
	"strings"
)

// Participant is a party connected to a room
type Participant struct {
	Identity   string
	Name       string
	SIP        bool
	Answered   bool
	Attributes map[string]string
}

// DispatchRequest asks the media plane to start the automated agent in a room
type DispatchRequest struct {
	RoomRef   string
	AgentName string
	Metadata  map[string]any
}

// CreateParticipantRequest dials an outbound leg into a room
type CreateParticipantRequest struct {
	RoomRef     string
	Destination string
	Identity    string
	Name        string
	Metadata    string
}

// Dispatcher starts the automated handler in a room
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) error
}

// ParticipantLister enumerates the parties in a room
type ParticipantLister interface {
	ListParticipants(ctx context.Context, roomRef string) ([]Participant, error)
}

// Transferer redirects a live phone participant to another address
type Transferer interface {
	TransferParticipant(ctx context.Context, roomRef, participantRef, destination string) error
}

// ParticipantCreator dials a new call leg and returns its participant identity
type ParticipantCreator interface {
	CreateParticipant(ctx context.Context, req CreateParticipantRequest) (string, error)
}

// ParticipantRemover hangs up a participant
type ParticipantRemover interface {
	RemoveParticipant(ctx context.Context, roomRef, identity string) error
}

// ParticipantMover moves a participant between rooms without redialing
type ParticipantMover interface {
	MoveParticipant(ctx context.Context, fromRoom, identity, toRoom string) error
}

// GatewayError is a failed media plane operation
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("telephony %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Wrap returns nil for a nil err, otherwise a *GatewayError
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &GatewayError{Op: op, Err: err}
}

// FindCaller returns the first participant whose identity marks it as the
// inbound phone leg
func FindCaller(participants []Participant) (Participant, bool) {
	for _, p := range participants {
		if strings.Contains(strings.ToLower(p.Identity), "sip") {
			return p, true
		}
	}
	return Participant{}, false
}

// DialAddress formats a phone number as a SIP transfer target
func DialAddress(phone string) string {
	if strings.HasPrefix(phone, "tel:") || strings.HasPrefix(phone, "sip:") {
		return phone
	}
	return "tel:" + phone
}
