package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/storage"
	"github.com/dennisdiepolder/monti/router/internal/types"
)

// The functions in this file run inside a caller's transaction so that
// session rows commit together with queue entry and agent capacity writes.

// OpenInTx inserts s unless the room already has an open session, in which
// case the existing session is returned and created is false.
func OpenInTx(ctx context.Context, tx storage.Tx, s *types.CallSession) (sess *types.CallSession, created bool, err error) {
	if s.OutcomeMetadata == nil {
		s.OutcomeMetadata = map[string]any{}
	}
	created, err = tx.InsertSession(ctx, s)
	if err != nil {
		return nil, false, err
	}
	if created {
		return s, true, nil
	}
	existing, err := tx.FindOpenSessionByRoom(ctx, s.RoomRef)
	if err != nil {
		return nil, false, fmt.Errorf("load open session for room %s: %w", s.RoomRef, err)
	}
	return existing, false, nil
}

// EndInTx closes the session locked by the caller's transaction. It releases
// the capacity slot the session holds and completes the linked queue entry.
// Ending an already ended session changes nothing and reports false.
func EndInTx(ctx context.Context, tx storage.Tx, s *types.CallSession, metadata map[string]any, now time.Time) (bool, error) {
	if s.Ended() {
		return false, nil
	}

	end := now.UTC()
	duration := int(end.Sub(s.StartTime).Seconds())
	if duration < 0 {
		duration = 0
	}
	s.EndTime = &end
	s.DurationSeconds = &duration
	s.OutcomeMetadata = Merge(s.OutcomeMetadata, metadata)

	if s.CapacityAgentRef != nil {
		// A false result means the count was already zero; it must not go negative.
		if _, err := tx.DecrementLoad(ctx, *s.CapacityAgentRef); err != nil {
			return false, err
		}
	}

	if err := tx.UpdateSession(ctx, s); err != nil {
		return false, err
	}

	if s.QueueEntryRef != nil {
		_, err := tx.TransitionEntry(ctx, *s.QueueEntryRef, types.QueueAssigned, types.QueueCompleted,
			storage.EntryFields{CompletedAt: &end})
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// handoverInTx applies a handler change to a locked session. While the call is
// live, capacity and the linked queue entry's agent move to the new handler.
func handoverInTx(ctx context.Context, tx storage.Tx, s *types.CallSession, handledBy types.HandledBy, agentRef *string, metadata map[string]any, now time.Time) (bool, error) {
	if s.SameHandler(handledBy, agentRef) {
		return false, nil
	}

	s.HandledBy = handledBy
	s.AgentRef = agentRef
	s.TransferCount++
	s.OutcomeMetadata = Merge(s.OutcomeMetadata, metadata)

	if !s.Ended() {
		if s.CapacityAgentRef != nil && !types.StringPtrEqual(s.CapacityAgentRef, agentRef) {
			if _, err := tx.DecrementLoad(ctx, *s.CapacityAgentRef); err != nil {
				return false, err
			}
			s.CapacityAgentRef = nil
		}
		if handledBy == types.HandledByHuman && agentRef != nil && s.CapacityAgentRef == nil {
			ok, err := tx.IncrementLoad(ctx, *agentRef, now)
			if err != nil {
				return false, err
			}
			if ok {
				s.CapacityAgentRef = agentRef
			} else {
				// The call is already with the agent; record that no slot was held.
				s.OutcomeMetadata["capacity_overflow"] = true
			}
		}
		if s.QueueEntryRef != nil {
			// A false result means the entry already left assigned
			if _, err := tx.SetEntryAgent(ctx, *s.QueueEntryRef, agentRef); err != nil {
				return false, err
			}
		}
	}

	if err := tx.UpdateSession(ctx, s); err != nil {
		return false, err
	}
	return true, nil
}

// Merge adds every key of src to dst, overwriting on collision
func Merge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// IsNotFound reports whether err means the session does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
