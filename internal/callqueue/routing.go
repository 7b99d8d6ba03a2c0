package callqueue

import (
	"github.com/dennisdiepolder/monti/router/internal/types"
)

// RoutingStrategy selects the best agent to handle a call
type RoutingStrategy interface {
	SelectAgent(eligible []types.Agent) *types.Agent
}

// LeastLoaded selects the eligible agent with the fewest active calls.
// Ties go to the agent who has waited longest since their last assignment.
type LeastLoaded struct{}

// SelectAgent picks from agents that are online and below capacity
func (LeastLoaded) SelectAgent(eligible []types.Agent) *types.Agent {
	var best *types.Agent
	for i := range eligible {
		a := &eligible[i]
		if !a.Eligible() {
			continue
		}
		if best == nil || lessLoaded(a, best) {
			best = a
		}
	}
	return best
}

func lessLoaded(a, b *types.Agent) bool {
	if a.CurrentCallCount != b.CurrentCallCount {
		return a.CurrentCallCount < b.CurrentCallCount
	}
	switch {
	case a.LastAssignedAt == nil && b.LastAssignedAt != nil:
		return true
	case a.LastAssignedAt != nil && b.LastAssignedAt == nil:
		return false
	case a.LastAssignedAt != nil && !a.LastAssignedAt.Equal(*b.LastAssignedAt):
		return a.LastAssignedAt.Before(*b.LastAssignedAt)
	}
	return a.ID < b.ID
}
