package types

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	states := []QueueState{QueueWaiting, QueueAssigned, QueueCompleted, QueueAbandoned}
	allowed := map[[2]QueueState]bool{
		{QueueWaiting, QueueAssigned}:   true,
		{QueueWaiting, QueueAbandoned}:  true,
		{QueueAssigned, QueueCompleted}: true,
		{QueueAssigned, QueueAbandoned}: true,
	}

	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]QueueState{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}

	if !QueueCompleted.Terminal() || !QueueAbandoned.Terminal() || QueueWaiting.Terminal() || QueueAssigned.Terminal() {
		t.Error("unexpected terminal states")
	}
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"urgent", PriorityUrgent, false},
		{" High ", PriorityHigh, false},
		{"0", PriorityLow, false},
		{"1", PriorityNormal, false},
		{"4", 0, true},
		{"critical", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParsePriority(%q) expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}

	if Priority(7).Valid() {
		t.Error("priority 7 should be invalid")
	}
}

func TestWaitTime(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := &QueueEntry{CreatedAt: created}

	if got := e.WaitTime(created.Add(45 * time.Second)); got != 45*time.Second {
		t.Errorf("waiting entry: expected 45s, got %s", got)
	}

	assigned := created.Add(10 * time.Second)
	e.AssignedAt = &assigned
	if got := e.WaitTime(created.Add(time.Hour)); got != 10*time.Second {
		t.Errorf("assigned entry: expected 10s, got %s", got)
	}
}

func TestAgentEligible(t *testing.T) {
	tests := []struct {
		name  string
		agent Agent
		want  bool
	}{
		{"online with room", Agent{Status: AgentOnline, CurrentCallCount: 0, MaxConcurrentCalls: 1}, true},
		{"online and full", Agent{Status: AgentOnline, CurrentCallCount: 1, MaxConcurrentCalls: 1}, false},
		{"busy", Agent{Status: AgentBusy, MaxConcurrentCalls: 2}, false},
		{"zero capacity", Agent{Status: AgentOnline}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.agent.Eligible(); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSameHandler(t *testing.T) {
	a, b := "a", "b"
	s := &CallSession{HandledBy: HandledByHuman, AgentRef: &a}

	if !s.SameHandler(HandledByHuman, StringPtr("a")) {
		t.Error("expected same handler for equal agent refs")
	}
	if s.SameHandler(HandledByHuman, &b) {
		t.Error("different agent is a different handler")
	}
	if s.SameHandler(HandledByAI, nil) {
		t.Error("different handler kind")
	}
}
