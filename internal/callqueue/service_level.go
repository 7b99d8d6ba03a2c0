package callqueue

import (
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/router/internal/types"
)

// SLTracker tracks the share of routed calls answered within a threshold.
// Counts are per process and reset on restart.
type SLTracker struct {
	mu            sync.Mutex
	target        int // target percentage (e.g., 80)
	thresholdSecs int // threshold in seconds (e.g., 20)
	answeredInSL  int
	totalAnswered int
}

// NewSLTracker creates a new SL tracker with the given target
func NewSLTracker(target, thresholdSecs int) *SLTracker {
	return &SLTracker{
		target:        target,
		thresholdSecs: thresholdSecs,
	}
}

// RecordAnswer records an entry leaving the queue after waiting for wait
func (s *SLTracker) RecordAnswer(wait time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalAnswered++
	if wait.Seconds() <= float64(s.thresholdSecs) {
		s.answeredInSL++
	}
}

// CurrentSL returns the current service level percentage
func (s *SLTracker) CurrentSL() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentSL()
}

func (s *SLTracker) currentSL() float64 {
	if s.totalAnswered == 0 {
		return 100.0 // No calls answered yet, SL is 100%
	}
	return float64(s.answeredInSL) / float64(s.totalAnswered) * 100.0
}

// Snapshot returns a ServiceLevel snapshot
func (s *SLTracker) Snapshot() types.ServiceLevel {
	if s == nil {
		return types.ServiceLevel{CurrentSL: 100.0}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return types.ServiceLevel{
		Target:        s.target,
		ThresholdSecs: s.thresholdSecs,
		AnsweredInSL:  s.answeredInSL,
		TotalAnswered: s.totalAnswered,
		CurrentSL:     s.currentSL(),
	}
}
