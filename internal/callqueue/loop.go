package callqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrLoopRunning is returned by Start when the loop is already running
	ErrLoopRunning = errors.New("scheduler loop already running")
	// ErrLoopStopped is returned by Stop when the loop is not running
	ErrLoopStopped = errors.New("scheduler loop not running")
)

// Cycler runs one routing pass
type Cycler interface {
	RunCycle(ctx context.Context) (CycleResult, error)
}

// LoopHealth is a point-in-time view of the loop for health endpoints
type LoopHealth struct {
	Running           bool        `json:"running"`
	Interval          string      `json:"interval"`
	Cycles            int64       `json:"cycles"`
	ConsecutiveErrors int         `json:"consecutiveErrors"`
	LastCycleAt       *time.Time  `json:"lastCycleAt,omitempty"`
	LastError         string      `json:"lastError,omitempty"`
	LastResult        CycleResult `json:"lastResult"`
}

// Loop runs the scheduler on a fixed interval until stopped
type Loop struct {
	cycler       Cycler
	interval     time.Duration
	cycleTimeout time.Duration
	logger       zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	health LoopHealth
}

// NewLoop creates a new Loop
func NewLoop(cycler Cycler, interval, cycleTimeout time.Duration, logger zerolog.Logger) *Loop {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if cycleTimeout <= 0 {
		cycleTimeout = 30 * time.Second
	}
	return &Loop{
		cycler:       cycler,
		interval:     interval,
		cycleTimeout: cycleTimeout,
		logger:       logger.With().Str("component", "scheduler_loop").Logger(),
		health:       LoopHealth{Interval: interval.String()},
	}
}

// Start begins polling in the background. ctx bounds the loop's lifetime.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return ErrLoopRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.health.Running = true

	go l.run(loopCtx, l.done)
	l.logger.Info().Dur("interval", l.interval).Msg("scheduler loop started")
	return nil
}

// Stop prevents new cycles and waits for the in-flight cycle to finish or
// for ctx to expire.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return ErrLoopStopped
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduler cycle to finish: %w", ctx.Err())
	}
}

// Run starts the loop and blocks until ctx is cancelled
func (l *Loop) Run(ctx context.Context) error {
	if err := l.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), l.cycleTimeout)
	defer cancel()
	if err := l.Stop(stopCtx); err != nil && !errors.Is(err, ErrLoopStopped) {
		return err
	}
	return nil
}

// Health returns the current loop state
func (l *Loop) Health() LoopHealth {
	l.mu.Lock()
	defer l.mu.Unlock()
	h := l.health
	if h.LastCycleAt != nil {
		t := *h.LastCycleAt
		h.LastCycleAt = &t
	}
	return h
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.cancel = nil
		l.done = nil
		l.health.Running = false
		l.mu.Unlock()
		close(done)
		l.logger.Info().Msg("scheduler loop stopped")
	}()

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// tick runs one cycle. The cycle does not observe the loop's cancellation,
// only its own timeout, so Stop never interrupts a transaction midway.
func (l *Loop) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	cycleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cycleTimeout)
	defer cancel()

	res, err := l.runCycle(cycleCtx)
	now := time.Now().UTC()

	l.mu.Lock()
	l.health.Cycles++
	l.health.LastCycleAt = &now
	l.health.LastResult = res
	if err != nil {
		l.health.ConsecutiveErrors++
		l.health.LastError = err.Error()
	} else {
		l.health.ConsecutiveErrors = 0
		l.health.LastError = ""
	}
	consecutive := l.health.ConsecutiveErrors
	l.mu.Unlock()

	if err != nil {
		l.logger.Error().Err(err).Int("consecutive_errors", consecutive).Msg("routing cycle failed")
	}
}

func (l *Loop) runCycle(ctx context.Context) (res CycleResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("routing cycle panic: %v", r)
		}
	}()
	return l.cycler.RunCycle(ctx)
}
