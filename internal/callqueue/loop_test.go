package callqueue

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type funcCycler func(ctx context.Context) (CycleResult, error)

func (f funcCycler) RunCycle(ctx context.Context) (CycleResult, error) { return f(ctx) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLoopStartStopHealth(t *testing.T) {
	var cycles atomic.Int64
	loop := NewLoop(funcCycler(func(ctx context.Context) (CycleResult, error) {
		cycles.Add(1)
		return CycleResult{Considered: 1}, nil
	}), 10*time.Millisecond, time.Second, zerolog.Nop())

	ctx := context.Background()
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := loop.Start(ctx); !errors.Is(err, ErrLoopRunning) {
		t.Fatalf("expected ErrLoopRunning, got %v", err)
	}

	waitFor(t, func() bool { return cycles.Load() >= 2 })
	h := loop.Health()
	if !h.Running || h.LastCycleAt == nil || h.LastResult.Considered != 1 {
		t.Errorf("unexpected health while running: %+v", h)
	}

	if err := loop.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if loop.Health().Running {
		t.Error("expected loop stopped")
	}
	if err := loop.Stop(ctx); !errors.Is(err, ErrLoopStopped) {
		t.Errorf("expected ErrLoopStopped, got %v", err)
	}

	// The loop can be restarted after a stop
	before := cycles.Load()
	if err := loop.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, func() bool { return cycles.Load() > before })
	if err := loop.Stop(ctx); err != nil {
		t.Fatalf("Stop after restart: %v", err)
	}
}

func TestLoopStopLetsInflightCycleFinish(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var cycleCancelled atomic.Bool

	loop := NewLoop(funcCycler(func(ctx context.Context) (CycleResult, error) {
		started <- struct{}{}
		<-release
		cycleCancelled.Store(ctx.Err() != nil)
		return CycleResult{}, nil
	}), time.Hour, time.Minute, zerolog.Nop())

	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- loop.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		t.Fatalf("Stop returned before the cycle finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if cycleCancelled.Load() {
		t.Error("in-flight cycle observed cancellation")
	}
}

func TestLoopStopHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 1)

	loop := NewLoop(funcCycler(func(ctx context.Context) (CycleResult, error) {
		started <- struct{}{}
		<-release
		return CycleResult{}, nil
	}), time.Hour, time.Minute, zerolog.Nop())

	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := loop.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestLoopRecordsErrorsAndPanics(t *testing.T) {
	var n atomic.Int64
	proceed := make(chan struct{})
	loop := NewLoop(funcCycler(func(ctx context.Context) (CycleResult, error) {
		switch n.Add(1) {
		case 1:
			return CycleResult{}, errors.New("store unavailable")
		case 2:
			panic("boom")
		}
		<-proceed
		return CycleResult{}, nil
	}), 10*time.Millisecond, time.Second, zerolog.Nop())

	if err := loop.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer loop.Stop(context.Background())

	waitFor(t, func() bool { return loop.Health().ConsecutiveErrors == 2 })
	if h := loop.Health(); !strings.Contains(h.LastError, "panic") || !h.Running {
		t.Errorf("expected running loop with recovered panic, got %+v", h)
	}

	close(proceed)
	waitFor(t, func() bool { return loop.Health().ConsecutiveErrors == 0 })
}

func TestLoopRunReturnsOnCancel(t *testing.T) {
	loop := NewLoop(funcCycler(func(ctx context.Context) (CycleResult, error) {
		return CycleResult{}, nil
	}), 10*time.Millisecond, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	waitFor(t, func() bool { return loop.Health().Cycles > 0 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if loop.Health().Running {
		t.Error("expected loop stopped after Run returned")
	}
}
