package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestStartStopIdempotent(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond, Immediate: true}, zerolog.Nop())

	var ticks atomic.Int32
	tick := func(ctx context.Context, bucket time.Time) error {
		ticks.Add(1)
		return nil
	}

	if !s.Start(context.Background(), tick) {
		t.Fatalf("first start should launch the loop")
	}
	if s.Start(context.Background(), tick) {
		t.Fatalf("second start should be a no-op")
	}
	if !s.Running() {
		t.Fatalf("scheduler should report running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ticks.Load() < 2 {
		t.Fatalf("expected at least two ticks, got %d", ticks.Load())
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if s.Running() {
		t.Fatalf("scheduler should not be running after stop")
	}

	after := ticks.Load()
	time.Sleep(40 * time.Millisecond)
	if ticks.Load() != after {
		t.Fatalf("ticks continued after stop")
	}
}

func TestStopWaitsForInFlightTick(t *testing.T) {
	s := New(Options{Interval: time.Hour, Immediate: true}, zerolog.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var tickErr atomic.Value

	s.Start(context.Background(), func(ctx context.Context, bucket time.Time) error {
		close(started)
		<-release
		if ctx.Err() != nil {
			tickErr.Store(ctx.Err())
		}
		finished.Store(true)
		return nil
	})

	<-started
	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop(context.Background()) }()

	select {
	case <-stopped:
		t.Fatalf("stop returned before the in-flight tick completed")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	if err := <-stopped; err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !finished.Load() {
		t.Fatalf("tick did not finish")
	}
	if tickErr.Load() != nil {
		t.Fatalf("tick context was cancelled by stop")
	}
}

func TestStopBoundedByContext(t *testing.T) {
	s := New(Options{Interval: time.Hour, Immediate: true}, zerolog.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	s.Start(context.Background(), func(ctx context.Context, bucket time.Time) error {
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestStartRefusedWhileTimedOutStopDrains(t *testing.T) {
	s := New(Options{Interval: time.Hour, Immediate: true}, zerolog.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	var loops atomic.Int32

	s.Start(context.Background(), func(ctx context.Context, bucket time.Time) error {
		loops.Add(1)
		close(started)
		<-release
		return nil
	})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if !s.Running() {
		t.Fatalf("scheduler should still report running while the tick is in flight")
	}
	if s.Start(context.Background(), func(ctx context.Context, bucket time.Time) error {
		loops.Add(1)
		return nil
	}) {
		t.Fatalf("start should refuse to launch a second loop")
	}

	close(release)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop after release: %v", err)
	}
	if s.Running() {
		t.Fatalf("scheduler should not be running after the tick drained")
	}
	if n := loops.Load(); n != 1 {
		t.Fatalf("expected exactly one tick, got %d", n)
	}
}

func TestTickErrorsAndPanicsDoNotStopLoop(t *testing.T) {
	s := New(Options{Interval: 5 * time.Millisecond, Immediate: true}, zerolog.Nop())

	var ticks atomic.Int32
	s.Start(context.Background(), func(ctx context.Context, bucket time.Time) error {
		n := ticks.Add(1)
		switch n {
		case 1:
			return errors.New("boom")
		case 2:
			panic("kaboom")
		}
		return nil
	})
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ticks.Load() < 3 {
		t.Fatalf("loop stopped after failing ticks: %d", ticks.Load())
	}
}

func TestNextTickAlignment(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 10, 7, 30, 0, time.UTC)

	if got := s.nextTick(now); !got.Equal(time.Date(2024, 1, 1, 10, 10, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next tick %s", got)
	}
	if got := s.bucketStart(time.Date(2024, 1, 1, 10, 10, 0, 0, time.UTC)); got.Minute() != 10 {
		t.Fatalf("unexpected bucket %s", got)
	}

	plain := New(Options{Interval: time.Minute}, zerolog.Nop())
	if got := plain.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("unaligned next tick %s", got)
	}
}
