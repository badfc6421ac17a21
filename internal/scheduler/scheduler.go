package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// Immediate runs the first tick as soon as the startup delay elapses.
	Immediate bool
}

// Scheduler drives periodic polling cycles.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Start launches the loop in the background. It returns false if the loop is
// already running.
func (s *Scheduler) Start(ctx context.Context, tick TickFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return false
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer s.release(done)
		if err := s.Run(loopCtx, tick); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("scheduler loop exited")
		}
	}()
	return true
}

// Stop disarms the timer and waits for an in-flight tick to finish, bounded by ctx.
// Stopping a scheduler that is not running is a no-op. If ctx expires first the
// scheduler keeps reporting Running until the tick returns, and Start refuses to
// launch a second loop in the meantime.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight cycle: %w", ctx.Err())
	}
}

// release forgets the exiting loop and then closes done, so a Stop that observes
// done closed also observes Running() == false.
func (s *Scheduler) release(done chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != done {
		return
	}
	close(done)
	s.cancel, s.done = nil, nil
}

// Running reports whether the background loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Run blocks, invoking the tick function at each interval until ctx is cancelled.
// Ticks receive a context that outlives cancellation of ctx so in-flight work
// completes once started.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	tickCtx := context.WithoutCancel(ctx)

	next := s.nextTick(time.Now().UTC())
	if s.opts.Immediate {
		next = time.Now().UTC()
	}
	for {
		delay := time.Until(next)
		if delay < 0 && !s.opts.Immediate {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(max(delay, 0))
		s.logger.Debug().Time("next_bucket", next).Msg("waiting for next bucket")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		bucket := s.bucketStart(next)
		s.logger.Debug().Time("bucket", bucket).Msg("executing scheduled tick")

		if err := s.safeTick(tickCtx, tick, bucket); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
		}

		next = s.nextTick(time.Now().UTC())
	}
}

func (s *Scheduler) safeTick(ctx context.Context, tick TickFunc, bucket time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return tick(ctx, bucket)
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
