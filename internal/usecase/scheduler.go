package usecase

import (
	"context"
	"time"

	"PolySignals/pkg/logger"
)

// CycleRunner runs one pipeline cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

// Scheduler triggers a cycle every interval. A cycle still running at the
// next trigger gets grace to finish, after which it is cancelled and awaited
// before the next one starts. Cycles never overlap.
type Scheduler struct {
	runner   CycleRunner
	interval time.Duration
	grace    time.Duration
	log      *logger.Logger
}

func NewScheduler(runner CycleRunner, interval, grace time.Duration, l *logger.Logger) *Scheduler {
	return &Scheduler{runner: runner, interval: interval, grace: grace, log: l}
}

// Run starts a cycle immediately, then on every tick, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	cancel, done := s.start(ctx)
	for {
		select {
		case <-ctx.Done():
			cancel()
			<-done
			return nil
		case <-t.C:
			if !s.settle(ctx, cancel, done) {
				return nil
			}
			cancel, done = s.start(ctx)
		}
	}
}

// settle waits for a running cycle to end, cancelling it after grace. It
// reports false when ctx was cancelled meanwhile.
func (s *Scheduler) settle(ctx context.Context, cancel context.CancelFunc, done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
	}
	s.log.Warn("scheduler.tick overrun", logger.Duration("grace", s.grace))
	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-done:
		return true
	case <-grace.C:
		s.log.Warn("scheduler.tick cancel_overrun")
		cancel()
		<-done
		return ctx.Err() == nil
	case <-ctx.Done():
		cancel()
		<-done
		return false
	}
}

func (s *Scheduler) start(ctx context.Context) (context.CancelFunc, <-chan struct{}) {
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		if _, err := s.runner.RunCycle(cctx); err != nil {
			s.log.Warn("scheduler.cycle failed", logger.Error(err))
		}
	}()
	return cancel, done
}
