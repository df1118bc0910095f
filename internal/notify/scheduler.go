package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// ErrSchedulerRunning is returned by Start on a running scheduler.
var ErrSchedulerRunning = errors.New("scheduler already running")

// Job is one unit of periodic work.
type Job func(ctx context.Context) error

// Scheduler owns the polling loop that drives the queue and escalations.
type Scheduler struct {
	clock    clockwork.Clock
	interval time.Duration
	jobs     []Job
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler runs jobs in order on every tick of interval.
func NewScheduler(clock clockwork.Clock, interval time.Duration, log *zap.Logger, jobs ...Job) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{clock: clock, interval: interval, jobs: jobs, log: log.With(zap.String("component", "scheduler"))}
}

// Start begins ticking until Stop is called or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSchedulerRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	s.log.Info("scheduler started", zap.Duration("interval", s.interval))
	return nil
}

// Stop halts the loop and waits for the in-flight tick to finish. It is safe
// to call on a stopped scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			for _, job := range s.jobs {
				if err := job(ctx); err != nil && ctx.Err() == nil {
					s.log.Error("scheduled job failed", zap.Error(err))
				}
			}
		}
	}
}
