package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/worklog/event-relay/internal/lock"
	"github.com/worklog/event-relay/internal/metrics"
)

const (
	LockPublish    = "outbox:publish-pending"
	LockRetry      = "outbox:retry-failed"
	LockCleanup    = "outbox:cleanup-old"
	LockPublishNow = "outbox:publish-now"
)

// Ops is the relay surface driven by timers.
type Ops interface {
	PublishPending(ctx context.Context) error
	RetryFailed(ctx context.Context) error
	CleanupOld(ctx context.Context) error
	PublishNow(ctx context.Context, eventID string) error
}

// Config holds per-operation tick intervals and the shared lock bounds.
type Config struct {
	PublishInterval time.Duration
	RetryInterval   time.Duration
	CleanupInterval time.Duration
	LockMaxHold     time.Duration
	LockMinHold     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PublishInterval <= 0 {
		c.PublishInterval = 5 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 30 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.LockMaxHold <= 0 {
		c.LockMaxHold = 4 * time.Minute
	}
	return c
}

// Scheduler drives the relay operations on independent timers, one
// goroutine per operation. Operations run in parallel with each other on a
// node, but each is mutually exclusive across the fleet via its named lock.
type Scheduler struct {
	ops   Ops
	locks lock.Provider
	cfg   Config
	log   *zap.Logger

	// drains in-flight operations on shutdown so no row is left half-written
	wg sync.WaitGroup
}

func New(ops Ops, locks lock.Provider, cfg Config, log *zap.Logger) *Scheduler {
	return &Scheduler{
		ops:   ops,
		locks: locks,
		cfg:   cfg.withDefaults(),
		log:   log,
	}
}

// Run starts the tickers and blocks until ctx is cancelled, then waits for
// any operation still running to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.loop(ctx, "publish", s.cfg.PublishInterval, LockPublish, s.ops.PublishPending)
	s.loop(ctx, "retry", s.cfg.RetryInterval, LockRetry, s.ops.RetryFailed)
	s.loop(ctx, "cleanup", s.cfg.CleanupInterval, LockCleanup, s.ops.CleanupOld)

	<-ctx.Done()
	s.wg.Wait()

	return ctx.Err()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, lockName string, op func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		tick := time.NewTicker(interval)
		defer tick.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				s.runLocked(ctx, name, lockName, op)
			}
		}
	}()
}

// runLocked acquires the operation's named lock for the duration of one
// invocation. Contention means another node is on it; the tick is skipped
// and that is not an error.
func (s *Scheduler) runLocked(ctx context.Context, name, lockName string, op func(context.Context) error) {
	held, err := s.locks.TryAcquire(ctx, lockName, s.cfg.LockMaxHold, s.cfg.LockMinHold)
	if err != nil {
		s.log.Error("lock acquire", zap.String("operation", name), zap.Error(err))
		return
	}
	if !held {
		metrics.TicksSkippedTotal.WithLabelValues(name).Inc()
		s.log.Debug("tick skipped, lock held elsewhere", zap.String("operation", name))
		return
	}
	defer func() {
		if rerr := s.locks.Release(ctx, lockName); rerr != nil {
			s.log.Error("lock release", zap.String("operation", name), zap.Error(rerr))
		}
	}()

	if err := op(ctx); err != nil {
		s.log.Error("operation failed", zap.String("operation", name), zap.Error(err))
	}
}

// TriggerPublish runs the manual single-event publish under its own named
// lock, same exclusion rules as the scheduled operations. Returns false
// when the lock was contended and the request should be retried.
func (s *Scheduler) TriggerPublish(ctx context.Context, eventID string) (bool, error) {
	held, err := s.locks.TryAcquire(ctx, LockPublishNow, s.cfg.LockMaxHold, s.cfg.LockMinHold)
	if err != nil {
		return false, err
	}
	if !held {
		metrics.TicksSkippedTotal.WithLabelValues("publish_now").Inc()
		return false, nil
	}

	s.wg.Add(1)
	defer s.wg.Done()
	defer func() {
		if rerr := s.locks.Release(ctx, LockPublishNow); rerr != nil {
			s.log.Error("lock release", zap.String("operation", "publish_now"), zap.Error(rerr))
		}
	}()

	return true, s.ops.PublishNow(ctx, eventID)
}
