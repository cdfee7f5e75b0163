package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Fi44er/custody_ledger/utils"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// PolicyFunc builds a fresh backoff policy for one task.
type PolicyFunc func() backoff.BackOff

// ConstantPolicy restarts after a fixed delay.
func ConstantPolicy(d time.Duration) PolicyFunc {
	return func() backoff.BackOff {
		return backoff.NewConstantBackOff(d)
	}
}

// ExponentialPolicy restarts after initial, doubling up to max, forever.
func ExponentialPolicy(initial, max time.Duration) PolicyFunc {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	}
}

// Supervisor keeps long running tasks alive. A task that returns or panics
// is restarted according to its policy until the context is done.
type Supervisor struct {
	logger *utils.Logger

	// OnFailure is called each time a task exits with an error.
	OnFailure func(task string, err error)

	mu       sync.Mutex
	restarts map[string]*atomic.Int64
}

func New(logger *utils.Logger) *Supervisor {
	return &Supervisor{
		logger:   logger,
		restarts: make(map[string]*atomic.Int64),
	}
}

// Go runs the task in g.
func (s *Supervisor) Go(ctx context.Context, g *errgroup.Group, name string, policy PolicyFunc, task func(context.Context) error) {
	g.Go(func() error {
		return s.Run(ctx, name, policy, task)
	})
}

// Run blocks until ctx is done or the policy gives up.
func (s *Supervisor) Run(ctx context.Context, name string, policy PolicyFunc, task func(context.Context) error) error {
	counter := s.counter(name)
	b := policy()
	log := s.logger.WithField("task", name)

	for {
		log.Info("starting")
		started := time.Now()
		err := s.runSafe(ctx, task)

		if ctx.Err() != nil {
			log.Info("stopped")
			return nil
		}

		if err != nil {
			log.Errorf("exited with error: %v", err)
			if s.OnFailure != nil {
				s.OnFailure(name, err)
			}
		} else {
			log.Warn("exited without error")
		}

		// A task that stayed up for a while starts its backoff over.
		if time.Since(started) > time.Minute {
			b.Reset()
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("task %s gave up: %w", name, err)
		}

		counter.Add(1)
		log.Infof("restarting in %v (restart #%d)", wait, counter.Load())

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Restarts reports how many times the named task was restarted.
func (s *Supervisor) Restarts(name string) int64 {
	return s.counter(name).Load()
}

func (s *Supervisor) counter(name string) *atomic.Int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.restarts[name]
	if !ok {
		c = &atomic.Int64{}
		s.restarts[name] = c
	}
	return c
}

func (s *Supervisor) runSafe(ctx context.Context, task func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v\n%s", p, debug.Stack())
		}
	}()
	return task(ctx)
}
