package service

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/time/rate"
)

// RateLimiter allows one action per key per interval. State is in memory
// only and is lost on restart.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
	clock    clock.Clock
}

func NewRateLimiter(interval time.Duration, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		interval: interval,
		clock:    clk,
	}
}

// Allow records an action for key and reports whether it was permitted.
func (l *RateLimiter) Allow(key string) bool {
	if l.interval <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(l.interval), 1)
		l.limiters[key] = lim
	}
	return lim.AllowN(l.clock.Now(), 1)
}

// Evict drops keys whose limiter has refilled. A refilled limiter behaves
// like a new one, so nothing is lost.
func (l *RateLimiter) Evict() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	n := 0
	for key, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(lim.Burst()) {
			delete(l.limiters, key)
			n++
		}
	}
	return n
}

func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Run evicts idle keys every interval until ctx is done.
func (l *RateLimiter) Run(ctx context.Context) error {
	every := l.interval
	if every <= 0 {
		every = time.Minute
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.TickAfter(every):
			l.Evict()
		}
	}
}
