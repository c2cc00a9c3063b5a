package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultIdentifyInterval is the window in which each concurrency key may
// send one IDENTIFY.
const DefaultIdentifyInterval = 5 * time.Second

// IdentifyGate spaces IDENTIFY sends of shards that share a concurrency key
// (shard_id % max_concurrency).
type IdentifyGate struct {
	mu             sync.Mutex
	maxConcurrency int
	interval       time.Duration
	limiters       map[int]*rate.Limiter
}

// NewIdentifyGate creates a gate. maxConcurrency below 1 is treated as 1.
func NewIdentifyGate(maxConcurrency int, interval time.Duration) *IdentifyGate {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if interval <= 0 {
		interval = DefaultIdentifyInterval
	}
	return &IdentifyGate{
		maxConcurrency: maxConcurrency,
		interval:       interval,
		limiters:       make(map[int]*rate.Limiter),
	}
}

// Wait blocks until shardID may identify.
func (g *IdentifyGate) Wait(ctx context.Context, shardID int) error {
	key := shardID % g.maxConcurrency
	g.mu.Lock()
	l, ok := g.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(g.interval), 1)
		g.limiters[key] = l
	}
	g.mu.Unlock()
	return l.Wait(ctx)
}
