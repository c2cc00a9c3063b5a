// Package ratelimit tracks the server-supplied request quota for REST buckets
// and gates outbound calls against it.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"
)

// Window is a snapshot of a bucket's quota.
type Window struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Bucket guards one rate limit window. All reads and writes of the window
// happen under mu, so two callers can never both take the last slot.
//
// remain is the local view: the server's last count minus the reservations
// still in flight. Answers can arrive out of order, so within one window
// (same reset time) a header may only lower remain, and a header from an
// older window is ignored.
type Bucket struct {
	mu       sync.Mutex
	key      string
	limit    int
	remain   int
	reset    time.Time
	window   time.Time // newest reset applied from a header
	inflight int
	changed  chan struct{} // closed and replaced on every update
	global  *globalLock
	now     func() time.Time // for testing
}

// NewBucket creates a bucket with a known window.
func NewBucket(key string, limit, remaining int, reset time.Time) *Bucket {
	return &Bucket{
		key:     key,
		limit:   limit,
		remain:  remaining,
		reset:   reset,
		window:  reset,
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// Key returns the bucket key.
func (b *Bucket) Key() string { return b.key }

// Window returns the current window.
func (b *Bucket) Window() Window {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Window{Limit: b.limit, Remaining: max(b.remain, 0), Reset: b.reset}
}

// Reserve blocks until the window has at least one slot, then consumes it.
// It returns early with ctx.Err() if ctx is done first. The wait suspends
// the calling goroutine on a timer and the update broadcast; it never spins.
func (b *Bucket) Reserve(ctx context.Context) error {
	if b.global != nil {
		if err := b.global.wait(ctx); err != nil {
			return err
		}
	}
	for {
		b.mu.Lock()
		now := b.now()
		if b.remain < 1 && !b.reset.IsZero() && !now.Before(b.reset) {
			b.remain = max(b.limit, 1)
			b.reset = time.Time{}
		}
		if b.remain >= 1 {
			b.remain--
			b.inflight++
			b.mu.Unlock()
			return nil
		}
		changed := b.changed
		var timer *time.Timer
		var wait <-chan time.Time
		if !b.reset.IsZero() {
			timer = time.NewTimer(b.reset.Sub(now))
			wait = timer.C
		}
		b.mu.Unlock()

		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-changed:
		case <-wait:
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return err
		}
	}
}

// Update applies the rate limit headers of the answer to one reservation.
// A header that is empty or unparsable keeps the prior value. reset is epoch
// seconds and may carry a fractional part.
//
// A reset later than any seen so far starts a new window and its remaining
// count is taken as is. The same reset only lowers remain, since an answer
// counted earlier by the server can arrive after a newer one. An earlier
// reset belongs to a window that is already gone. Requests still in flight
// are subtracted from the header's count. The reset never moves earlier
// than a Defer.
func (b *Bucket) Update(limit, remaining, reset string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	defer b.broadcast()

	if b.inflight > 0 {
		b.inflight--
	}
	if v, err := strconv.Atoi(limit); err == nil && v >= 0 {
		b.limit = v
	}
	rem, remErr := strconv.Atoi(remaining)

	v, err := strconv.ParseFloat(reset, 64)
	if err != nil || v <= 0 {
		if remErr == nil {
			b.remain = rem - b.inflight
		}
		return
	}
	sec, frac := math.Modf(v)
	at := time.Unix(int64(sec), int64(frac*1e9))

	switch {
	case at.After(b.window):
		b.window = at
		b.reset = laterOf(b.reset, at)
		if remErr == nil {
			b.remain = rem - b.inflight
		}
	case at.Equal(b.window):
		b.reset = laterOf(b.reset, at)
		if remErr == nil {
			b.remain = min(b.remain, rem-b.inflight)
		}
	}
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

// Refund returns a slot taken by a request that never reached the server.
func (b *Bucket) Refund() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight > 0 {
		b.inflight--
	}
	if b.remain < b.limit || b.limit == 0 {
		b.remain++
	}
	b.broadcast()
}

// Defer empties the window until d from now.
func (b *Bucket) Defer(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remain = 0
	until := b.now().Add(d)
	if until.After(b.reset) {
		b.reset = until
	}
	b.broadcast()
}

// broadcast wakes every goroutine waiting in Reserve. Caller holds mu.
func (b *Bucket) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// globalLock blocks every bucket of a Registry after a global 429.
type globalLock struct {
	mu    sync.Mutex
	until time.Time
	now   func() time.Time
}

func (g *globalLock) lock(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	until := g.now().Add(d)
	if until.After(g.until) {
		g.until = until
	}
}

func (g *globalLock) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		remaining := g.until.Sub(g.now())
		g.mu.Unlock()
		if remaining <= 0 {
			return nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
