package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// majorParameters keep their id in the bucket key; every other numeric path
// segment is collapsed so requests against different resources share a bucket.
var majorParameters = map[string]bool{
	"channels": true,
	"guilds":   true,
	"webhooks": true,
}

// BucketKey derives the logical bucket for a request.
func BucketKey(method, path string) string {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, seg := range segments {
		if !isID(seg) {
			continue
		}
		if i > 0 && majorParameters[segments[i-1]] {
			continue
		}
		segments[i] = ":id"
	}
	return strings.ToUpper(method) + " /" + strings.Join(segments, "/")
}

func isID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Registry owns the buckets of one REST client and its global lock.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	global  *globalLock
	now     func() time.Time // for testing
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		buckets: make(map[string]*Bucket),
		global:  &globalLock{now: time.Now},
		now:     time.Now,
	}
}

// Bucket returns the bucket for key, creating it on first use. A new bucket
// has an unknown window and admits one request until the server's headers
// describe the real quota.
func (r *Registry) Bucket(key string) *Bucket {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[key]
	if !ok {
		b = NewBucket(key, 1, 1, time.Time{})
		b.global = r.global
		b.now = r.now
		r.buckets[key] = b
	}
	return b
}

// LockGlobal blocks every bucket's reservations for d.
func (r *Registry) LockGlobal(d time.Duration) {
	r.global.lock(d)
}

// Len returns the number of known buckets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
