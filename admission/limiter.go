// Copyright (C) 2025 Forge3D Labs, Inc.
// See LICENSE for copying information.

// Package admission protects the compute-heavy slicing core from
// overload: a per-IP fixed-window rate limiter runs first, then a bounded
// FIFO queue feeding a fixed worker pool.
package admission

import (
	"hash/fnv"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the admission package.
	Error = errs.Class("admission")
)

// LimiterConfig defines the fixed-window rate limit policy.
type LimiterConfig struct {
	Window      time.Duration `help:"length of one rate limit window" default:"60s"`
	MaxRequests int           `help:"requests allowed per client in one window" default:"5"`
}

// buckets are sharded so hot traffic does not serialize on one lock.
const limiterShards = 32

type bucket struct {
	count   int
	resetAt time.Time
}

type limiterShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter is a per-IP fixed-window rate limiter. Buckets are created
// lazily on first request and evicted once their window has passed.
type Limiter struct {
	config LimiterConfig
	nowFn  func() time.Time
	shards [limiterShards]limiterShard
}

// NewLimiter creates a rate limiter with the given policy.
func NewLimiter(config LimiterConfig) *Limiter {
	limiter := &Limiter{
		config: config,
		nowFn:  time.Now,
	}
	for i := range limiter.shards {
		limiter.shards[i].buckets = map[string]*bucket{}
	}
	return limiter
}

// SetNow overrides the clock, for tests.
func (l *Limiter) SetNow(nowFn func() time.Time) { l.nowFn = nowFn }

// Allow records a request from key and reports whether it is within the
// window budget. On denial it returns how long the client has to wait
// until the window resets.
func (l *Limiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := l.nowFn()
	shard := &l.shards[shardIndex(key)]

	shard.mu.Lock()
	defer shard.mu.Unlock()

	for other, b := range shard.buckets {
		if other != key && !b.resetAt.After(now) {
			delete(shard.buckets, other)
		}
	}

	b, found := shard.buckets[key]
	if !found || !b.resetAt.After(now) {
		shard.buckets[key] = &bucket{count: 1, resetAt: now.Add(l.config.Window)}
		return true, 0
	}

	if b.count >= l.config.MaxRequests {
		mon.Counter("rate_limit_rejected").Inc(1)
		return false, b.resetAt.Sub(now)
	}
	b.count++
	return true, 0
}

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % limiterShards
}

// ClientIP resolves the client address of a request: the first entry of
// X-Forwarded-For when present, otherwise the socket remote host.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
