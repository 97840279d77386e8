// Package dispatch implements the single inbound entry point described
// in spec section 4.11: RateGuard token-bucket admission followed by
// routing each inbound Message to the engine that owns its Payload
// variant. It is grounded on the teacher's single-select inboxHandler
// (node.go: a single `for { poller.Poll }` loop feeding one handler
// goroutine), generalized from "decode one zre frame" to "classify and
// route one Payload variant to its owning engine".
package dispatch

import (
	"sync"
	"time"

	"github.com/kestrelmesh/kestrel/meshid"
)

const (
	bucketCapacity  = 100.0
	refillPerSecond = 100.0
)

type bucket struct {
	tokens float64
	last   time.Time
}

// RateGuard is a per-sender token bucket: 100 tokens refilling over 1 s
// (spec section 4.12). Overflow is a silent drop, counted for
// diagnostics.
type RateGuard struct {
	mu      sync.Mutex
	buckets map[meshid.DeviceId]*bucket

	dropsMu sync.Mutex
	drops   map[meshid.DeviceId]uint64
}

// NewRateGuard constructs an empty RateGuard.
func NewRateGuard() *RateGuard {
	return &RateGuard{
		buckets: make(map[meshid.DeviceId]*bucket),
		drops:   make(map[meshid.DeviceId]uint64),
	}
}

// Allow consumes one token for sender if available, returning whether
// the message should proceed.
func (g *RateGuard) Allow(sender meshid.DeviceId) bool {
	now := time.Now()

	g.mu.Lock()
	b, ok := g.buckets[sender]
	if !ok {
		b = &bucket{tokens: bucketCapacity, last: now}
		g.buckets[sender] = b
	}
	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * refillPerSecond
	if b.tokens > bucketCapacity {
		b.tokens = bucketCapacity
	}
	b.last = now

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	g.mu.Unlock()

	if !allowed {
		g.dropsMu.Lock()
		g.drops[sender]++
		g.dropsMu.Unlock()
	}
	return allowed
}

// Drops returns the running drop count for sender.
func (g *RateGuard) Drops(sender meshid.DeviceId) uint64 {
	g.dropsMu.Lock()
	defer g.dropsMu.Unlock()
	return g.drops[sender]
}
