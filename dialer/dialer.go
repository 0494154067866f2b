// Package dialer holds the refresh-on-age cache that produces the
// (exit pubkey, exit identity, dial function) triple every session
// supervisor worker dials through (spec §4.2).
//
// Grounded on original_source's RefreshCell usage in client_inner, and
// on the teacher's EnclaveClient.cachedMe pattern in
// daemon/client/client.go: a single background refresher publishes a new
// immutable value under a mutex, and readers past the freshness
// horizon kick off a refresh but still return the last good value
// rather than blocking.
package dialer

import (
	"context"
	"crypto/ed25519"
	"math/rand"
	"sync"
	"time"

	"github.com/veilmesh/veilclient/internal/vlog"
	"github.com/veilmesh/veilclient/transport"
)

var log = vlog.New("dialer")

// DialFunc opens a fresh, not-yet-authenticated Pipe to the exit
// described by the DialerSnapshot it came from. It returns a Pipe
// rather than a bare net.Conn so a route carrying an out-of-band
// shared secret (Authentication Handshake Variant A, spec §4.3) can
// report it.
type DialFunc func(ctx context.Context) (transport.Pipe, error)

// DialerSnapshot is the immutable triple produced by an ObtainDialer call.
// Once constructed it is never mutated; callers hand it out by value or
// by pointer interchangeably.
type DialerSnapshot struct {
	ExitPublicKey ed25519.PublicKey
	ExitIdentity  string
	DialFn        DialFunc
	protocol      string
}

// Protocol names the transport this snapshot's DialFn dials over,
// surfaced in ConnectionState.Connected.Protocol.
func (s DialerSnapshot) Protocol() string { return s.protocol }

// NewDialerSnapshot builds a DialerSnapshot. protocol is recorded for
// later state reporting.
func NewDialerSnapshot(exitPubKey ed25519.PublicKey, exitIdentity, protocol string, dialFn DialFunc) DialerSnapshot {
	return DialerSnapshot{
		ExitPublicKey: exitPubKey,
		ExitIdentity:  exitIdentity,
		DialFn:        dialFn,
		protocol:      protocol,
	}
}

// RouteSource is the external collaborator that actually produces a
// fresh DialerSnapshot, e.g. by querying a broker for the
// lowest-latency exit. It is free to block and to fail.
type RouteSource interface {
	ObtainDialer(ctx context.Context) (DialerSnapshot, error)
}

// RouteSourceFunc adapts a plain function to a RouteSource, the
// http.HandlerFunc pattern applied here so tests and simple in-process
// sources don't need to declare a named type.
type RouteSourceFunc func(ctx context.Context) (DialerSnapshot, error)

// ObtainDialer calls f.
func (f RouteSourceFunc) ObtainDialer(ctx context.Context) (DialerSnapshot, error) {
	return f(ctx)
}

// Cache is a refresh-on-age cell holding a single DialerSnapshot.
// The zero value is not usable; construct with NewCache.
type Cache struct {
	source          RouteSource
	freshnessWindow time.Duration

	mu         sync.Mutex
	snapshot   *DialerSnapshot
	fetchedAt  time.Time
	refreshing bool

	once  sync.Once
	ready chan struct{}
}

// NewCache builds a Cache around source. freshnessWindow is the
// interval after which a served snapshot is considered stale and a
// background refresh is triggered (600s per spec §4.2).
func NewCache(source RouteSource, freshnessWindow time.Duration) *Cache {
	return &Cache{
		source:          source,
		freshnessWindow: freshnessWindow,
		ready:           make(chan struct{}),
	}
}

// Get returns the current snapshot. The very first call blocks until
// the producer successfully publishes one; every subsequent call
// returns immediately, triggering a background refresh in the
// background if the served value has aged past freshnessWindow.
func (c *Cache) Get(ctx context.Context) (DialerSnapshot, error) {
	c.once.Do(func() {
		go c.run(context.Background())
	})

	select {
	case <-c.ready:
	case <-ctx.Done():
		return DialerSnapshot{}, ctx.Err()
	}

	c.mu.Lock()
	snap := *c.snapshot
	stale := time.Since(c.fetchedAt) > c.freshnessWindow
	alreadyRefreshing := c.refreshing
	if stale && !alreadyRefreshing {
		c.refreshing = true
	}
	c.mu.Unlock()

	if stale && !alreadyRefreshing {
		go c.refreshOnce(context.Background())
	}
	return snap, nil
}

// run drives the initial thundering-herd-avoidance sleep and the first
// successful fetch, then closes ready.
func (c *Cache) run(ctx context.Context) {
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	log.Debugf("sleeping %s before first dialer fetch", jitter)
	time.Sleep(jitter)

	backoff := jitter
	for {
		snap, err := c.source.ObtainDialer(ctx)
		if err == nil {
			c.publish(snap)
			close(c.ready)
			return
		}
		log.Warningf("obtaining initial dialer snapshot: %v", err)
		sleep := jitterBackoff(backoff)
		time.Sleep(sleep)
		backoff = sleep
	}
}

// refreshOnce fetches a single new snapshot for a cache that already
// has a value published; a failure is logged and swallowed, leaving
// the previous snapshot in place for the next reader.
func (c *Cache) refreshOnce(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.refreshing = false
		c.mu.Unlock()
	}()

	snap, err := c.source.ObtainDialer(ctx)
	if err != nil {
		log.Warningf("refreshing dialer snapshot: %v", err)
		return
	}
	c.publish(snap)
}

func (c *Cache) publish(snap DialerSnapshot) {
	c.mu.Lock()
	c.snapshot = &snap
	c.fetchedAt = time.Now()
	c.mu.Unlock()
}

// jitterBackoff returns a uniform random duration in [prev, 1.5*prev],
// the spec §4.2 retry schedule for a failed obtain.
func jitterBackoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return time.Second
	}
	span := prev / 2
	if span <= 0 {
		return prev
	}
	return prev + time.Duration(rand.Int63n(int64(span)+1))
}
