// Package mux wraps a yamux session with the liveness regime spec §4.5
// requires: a ping every 300s, with a 10s-unanswered ping killing the
// session. yamux has no "kill after one missed ping with its own
// timeout" knob distinct from its keepalive, so Liveness drives
// Session.Ping itself on a timer instead of relying on
// yamux.Config.EnableKeepAlive.
//
// Grounded on the Kifen-dmsg and bc183-otun session wrappers, which
// both construct a yamux.Session over an already-authenticated conn
// and layer their own session type on top of it.
package mux

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/veilmesh/veilclient/internal/vlog"
	"github.com/veilmesh/veilclient/transport"
)

var log = vlog.New("mux")

// Liveness owns one yamux.Session and the goroutine that pings it.
type Liveness struct {
	session *yamux.Session
	pipe    transport.Pipe

	mu      sync.Mutex
	lastRTT time.Duration

	dead     chan struct{}
	deadOnce sync.Once
}

// Client constructs the client side of a yamux session over pipe and
// starts its ping-liveness goroutine. pingInterval/pingTimeout are the
// 300s/10s spec constants, threaded through from config rather than
// hardcoded so tests can use millisecond-scale intervals.
func Client(pipe transport.Pipe, pingInterval, pingTimeout time.Duration) (*Liveness, error) {
	cfg := yamux.DefaultConfig()
	cfg.EnableKeepAlive = false

	session, err := yamux.Client(pipeConn{pipe}, cfg)
	if err != nil {
		return nil, fmt.Errorf("mux: starting yamux client session: %w", err)
	}
	l := &Liveness{session: session, pipe: pipe, dead: make(chan struct{})}
	go l.watchUnderlyingDeath()
	go l.pingLoop(pingInterval, pingTimeout)
	return l, nil
}

// OpenStream opens a logical stream on the underlying mux. It returns
// net.Conn rather than *yamux.Stream so callers can depend on a
// narrower, mockable interface.
func (l *Liveness) OpenStream() (net.Conn, error) {
	return l.session.OpenStream()
}

// Dead is closed once the session is considered dead: a ping timed
// out, the underlying pipe errored, or the peer closed the session.
func (l *Liveness) Dead() <-chan struct{} {
	return l.dead
}

// LastRTT returns the most recently measured successful ping latency,
// the value published as the "ping" telemetry (spec §4.5 step 2).
func (l *Liveness) LastRTT() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastRTT == 0 {
		return 0, false
	}
	return l.lastRTT, true
}

// Close tears down the underlying yamux session and marks it dead.
func (l *Liveness) Close() error {
	l.markDead()
	return l.session.Close()
}

func (l *Liveness) markDead() {
	l.deadOnce.Do(func() { close(l.dead) })
}

// watchUnderlyingDeath observes yamux's own notion of session closure
// (peer GoAway, underlying pipe error) and folds it into Dead.
func (l *Liveness) watchUnderlyingDeath() {
	<-l.session.CloseChan()
	l.markDead()
}

// pingLoop is the liveness activity spec §4.5 describes: ping on a
// timer, kill the mux if a ping does not complete within pingTimeout.
func (l *Liveness) pingLoop(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.dead:
			return
		case <-ticker.C:
			rtt, err := l.pingWithTimeout(timeout)
			if err != nil {
				log.Warningf("ping timed out or failed, killing mux: %v", err)
				l.Close()
				return
			}
			l.mu.Lock()
			l.lastRTT = rtt
			l.mu.Unlock()
		}
	}
}

func (l *Liveness) pingWithTimeout(timeout time.Duration) (time.Duration, error) {
	type result struct {
		rtt time.Duration
		err error
	}
	done := make(chan result, 1)
	go func() {
		rtt, err := l.session.Ping()
		done <- result{rtt, err}
	}()

	select {
	case r := <-done:
		return r.rtt, r.err
	case <-time.After(timeout):
		return 0, fmt.Errorf("ping did not complete within %s", timeout)
	}
}

// pipeConn adapts a transport.Pipe to the net.Conn subset yamux
// actually calls: Read, Write, Close, and the three deadline methods,
// which are no-ops since the session core never sets deadlines on the
// authenticated pipe itself (liveness is enforced at the Liveness
// layer instead).
type pipeConn struct {
	transport.Pipe
}

func (pipeConn) SetDeadline(time.Time) error      { return nil }
func (pipeConn) SetReadDeadline(time.Time) error  { return nil }
func (pipeConn) SetWriteDeadline(time.Time) error { return nil }

func (p pipeConn) LocalAddr() net.Addr  { return localAddr{} }
func (p pipeConn) RemoteAddr() net.Addr { return localAddr{addr: p.Pipe.RemoteAddr()} }

type localAddr struct{ addr string }

func (a localAddr) Network() string { return "veilclient" }
func (a localAddr) String() string  { return a.addr }
