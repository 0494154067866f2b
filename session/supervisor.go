// Package session implements the Session Supervisor and Multiplexer
// Driver (spec §4.4/§4.5): N independent worker goroutines, each
// holding at most one authenticated session, that dial, authenticate,
// and run the proxy loop until their mux dies or the dispatch queue
// closes, then back off and retry forever.
//
// Grounded on original_source's client_inner/proxy_loop (the
// dial-auth-with-timeout-and-deferred-deprioritize shape, and the
// acceptor/liveness race) and cloudflare-cloudflared's
// origin.Supervisor.Run (independent per-worker goroutines with their
// own retry backoff).
package session

import (
	"context"
	"sync"
	"time"

	"github.com/veilmesh/veilclient/dialer"
	"github.com/veilmesh/veilclient/dispatch"
	"github.com/veilmesh/veilclient/handshake"
	"github.com/veilmesh/veilclient/internal/errs"
	"github.com/veilmesh/veilclient/internal/routeledger"
	"github.com/veilmesh/veilclient/internal/stats"
	"github.com/veilmesh/veilclient/internal/vlog"
	"github.com/veilmesh/veilclient/mux"
)

var log = vlog.New("session")

// Supervisor owns the N worker goroutines described in spec §4.4.
type Supervisor struct {
	workerCount     int
	dialAuthTimeout time.Duration
	pingInterval    time.Duration
	pingTimeout     time.Duration
	retryDelay      time.Duration

	dialerCache *dialer.Cache
	queue       *dispatch.Queue
	ledger      routeledger.Interface
	tokens      handshake.TokenSource // nil if no broker is configured
	sink        stats.Sink
	state       *StateCell
}

// Config carries the supervisor's tunables, mirroring the relevant
// fields of internal/config.Config so this package does not import
// the config package directly.
type Config struct {
	WorkerCount     int
	DialAuthTimeout time.Duration
	PingInterval    time.Duration
	PingTimeout     time.Duration
	RetryDelay      time.Duration
}

// NewSupervisor builds a Supervisor. tokens may be nil, matching "no
// broker configured" (spec §4.3: credentials are empty bytes).
func NewSupervisor(cfg Config, dialerCache *dialer.Cache, queue *dispatch.Queue, ledger routeledger.Interface, tokens handshake.TokenSource, sink stats.Sink) *Supervisor {
	return &Supervisor{
		workerCount:     cfg.WorkerCount,
		dialAuthTimeout: cfg.DialAuthTimeout,
		pingInterval:    cfg.PingInterval,
		pingTimeout:     cfg.PingTimeout,
		retryDelay:      cfg.RetryDelay,
		dialerCache:     dialerCache,
		queue:           queue,
		ledger:          ledger,
		tokens:          tokens,
		sink:            sink,
		state:           NewStateCell(),
	}
}

// State exposes the process-wide ConnectionState cell for the control
// surface to read.
func (s *Supervisor) State() *StateCell { return s.state }

// Run spawns workerCount independent worker goroutines and blocks
// until ctx is cancelled, at which point it waits for all of them to
// return.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
}

// workerLoop is one perpetual worker slot (spec §4.4 steps 1-7).
func (s *Supervisor) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.runOnce(ctx, id); err != nil {
			log.Warningf("worker %d: %v", id, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
		}
	}
}

// runOnce is a single iteration: dial, authenticate, run the proxy
// loop, and report why it ended.
func (s *Supervisor) runOnce(ctx context.Context, id int) error {
	s.state.Publish(ConnectionState{Status: StatusConnecting})

	snap, err := s.dialerCache.Get(ctx)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.dialAuthTimeout)
	defer cancel()

	live, remoteAddr, err := s.dialAndAuth(dialCtx, snap)
	if err != nil {
		return err
	}
	defer live.Close()

	s.state.Publish(ConnectionState{
		Status:   StatusConnected,
		Protocol: snap.Protocol(),
		Bridge:   remoteAddr,
		Exit:     snap.ExitIdentity,
	})
	log.Infof("worker %d: connected via %s to %s (%s)", id, snap.Protocol(), remoteAddr, snap.ExitIdentity)

	// Closing the mux on ctx cancellation makes proxyLoop's liveness
	// activity win the race, so the worker returns on shutdown.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			live.Close()
		case <-stop:
		}
	}()

	return proxyLoop(live, s.queue, s.sink)
}

// dialAndAuth runs spec §4.4 step 3: dial, then authenticate, with a
// deferred route deprioritization that only fires if the phase never
// reaches a clean success (the died flag, mirroring original_source's
// AtomicBool died := true guard).
func (s *Supervisor) dialAndAuth(ctx context.Context, snap dialer.DialerSnapshot) (*mux.Liveness, string, error) {
	pipe, err := snap.DialFn(ctx)
	if err != nil {
		return nil, "", err
	}
	remoteAddr := pipe.RemoteAddr()

	died := true
	defer func() {
		if died {
			s.ledger.Deprioritize(remoteAddr)
		}
	}()

	// ClientAuth has no context parameter of its own; closing pipe when
	// ctx expires is what makes its blocking Read/Write calls observe
	// the 15s dial+auth budget (spec §4.4 step 3).
	authDone := make(chan struct{})
	defer close(authDone)
	go func() {
		select {
		case <-ctx.Done():
			pipe.Close()
		case <-authDone:
		}
	}()

	credentials, err := s.credentials(ctx)
	if err != nil {
		pipe.Close()
		return nil, "", err
	}

	authed, err := handshake.ClientAuth(pipe, snap.ExitPublicKey, credentials)
	if err != nil {
		pipe.Close()
		if ctx.Err() != nil {
			return nil, "", errs.ErrDialAuthTimeout
		}
		return nil, "", err
	}

	live, err := mux.Client(authed, s.pingInterval, s.pingTimeout)
	if err != nil {
		authed.Close()
		return nil, "", err
	}

	died = false
	return live, remoteAddr, nil
}

// credentials builds the handshake credentials bytes from the
// configured TokenSource, or returns nil if no broker is configured.
func (s *Supervisor) credentials(ctx context.Context) ([]byte, error) {
	if s.tokens == nil {
		return nil, nil
	}
	level, token, sig, err := s.tokens.ConnectToken(ctx)
	if err != nil {
		return nil, err
	}
	return handshake.BuildCredentials(level, token, sig)
}
