// Package routeledger concretizes the spec's external deprioritize_route
// collaborator (§6) as a small in-memory adapter, so the Session
// Supervisor's "deferred deprioritize on failure" behavior (§4.4,
// invariant 4) is independently testable without a real route-discovery
// backend.
package routeledger

import "sync"

// Interface is the narrow view of Ledger the session supervisor
// depends on, concretizing the spec's external deprioritize_route
// collaborator (§6) as a Go interface.
type Interface interface {
	Deprioritize(addr string)
}

// Ledger records how many times each route address has been
// deprioritized. A real implementation would forward these calls to
// the route-discovery subsystem so it deprioritizes that route in
// future obtain_dialer responses; this in-memory one just counts, for
// tests and for the control surface's diagnostics.
type Ledger struct {
	mu    sync.Mutex
	count map[string]int
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{count: make(map[string]int)}
}

// Deprioritize records a failure against addr.
func (l *Ledger) Deprioritize(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count[addr]++
}

// Count returns how many times addr has been deprioritized.
func (l *Ledger) Count(addr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count[addr]
}
