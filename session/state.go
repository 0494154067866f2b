package session

import "sync"

// Status is the coarse phase a ConnectionState is in.
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectionState is the process-wide, observable state spec §3
// describes: Connecting, or Connected with the active route's
// protocol, bridge address, and exit identity. Single-reader semantics
// are acceptable (spec §3); StateCell still guards it with a mutex
// since multiple workers publish concurrently and "most recent write
// wins" (spec §5) still needs torn-write safety.
type ConnectionState struct {
	Status   Status
	Protocol string
	Bridge   string
	Exit     string
}

// StateCell holds the current ConnectionState.
type StateCell struct {
	mu    sync.Mutex
	state ConnectionState
}

// NewStateCell returns a cell initialized to Connecting.
func NewStateCell() *StateCell {
	return &StateCell{state: ConnectionState{Status: StatusConnecting}}
}

// Publish overwrites the current state. Concurrent publications from
// different workers interleave freely; the most recent call wins.
func (c *StateCell) Publish(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Get returns the current state.
func (c *StateCell) Get() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
