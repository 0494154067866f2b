// Package errs collects the sentinel errors shared across veilclient's
// session core, in the teacher's flat var-block style.
package errs

import "errors"

var (
	// ErrQueueClosed is returned by the proxy loop once dispatch.Queue's
	// receive reports the queue closed and drained.
	ErrQueueClosed = errors.New("dispatch queue closed")

	// ErrMuxDead is returned by the proxy loop when the multiplexer's
	// liveness check fails.
	ErrMuxDead = errors.New("multiplexer liveness check failed")

	// ErrHandshakeRejected wraps an exit-side Reject(reason).
	ErrHandshakeRejected = errors.New("exit rejected authentication")

	// ErrHandshakeProtocol covers any unexpected-variant or MAC/signature
	// failure during the authentication handshake.
	ErrHandshakeProtocol = errors.New("authentication handshake protocol violation")

	// ErrDialAuthTimeout is returned when the combined dial+auth phase
	// exceeds its budget.
	ErrDialAuthTimeout = errors.New("dial/auth timed out")

	// ErrBypassResolve is returned by the connection frontend when a
	// bypassed destination fails to resolve.
	ErrBypassResolve = errors.New("could not resolve bypassed destination")

	// ErrNoReply is returned to a caller of the connection frontend when
	// no worker fulfilled the request (only expected during shutdown).
	ErrNoReply = errors.New("no worker fulfilled the connection request")
)
