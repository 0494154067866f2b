package session

import (
	"fmt"
	"net"
	"time"

	"github.com/veilmesh/veilclient/dispatch"
	"github.com/veilmesh/veilclient/internal/errs"
	"github.com/veilmesh/veilclient/internal/stats"
)

// muxer is the narrow view of *mux.Liveness the proxy loop needs,
// split out so tests can race a fake mux's death against the dispatch
// queue without a real yamux session.
type muxer interface {
	OpenStream() (net.Conn, error)
	LastRTT() (time.Duration, bool)
	Dead() <-chan struct{}
}

// proxyLoop is the Multiplexer Driver (spec §4.5): it races an
// acceptor activity that drains the dispatch queue and opens streams
// against a liveness activity that watches the mux for death. Whichever
// finishes first ends the loop.
//
// Grounded on original_source's proxy_loop: a `nursery!` of detached
// child tasks racing the mux's own liveness signal, rendered here as an
// acceptor goroutine looping over the dispatch queue and spawning one
// goroutine per accepted request, while proxyLoop itself selects on
// mux.Dead() against the acceptor's result.
func proxyLoop(live muxer, queue *dispatch.Queue, sink stats.Sink) error {
	cancelAcceptor := make(chan struct{})
	defer close(cancelAcceptor)

	acceptorErr := make(chan error, 1)
	go runAcceptor(live, queue, sink, cancelAcceptor, acceptorErr)

	select {
	case <-live.Dead():
		return errs.ErrMuxDead
	case err := <-acceptorErr:
		return err
	}
}

// runAcceptor is the acceptor activity: pop a request, publish ping
// telemetry, and spawn a detached task per request that either
// delivers the opened stream or re-enqueues on failure. It exits as
// soon as cancel closes, which proxyLoop does the instant the liveness
// activity wins the race — otherwise this loop would outlive a dead
// mux, tight-looping Recv/OpenStream(fail)/TrySend against the shared
// dispatch queue forever.
func runAcceptor(live muxer, queue *dispatch.Queue, sink stats.Sink, cancel <-chan struct{}, result chan<- error) {
	for {
		req, ok := queue.RecvCancel(cancel)
		if !ok {
			select {
			case <-cancel:
				return
			default:
			}
			result <- errs.ErrQueueClosed
			return
		}

		if rtt, ok := live.LastRTT(); ok {
			sink.SetGauge("ping", rtt.Seconds())
		}

		go func(req dispatch.ConnectionRequest) {
			stream, err := live.OpenStream()
			if err != nil {
				queue.TrySend(req)
				return
			}
			if err := writeDestinationHeader(stream, req.Destination); err != nil {
				stream.Close()
				queue.TrySend(req)
				return
			}
			select {
			case req.Reply <- stream:
			default:
				// The waiter already gave up (e.g. context cancellation);
				// nobody will ever receive on Reply again.
				stream.Close()
			}
		}(req)
	}
}

// writeDestinationHeader sends req's destination as the opening
// metadata yamux streams have no side channel for (SPEC_FULL §4.5):
// one length-prefixed frame, written before any application data.
func writeDestinationHeader(stream interface{ Write([]byte) (int, error) }, destination string) error {
	if len(destination) > 0xffff {
		return fmt.Errorf("session: destination %q exceeds header length limit", destination)
	}
	header := make([]byte, 2+len(destination))
	header[0] = byte(len(destination) >> 8)
	header[1] = byte(len(destination))
	copy(header[2:], destination)
	_, err := stream.Write(header)
	return err
}
