package session

import (
	"net"
	"testing"
	"time"

	"github.com/veilmesh/veilclient/dispatch"
	"github.com/veilmesh/veilclient/internal/stats"
)

// fakeMuxer lets the proxy loop tests drive the acceptor/liveness race
// without a real yamux session.
type fakeMuxer struct {
	dead    chan struct{}
	openErr error
	lastRTT time.Duration
	haveRTT bool
	opened  chan struct{}
}

func newFakeMuxer() *fakeMuxer {
	return &fakeMuxer{dead: make(chan struct{}), opened: make(chan struct{}, 16)}
}

func (f *fakeMuxer) OpenStream() (net.Conn, error) {
	f.opened <- struct{}{}
	if f.openErr != nil {
		return nil, f.openErr
	}
	client, server := net.Pipe()
	go discardConn(server)
	return client, nil
}

func discardConn(c net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func (f *fakeMuxer) LastRTT() (time.Duration, bool) { return f.lastRTT, f.haveRTT }
func (f *fakeMuxer) Dead() <-chan struct{}          { return f.dead }

func TestProxyLoopDeliversOpenedStream(t *testing.T) {
	q := dispatch.New()
	sink := stats.NewRegistry()
	m := newFakeMuxer()

	done := make(chan error, 1)
	go func() { done <- proxyLoop(m, q, sink) }()

	reply := make(chan net.Conn, 1)
	q.Send(dispatch.ConnectionRequest{Destination: "tcp$example.com:443", Reply: reply})

	select {
	case conn := <-reply:
		if conn == nil {
			t.Fatal("expected a delivered stream, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("request was never fulfilled")
	}

	close(m.dead)

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected proxyLoop to return an error on mux death")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("proxyLoop never returned after mux death")
	}
}

func TestProxyLoopReenqueuesOnOpenFailure(t *testing.T) {
	q := dispatch.New()
	sink := stats.NewRegistry()
	m := newFakeMuxer()
	m.openErr = errOpenFailed

	done := make(chan error, 1)
	go func() { done <- proxyLoop(m, q, sink) }()

	reply := make(chan net.Conn, 1)
	q.Send(dispatch.ConnectionRequest{Destination: "tcp$example.com:443", Reply: reply})

	// The request should come back around the queue at least once more
	// since every open attempt fails.
	deadline := time.After(2 * time.Second)
	opens := 0
	for opens < 2 {
		select {
		case <-m.opened:
			opens++
		case <-deadline:
			t.Fatalf("expected at least 2 open attempts from re-enqueue, saw %d", opens)
		}
	}

	close(m.dead)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("proxyLoop never returned after mux death")
	}
}

func TestProxyLoopReturnsQueueClosedError(t *testing.T) {
	q := dispatch.New()
	sink := stats.NewRegistry()
	m := newFakeMuxer()

	done := make(chan error, 1)
	go func() { done <- proxyLoop(m, q, sink) }()

	q.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected an error when the dispatch queue closes")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("proxyLoop never returned after queue close")
	}
}

type openFailedError struct{}

func (openFailedError) Error() string { return "open failed" }

var errOpenFailed = openFailedError{}

// TestProxyLoopCancelsAcceptorOnMuxDeath grounds the fix for the
// acceptor outliving a dead mux: once live.Dead() wins the race, the
// acceptor must stop pulling requests off the shared queue rather than
// spinning Recv/OpenStream(fail)/TrySend forever.
func TestProxyLoopCancelsAcceptorOnMuxDeath(t *testing.T) {
	q := dispatch.New()
	sink := stats.NewRegistry()
	m := newFakeMuxer()

	done := make(chan error, 1)
	go func() { done <- proxyLoop(m, q, sink) }()

	close(m.dead)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("proxyLoop never returned after mux death")
	}

	// Drain whatever the acceptor happened to already be processing,
	// then confirm no further OpenStream calls arrive: a leaked
	// acceptor would keep calling queue.Recv and live.OpenStream in a
	// tight loop here.
	select {
	case <-m.opened:
	case <-time.After(50 * time.Millisecond):
	}

	reply := make(chan net.Conn, 1)
	q.Send(dispatch.ConnectionRequest{Destination: "tcp$example.com:443", Reply: reply})

	select {
	case <-m.opened:
		t.Fatal("acceptor called OpenStream after proxyLoop returned; acceptor goroutine leaked")
	case <-time.After(200 * time.Millisecond):
	}
}
