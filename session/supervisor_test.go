package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"io"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/zeebo/blake3"

	"github.com/veilmesh/veilclient/dialer"
	"github.com/veilmesh/veilclient/dispatch"
	"github.com/veilmesh/veilclient/handshake"
	"github.com/veilmesh/veilclient/internal/routeledger"
	"github.com/veilmesh/veilclient/internal/stats"
	"github.com/veilmesh/veilclient/transport"
)

// writeTestFrame/readTestFrame mirror handshake's unexported
// length-prefixed gob framing so this test's fake exit can speak the
// same wire protocol without reaching into the handshake package's
// internals.
func writeTestFrame(w io.Writer, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func readTestFrame(r io.Reader, v interface{}) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return gob.NewDecoder(bytes.NewReader(body)).Decode(v)
}

// serveSharedSecretExit plays the exit side of Authentication Handshake
// Variant A on conn, then runs a yamux server over the same raw conn so
// the supervisor's proxy loop has something to open streams against.
func serveSharedSecretExit(t *testing.T, conn net.Conn, sharedSecret []byte, accept func(stream net.Conn)) {
	t.Helper()

	var hello handshake.ClientHello
	if err := readTestFrame(conn, &hello); err != nil {
		t.Errorf("exit: reading client hello: %v", err)
		return
	}

	mac, err := blake3.NewKeyed(hello.CryptHello.SharedSecretChallenge[:])
	if err != nil {
		t.Errorf("exit: building mac: %v", err)
		return
	}
	mac.Write(sharedSecret)
	var macOut [32]byte
	copy(macOut[:], mac.Sum(nil))

	var resp handshake.ExitHello
	resp.Inner.Variant = 0 // variantSharedSecretResponse
	resp.Inner.SharedSecretResponseMAC = macOut
	if err := writeTestFrame(conn, resp); err != nil {
		t.Errorf("exit: writing exit hello: %v", err)
		return
	}

	server, err := yamux.Server(conn, yamux.DefaultConfig())
	if err != nil {
		t.Errorf("exit: starting yamux server: %v", err)
		return
	}
	defer server.Close()

	for {
		stream, err := server.AcceptStream()
		if err != nil {
			return
		}
		go accept(stream)
	}
}

func TestSupervisorConnectsAndServesOneRequest(t *testing.T) {
	sharedSecret := []byte("a shared secret known to both ends, 32+ bytes")

	clientConn, exitConn := net.Pipe()

	exitDone := make(chan struct{})
	go func() {
		defer close(exitDone)
		serveSharedSecretExit(t, exitConn, sharedSecret, func(stream net.Conn) {
			buf := make([]byte, 64)
			stream.Read(buf) // drain the destination header
			stream.Close()
		})
	}()

	dialed := false
	source := dialer.RouteSourceFunc(func(ctx context.Context) (dialer.DialerSnapshot, error) {
		return dialer.NewDialerSnapshot(nil, "exit-test", "tcp", func(ctx context.Context) (transport.Pipe, error) {
			if dialed {
				return nil, context.Canceled // only dial once for this test
			}
			dialed = true
			return transport.NewRawPipe(clientConn, "tcp", sharedSecret), nil
		}), nil
	})

	cache := dialer.NewCache(source, time.Hour)
	queue := dispatch.New()
	ledger := routeledger.New()
	sink := stats.NewRegistry()

	sup := NewSupervisor(Config{
		WorkerCount:     1,
		DialAuthTimeout: 2 * time.Second,
		PingInterval:    time.Hour,
		PingTimeout:     time.Hour,
		RetryDelay:      10 * time.Millisecond,
	}, cache, queue, ledger, nil, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go sup.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.State().Get().Status == StatusConnected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	state := sup.State().Get()
	if state.Status != StatusConnected {
		t.Fatalf("supervisor never reached Connected, last state: %+v", state)
	}
	if state.Exit != "exit-test" {
		t.Errorf("Exit = %q, want exit-test", state.Exit)
	}

	reply := make(chan net.Conn, 1)
	queue.Send(dispatch.ConnectionRequest{Destination: "tcp$example.com:443", Reply: reply})

	select {
	case conn := <-reply:
		if conn == nil {
			t.Fatal("expected an opened stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch request was never fulfilled by the supervisor's worker")
	}

	cancel()
	<-exitDone
}

func TestSupervisorDeprioritizesRouteOnAuthFailure(t *testing.T) {
	clientConn, exitConn := net.Pipe()
	defer exitConn.Close()

	go func() {
		// Read the client hello and then just hang up, forcing a
		// handshake failure on the client side.
		buf := make([]byte, 256)
		exitConn.Read(buf)
		exitConn.Close()
	}()

	source := dialer.RouteSourceFunc(func(ctx context.Context) (dialer.DialerSnapshot, error) {
		return dialer.NewDialerSnapshot(nil, "exit-broken", "tcp", func(ctx context.Context) (transport.Pipe, error) {
			return transport.NewRawPipe(clientConn, "tcp", []byte("secret-but-unused-properly")), nil
		}), nil
	})

	cache := dialer.NewCache(source, time.Hour)
	queue := dispatch.New()
	ledger := routeledger.New()
	sink := stats.NewRegistry()

	sup := NewSupervisor(Config{
		WorkerCount:     1,
		DialAuthTimeout: 500 * time.Millisecond,
		PingInterval:    time.Hour,
		PingTimeout:     time.Hour,
		RetryDelay:      5 * time.Millisecond,
	}, cache, queue, ledger, nil, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	sup.Run(ctx)

	if ledger.Count("pipe") == 0 {
		t.Error("expected at least one deprioritization after a failed handshake")
	}
}
