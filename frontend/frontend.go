// Package frontend implements the Connection Frontend (spec §4.7): the
// single public entrypoint, open_conn, that either dials a bypassed
// destination directly or deposits a ConnectionRequest on the dispatch
// queue and awaits a worker's reply.
//
// Grounded on original_source's open_conn and on the teacher's
// enclaveClient dial helpers in daemon/client/client.go for the
// error-wrapping and logging conventions.
package frontend

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/veilmesh/veilclient/bypass"
	"github.com/veilmesh/veilclient/dispatch"
	"github.com/veilmesh/veilclient/internal/errs"
	"github.com/veilmesh/veilclient/internal/stats"
	"github.com/veilmesh/veilclient/internal/vlog"
)

var log = vlog.New("frontend")

// FakeDNS resolves a synthetic IPv4 address handed out by the client's
// own DNS interception layer back to the real hostname that was
// queried, concretizing the spec's external fake_dns_backtranslate
// collaborator (§6).
type FakeDNS interface {
	Backtranslate(ip net.IP) (hostname string, ok bool)
}

// Whitelist registers an IP with the tun device so it is not
// re-captured by the VPN, concretizing the spec's external
// vpn_whitelist collaborator (§6). Only exercised on the bypass path:
// a directly-dialed destination's resolved IPs must bypass the tun
// device too, or the direct dial would just loop back into the tunnel.
type Whitelist interface {
	Add(ip net.IP)
}

// Frontend is the public entrypoint callers use to open a stream to a
// destination, applying the Bypass Policy before falling back to the
// dispatch queue.
type Frontend struct {
	Policy    bypass.Policy
	FakeDNS   FakeDNS // may be nil: fake-DNS back-translation is skipped
	Whitelist Whitelist
	Queue     *dispatch.Queue
	Sink      stats.Sink

	// Resolver and DialTimeout configure the bypass path's resolution
	// and Happy Eyeballs dial; both default to reasonable values when
	// left zero.
	Resolver   *net.Resolver
	DialTimeout time.Duration
}

// stream wraps a net.Conn with byte-counter callbacks, the Go rendering
// of spec §4.7 step 3's "wrap the resulting stream with byte-counter
// callbacks".
type stream struct {
	net.Conn
	sink stats.Sink
}

func (s *stream) Read(b []byte) (int, error) {
	n, err := s.Conn.Read(b)
	if n > 0 {
		s.sink.IncrCounter("total_rx_bytes", int64(n))
	}
	return n, err
}

func (s *stream) Write(b []byte) (int, error) {
	n, err := s.Conn.Write(b)
	if n > 0 {
		s.sink.IncrCounter("total_tx_bytes", int64(n))
	}
	return n, err
}

// OpenConn is open_conn (spec §4.7): apply fake-DNS back-translation,
// then the Bypass Policy, then either dial directly or go through the
// dispatch queue.
func (f *Frontend) OpenConn(ctx context.Context, protocol, destination string) (net.Conn, error) {
	destination = f.backtranslate(destination)

	host, _, err := splitHostPort(destination)
	if err != nil {
		return nil, fmt.Errorf("frontend: parsing destination %q: %w", destination, err)
	}

	if f.Policy.Bypassed(host) {
		return f.dialBypassed(ctx, destination)
	}
	return f.dialViaQueue(ctx, protocol, destination)
}

// backtranslate implements spec §4.7 step 1: if destination's host is a
// bare IPv4 address that fake-DNS recognizes as a synthetic one,
// rewrite it back to the real hostname it stands in for. Any other
// shape of destination passes through unchanged.
func (f *Frontend) backtranslate(destination string) string {
	if f.FakeDNS == nil {
		return destination
	}
	host, port, err := splitHostPort(destination)
	if err != nil {
		return destination
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return destination
	}
	hostname, ok := f.FakeDNS.Backtranslate(ip)
	if !ok {
		return destination
	}
	return net.JoinHostPort(hostname, port)
}

// dialBypassed is spec §4.7 step 2: resolve, whitelist every resolved
// IP, then dial directly with Happy Eyeballs.
func (f *Frontend) dialBypassed(ctx context.Context, destination string) (net.Conn, error) {
	host, port, err := splitHostPort(destination)
	if err != nil {
		return nil, err
	}

	resolver := f.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	ips, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBypassResolve, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: no addresses for %q", errs.ErrBypassResolve, host)
	}

	if f.Whitelist != nil {
		for _, addr := range ips {
			f.Whitelist.Add(addr.IP)
		}
	}

	timeout := f.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := happyEyeballsDial(ctx, ips, port, timeout)
	if err != nil {
		return nil, fmt.Errorf("frontend: dialing %q directly: %w", destination, err)
	}
	log.Debugf("dialed %s directly (bypassed)", destination)
	return conn, nil
}

// dialViaQueue is spec §4.7 step 3: enqueue a ConnectionRequest and
// await its reply, wrapping the result in byte counters.
func (f *Frontend) dialViaQueue(ctx context.Context, protocol, destination string) (net.Conn, error) {
	reply := make(chan net.Conn, 1)
	f.Queue.Send(dispatch.ConnectionRequest{
		Destination: protocol + "$" + destination,
		Reply:       reply,
	})

	select {
	case conn, ok := <-reply:
		if !ok || conn == nil {
			return nil, errs.ErrNoReply
		}
		return &stream{Conn: conn, sink: f.Sink}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// splitHostPort is net.SplitHostPort (which already handles bracketed
// IPv6) under a package-local name; its error is returned unwrapped.
func splitHostPort(destination string) (host, port string, err error) {
	host, port, err = net.SplitHostPort(destination)
	if err != nil {
		return "", "", err
	}
	return host, port, nil
}
