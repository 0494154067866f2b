package frontend

import (
	"context"
	"fmt"
	"net"
	"time"
)

// happyEyeballsStagger is the RFC 8305 "Connection Attempt Delay"
// between launching successive candidate dials.
const happyEyeballsStagger = 250 * time.Millisecond

// happyEyeballsDial races concurrent dials against ips (interleaved
// IPv6/IPv4 per RFC 8305 §4), staggered by happyEyeballsStagger, and
// returns the first successful connection. Every other in-flight or
// future dial is aborted. No pack dependency covers this; it is
// implemented directly against net.Dialer per SPEC_FULL §4.7.
type dialAttempt struct {
	conn net.Conn
	err  error
}

func happyEyeballsDial(ctx context.Context, ips []net.IPAddr, port string, timeout time.Duration) (net.Conn, error) {
	candidates := interleaveByFamily(ips)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("frontend: no candidate addresses to dial")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan dialAttempt, len(candidates))
	dialer := &net.Dialer{}

	for i, addr := range candidates {
		delay := time.Duration(i) * happyEyeballsStagger
		go func(addr net.IPAddr, delay time.Duration) {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				results <- dialAttempt{nil, ctx.Err()}
				return
			case <-timer.C:
			}
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr.String(), port))
			results <- dialAttempt{conn, err}
		}(addr, delay)
	}

	var lastErr error
	for range candidates {
		a := <-results
		if a.err == nil {
			go drainRemaining(results, len(candidates)-1, a.conn)
			return a.conn, nil
		}
		lastErr = a.err
	}
	return nil, lastErr
}

// drainRemaining closes any connections that win the race after the
// first one already returned, and absorbs the remaining goroutines'
// results so they don't leak.
func drainRemaining(results <-chan dialAttempt, n int, winner net.Conn) {
	for i := 0; i < n; i++ {
		a := <-results
		if a.conn != nil && a.conn != winner {
			a.conn.Close()
		}
	}
}

// interleaveByFamily orders candidates IPv6-first, alternating address
// families the way RFC 8305 recommends, rather than dialing every IPv6
// address before any IPv4 one.
func interleaveByFamily(ips []net.IPAddr) []net.IPAddr {
	var v6, v4 []net.IPAddr
	for _, ip := range ips {
		if ip.IP.To4() != nil {
			v4 = append(v4, ip)
		} else {
			v6 = append(v6, ip)
		}
	}
	out := make([]net.IPAddr, 0, len(ips))
	for i := 0; i < len(v6) || i < len(v4); i++ {
		if i < len(v6) {
			out = append(out, v6[i])
		}
		if i < len(v4) {
			out = append(out, v4[i])
		}
	}
	return out
}
