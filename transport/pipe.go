// Package transport defines the Pipe capability the rest of the
// session core programs against: a byte stream that additionally knows
// its remote address, its dial protocol, and — before authentication —
// whether it carries an out-of-band shared secret. This is the Go
// shape of the "EitherPipe over two Pipe implementations" pattern
// described in spec §9: a raw, not-yet-authenticated Pipe and an
// AEAD-wrapped, authenticated Pipe both satisfy the same interface.
package transport

import (
	"io"
	"net"
)

// Pipe is a byte stream with a bit of dialer-provided metadata layered
// on top. It intentionally does not embed net.Conn: RemoteAddr returns
// a string (the session core only ever formats or parses it), and
// there is no deadline API, matching what the session core actually
// uses.
type Pipe interface {
	io.Reader
	io.Writer
	io.Closer

	// RemoteAddr is the dialed peer's address, or "" if unknown.
	RemoteAddr() string

	// Protocol names the transport the pipe was dialed over (e.g.
	// "tcp", "obfs4"), surfaced in ConnectionState.
	Protocol() string

	// SharedSecret returns an out-of-band key known to both sides, if
	// the route's metadata carried one, selecting Authentication
	// Handshake Variant A (spec §4.3).
	SharedSecret() ([]byte, bool)
}

// RawPipe adapts a net.Conn (or anything satisfying io.ReadWriteCloser)
// into a Pipe, before any authentication has happened.
type RawPipe struct {
	conn         io.ReadWriteCloser
	remoteAddr   string
	protocol     string
	sharedSecret []byte
}

// NewRawPipe wraps conn. sharedSecret may be nil.
func NewRawPipe(conn io.ReadWriteCloser, protocol string, sharedSecret []byte) *RawPipe {
	remote := ""
	if nc, ok := conn.(net.Conn); ok && nc.RemoteAddr() != nil {
		remote = nc.RemoteAddr().String()
	}
	return &RawPipe{conn: conn, remoteAddr: remote, protocol: protocol, sharedSecret: sharedSecret}
}

func (p *RawPipe) Read(b []byte) (int, error)  { return p.conn.Read(b) }
func (p *RawPipe) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *RawPipe) Close() error                { return p.conn.Close() }
func (p *RawPipe) RemoteAddr() string          { return p.remoteAddr }
func (p *RawPipe) Protocol() string            { return p.protocol }

func (p *RawPipe) SharedSecret() ([]byte, bool) {
	if p.sharedSecret == nil {
		return nil, false
	}
	return p.sharedSecret, true
}
