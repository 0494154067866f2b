package handshake

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// maxFrameSize bounds a single length-prefixed handshake frame; the
// handshake never needs more than a few hundred bytes, so this is
// generous headroom against a malicious or buggy peer claiming an
// enormous length.
const maxFrameSize = 64 * 1024

// writeFrame gob-encodes v and writes it length-prefixed (4-byte
// big-endian length, then payload), the framing the spec's
// read_prepend_length/write_prepend_length collaborators are treated
// as opaquely implementing (spec §4.3).
func writeFrame(w io.Writer, v interface{}) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("handshake: encoding frame: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("handshake: writing frame length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("handshake: writing frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed frame and gob-decodes it into v.
func readFrame(r io.Reader, v interface{}) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return fmt.Errorf("handshake: reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return fmt.Errorf("handshake: frame of %d bytes exceeds %d byte limit", n, maxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("handshake: reading frame body: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(v); err != nil {
		return fmt.Errorf("handshake: decoding frame: %w", err)
	}
	return nil
}

// signedBytes renders the (ClientHello, ExitHelloInner) tuple the
// exit's signature covers, the Go analog of the original's
// stdcode((client_hello, exit_hello.inner)).
func signedBytes(hello ClientHello, inner ExitHelloInner) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(hello); err != nil {
		return nil, fmt.Errorf("handshake: encoding client hello for signing: %w", err)
	}
	if err := enc.Encode(inner); err != nil {
		return nil, fmt.Errorf("handshake: encoding exit hello inner for signing: %w", err)
	}
	return buf.Bytes(), nil
}
