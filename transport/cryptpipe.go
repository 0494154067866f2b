package transport

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// CryptPipe is the AEAD-wrapped Pipe produced by Authentication
// Handshake Variant B (spec §4.3 step 4): every Write is sealed as one
// length-prefixed ChaCha20-Poly1305 frame under writeKey, and every
// Read opens one frame under readKey. The wire format of this framing
// layer is the core's own business (spec §1 calls the framing layer's
// format "external and not respecified"); this is the concrete choice
// made for that layer.
type CryptPipe struct {
	inner      Pipe
	readAEAD   cipherAEAD
	writeAEAD  cipherAEAD
	readNonce  uint64
	writeNonce uint64
	readBuf    []byte
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewCryptPipe wraps inner using readKey/writeKey, each expected to be
// a 32-byte ChaCha20-Poly1305 key as produced by
// blake3.DeriveKey("e2c"/"c2e", sharedSecret).
func NewCryptPipe(inner Pipe, readKey, writeKey []byte) (*CryptPipe, error) {
	readAEAD, err := chacha20poly1305.New(readKey)
	if err != nil {
		return nil, fmt.Errorf("transport: building read AEAD: %w", err)
	}
	writeAEAD, err := chacha20poly1305.New(writeKey)
	if err != nil {
		return nil, fmt.Errorf("transport: building write AEAD: %w", err)
	}
	return &CryptPipe{inner: inner, readAEAD: readAEAD, writeAEAD: writeAEAD}, nil
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], counter)
	return nonce
}

func (p *CryptPipe) Write(b []byte) (int, error) {
	nonce := nonceFor(p.writeNonce)
	p.writeNonce++
	sealed := p.writeAEAD.Seal(nil, nonce, b, nil)
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(sealed)))
	if _, err := p.inner.Write(lenPrefix[:]); err != nil {
		return 0, err
	}
	if _, err := p.inner.Write(sealed); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *CryptPipe) Read(b []byte) (int, error) {
	if len(p.readBuf) == 0 {
		var lenPrefix [4]byte
		if _, err := io.ReadFull(p.inner, lenPrefix[:]); err != nil {
			return 0, err
		}
		n := binary.BigEndian.Uint32(lenPrefix[:])
		sealed := make([]byte, n)
		if _, err := io.ReadFull(p.inner, sealed); err != nil {
			return 0, err
		}
		nonce := nonceFor(p.readNonce)
		p.readNonce++
		plain, err := p.readAEAD.Open(nil, nonce, sealed, nil)
		if err != nil {
			return 0, fmt.Errorf("transport: AEAD frame authentication failed: %w", err)
		}
		p.readBuf = plain
	}
	n := copy(b, p.readBuf)
	p.readBuf = p.readBuf[n:]
	return n, nil
}

func (p *CryptPipe) Close() error { return p.inner.Close() }

func (p *CryptPipe) RemoteAddr() string { return p.inner.RemoteAddr() }

func (p *CryptPipe) Protocol() string { return p.inner.Protocol() }

// SharedSecret is always absent on an authenticated pipe: the shared
// secret, if any, was consumed by the handshake that produced this
// pipe or never existed (variant B only runs when there was none).
func (p *CryptPipe) SharedSecret() ([]byte, bool) { return nil, false }
