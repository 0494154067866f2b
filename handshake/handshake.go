package handshake

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/gob"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/veilmesh/veilclient/internal/errs"
	"github.com/veilmesh/veilclient/transport"
	"github.com/zeebo/blake3"
)

// TokenSource is the external connect-token collaborator (spec §6's
// get_connect_token): when a broker is configured, the supervisor asks
// it for a (level, token, signature) triple after every dial, before the
// handshake, and
// folds the result into ClientAuth's credentials via BuildCredentials.
type TokenSource interface {
	ConnectToken(ctx context.Context) (level string, token []byte, sig []byte, err error)
}

// BuildCredentials renders the (level, token, sig) connect-token triple
// as the credentials bytes ClientAuth sends in ClientHello, the Go
// analog of stdcode(level, token, sig).
func BuildCredentials(level string, token, sig []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(level); err != nil {
		return nil, fmt.Errorf("handshake: encoding credential level: %w", err)
	}
	if err := enc.Encode(token); err != nil {
		return nil, fmt.Errorf("handshake: encoding credential token: %w", err)
	}
	if err := enc.Encode(sig); err != nil {
		return nil, fmt.Errorf("handshake: encoding credential signature: %w", err)
	}
	return buf.Bytes(), nil
}

// ClientAuth runs the client side of the authentication handshake over
// pipe, producing an authenticated Pipe on success. exitPubKey is the
// exit's long-term Ed25519 verifying key; credentials is the
// stdcode(level, token, sig) connect-token triple, or nil if no broker
// is configured (spec §4.3).
//
// Grounded on original_source's client_auth: it dispatches on whether
// pipe advertises a shared secret before picking Variant A or B.
func ClientAuth(pipe transport.Pipe, exitPubKey ed25519.PublicKey, credentials []byte) (transport.Pipe, error) {
	if sharedSecret, ok := pipe.SharedSecret(); ok {
		return clientAuthSharedSecret(pipe, sharedSecret, credentials)
	}
	return clientAuthFullHandshake(pipe, exitPubKey, credentials)
}

// clientAuthSharedSecret is spec §4.3 Variant A.
func clientAuthSharedSecret(pipe transport.Pipe, sharedSecret, credentials []byte) (transport.Pipe, error) {
	var challenge [32]byte
	if _, err := rand.Read(challenge[:]); err != nil {
		return nil, fmt.Errorf("handshake: generating challenge: %w", err)
	}

	clientHello := ClientHello{
		Credentials: credentials,
		CryptHello: ClientCryptHello{
			Variant:               variantSharedSecretChallenge,
			SharedSecretChallenge: challenge,
		},
	}
	if err := writeFrame(pipe, clientHello); err != nil {
		return nil, err
	}

	var exitHello ExitHello
	if err := readFrame(pipe, &exitHello); err != nil {
		return nil, fmt.Errorf("handshake: reading exit hello: %w", err)
	}

	if exitHello.Inner.Variant != variantSharedSecretResponse {
		return nil, fmt.Errorf("%w: unexpected response from exit for shared-secret auth", errs.ErrHandshakeProtocol)
	}

	mac, err := blake3.NewKeyed(challenge[:])
	if err != nil {
		return nil, fmt.Errorf("handshake: building keyed hash: %w", err)
	}
	mac.Write(sharedSecret)
	var expected [32]byte
	copy(expected[:], mac.Sum(nil))

	if expected != exitHello.Inner.SharedSecretResponseMAC {
		return nil, fmt.Errorf("%w: shared-secret MAC mismatch", errs.ErrHandshakeProtocol)
	}
	return pipe, nil
}

// clientAuthFullHandshake is spec §4.3 Variant B.
func clientAuthFullHandshake(pipe transport.Pipe, exitPubKey ed25519.PublicKey, credentials []byte) (transport.Pipe, error) {
	var clientSecret [32]byte
	if _, err := rand.Read(clientSecret[:]); err != nil {
		return nil, fmt.Errorf("handshake: generating ephemeral key: %w", err)
	}
	var clientPublic [32]byte
	curve25519.ScalarBaseMult(&clientPublic, &clientSecret)

	clientHello := ClientHello{
		Credentials: credentials,
		CryptHello: ClientCryptHello{
			Variant:         variantX25519,
			X25519PublicKey: clientPublic,
		},
	}
	if err := writeFrame(pipe, clientHello); err != nil {
		return nil, err
	}

	var exitHello ExitHello
	if err := readFrame(pipe, &exitHello); err != nil {
		return nil, fmt.Errorf("handshake: reading exit hello: %w", err)
	}

	signed, err := signedBytes(clientHello, exitHello.Inner)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(exitPubKey, signed, exitHello.Signature[:]) {
		return nil, fmt.Errorf("%w: exit hello failed validation", errs.ErrHandshakeProtocol)
	}

	switch exitHello.Inner.Variant {
	case variantReject:
		return nil, fmt.Errorf("%w: %s", errs.ErrHandshakeRejected, exitHello.Inner.RejectReason)
	case variantSharedSecretResponse:
		return nil, fmt.Errorf("%w: exit sent a shared-secret response to our full authentication request", errs.ErrHandshakeProtocol)
	case variantExitX25519:
		var shared [32]byte
		curve25519.ScalarMult(&shared, &clientSecret, &exitHello.Inner.X25519PublicKey)

		readKey := deriveKey("e2c", shared[:])
		writeKey := deriveKey("c2e", shared[:])
		return transport.NewCryptPipe(pipe, readKey, writeKey)
	default:
		return nil, fmt.Errorf("%w: unrecognized exit hello variant %d", errs.ErrHandshakeProtocol, exitHello.Inner.Variant)
	}
}

// deriveKey is the Go rendering of blake3::derive_key(context, key_material).
func deriveKey(context string, keyMaterial []byte) []byte {
	out := make([]byte, 32)
	blake3.DeriveKey(context, keyMaterial, out)
	return out
}
