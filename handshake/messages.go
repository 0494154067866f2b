// Package handshake implements the client side of the two-variant
// Authentication Handshake (spec §4.3, wire messages spec §6): a
// shared-secret challenge/response short-circuit, and a full X25519
// key-agreement handshake whose ExitHello is signed by the exit's
// long-term Ed25519 key.
//
// Grounded on original_source's client_auth and on the teacher's
// common/protocol/pair.go, which wraps a similar "exchange a
// public-key-bearing hello, derive or verify a shared value" shape for
// its own phone-pairing handshake.
package handshake

// clientCryptHelloVariant tags which of the two ClientHello payloads is
// populated, the Go rendering of the original's
// ClientCryptHello = SharedSecretChallenge(32-byte) | X25519(32-byte).
type clientCryptHelloVariant byte

const (
	variantSharedSecretChallenge clientCryptHelloVariant = iota
	variantX25519
)

// exitHelloVariant tags which of the three ExitHelloInner payloads is
// populated: ExitHelloInner = SharedSecretResponse | X25519 | Reject.
type exitHelloVariant byte

const (
	variantSharedSecretResponse exitHelloVariant = iota
	variantExitX25519
	variantReject
)

// ClientHello is sent first, length-prefixed, by the client.
type ClientHello struct {
	Credentials []byte
	CryptHello  ClientCryptHello
}

// ClientCryptHello is a tagged union over the two things a client can
// offer to prove it can complete the handshake.
type ClientCryptHello struct {
	Variant               clientCryptHelloVariant
	SharedSecretChallenge [32]byte
	X25519PublicKey       [32]byte
}

// ExitHello is the exit's signed response.
type ExitHello struct {
	Inner     ExitHelloInner
	Signature [64]byte
}

// ExitHelloInner is a tagged union over the exit's three possible
// responses.
type ExitHelloInner struct {
	Variant                 exitHelloVariant
	SharedSecretResponseMAC [32]byte
	X25519PublicKey         [32]byte
	RejectReason            string
}
