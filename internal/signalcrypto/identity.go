// Package signalcrypto implements the Signal-family E2E primitives the
// Fan-Out Relay depends on: a 1:1 double-ratchet
// session cipher producing pkmsg/msg, and a group sender-key cipher
// producing skmsg. Curve25519 keys drive X3DH-style session agreement and
// the per-message symmetric ratchet; Ed25519 keys sign sender-key chains
// (curve25519 for DH, stdlib ed25519 for signatures).
package signalcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// IdentityKeyPair is the long-term device identity: a Curve25519 pair for
// session agreement and an Ed25519 pair for signing pre-keys and
// sender-key distributions.
type IdentityKeyPair struct {
	DHPriv  [32]byte
	DHPub   [32]byte
	SignPub ed25519.PublicKey
	signPriv ed25519.PrivateKey
}

// GenerateIdentityKeyPair creates a fresh identity. Generated once at
// registration time and persisted under the `creds` category.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	id := &IdentityKeyPair{}

	if _, err := rand.Read(id.DHPriv[:]); err != nil {
		return nil, fmt.Errorf("signalcrypto: generate identity DH key: %w", err)
	}
	curve25519.ScalarBaseMult(&id.DHPub, &id.DHPriv)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signalcrypto: generate identity signing key: %w", err)
	}
	id.SignPub = pub
	id.signPriv = priv

	return id, nil
}

// Sign signs message with the identity's Ed25519 key (used to sign
// signed-pre-keys and sender-key distribution messages).
func (id *IdentityKeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(id.signPriv, message)
}

func dh(priv, pub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return nil, fmt.Errorf("signalcrypto: X25519: %w", err)
	}
	return shared, nil
}

func generateKeyPair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("signalcrypto: generate key pair: %w", err)
	}
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}
