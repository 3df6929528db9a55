package signalcrypto

import (
	"crypto/ed25519"
	"fmt"
)

// PreKeyPair is one disposable pre-key: id plus a Curve25519 key pair.
// Uploaded in batches by the Pre-Key Manager.
type PreKeyPair struct {
	ID   uint32
	Priv [32]byte
	Pub  [32]byte
}

// GeneratePreKeys produces count sequential pre-keys starting at startID,
// matching the Pre-Key Manager's batch-upload shape.
func GeneratePreKeys(startID uint32, count int) ([]PreKeyPair, error) {
	out := make([]PreKeyPair, count)
	for i := 0; i < count; i++ {
		priv, pub, err := generateKeyPair()
		if err != nil {
			return nil, err
		}
		out[i] = PreKeyPair{ID: startID + uint32(i), Priv: priv, Pub: pub}
	}
	return out, nil
}

// SignedPreKeyPair is the single rotating signed pre-key: its Ed25519
// signature is produced by the identity's signing key and lets a peer
// verify the pre-key bundle without a live session.
type SignedPreKeyPair struct {
	ID        uint32
	Priv      [32]byte
	Pub       [32]byte
	Signature []byte
	Timestamp int64
}

// GenerateSignedPreKey creates a new signed pre-key, signed by id.
func GenerateSignedPreKey(id *IdentityKeyPair, keyID uint32, timestamp int64) (*SignedPreKeyPair, error) {
	priv, pub, err := generateKeyPair()
	if err != nil {
		return nil, err
	}
	return &SignedPreKeyPair{
		ID:        keyID,
		Priv:      priv,
		Pub:       pub,
		Signature: id.Sign(pub[:]),
		Timestamp: timestamp,
	}, nil
}

// PreKeyBundle is what the Device & LID Resolver fetches from the server
// to open an outgoing session.
type PreKeyBundle struct {
	RegistrationID       uint32
	DeviceID             uint32
	IdentityKey          [32]byte
	SignedPreKeyID       uint32
	SignedPreKeyPub      [32]byte
	SignedPreKeySig      []byte
	SigningKey           ed25519.PublicKey
	HasOneTimePreKey     bool
	OneTimePreKeyID      uint32
	OneTimePreKeyPub     [32]byte
}

var ErrBadSignedPreKeySignature = fmt.Errorf("signalcrypto: signed pre-key signature verification failed")

// VerifySignedPreKey checks the bundle's signed pre-key signature against
// its advertised Ed25519 signing key, as part of session validation.
func (b PreKeyBundle) VerifySignedPreKey() error {
	if !ed25519.Verify(b.SigningKey, b.SignedPreKeyPub[:], b.SignedPreKeySig) {
		return ErrBadSignedPreKeySignature
	}
	return nil
}
