package signalcrypto

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// SessionState is one libsignal-style double-ratchet session for a single
// peer address. PendingPreKey is non-empty until the first
// reply from the peer is decrypted, which is when outgoing messages stop
// being tagged "pkmsg" and switch to "msg".
type SessionState struct {
	RootKey      []byte
	SendChainKey []byte
	RecvChainKey []byte
	SendCounter  uint32
	RecvCounter  uint32

	RemoteIdentity [32]byte
	LocalEphemeral [32]byte // sent in the pkmsg header for this session

	PendingPreKey *PendingPreKeyInfo

	skipped map[uint32]messageKey
}

// PendingPreKeyInfo carries the identifiers the receiver needs to look up
// which of its own signed/one-time pre-keys were used, attached to every
// "pkmsg" until the session is confirmed open.
type PendingPreKeyInfo struct {
	SignedPreKeyID  uint32
	OneTimePreKeyID uint32
	HasOneTimePreKey bool
	RegistrationID  uint32
}

// InitiateOutgoingSession runs the X3DH-style agreement against a fetched
// pre-key bundle.
func InitiateOutgoingSession(local *IdentityKeyPair, bundle PreKeyBundle) (*SessionState, error) {
	if err := bundle.VerifySignedPreKey(); err != nil {
		return nil, err
	}

	ephemeralPriv, ephemeralPub, err := generateKeyPair()
	if err != nil {
		return nil, err
	}

	dh1, err := dh(local.DHPriv, bundle.SignedPreKeyPub)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ephemeralPriv, bundle.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ephemeralPriv, bundle.SignedPreKeyPub)
	if err != nil {
		return nil, err
	}

	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if bundle.HasOneTimePreKey {
		dh4, err := dh(ephemeralPriv, bundle.OneTimePreKeyPub)
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh4...)
	}

	rootKey, chainKey, err := deriveRootAndChainKey(secret)
	if err != nil {
		return nil, err
	}

	return &SessionState{
		RootKey:        rootKey,
		SendChainKey:   chainKey,
		RemoteIdentity: bundle.IdentityKey,
		LocalEphemeral: ephemeralPub,
		PendingPreKey: &PendingPreKeyInfo{
			SignedPreKeyID:   bundle.SignedPreKeyID,
			OneTimePreKeyID:  bundle.OneTimePreKeyID,
			HasOneTimePreKey: bundle.HasOneTimePreKey,
			RegistrationID:   bundle.RegistrationID,
		},
		skipped: make(map[uint32]messageKey),
	}, nil
}

// OpenIncomingSession is the responder's mirror of InitiateOutgoingSession,
// run on receipt of the first "pkmsg" from a new address: it recomputes the
// same shared secret from the local signed/one-time pre-key privates and
// the header's sender identity + ephemeral public keys.
func OpenIncomingSession(
	local *IdentityKeyPair,
	localSignedPreKey SignedPreKeyPair,
	localOneTimePreKey *PreKeyPair,
	remoteIdentity [32]byte,
	remoteEphemeral [32]byte,
) (*SessionState, error) {
	dh1, err := dh(localSignedPreKey.Priv, remoteIdentity)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(local.DHPriv, remoteEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(localSignedPreKey.Priv, remoteEphemeral)
	if err != nil {
		return nil, err
	}

	secret := append(append(append([]byte{}, dh1...), dh2...), dh3...)
	if localOneTimePreKey != nil {
		dh4, err := dh(localOneTimePreKey.Priv, remoteEphemeral)
		if err != nil {
			return nil, err
		}
		secret = append(secret, dh4...)
	}

	rootKey, chainKey, err := deriveRootAndChainKey(secret)
	if err != nil {
		return nil, err
	}

	return &SessionState{
		RootKey:        rootKey,
		RecvChainKey:   chainKey,
		RemoteIdentity: remoteIdentity,
		skipped:        make(map[uint32]messageKey),
	}, nil
}

// IsOpen reports whether the session has a usable sending chain.
func (s *SessionState) IsOpen() bool {
	return s != nil && len(s.SendChainKey) > 0
}

// SessionCipher drives Encrypt/Decrypt for one SessionState.
type SessionCipher struct {
	State *SessionState
}

// Envelope wire layout: counter(4 BE) || ciphertext || mac(8). The AES-CBC
// IV is not carried on the wire: it is re-derived deterministically from
// the chain-key ratchet step on both ends, the same way the cipher/mac
// keys are.
func encodeEnvelope(counter uint32, ciphertext, mac []byte) []byte {
	out := make([]byte, 4+len(ciphertext)+len(mac))
	binary.BigEndian.PutUint32(out[0:4], counter)
	copy(out[4:4+len(ciphertext)], ciphertext)
	copy(out[4+len(ciphertext):], mac)
	return out
}

func decodeEnvelope(data []byte) (counter uint32, ciphertext, mac []byte, err error) {
	const macLen = 8
	if len(data) < 4+macLen {
		return 0, nil, nil, fmt.Errorf("signalcrypto: envelope too short")
	}
	counter = binary.BigEndian.Uint32(data[0:4])
	mac = data[len(data)-macLen:]
	ciphertext = data[4 : len(data)-macLen]
	return counter, ciphertext, mac, nil
}

// Encrypt returns ("pkmsg", bytes) while the session has never received a
// reply, and ("msg", bytes) afterward.
func (c *SessionCipher) Encrypt(plaintext []byte) (msgType string, out []byte, err error) {
	if !c.State.IsOpen() {
		return "", nil, ErrNoOpenSession
	}

	nextChain, mk, err := ratchetChainKey(c.State.SendChainKey)
	if err != nil {
		return "", nil, err
	}
	counter := c.State.SendCounter

	ciphertext, err := aesCBCEncrypt(mk.CipherKey, mk.IV[:16], plaintext)
	if err != nil {
		return "", nil, err
	}
	mac := hmacSum(mk.MacKey, ciphertext)[:8]
	envelope := encodeEnvelope(counter, ciphertext, mac)

	c.State.SendChainKey = nextChain
	c.State.SendCounter++

	if c.State.PendingPreKey != nil {
		return "pkmsg", envelope, nil
	}
	return "msg", envelope, nil
}

// Decrypt accepts either message type and updates the ratchet. On the
// first successful decrypt of a session whose receive chain has never
// been initialized via the distribution's "msg" reply path, callers are
// expected to have already called OpenIncomingSession for "pkmsg".
func (c *SessionCipher) Decrypt(msgType string, data []byte) ([]byte, error) {
	if c.State == nil || len(c.State.RecvChainKey) == 0 {
		return nil, ErrNoOpenSession
	}

	counter, ciphertext, mac, err := decodeEnvelope(data)
	if err != nil {
		return nil, err
	}

	var mk messageKey
	switch {
	case counter == c.State.RecvCounter:
		nextChain, derived, err := ratchetChainKey(c.State.RecvChainKey)
		if err != nil {
			return nil, err
		}
		mk = derived
		c.State.RecvChainKey = nextChain
		c.State.RecvCounter++

	case counter > c.State.RecvCounter:
		if counter-c.State.RecvCounter > maxSkippedKeys {
			return nil, ErrTooFarAhead
		}
		chain := c.State.RecvChainKey
		for i := c.State.RecvCounter; i < counter; i++ {
			nextChain, skippedKey, err := ratchetChainKey(chain)
			if err != nil {
				return nil, err
			}
			c.State.skipped[i] = skippedKey
			chain = nextChain
		}
		nextChain, derived, err := ratchetChainKey(chain)
		if err != nil {
			return nil, err
		}
		mk = derived
		c.State.RecvChainKey = nextChain
		c.State.RecvCounter = counter + 1

	default: // counter < RecvCounter: must be a cached skipped key
		cached, ok := c.State.skipped[counter]
		if !ok {
			return nil, fmt.Errorf("%w: counter=%d", ErrSkippedKeyGone, counter)
		}
		mk = cached
		delete(c.State.skipped, counter) // one-time use: replay protection
	}

	if len(c.State.skipped) > maxSkippedKeys {
		pruneOldestSkippedKeys(c.State.skipped, maxSkippedKeys)
	}

	expectedMAC := hmacSum(mk.MacKey, ciphertext)[:8]
	if !hmacEqual(expectedMAC, mac) {
		return nil, fmt.Errorf("%w (session possibly corrupt)", ErrBadMAC)
	}

	plaintext, err := aesCBCDecrypt(mk.CipherKey, mk.IV[:16], ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
	}

	// Receiving any message confirms the session: subsequent sends switch
	// from pkmsg to msg.
	c.State.PendingPreKey = nil

	return plaintext, nil
}

func pruneOldestSkippedKeys(m map[uint32]messageKey, keep int) {
	if len(m) <= keep {
		return
	}
	excess := len(m) - keep
	var smallest []uint32
	for k := range m {
		smallest = append(smallest, k)
	}
	// Simple selection: drop the numerically smallest counters first,
	// since they are the least likely to still be in flight.
	for i := 0; i < excess; i++ {
		min := smallest[0]
		minIdx := 0
		for j, k := range smallest {
			if k < min {
				min = k
				minIdx = j
			}
		}
		delete(m, min)
		smallest = append(smallest[:minIdx], smallest[minIdx+1:]...)
	}
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// IdentityKeyString renders a 32-byte identity key as the base64 form used
// in device-identity stanzas.
func IdentityKeyString(key [32]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}
