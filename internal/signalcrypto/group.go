package signalcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// SenderKeyState is one group sender-key chain, keyed by (group_jid,
// sender_address) at the store layer. The signing key pair
// authenticates every ciphertext the sender produces under this chain;
// recipients only ever hold SigningPub.
type SenderKeyState struct {
	KeyID     uint32
	ChainKey  []byte
	Iteration uint32

	SigningPub  ed25519.PublicKey
	signingPriv ed25519.PrivateKey // nil on the recipient side

	skipped map[uint32]messageKey
}

// NewSenderKeyState creates a fresh sender-side chain: a random initial
// chain key and a dedicated Ed25519 signing pair.
func NewSenderKeyState(keyID uint32) (*SenderKeyState, error) {
	chainKey := make([]byte, 32)
	if _, err := rand.Read(chainKey); err != nil {
		return nil, fmt.Errorf("signalcrypto: generate sender-key chain key: %w", err)
	}
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signalcrypto: generate sender-key signing pair: %w", err)
	}
	return &SenderKeyState{
		KeyID:       keyID,
		ChainKey:    chainKey,
		SigningPub:  signPub,
		signingPriv: signPriv,
		skipped:     make(map[uint32]messageKey),
	}, nil
}

// SenderKeyDistributionMessage is what a sender piggybacks (encrypted via
// the 1:1 session) to every recipient device that has not yet received the
// current chain.
type SenderKeyDistributionMessage struct {
	KeyID      uint32
	Iteration  uint32
	ChainKey   []byte
	SigningPub ed25519.PublicKey
}

// Distribution snapshots the current chain state for piggybacking onto a
// 1:1-encrypted SKDM.
func (s *SenderKeyState) Distribution() SenderKeyDistributionMessage {
	return SenderKeyDistributionMessage{
		KeyID:      s.KeyID,
		Iteration:  s.Iteration,
		ChainKey:   append([]byte(nil), s.ChainKey...),
		SigningPub: s.SigningPub,
	}
}

// ReceiverSenderKeyState builds a recipient-side chain from a received
// distribution message.
func ReceiverSenderKeyState(dist SenderKeyDistributionMessage) *SenderKeyState {
	return &SenderKeyState{
		KeyID:      dist.KeyID,
		ChainKey:   append([]byte(nil), dist.ChainKey...),
		Iteration:  dist.Iteration,
		SigningPub: dist.SigningPub,
		skipped:    make(map[uint32]messageKey),
	}
}

// GroupCipher drives encrypt/decrypt for one SenderKeyState.
type GroupCipher struct {
	State *SenderKeyState
}

// groupEnvelope wire layout: keyId(4) || iteration(4) || ciphertext || sig(64).
func encodeGroupEnvelope(keyID, iteration uint32, ciphertext, sig []byte) []byte {
	out := make([]byte, 4+4+len(ciphertext)+len(sig))
	binary.BigEndian.PutUint32(out[0:4], keyID)
	binary.BigEndian.PutUint32(out[4:8], iteration)
	copy(out[8:8+len(ciphertext)], ciphertext)
	copy(out[8+len(ciphertext):], sig)
	return out
}

func decodeGroupEnvelope(data []byte) (keyID, iteration uint32, ciphertext, sig []byte, err error) {
	const sigLen = ed25519.SignatureSize
	if len(data) < 8+sigLen {
		return 0, 0, nil, nil, fmt.Errorf("signalcrypto: group envelope too short")
	}
	keyID = binary.BigEndian.Uint32(data[0:4])
	iteration = binary.BigEndian.Uint32(data[4:8])
	sig = data[len(data)-sigLen:]
	ciphertext = data[8 : len(data)-sigLen]
	return keyID, iteration, ciphertext, sig, nil
}

// Encrypt ratchets the chain forward by one iteration, AES-CBC-encrypts
// the padded plaintext, and signs (keyId, iteration, ciphertext) with the
// sender's signing key.
func (g *GroupCipher) Encrypt(plaintext []byte) ([]byte, error) {
	if g.State.signingPriv == nil {
		return nil, fmt.Errorf("signalcrypto: cannot encrypt with a recipient-only sender-key state")
	}

	nextChain, mk, err := ratchetChainKey(g.State.ChainKey)
	if err != nil {
		return nil, err
	}
	iteration := g.State.Iteration

	ciphertext, err := aesCBCEncrypt(mk.CipherKey, mk.IV[:16], plaintext)
	if err != nil {
		return nil, err
	}

	signed := signaturePayload(g.State.KeyID, iteration, ciphertext)
	sig := ed25519.Sign(g.State.signingPriv, signed)

	g.State.ChainKey = nextChain
	g.State.Iteration++

	return encodeGroupEnvelope(g.State.KeyID, iteration, ciphertext, sig), nil
}

// Decrypt verifies the signature, ratchets (or looks up a cached skipped
// key) to the message's iteration, and decrypts.
func (g *GroupCipher) Decrypt(data []byte) ([]byte, error) {
	keyID, iteration, ciphertext, sig, err := decodeGroupEnvelope(data)
	if err != nil {
		return nil, err
	}
	if keyID != g.State.KeyID {
		return nil, fmt.Errorf("signalcrypto: sender-key id mismatch: got %d want %d", keyID, g.State.KeyID)
	}

	signed := signaturePayload(keyID, iteration, ciphertext)
	if !ed25519.Verify(g.State.SigningPub, signed, sig) {
		return nil, ErrBadMAC
	}

	var mk messageKey
	switch {
	case iteration == g.State.Iteration:
		nextChain, derived, err := ratchetChainKey(g.State.ChainKey)
		if err != nil {
			return nil, err
		}
		mk = derived
		g.State.ChainKey = nextChain
		g.State.Iteration++

	case iteration > g.State.Iteration:
		if iteration-g.State.Iteration > maxSkippedKeys {
			return nil, ErrTooFarAhead
		}
		chain := g.State.ChainKey
		for i := g.State.Iteration; i < iteration; i++ {
			nextChain, skippedKey, err := ratchetChainKey(chain)
			if err != nil {
				return nil, err
			}
			g.State.skipped[i] = skippedKey
			chain = nextChain
		}
		nextChain, derived, err := ratchetChainKey(chain)
		if err != nil {
			return nil, err
		}
		mk = derived
		g.State.ChainKey = nextChain
		g.State.Iteration = iteration + 1

	default:
		cached, ok := g.State.skipped[iteration]
		if !ok {
			return nil, fmt.Errorf("%w: iteration=%d", ErrSkippedKeyGone, iteration)
		}
		mk = cached
		delete(g.State.skipped, iteration)
	}

	if len(g.State.skipped) > maxSkippedKeys {
		pruneOldestSkippedKeys(g.State.skipped, maxSkippedKeys)
	}

	plaintext, err := aesCBCDecrypt(mk.CipherKey, mk.IV[:16], ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
	}
	return plaintext, nil
}

func signaturePayload(keyID, iteration uint32, ciphertext []byte) []byte {
	out := make([]byte, 8+len(ciphertext))
	binary.BigEndian.PutUint32(out[0:4], keyID)
	binary.BigEndian.PutUint32(out[4:8], iteration)
	copy(out[8:], ciphertext)
	return out
}
