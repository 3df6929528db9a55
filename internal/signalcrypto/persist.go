package signalcrypto

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
)

// SessionState, SenderKeyState, and IdentityKeyPair all carry unexported
// fields (the out-of-order skipped-key cache, private signing keys), so
// their wire-for-storage encoding lives here rather than being left to
// callers outside the package — the Signal Store only ever sees opaque
// []byte blobs.

type sessionStateJSON struct {
	RootKey        []byte
	SendChainKey   []byte
	RecvChainKey   []byte
	SendCounter    uint32
	RecvCounter    uint32
	RemoteIdentity [32]byte
	LocalEphemeral [32]byte
	PendingPreKey  *PendingPreKeyInfo
	Skipped        map[uint32]messageKey
}

// Marshal encodes a session for persistence under store.CategorySession.
func (s *SessionState) Marshal() ([]byte, error) {
	data, err := json.Marshal(sessionStateJSON{
		RootKey:        s.RootKey,
		SendChainKey:   s.SendChainKey,
		RecvChainKey:   s.RecvChainKey,
		SendCounter:    s.SendCounter,
		RecvCounter:    s.RecvCounter,
		RemoteIdentity: s.RemoteIdentity,
		LocalEphemeral: s.LocalEphemeral,
		PendingPreKey:  s.PendingPreKey,
		Skipped:        s.skipped,
	})
	if err != nil {
		return nil, fmt.Errorf("signalcrypto: marshal session: %w", err)
	}
	return data, nil
}

// UnmarshalSessionState decodes a session previously written by Marshal.
func UnmarshalSessionState(data []byte) (*SessionState, error) {
	var aux sessionStateJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return nil, fmt.Errorf("signalcrypto: unmarshal session: %w", err)
	}
	skipped := aux.Skipped
	if skipped == nil {
		skipped = make(map[uint32]messageKey)
	}
	return &SessionState{
		RootKey:        aux.RootKey,
		SendChainKey:   aux.SendChainKey,
		RecvChainKey:   aux.RecvChainKey,
		SendCounter:    aux.SendCounter,
		RecvCounter:    aux.RecvCounter,
		RemoteIdentity: aux.RemoteIdentity,
		LocalEphemeral: aux.LocalEphemeral,
		PendingPreKey:  aux.PendingPreKey,
		skipped:        skipped,
	}, nil
}

type senderKeyStateJSON struct {
	KeyID       uint32
	ChainKey    []byte
	Iteration   uint32
	SigningPub  ed25519.PublicKey
	SigningPriv ed25519.PrivateKey `json:",omitempty"`
	Skipped     map[uint32]messageKey
}

// Marshal encodes a sender-key chain for persistence under
// store.CategorySenderKey.
func (s *SenderKeyState) Marshal() ([]byte, error) {
	data, err := json.Marshal(senderKeyStateJSON{
		KeyID:       s.KeyID,
		ChainKey:    s.ChainKey,
		Iteration:   s.Iteration,
		SigningPub:  s.SigningPub,
		SigningPriv: s.signingPriv,
		Skipped:     s.skipped,
	})
	if err != nil {
		return nil, fmt.Errorf("signalcrypto: marshal sender-key state: %w", err)
	}
	return data, nil
}

// UnmarshalSenderKeyState decodes a sender-key chain previously written by
// Marshal.
func UnmarshalSenderKeyState(data []byte) (*SenderKeyState, error) {
	var aux senderKeyStateJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return nil, fmt.Errorf("signalcrypto: unmarshal sender-key state: %w", err)
	}
	skipped := aux.Skipped
	if skipped == nil {
		skipped = make(map[uint32]messageKey)
	}
	return &SenderKeyState{
		KeyID:       aux.KeyID,
		ChainKey:    aux.ChainKey,
		Iteration:   aux.Iteration,
		SigningPub:  aux.SigningPub,
		signingPriv: aux.SigningPriv,
		skipped:     skipped,
	}, nil
}

type identityKeyPairJSON struct {
	DHPriv   [32]byte
	DHPub    [32]byte
	SignPub  ed25519.PublicKey
	SignPriv ed25519.PrivateKey
}

// Marshal encodes the long-term identity for persistence under
// store.CategoryCreds.
func (id *IdentityKeyPair) Marshal() ([]byte, error) {
	data, err := json.Marshal(identityKeyPairJSON{
		DHPriv:   id.DHPriv,
		DHPub:    id.DHPub,
		SignPub:  id.SignPub,
		SignPriv: id.signPriv,
	})
	if err != nil {
		return nil, fmt.Errorf("signalcrypto: marshal identity: %w", err)
	}
	return data, nil
}

// UnmarshalIdentityKeyPair decodes an identity previously written by
// Marshal.
func UnmarshalIdentityKeyPair(data []byte) (*IdentityKeyPair, error) {
	var aux identityKeyPairJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return nil, fmt.Errorf("signalcrypto: unmarshal identity: %w", err)
	}
	return &IdentityKeyPair{
		DHPriv:  aux.DHPriv,
		DHPub:   aux.DHPub,
		SignPub: aux.SignPub,
		signPriv: aux.SignPriv,
	}, nil
}
