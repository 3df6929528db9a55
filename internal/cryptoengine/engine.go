// Package cryptoengine adapts internal/signalcrypto's session/group
// ciphers and internal/store's KV persistence into the relay.CryptoEngine
// contract the Fan-Out Relay depends on, so the relay never
// has to know how a session is opened, persisted, or keyed.
package cryptoengine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/wacore/wacore/internal/binary"
	"github.com/wacore/wacore/internal/jid"
	"github.com/wacore/wacore/internal/resolver"
	"github.com/wacore/wacore/internal/signalcrypto"
	"github.com/wacore/wacore/internal/store"
)

// Engine implements relay.CryptoEngine.
type Engine struct {
	st       *store.Store
	identity *signalcrypto.IdentityKeyPair
	resolver *resolver.Resolver
	ownAddr  string
	log      *zap.SugaredLogger
}

// New builds an Engine. resolver may be nil for tests that never need to
// establish a fresh outgoing session (every address already has one
// persisted).
func New(st *store.Store, identity *signalcrypto.IdentityKeyPair, res *resolver.Resolver, ownAddr string, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{st: st, identity: identity, resolver: res, ownAddr: ownAddr, log: log}
}

// parseSignalAddress reverses jid.JID.SignalAddress()'s
// "{user}[_1].{device}" format.
func parseSignalAddress(addr string) (jid.JID, error) {
	dot := strings.LastIndexByte(addr, '.')
	if dot < 0 {
		return jid.JID{}, fmt.Errorf("cryptoengine: malformed signal address %q", addr)
	}
	user, devStr := addr[:dot], addr[dot+1:]
	device, err := strconv.ParseUint(devStr, 10, 16)
	if err != nil {
		return jid.JID{}, fmt.Errorf("cryptoengine: malformed device in address %q: %w", addr, err)
	}

	server := jid.ServerPN
	if strings.HasSuffix(user, "_1") {
		user = strings.TrimSuffix(user, "_1")
		server = jid.ServerLID
	}
	return jid.NewADJID(user, uint16(device), server), nil
}

// EncryptOneToOne implements relay.CryptoEngine.
func (e *Engine) EncryptOneToOne(ctx context.Context, addr string, plaintext []byte) (string, []byte, error) {
	cipher, err := e.sessionCipherFor(ctx, addr)
	if err != nil {
		return "", nil, err
	}
	msgType, ciphertext, err := cipher.Encrypt(plaintext)
	if err != nil {
		return "", nil, fmt.Errorf("cryptoengine: encrypt 1:1 for %s: %w", addr, err)
	}
	if err := e.persistSession(addr, cipher.State); err != nil {
		return "", nil, err
	}
	return msgType, ciphertext, nil
}

// EncryptGroup implements relay.CryptoEngine: encrypts plaintext under the
// caller's own current sender-key chain for groupJID, creating a fresh
// chain if none exists yet.
func (e *Engine) EncryptGroup(ctx context.Context, groupJID string, plaintext []byte) ([]byte, error) {
	state, err := e.ownSenderKeyState(groupJID)
	if err != nil {
		return nil, err
	}
	cipher := &signalcrypto.GroupCipher{State: state}
	ciphertext, err := cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: encrypt group %s: %w", groupJID, err)
	}
	if err := e.persistSenderKeyState(groupJID, state); err != nil {
		return nil, err
	}
	return ciphertext, nil
}

// EncryptSKDMFor implements relay.CryptoEngine: 1:1-encrypts the caller's
// current sender-key distribution for groupJID, addressed to addr.
func (e *Engine) EncryptSKDMFor(ctx context.Context, addr string, groupJID string) (string, []byte, error) {
	state, err := e.ownSenderKeyState(groupJID)
	if err != nil {
		return "", nil, err
	}
	dist := state.Distribution()
	payload, err := encodeDistribution(dist)
	if err != nil {
		return "", nil, err
	}
	if err := e.persistSenderKeyState(groupJID, state); err != nil {
		return "", nil, err
	}
	return e.EncryptOneToOne(ctx, addr, payload)
}

// HasReceivedSenderKey implements relay.CryptoEngine. Returns false (force
// a resend) on any store error, since a false negative just costs one
// redundant SKDM while a false positive would leave a recipient unable to
// decrypt.
func (e *Engine) HasReceivedSenderKey(groupJID, addr string) bool {
	state, err := e.loadSenderKeyState(groupJID)
	if err != nil || state == nil {
		return false
	}
	values, err := e.st.Get(store.CategorySenderKeyMem, []string{senderKeyMemKey(groupJID, addr)})
	if err != nil {
		return false
	}
	raw, ok := values[senderKeyMemKey(groupJID, addr)]
	if !ok || len(raw) == 0 {
		return false
	}
	recordedKeyID, err := strconv.ParseUint(string(raw), 10, 32)
	if err != nil {
		return false
	}
	return uint32(recordedKeyID) == state.KeyID
}

// MarkSenderKeyDistributed implements relay.CryptoEngine.
func (e *Engine) MarkSenderKeyDistributed(groupJID, addr string) error {
	state, err := e.loadSenderKeyState(groupJID)
	if err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("cryptoengine: no sender-key state for group %s", groupJID)
	}
	key := senderKeyMemKey(groupJID, addr)
	value := []byte(strconv.FormatUint(uint64(state.KeyID), 10))
	return e.st.SetIndex(store.CategorySenderKeyMem, map[string][]byte{key: value})
}

func senderKeyKey(groupJID, ownAddr string) string {
	return groupJID + "|" + ownAddr
}

func senderKeyMemKey(groupJID, addr string) string {
	return groupJID + "|" + addr
}

func (e *Engine) loadSenderKeyState(groupJID string) (*signalcrypto.SenderKeyState, error) {
	key := senderKeyKey(groupJID, e.ownAddr)
	values, err := e.st.Get(store.CategorySenderKey, []string{key})
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: load sender-key state: %w", err)
	}
	raw, ok := values[key]
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	return signalcrypto.UnmarshalSenderKeyState(raw)
}

// ownSenderKeyState loads the caller's current chain for groupJID,
// creating a fresh one on first use.
func (e *Engine) ownSenderKeyState(groupJID string) (*signalcrypto.SenderKeyState, error) {
	state, err := e.loadSenderKeyState(groupJID)
	if err != nil {
		return nil, err
	}
	if state != nil {
		return state, nil
	}
	state, err = signalcrypto.NewSenderKeyState(1)
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: create sender-key state for group %s: %w", groupJID, err)
	}
	if err := e.persistSenderKeyState(groupJID, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (e *Engine) persistSenderKeyState(groupJID string, state *signalcrypto.SenderKeyState) error {
	data, err := state.Marshal()
	if err != nil {
		return err
	}
	key := senderKeyKey(groupJID, e.ownAddr)
	return e.st.Set(map[store.Category]map[string][]byte{store.CategorySenderKey: {key: data}})
}

func (e *Engine) persistSession(addr string, state *signalcrypto.SessionState) error {
	data, err := state.Marshal()
	if err != nil {
		return fmt.Errorf("cryptoengine: marshal session for %s: %w", addr, err)
	}
	return e.st.SetIndex(store.CategorySession, map[string][]byte{addr: data})
}

// sessionCipherFor returns an open SessionCipher for addr, fetching a
// pre-key bundle and initiating a fresh outgoing session first if none is
// already open.
func (e *Engine) sessionCipherFor(ctx context.Context, addr string) (*signalcrypto.SessionCipher, error) {
	if state := e.loadOpenSession(addr); state != nil {
		return &signalcrypto.SessionCipher{State: state}, nil
	}

	target, err := parseSignalAddress(addr)
	if err != nil {
		return nil, err
	}
	if e.resolver == nil {
		return nil, fmt.Errorf("cryptoengine: no open session for %s and no resolver configured to establish one", addr)
	}

	err = e.resolver.AssertSessions(ctx, []jid.JID{target}, false,
		func(a string) bool { return e.loadOpenSession(a) != nil },
		func(ctx context.Context, target jid.JID, bundleNode *binary.Node) error {
			bundle, err := parseBundleNode(*bundleNode, target)
			if err != nil {
				return err
			}
			state, err := signalcrypto.InitiateOutgoingSession(e.identity, bundle)
			if err != nil {
				return fmt.Errorf("cryptoengine: initiate outgoing session for %s: %w", target.SignalAddress(), err)
			}
			return e.persistSession(target.SignalAddress(), state)
		})
	if err != nil {
		return nil, err
	}

	state := e.loadOpenSession(addr)
	if state == nil {
		return nil, fmt.Errorf("cryptoengine: session for %s still absent after assertion", addr)
	}
	return &signalcrypto.SessionCipher{State: state}, nil
}

func (e *Engine) loadOpenSession(addr string) *signalcrypto.SessionState {
	values, err := e.st.Get(store.CategorySession, []string{addr})
	if err != nil {
		e.log.Warnw("cryptoengine: load session failed", "addr", addr, "error", err)
		return nil
	}
	raw, ok := values[addr]
	if !ok || len(raw) == 0 {
		return nil
	}
	state, err := signalcrypto.UnmarshalSessionState(raw)
	if err != nil {
		e.log.Warnw("cryptoengine: unmarshal session failed", "addr", addr, "error", err)
		return nil
	}
	if !state.IsOpen() {
		return nil
	}
	return state
}
