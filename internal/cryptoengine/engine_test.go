package cryptoengine

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/wacore/wacore/internal/jid"
	"github.com/wacore/wacore/internal/signalcrypto"
	"github.com/wacore/wacore/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), zap.NewNop().Sugar())
	if err != nil {
		t.Fatal(err)
	}
	return st
}

// establishOpenSessionPair builds a real InitiateOutgoingSession /
// OpenIncomingSession pair without going through the resolver, so tests
// can pre-seed an already-open session for one side.
func establishOpenSessionPair(t *testing.T) (alice *signalcrypto.SessionState, bob *signalcrypto.SessionCipher) {
	t.Helper()
	aliceID, err := signalcrypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bobID, err := signalcrypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	bobSPK, err := signalcrypto.GenerateSignedPreKey(bobID, 1, 1000)
	if err != nil {
		t.Fatal(err)
	}
	bobOTKs, err := signalcrypto.GeneratePreKeys(1, 1)
	if err != nil {
		t.Fatal(err)
	}

	bundle := signalcrypto.PreKeyBundle{
		RegistrationID:   42,
		DeviceID:         0,
		IdentityKey:      bobID.DHPub,
		SignedPreKeyID:   bobSPK.ID,
		SignedPreKeyPub:  bobSPK.Pub,
		SignedPreKeySig:  bobSPK.Signature,
		SigningKey:       bobID.SignPub,
		HasOneTimePreKey: true,
		OneTimePreKeyID:  bobOTKs[0].ID,
		OneTimePreKeyPub: bobOTKs[0].Pub,
	}

	aliceState, err := signalcrypto.InitiateOutgoingSession(aliceID, bundle)
	if err != nil {
		t.Fatal(err)
	}
	bobState, err := signalcrypto.OpenIncomingSession(bobID, *bobSPK, &bobOTKs[0], aliceID.DHPub, aliceState.LocalEphemeral)
	if err != nil {
		t.Fatal(err)
	}
	return aliceState, &signalcrypto.SessionCipher{State: bobState}
}

func TestEncryptOneToOneUsesExistingOpenSession(t *testing.T) {
	st := newTestStore(t)
	identity, err := signalcrypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	e := New(st, identity, nil, "alice.0", zap.NewNop().Sugar())

	aliceState, bobCipher := establishOpenSessionPair(t)
	data, err := aliceState.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Set(map[store.Category]map[string][]byte{store.CategorySession: {"bob.0": data}}); err != nil {
		t.Fatal(err)
	}

	msgType, ciphertext, err := e.EncryptOneToOne(context.Background(), "bob.0", []byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if msgType != "pkmsg" {
		t.Errorf("expected pkmsg for a never-replied-to session, got %q", msgType)
	}

	plaintext, err := bobCipher.Decrypt(msgType, ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if string(plaintext) != "hello" {
		t.Errorf("unexpected plaintext: %q", plaintext)
	}
}

func TestEncryptOneToOneWithoutSessionOrResolverFails(t *testing.T) {
	st := newTestStore(t)
	identity, err := signalcrypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	e := New(st, identity, nil, "alice.0", zap.NewNop().Sugar())

	_, _, err = e.EncryptOneToOne(context.Background(), "nobody.0", []byte("hi"))
	if err == nil {
		t.Fatal("expected an error when no session exists and no resolver is configured")
	}
}

func TestEncryptGroupReusesChainAcrossCalls(t *testing.T) {
	st := newTestStore(t)
	identity, err := signalcrypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	e := New(st, identity, nil, "alice.0", zap.NewNop().Sugar())

	ct1, err := e.EncryptGroup(context.Background(), "group1@g.us", []byte("first"))
	if err != nil {
		t.Fatal(err)
	}
	ct2, err := e.EncryptGroup(context.Background(), "group1@g.us", []byte("second"))
	if err != nil {
		t.Fatal(err)
	}
	if string(ct1) == string(ct2) {
		t.Error("expected successive group ciphertexts to differ (ratchet advances)")
	}

	state, err := e.loadSenderKeyState("group1@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if state == nil {
		t.Fatal("expected a persisted sender-key state after two EncryptGroup calls")
	}
	if state.Iteration != 2 {
		t.Errorf("expected iteration 2 after two encrypts, got %d", state.Iteration)
	}
}

func TestHasReceivedSenderKeyTracksCurrentChain(t *testing.T) {
	st := newTestStore(t)
	identity, err := signalcrypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	e := New(st, identity, nil, "alice.0", zap.NewNop().Sugar())

	if e.HasReceivedSenderKey("group1@g.us", "bob.0") {
		t.Fatal("expected false before any sender-key chain exists")
	}

	if _, err := e.EncryptGroup(context.Background(), "group1@g.us", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if e.HasReceivedSenderKey("group1@g.us", "bob.0") {
		t.Fatal("expected false before MarkSenderKeyDistributed is called")
	}

	if err := e.MarkSenderKeyDistributed("group1@g.us", "bob.0"); err != nil {
		t.Fatal(err)
	}
	if !e.HasReceivedSenderKey("group1@g.us", "bob.0") {
		t.Fatal("expected true after MarkSenderKeyDistributed")
	}

	// Simulate a chain rotation (new sender-key state, different KeyID):
	// the stale marker must no longer read as "received".
	fresh, err := signalcrypto.NewSenderKeyState(99)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.persistSenderKeyState("group1@g.us", fresh); err != nil {
		t.Fatal(err)
	}
	if e.HasReceivedSenderKey("group1@g.us", "bob.0") {
		t.Fatal("expected false after the chain rotated past the recorded marker")
	}
}

func TestEncryptSKDMForCarriesCurrentDistribution(t *testing.T) {
	st := newTestStore(t)
	identity, err := signalcrypto.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	e := New(st, identity, nil, "alice.0", zap.NewNop().Sugar())

	aliceState, bobCipher := establishOpenSessionPair(t)
	data, err := aliceState.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Set(map[store.Category]map[string][]byte{store.CategorySession: {"bob.0": data}}); err != nil {
		t.Fatal(err)
	}

	msgType, ciphertext, err := e.EncryptSKDMFor(context.Background(), "bob.0", "group1@g.us")
	if err != nil {
		t.Fatal(err)
	}
	plaintext, err := bobCipher.Decrypt(msgType, ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	dist, err := decodeDistribution(plaintext)
	if err != nil {
		t.Fatal(err)
	}

	ownState, err := e.loadSenderKeyState("group1@g.us")
	if err != nil {
		t.Fatal(err)
	}
	if dist.KeyID != ownState.KeyID {
		t.Errorf("expected distribution keyID to match own chain, got %d want %d", dist.KeyID, ownState.KeyID)
	}
}

func TestParseSignalAddressRoundTripsWithJID(t *testing.T) {
	cases := []jid.JID{
		jid.NewADJID("123456789", 5, jid.ServerPN),
		jid.NewADJID("987654321", 0, jid.ServerLID),
	}
	for _, j := range cases {
		addr := j.SignalAddress()
		parsed, err := parseSignalAddress(addr)
		if err != nil {
			t.Fatalf("parseSignalAddress(%q): %v", addr, err)
		}
		if parsed.User != j.User || parsed.Device != j.Device || parsed.Server != j.Server {
			t.Errorf("round trip mismatch: got %+v want %+v", parsed, j)
		}
	}
}
