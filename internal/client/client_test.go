package client

import (
	"encoding/json"
	"testing"

	"go.uber.org/zap"

	"github.com/wacore/wacore/internal/jid"
	"github.com/wacore/wacore/internal/store"
)

func newTestWAClient(t *testing.T) *WAClient {
	t.Helper()
	c := NewWAClient("session-1", zap.NewNop().Sugar(), t.TempDir(), nil)
	st, err := store.Open(c.dataDir, c.logger)
	if err != nil {
		t.Fatal(err)
	}
	c.st = st
	return c
}

func TestNewWAClientDefaults(t *testing.T) {
	c := NewWAClient("session-1", zap.NewNop().Sugar(), t.TempDir(), nil)

	if got := c.GetStatus(); got != StatusInitializing {
		t.Fatalf("GetStatus() = %q, want %q", got, StatusInitializing)
	}
	if got := c.GetQRCode(); got != "" {
		t.Fatalf("GetQRCode() = %q, want empty", got)
	}
	if got := c.GetPhoneNumber(); got != "" {
		t.Fatalf("GetPhoneNumber() = %q, want empty", got)
	}
}

func TestSendTextFailsWhenNotConnected(t *testing.T) {
	c := NewWAClient("session-1", zap.NewNop().Sugar(), t.TempDir(), nil)

	if _, err := c.SendText("1234567890@s.whatsapp.net", "hello"); err != ErrNotConnected {
		t.Fatalf("SendText() error = %v, want %v", err, ErrNotConnected)
	}
}

func TestLoadOrCreateIdentityPersists(t *testing.T) {
	c := newTestWAClient(t)

	first, err := c.loadOrCreateIdentity()
	if err != nil {
		t.Fatalf("loadOrCreateIdentity() #1 error = %v", err)
	}
	if first == nil {
		t.Fatal("loadOrCreateIdentity() #1 returned nil identity")
	}

	second, err := c.loadOrCreateIdentity()
	if err != nil {
		t.Fatalf("loadOrCreateIdentity() #2 error = %v", err)
	}
	if first.DHPub != second.DHPub {
		t.Fatal("loadOrCreateIdentity() did not reload the same identity on the second call")
	}
	if string(first.SignPub) != string(second.SignPub) {
		t.Fatal("loadOrCreateIdentity() signing key changed across reload")
	}
}

func TestNextPreKeyIDEmptyStore(t *testing.T) {
	c := newTestWAClient(t)

	id, err := c.nextPreKeyID()
	if err != nil {
		t.Fatalf("nextPreKeyID() error = %v", err)
	}
	if id != 1 {
		t.Fatalf("nextPreKeyID() = %d, want 1", id)
	}
}

func TestNextPreKeyIDMaxPlusOne(t *testing.T) {
	c := newTestWAClient(t)

	err := c.st.Set(map[store.Category]map[string][]byte{
		store.CategoryPreKey: {
			"3":  []byte("x"),
			"7":  []byte("x"),
			"12": []byte("x"),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	id, err := c.nextPreKeyID()
	if err != nil {
		t.Fatalf("nextPreKeyID() error = %v", err)
	}
	if id != 13 {
		t.Fatalf("nextPreKeyID() = %d, want 13", id)
	}
}

func TestLoadOwnJIDEmpty(t *testing.T) {
	c := newTestWAClient(t)

	got, err := c.loadOwnJID()
	if err != nil {
		t.Fatalf("loadOwnJID() error = %v", err)
	}
	if !got.IsEmpty() {
		t.Fatalf("loadOwnJID() = %v, want empty JID", got)
	}
}

func TestLoadOwnJIDPresent(t *testing.T) {
	c := newTestWAClient(t)

	want := jid.NewADJID("15551234567", 1, jid.ServerPN)
	err := c.st.Set(map[store.Category]map[string][]byte{
		store.CategoryCreds: {ownJIDStoreKey: []byte(want.String())},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := c.loadOwnJID()
	if err != nil {
		t.Fatalf("loadOwnJID() error = %v", err)
	}
	if got != want {
		t.Fatalf("loadOwnJID() = %v, want %v", got, want)
	}
}

func TestBuildClientPayloadFreshRegistration(t *testing.T) {
	c := newTestWAClient(t)
	identity, err := c.loadOrCreateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	c.identity = identity

	data, err := c.buildClientPayload()
	if err != nil {
		t.Fatalf("buildClientPayload() error = %v", err)
	}

	var decoded clientPayloadJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal client payload: %v", err)
	}
	if !decoded.Registration {
		t.Fatal("buildClientPayload() freshRegistration = false, want true when ownJID is empty")
	}
	if decoded.JID != "" {
		t.Fatalf("buildClientPayload() jid = %q, want empty for fresh registration", decoded.JID)
	}
	if decoded.IdentityKey == "" || decoded.SigningKey == "" {
		t.Fatal("buildClientPayload() left identityKey or signingKey empty")
	}
}

func TestBuildClientPayloadResumingSession(t *testing.T) {
	c := newTestWAClient(t)
	identity, err := c.loadOrCreateIdentity()
	if err != nil {
		t.Fatal(err)
	}
	c.identity = identity
	c.ownJID = jid.NewADJID("15551234567", 1, jid.ServerPN)

	data, err := c.buildClientPayload()
	if err != nil {
		t.Fatalf("buildClientPayload() error = %v", err)
	}

	var decoded clientPayloadJSON
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal client payload: %v", err)
	}
	if decoded.Registration {
		t.Fatal("buildClientPayload() freshRegistration = true, want false when resuming")
	}
	if decoded.JID != c.ownJID.String() {
		t.Fatalf("buildClientPayload() jid = %q, want %q", decoded.JID, c.ownJID.String())
	}
}
