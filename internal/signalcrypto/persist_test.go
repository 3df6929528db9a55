package signalcrypto

import (
	"bytes"
	"testing"
)

func TestSessionStateMarshalRoundTrip(t *testing.T) {
	alice, bob := establishSessionPair(t)

	msgType, ct, err := alice.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}

	data, err := alice.State.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnmarshalSessionState(data)
	if err != nil {
		t.Fatal(err)
	}

	restoredCipher := &SessionCipher{State: restored}
	msgType2, ct2, err := restoredCipher.Encrypt([]byte("world"))
	if err != nil {
		t.Fatalf("encrypt after round trip: %v", err)
	}
	if msgType2 != msgType {
		t.Errorf("expected msg type to survive round trip, got %q want %q", msgType2, msgType)
	}

	pt, err := bob.Decrypt(msgType, ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "hello" {
		t.Fatalf("unexpected plaintext: %q", pt)
	}
	pt2, err := bob.Decrypt(msgType2, ct2)
	if err != nil {
		t.Fatalf("decrypt message encrypted after round trip: %v", err)
	}
	if string(pt2) != "world" {
		t.Fatalf("unexpected plaintext: %q", pt2)
	}
}

func TestSenderKeyStateMarshalRoundTrip(t *testing.T) {
	sender, receiver := establishGroupCipherPair(t)

	ct, err := sender.Encrypt([]byte("group hello"))
	if err != nil {
		t.Fatal(err)
	}

	data, err := sender.State.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnmarshalSenderKeyState(data)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored.SigningPub, sender.State.SigningPub) {
		t.Error("expected signing pub to survive round trip")
	}

	restoredCipher := &GroupCipher{State: restored}
	ct2, err := restoredCipher.Encrypt([]byte("group world"))
	if err != nil {
		t.Fatalf("encrypt after round trip: %v", err)
	}

	pt, err := receiver.Decrypt(ct)
	if err != nil {
		t.Fatal(err)
	}
	if string(pt) != "group hello" {
		t.Fatalf("unexpected plaintext: %q", pt)
	}
	pt2, err := receiver.Decrypt(ct2)
	if err != nil {
		t.Fatalf("decrypt message encrypted after round trip: %v", err)
	}
	if string(pt2) != "group world" {
		t.Fatalf("unexpected plaintext: %q", pt2)
	}
}

func TestIdentityKeyPairMarshalRoundTrip(t *testing.T) {
	id, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	data, err := id.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	restored, err := UnmarshalIdentityKeyPair(data)
	if err != nil {
		t.Fatal(err)
	}
	if restored.DHPriv != id.DHPriv || restored.DHPub != id.DHPub {
		t.Error("expected DH key material to survive round trip")
	}
	if !bytes.Equal(restored.SignPub, id.SignPub) {
		t.Error("expected signing pub key to survive round trip")
	}

	sig := restored.Sign([]byte("payload"))
	if len(sig) == 0 {
		t.Error("expected restored identity to still be able to sign")
	}
}
