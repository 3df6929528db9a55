package signalcrypto

import (
	"bytes"
	"testing"
)

func newTestBundle(t *testing.T, responderIdentity *IdentityKeyPair, signedPreKey *SignedPreKeyPair, oneTime *PreKeyPair) PreKeyBundle {
	t.Helper()
	bundle := PreKeyBundle{
		RegistrationID:  42,
		DeviceID:        1,
		IdentityKey:     responderIdentity.DHPub,
		SignedPreKeyID:  signedPreKey.ID,
		SignedPreKeyPub: signedPreKey.Pub,
		SignedPreKeySig: signedPreKey.Signature,
		SigningKey:      responderIdentity.SignPub,
	}
	if oneTime != nil {
		bundle.HasOneTimePreKey = true
		bundle.OneTimePreKeyID = oneTime.ID
		bundle.OneTimePreKeyPub = oneTime.Pub
	}
	return bundle
}

func establishSessionPair(t *testing.T) (*SessionCipher, *SessionCipher) {
	t.Helper()

	initiator, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	responder, err := GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	signedPreKey, err := GenerateSignedPreKey(responder, 1, 1700000000)
	if err != nil {
		t.Fatal(err)
	}
	oneTime, err := GeneratePreKeys(1, 1)
	if err != nil {
		t.Fatal(err)
	}

	bundle := newTestBundle(t, responder, signedPreKey, &oneTime[0])

	outgoing, err := InitiateOutgoingSession(initiator, bundle)
	if err != nil {
		t.Fatal(err)
	}

	incoming, err := OpenIncomingSession(responder, *signedPreKey, &oneTime[0], initiator.DHPub, outgoing.LocalEphemeral)
	if err != nil {
		t.Fatal(err)
	}

	return &SessionCipher{State: outgoing}, &SessionCipher{State: incoming}
}

func TestSessionEstablishmentProducesMatchingRootKey(t *testing.T) {
	initiatorCipher, responderCipher := establishSessionPair(t)
	if !bytes.Equal(initiatorCipher.State.RootKey, responderCipher.State.RootKey) {
		t.Fatal("expected both sides to derive the same root key")
	}
}

func TestFirstMessageIsPkmsgThenMsg(t *testing.T) {
	initiatorCipher, responderCipher := establishSessionPair(t)

	msgType, ciphertext, err := initiatorCipher.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if msgType != "pkmsg" {
		t.Fatalf("expected first message to be pkmsg, got %s", msgType)
	}

	plaintext, err := responderCipher.Decrypt(msgType, ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if string(plaintext) != "hello" {
		t.Errorf("plaintext = %q, want hello", plaintext)
	}

	msgType2, _, err := initiatorCipher.Encrypt([]byte("world"))
	if err != nil {
		t.Fatal(err)
	}
	if msgType2 != "pkmsg" {
		t.Errorf("expected pkmsg until a reply is received, got %s", msgType2)
	}

	// The responder replies; once the initiator decrypts a reply its own
	// session should still report pkmsg for its own sends (only decrypting
	// flips PendingPreKey, by design the sender side flips on receiving the
	// corresponding ack out of band) — verify the responder's own first
	// send is a plain msg since it never had a pending pre-key.
	replyType, _, err := responderCipher.Encrypt([]byte("ack"))
	if err != nil {
		t.Fatal(err)
	}
	if replyType != "msg" {
		t.Errorf("expected responder's send to be msg, got %s", replyType)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	initiatorCipher, responderCipher := establishSessionPair(t)

	for i, want := range []string{"first", "second", "third"} {
		msgType, ciphertext, err := initiatorCipher.Encrypt([]byte(want))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		got, err := responderCipher.Decrypt(msgType, ciphertext)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if string(got) != want {
			t.Errorf("message %d: got %q, want %q", i, got, want)
		}
	}
}

func TestOutOfOrderMessagesUseSkippedKeyCache(t *testing.T) {
	initiatorCipher, responderCipher := establishSessionPair(t)

	var envelopes [][]byte
	var msgType string
	for i := 0; i < 3; i++ {
		mt, ct, err := initiatorCipher.Encrypt([]byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		msgType = mt
		envelopes = append(envelopes, ct)
	}

	// Deliver message 2 first, skipping 0 and 1.
	got, err := responderCipher.Decrypt(msgType, envelopes[2])
	if err != nil {
		t.Fatalf("decrypt out-of-order message: %v", err)
	}
	if got[0] != 2 {
		t.Errorf("got %v, want [2]", got)
	}

	// Now deliver the skipped ones; they must come from the cache.
	got0, err := responderCipher.Decrypt(msgType, envelopes[0])
	if err != nil {
		t.Fatalf("decrypt skipped message 0: %v", err)
	}
	if got0[0] != 0 {
		t.Errorf("got %v, want [0]", got0)
	}

	got1, err := responderCipher.Decrypt(msgType, envelopes[1])
	if err != nil {
		t.Fatalf("decrypt skipped message 1: %v", err)
	}
	if got1[0] != 1 {
		t.Errorf("got %v, want [1]", got1)
	}

	// Replaying an already-consumed skipped key must fail.
	if _, err := responderCipher.Decrypt(msgType, envelopes[0]); err == nil {
		t.Error("expected replay of a consumed skipped key to fail")
	}
}

func TestTamperedCiphertextFailsMAC(t *testing.T) {
	initiatorCipher, responderCipher := establishSessionPair(t)

	msgType, ciphertext, err := initiatorCipher.Encrypt([]byte("sensitive"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), ciphertext...)
	tampered[10] ^= 0xFF

	if _, err := responderCipher.Decrypt(msgType, tampered); err == nil {
		t.Fatal("expected MAC verification to fail on tampered ciphertext")
	}
}
