package signalcrypto

import "testing"

func establishGroupCipherPair(t *testing.T) (*GroupCipher, *GroupCipher) {
	t.Helper()
	senderState, err := NewSenderKeyState(7)
	if err != nil {
		t.Fatal(err)
	}
	receiverState := ReceiverSenderKeyState(senderState.Distribution())
	return &GroupCipher{State: senderState}, &GroupCipher{State: receiverState}
}

func TestGroupCipherRoundTrip(t *testing.T) {
	sender, receiver := establishGroupCipherPair(t)

	for i, want := range []string{"alpha", "beta", "gamma"} {
		ciphertext, err := sender.Encrypt([]byte(want))
		if err != nil {
			t.Fatalf("encrypt %d: %v", i, err)
		}
		got, err := receiver.Decrypt(ciphertext)
		if err != nil {
			t.Fatalf("decrypt %d: %v", i, err)
		}
		if string(got) != want {
			t.Errorf("message %d: got %q, want %q", i, got, want)
		}
	}
}

func TestGroupCipherOutOfOrderUsesSkippedCache(t *testing.T) {
	sender, receiver := establishGroupCipherPair(t)

	var envelopes [][]byte
	for i := 0; i < 3; i++ {
		ct, err := sender.Encrypt([]byte{byte(i)})
		if err != nil {
			t.Fatal(err)
		}
		envelopes = append(envelopes, ct)
	}

	got2, err := receiver.Decrypt(envelopes[2])
	if err != nil {
		t.Fatalf("decrypt message 2 first: %v", err)
	}
	if got2[0] != 2 {
		t.Errorf("got %v, want [2]", got2)
	}

	got0, err := receiver.Decrypt(envelopes[0])
	if err != nil {
		t.Fatalf("decrypt cached message 0: %v", err)
	}
	if got0[0] != 0 {
		t.Errorf("got %v, want [0]", got0)
	}

	if _, err := receiver.Decrypt(envelopes[0]); err == nil {
		t.Error("expected replay of a consumed skipped key to fail")
	}
}

func TestGroupCipherRejectsTooFarAhead(t *testing.T) {
	sender, receiver := establishGroupCipherPair(t)

	var last []byte
	for i := 0; i < maxSkippedKeys+2; i++ {
		ct, err := sender.Encrypt([]byte("msg"))
		if err != nil {
			t.Fatal(err)
		}
		last = ct
	}

	if _, err := receiver.Decrypt(last); err != ErrTooFarAhead {
		t.Fatalf("expected ErrTooFarAhead, got %v", err)
	}
}

func TestGroupCipherRejectsTamperedSignature(t *testing.T) {
	sender, receiver := establishGroupCipherPair(t)

	ciphertext, err := sender.Encrypt([]byte("signed payload"))
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := receiver.Decrypt(tampered); err == nil {
		t.Fatal("expected signature verification to reject tampered envelope")
	}
}

func TestGroupCipherRejectsKeyIDMismatch(t *testing.T) {
	sender, _ := establishGroupCipherPair(t)
	otherState, err := NewSenderKeyState(8)
	if err != nil {
		t.Fatal(err)
	}
	otherReceiver := &GroupCipher{State: ReceiverSenderKeyState(otherState.Distribution())}

	ciphertext, err := sender.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := otherReceiver.Decrypt(ciphertext); err == nil {
		t.Fatal("expected sender-key id mismatch to be rejected")
	}
}

func TestRecipientOnlyStateCannotEncrypt(t *testing.T) {
	_, receiver := establishGroupCipherPair(t)
	if _, err := receiver.Encrypt([]byte("nope")); err == nil {
		t.Fatal("expected recipient-only sender-key state to refuse encryption")
	}
}
