package noise

import (
	"bytes"
	"crypto/ed25519"
	"testing"
)

func TestIntroHeaderWithoutRoutingInfo(t *testing.T) {
	got := IntroHeader(nil)
	want := []byte{'W', 'A', 6, 3}
	if !bytes.Equal(got, want) {
		t.Errorf("IntroHeader(nil) = %x, want %x", got, want)
	}
}

func TestIntroHeaderWithRoutingInfo(t *testing.T) {
	routing := []byte{1, 2, 3, 4, 5}
	got := IntroHeader(routing)
	if got[0] != 'E' || got[1] != 'D' {
		t.Fatalf("expected ED prefix, got %x", got[:2])
	}
	if got[2] != 0x00 || got[3] != 0x01 {
		t.Fatalf("expected 00 01 version marker, got %x", got[2:4])
	}
	length := int(got[4])<<16 | int(got[5])<<8 | int(got[6])
	if length != len(routing) {
		t.Fatalf("length24 = %d, want %d", length, len(routing))
	}
	if !bytes.Equal(got[7:7+len(routing)], routing) {
		t.Fatalf("routing info not copied correctly")
	}
	rest := got[7+len(routing):]
	if !bytes.Equal(rest, []byte{'W', 'A', 6, 3}) {
		t.Fatalf("expected noise header after routing info, got %x", rest)
	}
}

func TestTransportFrameRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	client, err := NewTransport(cfg)
	if err != nil {
		t.Fatal(err)
	}

	// Force the handshake "finished" with a known symmetric key, bypassing
	// the two-party DH exchange: this exercises the AEAD framing and
	// counter discipline in isolation.
	key := bytes.Repeat([]byte{0x42}, 32)
	client.encKey = key
	client.decKey = key
	client.isFinished = true

	plaintext := []byte("hello from the fan-out relay")
	frame, err := client.EncryptFrame(plaintext)
	if err != nil {
		t.Fatalf("EncryptFrame: %v", err)
	}
	if client.WriteCounter() != 1 {
		t.Errorf("write counter = %d, want 1", client.WriteCounter())
	}

	length, ready := FrameLength(frame)
	if !ready {
		t.Fatal("frame should be fully ready")
	}
	ciphertext := frame[3 : 3+length]

	result, err := client.DecryptFrame(ciphertext)
	if err != nil {
		t.Fatalf("DecryptFrame: %v", err)
	}
	if result.Skipped {
		t.Fatal("frame should not be skipped")
	}
	if !bytes.Equal(result.Plaintext, plaintext) {
		t.Errorf("plaintext mismatch: got %q want %q", result.Plaintext, plaintext)
	}
	if client.ReadCounter() != 1 {
		t.Errorf("read counter = %d, want 1", client.ReadCounter())
	}
}

func TestTransportMonotonicCounters(t *testing.T) {
	client := &Transport{encKey: bytes.Repeat([]byte{1}, 32), decKey: bytes.Repeat([]byte{1}, 32), isFinished: true}

	var prevWrite uint32
	for i := 0; i < 5; i++ {
		if _, err := client.EncryptFrame([]byte("x")); err != nil {
			t.Fatal(err)
		}
		if client.WriteCounter() <= prevWrite && i > 0 {
			t.Fatalf("write counter did not strictly increase: %d -> %d", prevWrite, client.WriteCounter())
		}
		prevWrite = client.WriteCounter()
	}
}

func TestDecryptSkipsCorruptFrameWithoutAdvancing(t *testing.T) {
	client := &Transport{encKey: bytes.Repeat([]byte{7}, 32), decKey: bytes.Repeat([]byte{7}, 32), isFinished: true}

	frame, err := client.EncryptFrame([]byte("intact"))
	if err != nil {
		t.Fatal(err)
	}
	length, _ := FrameLength(frame)
	ciphertext := frame[3 : 3+length]

	// Corrupt the tag.
	corrupted := append([]byte(nil), ciphertext...)
	corrupted[len(corrupted)-1] ^= 0xFF

	before := client.ReadCounter()
	result, err := client.DecryptFrame(corrupted)
	if err == nil {
		t.Fatal("expected an error for a corrupted frame")
	}
	if !result.Skipped {
		t.Error("corrupted frame should be reported as skipped")
	}
	if client.ReadCounter() != before {
		t.Errorf("read counter must not advance on a skipped frame: before=%d after=%d", before, client.ReadCounter())
	}
}

func TestCertChainVerification(t *testing.T) {
	rootPub, rootPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	intermediatePub, intermediatePriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	var cfg Config
	copy(cfg.RootCAPublicKey[:], rootPub)
	cfg.IssuerSerial = 12345

	intermediateDetails := CertDetails{Serial: 1, IssuerSerial: cfg.IssuerSerial}
	copy(intermediateDetails.Key[:], intermediatePub)
	intermediateCert := SignDetails(rootPriv, intermediateDetails)

	var serverStatic [32]byte
	serverStatic[0] = 0xAB
	leafDetails := CertDetails{Serial: 2, IssuerSerial: 1, Key: serverStatic}
	leafCert := SignDetails(intermediatePriv, leafDetails)

	chain := Chain{Intermediate: intermediateCert, Leaf: leafCert}

	if err := VerifyChain(cfg, chain, serverStatic); err != nil {
		t.Fatalf("expected chain to verify, got %v", err)
	}

	// Wrong issuer serial should be rejected.
	badChain := chain
	badChain.Intermediate.Details.IssuerSerial = 99999
	badChain.Intermediate = SignDetails(rootPriv, badChain.Intermediate.Details)
	if err := VerifyChain(cfg, badChain, serverStatic); err == nil {
		t.Fatal("expected wrong issuer-serial to fail verification")
	}

	// Tampered leaf key should be rejected.
	var otherStatic [32]byte
	otherStatic[0] = 0xFF
	if err := VerifyChain(cfg, chain, otherStatic); err == nil {
		t.Fatal("expected mismatched server static key to fail verification")
	}
}

func TestFinishInitResetsCountersAndHash(t *testing.T) {
	client, err := NewTransport(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	client.salt = bytes.Repeat([]byte{9}, 32)
	client.writeCounter = 7
	client.readCounter = 3

	if err := client.finishInit(); err != nil {
		t.Fatal(err)
	}
	if !client.isFinished {
		t.Error("expected isFinished to be true")
	}
	if client.hash != nil {
		t.Error("expected handshake hash to be discarded")
	}
	if client.readCounter != 0 || client.writeCounter != 0 {
		t.Errorf("expected counters reset to 0, got read=%d write=%d", client.readCounter, client.writeCounter)
	}
	if len(client.encKey) != 32 || len(client.decKey) != 32 {
		t.Errorf("expected 32-byte transport keys, got enc=%d dec=%d", len(client.encKey), len(client.decKey))
	}
	if bytes.Equal(client.encKey, client.decKey) {
		t.Error("expected distinct write/read transport keys")
	}
}
