package pairing

import (
	"crypto/ed25519"
	"testing"

	"github.com/wacore/wacore/internal/binary"
)

func TestConfigureSuccessfulPairingValidatesSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("device-identity-payload")
	sig := ed25519.Sign(priv, payload)

	node := &binary.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"jid":      "123456789:1@s.whatsapp.net",
			"platform": "smba",
			"pushname": "Test Device",
		},
		Content: []binary.Node{
			{
				Tag:     "device-identity",
				Attrs:   map[string]string{"sig": string(sig)},
				Content: payload,
			},
		},
	}

	result, err := ConfigureSuccessfulPairing(node, pub)
	if err != nil {
		t.Fatalf("expected successful validation, got %v", err)
	}
	if result.Platform != "smba" {
		t.Errorf("expected platform smba, got %q", result.Platform)
	}
	if result.PhoneID.User != "123456789" {
		t.Errorf("expected phone id user 123456789, got %q", result.PhoneID.User)
	}
	if result.PushName != "Test Device" {
		t.Errorf("expected push name to carry through, got %q", result.PushName)
	}
}

func TestConfigureSuccessfulPairingRejectsTamperedSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	payload := []byte("device-identity-payload")
	sig := ed25519.Sign(priv, payload)
	sig[0] ^= 0xFF

	node := &binary.Node{
		Tag:   "iq",
		Attrs: map[string]string{"jid": "123456789:1@s.whatsapp.net"},
		Content: []binary.Node{
			{Tag: "device-identity", Attrs: map[string]string{"sig": string(sig)}, Content: payload},
		},
	}

	_, err = ConfigureSuccessfulPairing(node, pub)
	if err != ErrBadDeviceSignature {
		t.Fatalf("expected ErrBadDeviceSignature, got %v", err)
	}
}

func TestConfigureSuccessfulPairingRequiresDeviceIdentity(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	node := &binary.Node{Tag: "iq", Attrs: map[string]string{"jid": "123456789:1@s.whatsapp.net"}}

	_, err := ConfigureSuccessfulPairing(node, pub)
	if err != ErrMissingDeviceIdentity {
		t.Fatalf("expected ErrMissingDeviceIdentity, got %v", err)
	}
}
