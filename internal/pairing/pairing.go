// Package pairing implements the two device-linking bootstrap flows: QR
// scanning and numeric pairing-code entry. Both end the same way — a
// server `pair-success` stanza that must be validated before the assigned
// phone id and platform are trusted and credentials are marked registered.
package pairing

import (
	"crypto/ed25519"
	"fmt"

	"github.com/wacore/wacore/internal/binary"
	"github.com/wacore/wacore/internal/jid"
)

// Result is what a validated pair-success carries onward into creds.update
// and connection.update{isNewLogin:true}.
type Result struct {
	PhoneID  jid.JID
	Platform string
	PushName string
}

// ErrMissingDeviceIdentity is returned when a pair-success stanza doesn't
// carry the `<device-identity>` child the validation needs.
var ErrMissingDeviceIdentity = fmt.Errorf("pairing: pair-success missing device-identity")

// ErrBadDeviceSignature is returned when the advertised device identity's
// signature doesn't verify against the device's own signing key.
var ErrBadDeviceSignature = fmt.Errorf("pairing: device-identity signature verification failed")

// ConfigureSuccessfulPairing validates a server `pair-success` stanza.
// signingKey is the advertising device's own Ed25519 key, known in
// advance from the registration payload the client sent.
func ConfigureSuccessfulPairing(node *binary.Node, signingKey ed25519.PublicKey) (*Result, error) {
	deviceIdentity, ok := node.GetChild("device-identity")
	if !ok {
		return nil, ErrMissingDeviceIdentity
	}
	payload, _ := deviceIdentity.Content.([]byte)
	sig := []byte(deviceIdentity.Attrs["sig"])
	if !ed25519.Verify(signingKey, payload, sig) {
		return nil, ErrBadDeviceSignature
	}

	jidAttr := node.Attrs["jid"]
	phoneID, err := jid.Parse(jidAttr)
	if err != nil {
		return nil, fmt.Errorf("pairing: parse assigned jid %q: %w", jidAttr, err)
	}

	platform := node.Attrs["platform"]
	pushName := node.Attrs["pushname"]

	return &Result{PhoneID: phoneID, Platform: platform, PushName: pushName}, nil
}
