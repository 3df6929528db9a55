package client

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/wacore/wacore/internal/jid"
	"github.com/wacore/wacore/internal/signalcrypto"
)

// clientPayloadJSON is the ClientFinish login/registration payload: which
// device is resuming (or that this is a fresh pairing attempt) and the
// identity keys the server needs to recognize it.
type clientPayloadJSON struct {
	JID          string `json:"jid,omitempty"`
	IdentityKey  string `json:"identityKey"`
	SigningKey   string `json:"signingKey"`
	Registration bool   `json:"freshRegistration"`
}

func jsonClientPayload(identity *signalcrypto.IdentityKeyPair, ownJID jid.JID) ([]byte, error) {
	payload := clientPayloadJSON{
		IdentityKey:  base64.StdEncoding.EncodeToString(identity.DHPub[:]),
		SigningKey:   base64.StdEncoding.EncodeToString(identity.SignPub),
		Registration: ownJID.IsEmpty(),
	}
	if !ownJID.IsEmpty() {
		payload.JID = ownJID.String()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("client: marshal client payload: %w", err)
	}
	return data, nil
}
