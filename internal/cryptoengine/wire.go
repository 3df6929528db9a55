package cryptoengine

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"

	binarynode "github.com/wacore/wacore/internal/binary"
	"github.com/wacore/wacore/internal/jid"
	"github.com/wacore/wacore/internal/signalcrypto"
)

// parseBundleNode decodes one per-user bundle child of a server "key" IQ
// response into a signalcrypto.PreKeyBundle. Shape mirrors the id/value/signature convention
// internal/prekey/wire.go uses for the matching upload request:
//
//	<user jid="...">
//	  <registration>4-byte BE uint32</registration>
//	  <identity>32-byte curve25519 pub</identity>
//	  <signing-key>32-byte ed25519 pub</signing-key>
//	  <skey><id>3 bytes</id><value>32 bytes</value><signature>64 bytes</signature></skey>
//	  <key><id>3 bytes</id><value>32 bytes</value></key>   (optional, one-time)
//	</user>
func parseBundleNode(node binarynode.Node, target jid.JID) (signalcrypto.PreKeyBundle, error) {
	var bundle signalcrypto.PreKeyBundle
	bundle.DeviceID = uint32(target.Device)

	regNode, ok := node.GetChild("registration")
	if !ok {
		return bundle, fmt.Errorf("cryptoengine: bundle for %s missing registration", target.SignalAddress())
	}
	regBytes, _ := regNode.Content.([]byte)
	if len(regBytes) != 4 {
		return bundle, fmt.Errorf("cryptoengine: bundle for %s has malformed registration", target.SignalAddress())
	}
	bundle.RegistrationID = binary.BigEndian.Uint32(regBytes)

	identityNode, ok := node.GetChild("identity")
	if !ok {
		return bundle, fmt.Errorf("cryptoengine: bundle for %s missing identity", target.SignalAddress())
	}
	identityBytes, _ := identityNode.Content.([]byte)
	if len(identityBytes) != 32 {
		return bundle, fmt.Errorf("cryptoengine: bundle for %s has malformed identity", target.SignalAddress())
	}
	copy(bundle.IdentityKey[:], identityBytes)

	signingNode, ok := node.GetChild("signing-key")
	if !ok {
		return bundle, fmt.Errorf("cryptoengine: bundle for %s missing signing-key", target.SignalAddress())
	}
	signingBytes, _ := signingNode.Content.([]byte)
	if len(signingBytes) != ed25519.PublicKeySize {
		return bundle, fmt.Errorf("cryptoengine: bundle for %s has malformed signing-key", target.SignalAddress())
	}
	bundle.SigningKey = ed25519.PublicKey(append([]byte(nil), signingBytes...))

	skeyNode, ok := node.GetChild("skey")
	if !ok {
		return bundle, fmt.Errorf("cryptoengine: bundle for %s missing skey", target.SignalAddress())
	}
	skeyID, skeyVal, err := decodeIDValue(skeyNode)
	if err != nil {
		return bundle, fmt.Errorf("cryptoengine: bundle for %s skey: %w", target.SignalAddress(), err)
	}
	sigNode, ok := skeyNode.GetChild("signature")
	if !ok {
		return bundle, fmt.Errorf("cryptoengine: bundle for %s skey missing signature", target.SignalAddress())
	}
	sigBytes, _ := sigNode.Content.([]byte)
	bundle.SignedPreKeyID = skeyID
	copy(bundle.SignedPreKeyPub[:], skeyVal)
	bundle.SignedPreKeySig = append([]byte(nil), sigBytes...)

	if keyNode, ok := node.GetChild("key"); ok {
		keyID, keyVal, err := decodeIDValue(keyNode)
		if err != nil {
			return bundle, fmt.Errorf("cryptoengine: bundle for %s one-time key: %w", target.SignalAddress(), err)
		}
		bundle.HasOneTimePreKey = true
		bundle.OneTimePreKeyID = keyID
		copy(bundle.OneTimePreKeyPub[:], keyVal)
	}

	return bundle, nil
}

// decodeIDValue reads the <id>(3 bytes BE)</id><value>(32 bytes)</value>
// pair common to both <skey> and <key>.
func decodeIDValue(node binarynode.Node) (id uint32, value []byte, err error) {
	idNode, ok := node.GetChild("id")
	if !ok {
		return 0, nil, fmt.Errorf("missing id")
	}
	idBytes, _ := idNode.Content.([]byte)
	if len(idBytes) != 3 {
		return 0, nil, fmt.Errorf("malformed id")
	}
	id = uint32(idBytes[0])<<16 | uint32(idBytes[1])<<8 | uint32(idBytes[2])

	valueNode, ok := node.GetChild("value")
	if !ok {
		return 0, nil, fmt.Errorf("missing value")
	}
	value, _ = valueNode.Content.([]byte)
	if len(value) != 32 {
		return 0, nil, fmt.Errorf("malformed value")
	}
	return id, value, nil
}

// distributionJSON is the wire encoding for a sender-key distribution
// message piggybacked on a 1:1-encrypted SKDM: plain JSON
// since this is an internal payload between two copies of this core, not
// a value the server itself interprets.
type distributionJSON struct {
	KeyID      uint32
	Iteration  uint32
	ChainKey   []byte
	SigningPub ed25519.PublicKey
}

func encodeDistribution(dist signalcrypto.SenderKeyDistributionMessage) ([]byte, error) {
	data, err := json.Marshal(distributionJSON{
		KeyID:      dist.KeyID,
		Iteration:  dist.Iteration,
		ChainKey:   dist.ChainKey,
		SigningPub: dist.SigningPub,
	})
	if err != nil {
		return nil, fmt.Errorf("cryptoengine: encode sender-key distribution: %w", err)
	}
	return data, nil
}

// decodeDistribution is the receiver-side mirror of encodeDistribution,
// used when a peer's SKDM is decrypted and needs to become a
// ReceiverSenderKeyState.
func decodeDistribution(data []byte) (signalcrypto.SenderKeyDistributionMessage, error) {
	var aux distributionJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return signalcrypto.SenderKeyDistributionMessage{}, fmt.Errorf("cryptoengine: decode sender-key distribution: %w", err)
	}
	return signalcrypto.SenderKeyDistributionMessage{
		KeyID:      aux.KeyID,
		Iteration:  aux.Iteration,
		ChainKey:   aux.ChainKey,
		SigningPub: aux.SigningPub,
	}, nil
}
