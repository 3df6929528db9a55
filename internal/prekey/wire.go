package prekey

import (
	"encoding/binary"
	"fmt"

	binarynode "github.com/wacore/wacore/internal/binary"
	"github.com/wacore/wacore/internal/signalcrypto"
)

func encodeNextID(id uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, id)
	return out
}

func preKeyStoreKey(id uint32) string {
	return fmt.Sprintf("%d", id)
}

// encodePreKeyPair is the on-disk form persisted under CategoryPreKey:
// id(4 BE) || priv(32) || pub(32).
func encodePreKeyPair(k signalcrypto.PreKeyPair) []byte {
	out := make([]byte, 4+32+32)
	binary.BigEndian.PutUint32(out[0:4], k.ID)
	copy(out[4:36], k.Priv[:])
	copy(out[36:68], k.Pub[:])
	return out
}

func decodePreKeyPair(data []byte) (signalcrypto.PreKeyPair, error) {
	if len(data) != 4+32+32 {
		return signalcrypto.PreKeyPair{}, fmt.Errorf("prekey: malformed stored pre-key (len=%d)", len(data))
	}
	var k signalcrypto.PreKeyPair
	k.ID = binary.BigEndian.Uint32(data[0:4])
	copy(k.Priv[:], data[4:36])
	copy(k.Pub[:], data[36:68])
	return k, nil
}

// buildUploadIQ encodes the generated batch into the wire stanza sent to
// the server.
func buildUploadIQ(keys []signalcrypto.PreKeyPair) *binarynode.Node {
	children := make([]binarynode.Node, 0, len(keys))
	for _, k := range keys {
		children = append(children, binarynode.Node{
			Tag: "key",
			Content: []binarynode.Node{
				{Tag: "id", Content: idBytes(k.ID)},
				{Tag: "value", Content: k.Pub[:]},
			},
		})
	}
	return &binarynode.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"xmlns": "encrypt",
			"type":  "set",
		},
		Content: []binarynode.Node{
			{Tag: "registration", Content: children},
		},
	}
}

func idBytes(id uint32) []byte {
	out := make([]byte, 3)
	out[0] = byte(id >> 16)
	out[1] = byte(id >> 8)
	out[2] = byte(id)
	return out
}
