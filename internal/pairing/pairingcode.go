package pairing

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/wacore/wacore/internal/binary"
)

// crockfordAlphabet excludes I, L, O, U to avoid transcription ambiguity,
// per the Crockford base32 alphabet.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// codeLength is the exact length of a pairing code.
const codeLength = 8

// ErrBadCodeLength is returned when a caller-supplied pairing code isn't
// exactly codeLength characters.
var ErrBadCodeLength = fmt.Errorf("pairing: pairing code must be exactly %d characters", codeLength)

// GenerateCode produces a random 8-character Crockford base32 pairing code.
func GenerateCode() (string, error) {
	raw := make([]byte, codeLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("pairing: generate code: %w", err)
	}
	b := make([]byte, codeLength)
	for i, v := range raw {
		b[i] = crockfordAlphabet[int(v)%len(crockfordAlphabet)]
	}
	return string(b), nil
}

// ValidateCode checks a caller-supplied pairing code is exactly
// codeLength characters. The companion app accepts any such string; the
// core doesn't otherwise restrict its alphabet.
func ValidateCode(code string) error {
	if len(code) != codeLength {
		return ErrBadCodeLength
	}
	return nil
}

// DerivePairingKey derives a 32-byte pairing key from the pairing code and
// a random salt via HKDF-SHA256.
func DerivePairingKey(code string, salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(strings.ToUpper(code)), salt, []byte("mobile"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("pairing: derive pairing key: %w", err)
	}
	return key, nil
}

// EncryptEphemeralKey AES-CTR-encrypts the pairing-ephemeral public key
// under pairingKey. iv is generated fresh and prefixed onto the ciphertext.
func EncryptEphemeralKey(pairingKey, ephemeralPub []byte) ([]byte, error) {
	block, err := aes.NewCipher(pairingKey)
	if err != nil {
		return nil, fmt.Errorf("pairing: new cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("pairing: generate iv: %w", err)
	}
	out := make([]byte, len(ephemeralPub))
	cipher.NewCTR(block, iv).XORKeyStream(out, ephemeralPub)
	return append(iv, out...), nil
}

// BuildCompanionHelloNode assembles the `stage=companion_hello` IQ the
// pairing-code flow submits, carrying the encrypted ephemeral key and
// platform identifiers.
func BuildCompanionHelloNode(id string, encryptedEphemeralKey []byte, platform, deviceName string) *binary.Node {
	return &binary.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"id":    id,
			"type":  "set",
			"xmlns": "md",
			"to":    "s.whatsapp.net",
		},
		Content: []binary.Node{
			{
				Tag:   "pair-device",
				Attrs: map[string]string{},
				Content: []binary.Node{
					{
						Tag: "companion_hello",
						Attrs: map[string]string{
							"stage":    "companion_hello",
							"platform": platform,
							"device":   deviceName,
						},
						Content: encryptedEphemeralKey,
					},
				},
			},
		},
	}
}
