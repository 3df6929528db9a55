package signalcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrNoOpenSession  = errors.New("signalcrypto: no open session for address")
	ErrBadMAC         = errors.New("signalcrypto: bad MAC")
	ErrSessionCorrupt = errors.New("signalcrypto: session corrupt")
	ErrTooFarAhead    = errors.New("signalcrypto: message counter too far ahead of chain (>2000)")
	ErrSkippedKeyGone = errors.New("signalcrypto: no cached key for this message counter (stale or replayed)")
)

// maxSkippedKeys bounds both the 1:1 and group ratchets' out-of-order
// tolerance.
const maxSkippedKeys = 2000

// messageKey is the per-message symmetric key material derived from one
// chain-key ratchet step.
type messageKey struct {
	CipherKey []byte
	MacKey    []byte
	IV        []byte
}

// ratchetChainKey advances a chain key by one step, returning the next
// chain key and this step's message key. HMAC-SHA256 with two fixed
// single-byte inputs mirrors libsignal's KDF_CK, HKDF then expands the
// message-key seed into distinct AES-CBC and HMAC keys plus an IV.
func ratchetChainKey(chainKey []byte) (nextChainKey []byte, mk messageKey, err error) {
	nextChainKey = hmacSum(chainKey, []byte{0x02})
	seed := hmacSum(chainKey, []byte{0x01})

	r := hkdf.New(sha256.New, seed, nil, []byte("WhatsAppMessageKeys"))
	out := make([]byte, 80) // 32 cipher + 32 mac + 16 iv
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, messageKey{}, fmt.Errorf("signalcrypto: derive message key: %w", err)
	}
	mk = messageKey{
		CipherKey: out[:32],
		MacKey:    out[32:64],
		IV:        out[64:80],
	}
	return nextChainKey, mk, nil
}

func hmacSum(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

func deriveRootAndChainKey(sharedSecret []byte) (rootKey, chainKey []byte, err error) {
	r := hkdf.New(sha256.New, sharedSecret, make([]byte, 32), []byte("WhatsAppRootKey"))
	out := make([]byte, 64)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, nil, fmt.Errorf("signalcrypto: derive root key: %w", err)
	}
	return out[:32], out[32:], nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("signalcrypto: cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("signalcrypto: invalid PKCS7 padding")
	}
	return data[:len(data)-padLen], nil
}

func aesCBCEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func aesCBCDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("signalcrypto: ciphertext not block-aligned")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

