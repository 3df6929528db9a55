// Package noise implements the Noise_XX_25519_AESGCM_SHA256 handshake that
// bootstraps a framed, authenticated-encryption channel over a WebSocket.
// It owns the live AES-GCM transport state and the monotonic read/write
// counters once the handshake completes; no other package touches them.
package noise

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ProtocolName is the Noise protocol identifier mixed into the initial
// handshake hash. It is exactly 32 bytes (28 ASCII + 4 NUL), so per the
// Noise spec it is used as the initial `h` directly instead of being
// hashed down to 32 bytes.
const ProtocolName = "Noise_XX_25519_AESGCM_SHA256\x00\x00\x00\x00"

// ProtocolVersionPair is appended to the "WA" magic in the intro header.
var ProtocolVersionPair = [2]byte{6, 3}

// NoiseHeader is the plaintext magic sent before the first handshake frame
// when no routing-info blob is present.
func noiseHeader() []byte {
	return []byte{'W', 'A', ProtocolVersionPair[0], ProtocolVersionPair[1]}
}

// IntroHeader builds the bytes prepended before the very first frame. When
// routingInfo is non-empty, it is wrapped in the "ED" envelope ahead of the
// normal Noise header.
func IntroHeader(routingInfo []byte) []byte {
	header := noiseHeader()
	if len(routingInfo) == 0 {
		return header
	}

	out := make([]byte, 0, 2+2+3+len(routingInfo)+len(header))
	out = append(out, 'E', 'D')
	out = append(out, 0x00, 0x01)
	out = append(out, byte(len(routingInfo)>>16), byte(len(routingInfo)>>8), byte(len(routingInfo)))
	out = append(out, routingInfo...)
	out = append(out, header...)
	return out
}

// Transport drives one Noise_XX handshake and, once finished, the
// AES-256-GCM framed transport with monotonic counters.
type Transport struct {
	mu sync.Mutex

	// static key material
	ephemeralPriv [32]byte
	ephemeralPub  [32]byte
	staticPriv    [32]byte
	staticPub     [32]byte

	// peer material captured mid-handshake
	serverEphemeral [32]byte

	// Noise symmetric state
	hash []byte
	salt []byte

	// cipher state: during handshake enc/dec share a key and a single
	// counter; after finishInit they diverge into independent transport
	// keys with independent counters.
	encKey []byte
	decKey []byte

	handshakeCounter uint32 // shared symmetric-state counter during handshake
	readCounter      uint32
	writeCounter     uint32

	isFinished bool

	// desyncProbes counts how many times the counter±1 recovery probe
	// actually
	// succeeded. Expected to stay at zero against a correct peer.
	desyncProbes uint64

	cfg Config
}

// Config carries the certificate-verification root and any
// caller-overridable constants.
type Config struct {
	RootCAPublicKey [32]byte
	IssuerSerial    uint32
}

// DefaultConfig returns the compiled-in root CA key and issuer-serial
// constant. Operators deploying against a real server replace this with
// the provisioned production values.
func DefaultConfig() Config {
	return Config{
		RootCAPublicKey: compiledRootCAPublicKey,
		IssuerSerial:    compiledIssuerSerial,
	}
}

// NewTransport generates a fresh ephemeral and static key pair and
// initializes the handshake hash.
func NewTransport(cfg Config) (*Transport, error) {
	t := &Transport{cfg: cfg}

	if _, err := rand.Read(t.ephemeralPriv[:]); err != nil {
		return nil, fmt.Errorf("noise: generate ephemeral key: %w", err)
	}
	curve25519.ScalarBaseMult(&t.ephemeralPub, &t.ephemeralPriv)

	if _, err := rand.Read(t.staticPriv[:]); err != nil {
		return nil, fmt.Errorf("noise: generate static key: %w", err)
	}
	curve25519.ScalarBaseMult(&t.staticPub, &t.staticPriv)

	t.initializeState()
	return t, nil
}

func (t *Transport) initializeState() {
	h := []byte(ProtocolName)
	if len(h) != 32 {
		sum := sha256.Sum256(h)
		h = sum[:]
	}
	t.hash = h
	t.salt = append([]byte(nil), h...)
	t.encKey = append([]byte(nil), h...)
	t.decKey = append([]byte(nil), h...)
	t.handshakeCounter = 0
	t.readCounter = 0
	t.writeCounter = 0
	t.isFinished = false

	t.authenticate(noiseHeader())
	t.authenticate(t.ephemeralPub[:])
}

// authenticate mixes data into the running handshake hash: h := SHA256(h||data).
func (t *Transport) authenticate(data []byte) {
	if t.isFinished {
		return
	}
	h := sha256.New()
	h.Write(t.hash)
	h.Write(data)
	t.hash = h.Sum(nil)
}

func ivFor(counter uint32) []byte {
	iv := make([]byte, 12)
	binary.BigEndian.PutUint32(iv[8:], counter)
	return iv
}

func (t *Transport) gcmEncrypt(key, iv, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, iv, plaintext, aad), nil
}

func (t *Transport) gcmDecrypt(key, iv, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, iv, ciphertext, aad)
}

// handshakeEncrypt encrypts during the handshake phase: AAD is the current
// hash, and the single shared counter advances.
func (t *Transport) handshakeEncrypt(plaintext []byte) ([]byte, error) {
	iv := ivFor(t.handshakeCounter)
	ct, err := t.gcmEncrypt(t.encKey, iv, plaintext, t.hash)
	if err != nil {
		return nil, fmt.Errorf("noise: handshake encrypt: %w", err)
	}
	t.handshakeCounter++
	t.authenticate(ct)
	return ct, nil
}

// handshakeDecrypt decrypts during the handshake phase.
func (t *Transport) handshakeDecrypt(ciphertext []byte) ([]byte, error) {
	iv := ivFor(t.handshakeCounter)
	pt, err := t.gcmDecrypt(t.decKey, iv, ciphertext, t.hash)
	if err != nil {
		return nil, fmt.Errorf("noise: handshake decrypt: %w", err)
	}
	t.handshakeCounter++
	t.authenticate(ciphertext)
	return pt, nil
}

// mixIntoKey runs HKDF-SHA256 over the current salt and input, producing a
// new 32-byte salt and 32-byte symmetric key; both enc and dec adopt the
// new key and the handshake counter resets.
func (t *Transport) mixIntoKey(input []byte) error {
	r := hkdf.New(sha256.New, input, t.salt, nil)
	out := make([]byte, 64)
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("noise: hkdf mix: %w", err)
	}
	t.salt = out[:32]
	t.encKey = out[32:]
	t.decKey = out[32:]
	t.handshakeCounter = 0
	return nil
}

func dh(priv, pub [32]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// Errors returned by the handshake and transport paths.
var (
	ErrHandshakeAEAD    = errors.New("noise: handshake AEAD failure (fatal)")
	ErrShortServerHello = errors.New("noise: server hello too short")
)
