package noise

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ServerHello is the decoded payload of the server's handshake response:
// its ephemeral public key, its encrypted static key (48 bytes: 32 + GCM
// tag), and the encrypted certificate-chain payload.
type ServerHello struct {
	Ephemeral [32]byte
	Static    []byte // encrypted, 48 bytes
	Payload   []byte // encrypted certificate chain
}

// decodeServerHello splits the raw server-hello bytes into their three
// fixed/variable fields. The wire shape here is a simple length-prefixed
// concatenation (ephemeral[32] || staticLen[2] || static || chainLen[2] ||
// chain); the real binary encoding of the handshake payload is treated as
// an external collaborator concern, so this module defines
// its own minimal, self-consistent framing for it.
func decodeServerHello(data []byte) (ServerHello, error) {
	var sh ServerHello
	if len(data) < 32+2 {
		return sh, ErrShortServerHello
	}
	copy(sh.Ephemeral[:], data[:32])
	rest := data[32:]

	staticLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < staticLen+2 {
		return sh, ErrShortServerHello
	}
	sh.Static = rest[:staticLen]
	rest = rest[staticLen:]

	payloadLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < payloadLen {
		return sh, ErrShortServerHello
	}
	sh.Payload = rest[:payloadLen]

	return sh, nil
}

func encodeServerHello(sh ServerHello) []byte {
	buf := new(bytes.Buffer)
	buf.Write(sh.Ephemeral[:])
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(sh.Static)))
	buf.Write(lenBuf[:])
	buf.Write(sh.Static)
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(sh.Payload)))
	buf.Write(lenBuf[:])
	buf.Write(sh.Payload)
	return buf.Bytes()
}

// ClientHello returns step (1) of the handshake: the local ephemeral public
// key, already authenticated into h by NewTransport/initializeState.
func (t *Transport) ClientHello() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, 32)
	copy(out, t.ephemeralPub[:])
	return out
}

// ProcessServerHello runs step (2)+(3) of the handshake: authenticate the
// server ephemeral, mix DH1 and DH2, decrypt the static key and payload,
// and verify the certificate chain carried in the payload against cfg.
//
// parseChain decodes the decrypted payload into a Chain; it is a parameter
// so callers can substitute a test chain format without this package
// depending on a protobuf schema it does not own.
func (t *Transport) ProcessServerHello(raw []byte, parseChain func([]byte) (Chain, error)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isFinished {
		return fmt.Errorf("noise: ProcessServerHello called after handshake finished")
	}

	sh, err := decodeServerHello(raw)
	if err != nil {
		return err
	}

	t.serverEphemeral = sh.Ephemeral
	t.authenticate(sh.Ephemeral[:])

	shared1, err := dh(t.ephemeralPriv, sh.Ephemeral)
	if err != nil {
		return fmt.Errorf("noise: DH1: %w", err)
	}
	if err := t.mixIntoKey(shared1); err != nil {
		return err
	}

	decryptedStatic, err := t.handshakeDecrypt(sh.Static)
	if err != nil {
		return fmt.Errorf("%w: decrypting server static: %v", ErrHandshakeAEAD, err)
	}
	if len(decryptedStatic) != 32 {
		return fmt.Errorf("noise: decrypted server static has wrong length %d", len(decryptedStatic))
	}
	var serverStatic [32]byte
	copy(serverStatic[:], decryptedStatic)

	shared2, err := dh(t.ephemeralPriv, serverStatic)
	if err != nil {
		return fmt.Errorf("noise: DH2: %w", err)
	}
	if err := t.mixIntoKey(shared2); err != nil {
		return err
	}

	decryptedPayload, err := t.handshakeDecrypt(sh.Payload)
	if err != nil {
		return fmt.Errorf("%w: decrypting server payload: %v", ErrHandshakeAEAD, err)
	}

	chain, err := parseChain(decryptedPayload)
	if err != nil {
		return fmt.Errorf("noise: parsing certificate chain: %w", err)
	}
	if err := VerifyChain(t.cfg, chain, serverStatic); err != nil {
		return fmt.Errorf("noise: certificate verification failed (fatal): %w", err)
	}

	return nil
}

// ClientFinish runs step (4)+(5) of the handshake: encrypt the local Noise
// static key, mix DH3, encrypt clientPayload (the login/registration
// payload, opaque to this package), then finish the handshake and flip to
// transport mode.
func (t *Transport) ClientFinish(clientPayload []byte) (encryptedStatic, encryptedPayload []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.isFinished {
		return nil, nil, fmt.Errorf("noise: ClientFinish called after handshake finished")
	}

	encryptedStatic, err = t.handshakeEncrypt(t.staticPub[:])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encrypting static key: %v", ErrHandshakeAEAD, err)
	}

	shared3, err := dh(t.staticPriv, t.serverEphemeral)
	if err != nil {
		return nil, nil, fmt.Errorf("noise: DH3: %w", err)
	}
	if err := t.mixIntoKey(shared3); err != nil {
		return nil, nil, err
	}

	if len(clientPayload) > 0 {
		encryptedPayload, err = t.handshakeEncrypt(clientPayload)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: encrypting client payload: %v", ErrHandshakeAEAD, err)
		}
	}

	if err := t.finishInit(); err != nil {
		return nil, nil, err
	}

	return encryptedStatic, encryptedPayload, nil
}

// finishInit derives the final transport keys via HKDF over an empty
// input, discards the handshake hash, resets both counters, and flips to
// transport mode.
func (t *Transport) finishInit() error {
	r := hkdf.New(sha256.New, nil, t.salt, nil)
	out := make([]byte, 64)
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("noise: finishInit hkdf: %w", err)
	}

	t.encKey = out[:32]
	t.decKey = out[32:]
	t.hash = nil
	t.readCounter = 0
	t.writeCounter = 0
	t.isFinished = true
	return nil
}

// IsFinished reports whether the handshake has completed and the
// transport is in framed AEAD mode.
func (t *Transport) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isFinished
}
