package noise

import (
	"encoding/binary"
	"fmt"
)

// EncryptFrame encrypts plaintext under the current write key/counter and
// returns the 3-byte-length-prefixed frame ready to send. The write
// counter strictly increases on every successful call.
func (t *Transport) EncryptFrame(plaintext []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isFinished {
		return nil, fmt.Errorf("noise: EncryptFrame called before handshake finished")
	}

	iv := ivFor(t.writeCounter)
	ciphertext, err := t.gcmEncrypt(t.encKey, iv, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("noise: transport encrypt: %w", err)
	}
	t.writeCounter++

	frame := make([]byte, 3+len(ciphertext))
	frame[0] = byte(len(ciphertext) >> 16)
	frame[1] = byte(len(ciphertext) >> 8)
	frame[2] = byte(len(ciphertext))
	copy(frame[3:], ciphertext)
	return frame, nil
}

// DecryptResult reports the outcome of DecryptFrame, including whether a
// desync recovery probe fired.
type DecryptResult struct {
	Plaintext []byte
	// Skipped is true when the frame could not be authenticated and was
	// dropped without advancing state.
	Skipped bool
	// ProbeOffset is non-zero when a counter±1 desync probe succeeded:
	// +1 means counter+1 decrypted, -1 means counter-1 decrypted. Zero
	// means no probe was needed or none succeeded.
	ProbeOffset int
}

// DecryptFrame decrypts one already-length-delimited ciphertext frame
// under the current read counter. On AEAD failure it does NOT tear down
// the socket: it logs (via the caller, which inspects Skipped) and
// leaves state exactly as it was, optionally having tried the one-shot
// counter±1 probe.
func (t *Transport) DecryptFrame(ciphertext []byte) (DecryptResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.isFinished {
		return DecryptResult{}, fmt.Errorf("noise: DecryptFrame called before handshake finished")
	}

	counter := t.readCounter
	iv := ivFor(counter)
	pt, err := t.gcmDecrypt(t.decKey, iv, ciphertext, nil)
	if err == nil {
		t.readCounter++
		return DecryptResult{Plaintext: pt}, nil
	}

	// One-shot desync probe: try counter+1 then counter-1. This is
	// recovery-only and must never persist a speculative advance unless
	// it actually succeeds.
	if counter != ^uint32(0) {
		if pt, err2 := t.gcmDecrypt(t.decKey, ivFor(counter+1), ciphertext, nil); err2 == nil {
			t.readCounter = counter + 2
			t.desyncProbes++
			return DecryptResult{Plaintext: pt, ProbeOffset: 1}, nil
		}
	}
	if counter > 0 {
		if pt, err2 := t.gcmDecrypt(t.decKey, ivFor(counter-1), ciphertext, nil); err2 == nil {
			// counter is left unchanged: the frame that would have
			// consumed counter-1 already did, this one was a stray
			// retransmit of an already-seen frame.
			t.desyncProbes++
			return DecryptResult{Plaintext: pt, ProbeOffset: -1}, nil
		}
	}

	// Single-frame AEAD failure: log and skip, do not advance beyond the
	// counter already consumed, do not tear down the connection.
	return DecryptResult{Skipped: true}, err
}

// DesyncProbeCount returns how many times the counter±1 recovery probe has
// fired over this transport's lifetime. Expected to remain zero against a
// correct peer.
func (t *Transport) DesyncProbeCount() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desyncProbes
}

// ReadCounter and WriteCounter expose the current 32-bit transport
// counters for monotonicity testing and for the
// "counter at 2^32-1" boundary check.
func (t *Transport) ReadCounter() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readCounter
}

func (t *Transport) WriteCounter() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeCounter
}

// FrameLength reads the 3-byte big-endian length prefix used by the
// framing layer, returning the payload length and whether enough bytes
// (3 + length) are present in buf.
func FrameLength(buf []byte) (length int, ready bool) {
	if len(buf) < 3 {
		return 0, false
	}
	length = int(buf[0])<<16 | int(binary.BigEndian.Uint16(buf[1:3]))
	return length, len(buf) >= 3+length
}
