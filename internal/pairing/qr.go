package pairing

import (
	"encoding/base64"
	"strings"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	// FirstRefInterval is how long the client waits before rotating to the
	// second `<ref>` the server offered.
	FirstRefInterval = 60 * time.Second
	// SubsequentRefInterval governs every rotation after the first.
	SubsequentRefInterval = 20 * time.Second
)

// RefRotator walks the list of `<ref>` tokens a server `pair-device` stanza
// carries, emitting a `connection.update{qr}` payload for each in turn on
// a 60s-then-20s cadence, until refs run out or Stop is called (pairing
// completed or the connection ended).
type RefRotator struct {
	refs        []string
	noisePub    []byte
	identityPub []byte
	advSecret   string
	onQR        func(payload string)

	mu      sync.Mutex
	idx     int
	stopped bool
	timer   *time.Timer
}

// NewRefRotator builds a rotator over refs. noisePub and identityPub are
// this device's own Noise and identity public keys; advSecret is the
// advertising secret from credentials. onQR is invoked with the
// comma-joined payload string for each ref in turn.
func NewRefRotator(refs []string, noisePub, identityPub []byte, advSecret string, onQR func(string)) *RefRotator {
	return &RefRotator{
		refs:        append([]string(nil), refs...),
		noisePub:    noisePub,
		identityPub: identityPub,
		advSecret:   advSecret,
		onQR:        onQR,
	}
}

// Payload builds the comma-joined QR payload for one ref:
// "ref,base64(noise_pub),base64(identity_pub),adv_secret".
func (r *RefRotator) Payload(ref string) string {
	return strings.Join([]string{
		ref,
		base64.StdEncoding.EncodeToString(r.noisePub),
		base64.StdEncoding.EncodeToString(r.identityPub),
		r.advSecret,
	}, ",")
}

// Start emits the first ref's payload immediately and schedules rotation
// through the rest on the 60s-then-20s cadence.
func (r *RefRotator) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.refs) == 0 || r.stopped {
		return
	}
	r.emitLocked()
	r.scheduleNextLocked(FirstRefInterval)
}

// Stop cancels any pending rotation. Safe to call more than once.
func (r *RefRotator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
	}
}

func (r *RefRotator) emitLocked() {
	ref := r.refs[r.idx]
	if r.onQR != nil {
		r.onQR(r.Payload(ref))
	}
}

func (r *RefRotator) scheduleNextLocked(after time.Duration) {
	r.timer = time.AfterFunc(after, r.rotate)
}

func (r *RefRotator) rotate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.idx++
	if r.idx >= len(r.refs) {
		// Out of refs: the server is expected to push a fresh pair-device
		// stanza and the caller constructs a new rotator for it.
		return
	}
	r.emitLocked()
	r.scheduleNextLocked(SubsequentRefInterval)
}

// RenderPNG renders payload as a QR code PNG image.
func RenderPNG(payload string, size int) ([]byte, error) {
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		return nil, err
	}
	return qr.PNG(size)
}
