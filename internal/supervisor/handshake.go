package supervisor

import (
	"context"
	"fmt"
	"time"

	"nhooyr.io/websocket"

	"github.com/wacore/wacore/internal/noise"
)

// ParseChainFunc decodes a server-hello's decrypted payload into the
// certificate chain internal/noise verifies against Config's root key.
// Pluggable so this package never needs to depend on a concrete chain
// wire format of its own.
type ParseChainFunc func([]byte) (noise.Chain, error)

const handshakeIOTimeout = 30 * time.Second

// performHandshake drives the Noise handshake to completion over an
// already-dialed socket: IntroHeader+ClientHello out, ServerHello in,
// ClientFinish out. It
// is a no-op when sp.transport is already in transport mode (the shape
// every existing test relies on via noise.NewTestTransport), so a caller
// that built its own keyed transport out-of-band is unaffected.
func (sp *Supervisor) performHandshake(ctx context.Context, conn wsConn) error {
	if sp.transport.IsFinished() {
		return nil
	}
	if sp.cfg.ParseChain == nil {
		return fmt.Errorf("supervisor: handshake requires Config.ParseChain")
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeIOTimeout)
	defer cancel()

	hello := append(noise.IntroHeader(nil), sp.transport.ClientHello()...)
	if err := conn.Write(hsCtx, websocket.MessageBinary, hello); err != nil {
		return fmt.Errorf("supervisor: write client hello: %w", err)
	}

	_, raw, err := conn.Read(hsCtx)
	if err != nil {
		return fmt.Errorf("supervisor: read server hello: %w", err)
	}
	if err := sp.transport.ProcessServerHello(raw, sp.cfg.ParseChain); err != nil {
		return fmt.Errorf("supervisor: process server hello: %w", err)
	}

	encStatic, encPayload, err := sp.transport.ClientFinish(sp.cfg.ClientPayload)
	if err != nil {
		return fmt.Errorf("supervisor: client finish: %w", err)
	}
	finish := append(append([]byte{}, encStatic...), encPayload...)
	if err := conn.Write(hsCtx, websocket.MessageBinary, finish); err != nil {
		return fmt.Errorf("supervisor: write client finish: %w", err)
	}

	return nil
}
