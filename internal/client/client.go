package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wacore/wacore/internal/cryptoengine"
	"github.com/wacore/wacore/internal/eventbuf"
	"github.com/wacore/wacore/internal/jid"
	"github.com/wacore/wacore/internal/noise"
	"github.com/wacore/wacore/internal/pairing"
	"github.com/wacore/wacore/internal/prekey"
	"github.com/wacore/wacore/internal/relay"
	"github.com/wacore/wacore/internal/resolver"
	"github.com/wacore/wacore/internal/signalcrypto"
	"github.com/wacore/wacore/internal/store"
	"github.com/wacore/wacore/internal/supervisor"
	"github.com/wacore/wacore/internal/webhook"
)

// Session status constants
type SessionStatus string

const (
	StatusInitializing SessionStatus = "INITIALIZING"
	StatusConnecting   SessionStatus = "CONNECTING"
	StatusQRReady      SessionStatus = "QR_READY"
	StatusReady        SessionStatus = "READY"
	StatusDisconnected SessionStatus = "DISCONNECTED"
)

// Common errors
var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrNotConnected    = errors.New("not connected")
)

const identityStoreKey = "identity"
const ownJIDStoreKey = "jid"
const initialPreKeyBatch = 20

// WAClient represents a WhatsApp client session, wiring the Noise
// transport, Signal session layer, fan-out relay and connection
// supervisor into one session lifecycle.
type WAClient struct {
	ID               string
	status           SessionStatus
	phoneNumber      string
	qrCode           string
	qrCodeBase64     string
	connectedAt      *time.Time
	lastActivityAt   time.Time
	messagesSent     int
	messagesReceived int

	mu      sync.RWMutex
	logger  *zap.SugaredLogger
	dataDir string

	dispatcher *webhook.Dispatcher

	st       *store.Store
	identity *signalcrypto.IdentityKeyPair
	ownJID   jid.JID

	transport *noise.Transport
	sup       *supervisor.Supervisor
	resolver  *resolver.Resolver
	engine    *cryptoengine.Engine
	groups    *cryptoengine.GroupCache
	rel       *relay.Relay
	preKeys   *prekey.Manager
	events    *eventbuf.Buffer
	rotator   *pairing.RefRotator

	cancelCtx context.CancelFunc

	// Event handlers, fired alongside (not instead of) webhook dispatch.
	onQR      func(string)
	onReady   func()
	onMessage func(Message)
}

// Message represents a WhatsApp message
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	FromName  string    `json:"fromName"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	IsFromMe  bool      `json:"isFromMe"`
}

// NewWAClient creates a new WhatsApp client. dispatcher receives buffered
// sync events and may be nil in tests that never connect.
func NewWAClient(sessionID string, logger *zap.SugaredLogger, dataDir string, dispatcher *webhook.Dispatcher) *WAClient {
	return &WAClient{
		ID:             sessionID,
		status:         StatusInitializing,
		lastActivityAt: time.Now(),
		logger:         logger,
		dataDir:        dataDir,
		dispatcher:     dispatcher,
		events:         eventbuf.New(),
	}
}

// credsEmitter adapts WAClient into prekey.EventEmitter without the
// prekey package needing to know about the event buffer or webhooks.
type credsEmitter struct{ c *WAClient }

func (e credsEmitter) EmitCredsUpdate() {
	e.c.events.Push(eventbuf.KindCreds, e.c.ID, map[string]interface{}{"sessionId": e.c.ID})
}

// Connect establishes connection to WhatsApp: opens the Signal Store,
// loads or generates the local identity, dials and drives the Noise
// handshake, and wires the session layer (resolver, crypto engine, relay,
// pre-key manager) onto the resulting Connection Supervisor.
func (c *WAClient) Connect() error {
	c.mu.Lock()
	c.status = StatusConnecting
	c.mu.Unlock()

	c.logger.Infof("Connecting session %s...", c.ID)

	st, err := store.Open(c.dataDir, c.logger)
	if err != nil {
		c.setDisconnected()
		return fmt.Errorf("client: open store: %w", err)
	}
	c.st = st

	identity, err := c.loadOrCreateIdentity()
	if err != nil {
		c.setDisconnected()
		return err
	}
	c.identity = identity

	c.ownJID, _ = c.loadOwnJID()

	transport, err := noise.NewTransport(noise.DefaultConfig())
	if err != nil {
		c.setDisconnected()
		return fmt.Errorf("client: build noise transport: %w", err)
	}
	c.transport = transport

	payload, err := c.buildClientPayload()
	if err != nil {
		c.setDisconnected()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelCtx = cancel

	sup := supervisor.NewSupervisor(supervisor.Config{
		Logger:        c.logger,
		ParseChain:    parseChain,
		ClientPayload: payload,
		OnDisconnect:  c.handleDisconnect,
	}, transport)
	c.sup = sup

	c.events.Start()

	res := resolver.NewResolver(st, sup, c.ownJID, c.logger)
	c.resolver = res

	engine := cryptoengine.New(st, identity, res, c.ownJID.SignalAddress(), c.logger)
	c.engine = engine

	groups := cryptoengine.NewGroupCache(sup, c.logger)
	c.groups = groups

	c.rel = relay.NewRelay(st, res, engine, sup, groups, c.ownJID, c.logger)

	nextPreKeyID, err := c.nextPreKeyID()
	if err != nil {
		c.setDisconnected()
		return err
	}
	c.preKeys = prekey.NewManager(st, identity, sup, credsEmitter{c}, nextPreKeyID, c.logger)

	go func() {
		if err := sup.Connect(ctx); err != nil {
			c.logger.Errorf("Connection failed for %s: %v", c.ID, err)
			c.setDisconnected()
			return
		}

		if c.ownJID.IsEmpty() {
			c.mu.Lock()
			c.status = StatusQRReady
			c.mu.Unlock()
			if c.onQR != nil {
				c.onQR(c.qrCode)
			}
			return
		}

		sup.SetAuthenticated()

		switch err := st.VerifyStartupIntegrity(nextPreKeyID); {
		case errors.Is(err, store.ErrMissingTailPreKey):
			c.logger.Warnw("client: startup integrity check found the pre-key tail missing, regenerating before login", "session", c.ID)
			if regenErr := c.preKeys.RegenerateBatch(ctx); regenErr != nil {
				c.logger.Errorf("client: pre-key regeneration failed for %s: %v", c.ID, regenErr)
				c.setDisconnected()
				return
			}
		case err != nil:
			c.logger.Warnw("client: startup integrity check failed", "session", c.ID, "error", err)
		}

		c.markReady()

		if err := c.preKeys.Check(ctx, prekey.PriorityLow); err != nil {
			c.logger.Warnw("client: initial pre-key check failed", "session", c.ID, "error", err)
		}
	}()

	return nil
}

// StartPairing begins a fresh QR-based pairing flow once the caller has
// fetched the server's rotating ref list: a rotator emits a
// new QR payload on each ref and calls onQR with every emission.
func (c *WAClient) StartPairing(refs []string, onQR func(string)) {
	c.mu.Lock()
	identity := c.identity
	transport := c.transport
	c.mu.Unlock()
	if identity == nil || transport == nil {
		return
	}

	c.onQR = onQR
	c.rotator = pairing.NewRefRotator(refs, transport.ClientHello(), identity.SignPub, "", func(payload string) {
		c.mu.Lock()
		c.qrCode = payload
		c.status = StatusQRReady
		c.lastActivityAt = time.Now()
		c.mu.Unlock()
		c.logger.Infof("QR code ready for session %s", c.ID)
		if c.dispatcher != nil {
			c.dispatcher.Dispatch(webhook.EventSessionQRReady, map[string]string{"sessionId": c.ID, "qr": payload})
		}
		if onQR != nil {
			onQR(payload)
		}
	})
	c.rotator.Start()
}

// CompletePairing finishes a pairing flow once the server's pair-success
// node has arrived, persisting the resulting own JID and flushing any
// events buffered during the initial sync.
func (c *WAClient) CompletePairing(result *pairing.Result) error {
	c.mu.Lock()
	if c.rotator != nil {
		c.rotator.Stop()
	}
	c.ownJID = result.PhoneID
	c.phoneNumber = result.PhoneID.User
	c.mu.Unlock()

	if err := c.st.Set(map[store.Category]map[string][]byte{
		store.CategoryCreds: {ownJIDStoreKey: []byte(result.PhoneID.String())},
	}); err != nil {
		return fmt.Errorf("client: persist own jid: %w", err)
	}

	if c.sup != nil {
		c.sup.SetAuthenticated()
	}
	c.markReady()

	if c.dispatcher != nil {
		c.events.Flush(c.dispatcher)
	}
	return nil
}

func (c *WAClient) markReady() {
	c.mu.Lock()
	now := time.Now()
	c.status = StatusReady
	c.connectedAt = &now
	c.lastActivityAt = now
	c.mu.Unlock()

	c.logger.Infof("Session %s connected!", c.ID)
	if c.dispatcher != nil {
		c.dispatcher.Dispatch(webhook.EventSessionConnected, c.GetSession())
	}
	if c.onReady != nil {
		c.onReady()
	}
}

func (c *WAClient) handleDisconnect(reason supervisor.DisconnectReason) {
	c.setDisconnected()
	if c.dispatcher != nil {
		c.dispatcher.Dispatch(webhook.EventSessionDisconnected, map[string]string{"sessionId": c.ID, "reason": string(reason)})
	}
}

func (c *WAClient) setDisconnected() {
	c.mu.Lock()
	c.status = StatusDisconnected
	c.mu.Unlock()
}

// Disconnect closes the WhatsApp connection
func (c *WAClient) Disconnect() {
	c.mu.Lock()
	sup := c.sup
	rotator := c.rotator
	c.status = StatusDisconnected
	c.qrCode = ""
	c.mu.Unlock()

	if rotator != nil {
		rotator.Stop()
	}
	if sup != nil {
		_ = sup.End()
	}
	if c.cancelCtx != nil {
		c.cancelCtx()
	}

	c.logger.Infof("Session %s disconnected", c.ID)
}

// GetStatus returns current session status
func (c *WAClient) GetStatus() SessionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// GetQRCode returns the current QR code
func (c *WAClient) GetQRCode() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.qrCode
}

// GetPhoneNumber returns the connected phone number
func (c *WAClient) GetPhoneNumber() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phoneNumber
}

// GetSession returns session info
func (c *WAClient) GetSession() SessionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return SessionInfo{
		ID:               c.ID,
		Status:           c.status,
		PhoneNumber:      c.phoneNumber,
		ConnectedAt:      c.connectedAt,
		LastActivityAt:   c.lastActivityAt,
		MessagesSent:     c.messagesSent,
		MessagesReceived: c.messagesReceived,
	}
}

// SendText sends a text message through the Fan-Out Relay.
func (c *WAClient) SendText(to, text string) (*MessageResult, error) {
	c.mu.RLock()
	status := c.status
	rel := c.rel
	c.mu.RUnlock()

	if status != StatusReady || rel == nil {
		return nil, ErrNotConnected
	}

	target, err := jid.Parse(to)
	if err != nil {
		return nil, fmt.Errorf("client: parse recipient %q: %w", to, err)
	}

	result, err := rel.SendMessage(context.Background(), target, []byte(text), relay.Options{
		MessageType: "text",
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.messagesSent++
	c.lastActivityAt = time.Now()
	c.mu.Unlock()

	if c.dispatcher != nil {
		c.dispatcher.Dispatch(webhook.EventMessageSent, result)
	}

	return &MessageResult{MessageID: result.MessageID, Timestamp: time.Now()}, nil
}

func (c *WAClient) loadOrCreateIdentity() (*signalcrypto.IdentityKeyPair, error) {
	values, err := c.st.Get(store.CategoryCreds, []string{identityStoreKey})
	if err != nil {
		return nil, fmt.Errorf("client: load identity: %w", err)
	}
	if raw, ok := values[identityStoreKey]; ok && len(raw) > 0 {
		return signalcrypto.UnmarshalIdentityKeyPair(raw)
	}

	identity, err := signalcrypto.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("client: generate identity: %w", err)
	}
	data, err := identity.Marshal()
	if err != nil {
		return nil, fmt.Errorf("client: marshal identity: %w", err)
	}
	if err := c.st.Set(map[store.Category]map[string][]byte{
		store.CategoryCreds: {identityStoreKey: data},
	}); err != nil {
		return nil, fmt.Errorf("client: persist identity: %w", err)
	}
	return identity, nil
}

func (c *WAClient) loadOwnJID() (jid.JID, error) {
	values, err := c.st.Get(store.CategoryCreds, []string{ownJIDStoreKey})
	if err != nil {
		return jid.JID{}, err
	}
	raw, ok := values[ownJIDStoreKey]
	if !ok || len(raw) == 0 {
		return jid.JID{}, nil
	}
	return jid.Parse(string(raw))
}

func (c *WAClient) nextPreKeyID() (uint32, error) {
	keys, err := c.st.Keys(store.CategoryPreKey)
	if err != nil {
		return 0, fmt.Errorf("client: list pre-keys: %w", err)
	}
	var max uint32
	for _, k := range keys {
		id, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			continue
		}
		if uint32(id) > max {
			max = uint32(id)
		}
	}
	if max == 0 {
		return 1, nil
	}
	return max + 1, nil
}

// buildClientPayload is the ClientFinish payload (the login/registration
// blob, opaque to internal/noise): a plain JSON envelope carrying the
// identity's public keys and the addressing JID to resume, consistent
// with the module's established JSON-as-default wire idiom for anything
// that is an internal collaborator concern rather than a literal
// server-dictated format.
func (c *WAClient) buildClientPayload() ([]byte, error) {
	return jsonClientPayload(c.identity, c.ownJID)
}

// SessionInfo holds session information
type SessionInfo struct {
	ID               string        `json:"id"`
	Status           SessionStatus `json:"status"`
	PhoneNumber      string        `json:"phoneNumber,omitempty"`
	ConnectedAt      *time.Time    `json:"connectedAt,omitempty"`
	LastActivityAt   time.Time     `json:"lastActivityAt"`
	MessagesSent     int           `json:"messagesSent"`
	MessagesReceived int           `json:"messagesReceived"`
}

// MessageResult holds the result of sending a message
type MessageResult struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}
