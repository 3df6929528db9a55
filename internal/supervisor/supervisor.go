// Package supervisor implements the Connection Supervisor:
// it owns the single WebSocket, drives the Noise transport once the
// handshake is done, runs the keep-alive and session-health timers, and
// dispatches decrypted stanzas to registered handlers by a cascade
// selector instead of a flat tag-keyed map.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/wacore/wacore/internal/binary"
	"github.com/wacore/wacore/internal/noise"
)

const (
	waWebSocketURL = "wss://web.whatsapp.com/ws/chat"
	waOrigin       = "https://web.whatsapp.com"

	// DefaultKeepAliveInterval is the tick period for both the keep-alive
	// ping and the session-health check.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultQueryTimeout is query()'s default reply wait.
	DefaultQueryTimeout = 60 * time.Second

	maxKeepAliveFailures    = 6
	sessionHealthMultiplier = 10
	reconnectBaseNetwork    = 2 * time.Second
	reconnectBaseOther      = 1 * time.Second
	reconnectMaxBackoff     = 30 * time.Second
	maxReconnectAttempts    = 5
	reconnectConnectTimeout = 600 * time.Second // connect deadline
	readTimeout             = 60 * time.Second
	minSendInterval         = 50 * time.Millisecond
	rateLimitMaxRetries     = 20
	rateLimitJitterMinMs    = 300
	rateLimitJitterMaxMs    = 700 // window is [300,1000) ms
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
)

// DisconnectReason enumerates why a connection ended.
type DisconnectReason string

const (
	ReasonLoggedOut           DisconnectReason = "loggedOut"
	ReasonConnectionClosed    DisconnectReason = "connectionClosed"
	ReasonConnectionLost      DisconnectReason = "connectionLost"
	ReasonTimedOut            DisconnectReason = "timedOut"
	ReasonMultideviceMismatch DisconnectReason = "multideviceMismatch"
	ReasonForbidden           DisconnectReason = "forbidden"
	ReasonConnectionReplaced  DisconnectReason = "connectionReplaced"
)

var ErrQueryTimeout = fmt.Errorf("supervisor: query timed out")

// wsConn is the subset of *websocket.Conn the supervisor depends on, so
// tests can substitute a fake socket in place of a real dial.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

type dialFunc func(ctx context.Context, url string) (wsConn, error)

func defaultDial(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: map[string][]string{"Origin": {waOrigin}},
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NodeHandler processes one dispatched stanza.
type NodeHandler func(node *binary.Node)

// Selector picks which stanzas a handler receives, following a
// "CB:tag,attr:value,childTag" cascade: Tag always matches; Attr/AttrValue
// and ChildTag are optional additional constraints.
type Selector struct {
	Tag       string
	Attr      string
	AttrValue string
	ChildTag  string
}

func (s Selector) matches(node *binary.Node) bool {
	if node.Tag != s.Tag {
		return false
	}
	if s.Attr != "" && node.Attrs[s.Attr] != s.AttrValue {
		return false
	}
	if s.ChildTag != "" {
		found := false
		for _, c := range node.GetChildren() {
			if c.Tag == s.ChildTag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type registeredHandler struct {
	sel Selector
	fn  NodeHandler
}

// Config configures a Supervisor.
type Config struct {
	URL               string
	KeepAliveInterval time.Duration
	QueryTimeout      time.Duration
	Logger            *zap.SugaredLogger
	// OnDisconnect is called when the supervisor gives up reconnecting, or
	// when a fatal stanza/keep-alive exhaustion ends the connection.
	OnDisconnect func(DisconnectReason)

	// ParseChain and ClientPayload drive the Noise handshake when the
	// Transport passed to NewSupervisor is not already finished.
	// ClientPayload is the login/registration payload baked into
	// ClientFinish; both are nil-safe no-ops for an already-finished
	// transport (e.g. noise.NewTestTransport in tests).
	ParseChain    ParseChainFunc
	ClientPayload []byte
}

// Supervisor is the Connection Supervisor.
type Supervisor struct {
	cfg       Config
	transport *noise.Transport
	log       *zap.SugaredLogger
	dial      dialFunc

	mu    sync.RWMutex
	conn  wsConn
	state int32

	frameBuf noise.FrameBuffer

	handlersMu sync.RWMutex
	handlers   []registeredHandler

	waitersMu sync.Mutex
	waiters   map[string]chan *binary.Node

	queue *sendQueue

	lastRecvMu sync.Mutex
	lastRecvAt time.Time

	keepAliveFailures int32
	reconnecting      int32
	closed            int32

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewSupervisor constructs a Supervisor bound to an already-keyed Noise
// transport. It starts the send queue, keep-alive, and session-health
// background loops immediately; Connect dials the socket itself.
func NewSupervisor(cfg Config, transport *noise.Transport) *Supervisor {
	if cfg.URL == "" {
		cfg.URL = waWebSocketURL
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	bgCtx, cancel := context.WithCancel(context.Background())

	sp := &Supervisor{
		cfg:       cfg,
		transport: transport,
		log:       log,
		dial:      defaultDial,
		waiters:   make(map[string]chan *binary.Node),
		queue:     newSendQueue(),
		bgCtx:     bgCtx,
		bgCancel:  cancel,
	}
	sp.lastRecvAt = time.Now()

	sp.wg.Add(3)
	go sp.sendLoop()
	go sp.keepAliveLoop()
	go sp.sessionHealthLoop()

	return sp
}

// State returns the current lifecycle state.
func (sp *Supervisor) State() State {
	return State(atomic.LoadInt32(&sp.state))
}

func (sp *Supervisor) setState(s State) {
	atomic.StoreInt32(&sp.state, int32(s))
}

// On registers a handler for stanzas matching sel. Multiple handlers may
// match the same stanza at different specificities; all matches fire.
func (sp *Supervisor) On(sel Selector, fn NodeHandler) {
	sp.handlersMu.Lock()
	defer sp.handlersMu.Unlock()
	sp.handlers = append(sp.handlers, registeredHandler{sel: sel, fn: fn})
}

// Connect dials the WebSocket and starts the receive loop. The Noise
// handshake itself is expected to already be in progress or
// complete on the supplied transport by the time the first node is
// dispatched; Connect only owns the socket lifecycle — the socket is
// mutated only by the Connection Supervisor.
func (sp *Supervisor) Connect(ctx context.Context) error {
	sp.setState(StateConnecting)

	conn, err := sp.dial(ctx, sp.cfg.URL)
	if err != nil {
		sp.setState(StateDisconnected)
		return fmt.Errorf("supervisor: dial: %w", err)
	}

	sp.mu.Lock()
	sp.conn = conn
	sp.mu.Unlock()

	if err := sp.performHandshake(ctx, conn); err != nil {
		sp.mu.Lock()
		sp.conn = nil
		sp.mu.Unlock()
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		sp.setState(StateDisconnected)
		return err
	}

	sp.setState(StateConnected)
	atomic.StoreInt32(&sp.keepAliveFailures, 0)
	sp.recordRecv()

	sp.wg.Add(1)
	go sp.receiveLoop()

	return nil
}

// SetAuthenticated marks the session as fully logged in, for callers that
// finish an auth/pairing flow on top of this transport.
func (sp *Supervisor) SetAuthenticated() {
	sp.setState(StateAuthenticated)
}

// End closes the connection permanently; no further reconnect is attempted.
func (sp *Supervisor) End() error {
	if !atomic.CompareAndSwapInt32(&sp.closed, 0, 1) {
		return nil
	}
	sp.bgCancel()
	sp.queue.close()

	sp.mu.Lock()
	conn := sp.conn
	sp.conn = nil
	sp.mu.Unlock()

	sp.setState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}

// Logout is End with the loggedOut disconnect reason surfaced, for an
// explicit caller-initiated sign-out.
func (sp *Supervisor) Logout() error {
	err := sp.End()
	if sp.cfg.OnDisconnect != nil {
		sp.cfg.OnDisconnect(ReasonLoggedOut)
	}
	return err
}

func (sp *Supervisor) recordRecv() {
	sp.lastRecvMu.Lock()
	sp.lastRecvAt = time.Now()
	sp.lastRecvMu.Unlock()
}

// SendNode implements relay.Sender: encode, encrypt under the transport's
// current write key, and enqueue for the send-queue goroutine.
func (sp *Supervisor) SendNode(ctx context.Context, node *binary.Node) error {
	payload, err := binary.Marshal(node, false)
	if err != nil {
		return fmt.Errorf("supervisor: marshal node: %w", err)
	}
	frame, err := sp.transport.EncryptFrame(payload)
	if err != nil {
		return fmt.Errorf("supervisor: encrypt frame: %w", err)
	}
	sp.queue.push(frame)
	return nil
}

func (sp *Supervisor) receiveLoop() {
	defer sp.wg.Done()

	for {
		sp.mu.RLock()
		conn := sp.conn
		sp.mu.RUnlock()
		if conn == nil {
			return
		}

		readCtx, cancel := context.WithTimeout(sp.bgCtx, readTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()

		if err != nil {
			select {
			case <-sp.bgCtx.Done():
				return
			default:
			}
			sp.log.Warnw("supervisor: read failed", "error", err)
			sp.onSocketClosed(isNetworkError(err))
			return
		}

		sp.recordRecv()

		for _, raw := range sp.frameBuf.Push(data) {
			result, err := sp.transport.DecryptFrame(raw)
			if err != nil {
				sp.log.Warnw("supervisor: frame decrypt failed", "error", err)
				continue
			}
			if result.Skipped {
				sp.log.Warnw("supervisor: frame authentication failed, skipping")
				continue
			}
			node, err := binary.Unmarshal(result.Plaintext)
			if err != nil {
				sp.log.Warnw("supervisor: node decode failed", "error", err)
				continue
			}
			sp.onNode(node)
		}
	}
}

// onNode delivers a decrypted stanza to any waiting query (by id) and to
// every handler whose selector matches.
func (sp *Supervisor) onNode(node *binary.Node) {
	if id, ok := node.Attrs["id"]; ok && id != "" {
		sp.waitersMu.Lock()
		ch, exists := sp.waiters[id]
		sp.waitersMu.Unlock()
		if exists {
			select {
			case ch <- node:
			default:
			}
		}
	}
	sp.dispatch(node)
}

func (sp *Supervisor) dispatch(node *binary.Node) {
	sp.handlersMu.RLock()
	defer sp.handlersMu.RUnlock()
	for _, reg := range sp.handlers {
		if reg.sel.matches(node) {
			reg.fn(node)
		}
	}
}

func (sp *Supervisor) onSocketClosed(networkError bool) {
	sp.mu.Lock()
	sp.conn = nil
	sp.mu.Unlock()
	sp.setState(StateDisconnected)
	sp.triggerReconnect(networkError)
}

func isNetworkError(err error) bool {
	_, isCloseErr := err.(websocket.CloseError)
	return !isCloseErr
}

// devicePairingID is a small helper the auth/pairing layer and query() both
// need for assigning a fresh stanza id; kept here since Query is the only
// caller inside this package.
func newStanzaID() string {
	return uuid.NewString()
}
