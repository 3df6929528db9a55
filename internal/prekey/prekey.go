// Package prekey implements the pre-key lifecycle manager:
// it watches the server-side pre-key count, decides when and how many new
// pre-keys to generate and upload, and serializes concurrent triggers
// behind an at-most-one upload guard.
package prekey

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wacore/wacore/internal/binary"
	"github.com/wacore/wacore/internal/signalcrypto"
	"github.com/wacore/wacore/internal/store"
)

// Priority controls both queue ordering and which throttles a check is
// allowed to bypass.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// Thresholds and timing constants for the refill check.
const (
	minOnServer      = 5
	criticalOnServer = 3
	initialBatchSize = 95
	minCheckInterval = 5 * time.Minute
	scheduledInterval = 30 * time.Minute
	minUploadInterval = 5 * time.Second
	uploadTimeout     = 30 * time.Second
	maxUploadRetries  = 3
)

// Querier is the subset of the Connection Supervisor's request/reply API
// this manager needs to ask the server for the remaining pre-key count
// and to upload new ones.
type Querier interface {
	Query(ctx context.Context, node *binary.Node, timeout time.Duration) (*binary.Node, error)
}

// EventEmitter lets the manager announce a `creds` update after an upload,
// without importing the event-buffer/webhook layers directly.
type EventEmitter interface {
	EmitCredsUpdate()
}

// Manager owns the server-count check, the generate+upload cycle, and the
// at-most-one guard across concurrently triggered checks.
type Manager struct {
	st       *store.Store
	identity *signalcrypto.IdentityKeyPair
	querier  Querier
	emitter  EventEmitter
	log      *zap.SugaredLogger

	mu           sync.Mutex
	uploading    bool
	queue        priorityQueue
	lastCheckMs  int64
	lastUploadMs int64
	nextPreKeyID uint32
}

// NewManager constructs a Manager. nextPreKeyID is the first id this
// manager will assign; callers resume it from the highest id already
// persisted under CategoryPreKey.
func NewManager(st *store.Store, identity *signalcrypto.IdentityKeyPair, querier Querier, emitter EventEmitter, nextPreKeyID uint32, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	m := &Manager{
		st:           st,
		identity:     identity,
		querier:      querier,
		emitter:      emitter,
		nextPreKeyID: nextPreKeyID,
		log:          log,
	}
	heap.Init(&m.queue)
	return m
}

type checkRequest struct {
	priority Priority
	done     chan error
}

// priorityQueue orders critical first, then high, normal, low; FIFO within
// a priority tier.
type priorityQueue []*checkRequest

func (q priorityQueue) Len() int { return len(q) }
func (q priorityQueue) Less(i, j int) bool { return q[i].priority > q[j].priority }
func (q priorityQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *priorityQueue) Push(x any)        { *q = append(*q, x.(*checkRequest)) }
func (q *priorityQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Check requests a pre-key audit at the given priority. Concurrent callers
// share the at-most-one upload guard: if an upload is already running, the
// request is queued and drained afterward.
func (m *Manager) Check(ctx context.Context, priority Priority) error {
	req := &checkRequest{priority: priority, done: make(chan error, 1)}

	m.mu.Lock()
	if m.uploading {
		heap.Push(&m.queue, req)
		m.mu.Unlock()
		select {
		case err := <-req.done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.uploading = true
	m.mu.Unlock()

	err := m.runCheck(ctx, priority)
	m.finishAndDrain(ctx, err)
	return err
}

// RegenerateBatch forces a full initialBatchSize-key generation and
// upload, bypassing the server-count check Check would normally run
// first. It exists for the startup-integrity path: the expected pre-key
// tail is missing and the count round-trip it would otherwise skip
// straight past doesn't apply before login has even proceeded.
func (m *Manager) RegenerateBatch(ctx context.Context) error {
	m.mu.Lock()
	if m.uploading {
		m.mu.Unlock()
		return fmt.Errorf("prekey: regeneration requested while an upload is already in progress")
	}
	m.uploading = true
	m.mu.Unlock()

	err := m.uploadWithRetry(ctx, initialBatchSize, PriorityCritical)
	m.finishAndDrain(ctx, err)
	return err
}

func (m *Manager) finishAndDrain(ctx context.Context, firstErr error) {
	m.mu.Lock()
	m.uploading = false
	if m.queue.Len() == 0 {
		m.mu.Unlock()
		return
	}
	next := heap.Pop(&m.queue).(*checkRequest)
	m.uploading = true
	m.mu.Unlock()

	go func() {
		err := m.runCheck(ctx, next.priority)
		next.done <- err
		m.finishAndDrain(ctx, err)
	}()
	_ = firstErr
}

// runCheck runs one pass of the refill check: query the server, decide an
// upload amount, upload if nonzero.
func (m *Manager) runCheck(ctx context.Context, priority Priority) error {
	now := nowMs()

	m.mu.Lock()
	sinceLastCheck := now - m.lastCheckMs
	m.mu.Unlock()
	if priority != PriorityCritical && sinceLastCheck < minCheckInterval.Milliseconds() && m.lastCheckMs != 0 {
		return nil
	}

	count, err := m.queryServerCount(ctx)
	if err != nil {
		return fmt.Errorf("prekey: query server count: %w", err)
	}

	m.mu.Lock()
	m.lastCheckMs = now
	m.mu.Unlock()

	var uploadCount int
	switch {
	case count <= criticalOnServer:
		uploadCount = initialBatchSize
		priority = PriorityCritical
	case count < minOnServer:
		want := minOnServer - count + 5
		if want < 20 {
			want = 20
		}
		uploadCount = want
	case priority == PriorityCritical:
		uploadCount = 20
	default:
		m.log.Debugw("prekey count healthy, no upload needed", "count", count)
		return nil
	}

	return m.uploadWithRetry(ctx, uploadCount, priority)
}

func (m *Manager) uploadWithRetry(ctx context.Context, count int, priority Priority) error {
	now := nowMs()
	m.mu.Lock()
	sinceLastUpload := now - m.lastUploadMs
	m.mu.Unlock()
	if priority != PriorityCritical && sinceLastUpload < minUploadInterval.Milliseconds() && m.lastUploadMs != 0 {
		return nil
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < maxUploadRetries; attempt++ {
		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		err := m.upload(uploadCtx, count)
		cancel()
		if err == nil {
			m.mu.Lock()
			m.lastUploadMs = nowMs()
			m.mu.Unlock()
			return nil
		}
		lastErr = err
		m.log.Warnw("prekey upload attempt failed", "attempt", attempt+1, "priority", priority.String(), "error", err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return fmt.Errorf("prekey: upload failed after %d attempts: %w", maxUploadRetries, lastErr)
}

// upload generates count fresh pre-keys inside one store transaction,
// persists them, emits a creds update, and sends the upload IQ.
func (m *Manager) upload(ctx context.Context, count int) error {
	var generated []signalcrypto.PreKeyPair

	err := m.st.Transaction(store.CategoryPreKey, "next_id", func(current []byte) ([]byte, error) {
		m.mu.Lock()
		startID := m.nextPreKeyID
		m.mu.Unlock()

		keys, err := signalcrypto.GeneratePreKeys(startID, count)
		if err != nil {
			return nil, err
		}
		generated = keys

		m.mu.Lock()
		m.nextPreKeyID = startID + uint32(count)
		nextID := m.nextPreKeyID
		m.mu.Unlock()

		return encodeNextID(nextID), nil
	})
	if err != nil {
		return fmt.Errorf("prekey: allocate batch: %w", err)
	}

	if len(generated) > 0 {
		updates := make(map[string][]byte, len(generated))
		for _, k := range generated {
			updates[preKeyStoreKey(k.ID)] = encodePreKeyPair(k)
		}
		if err := m.st.Set(map[store.Category]map[string][]byte{store.CategoryPreKey: updates}); err != nil {
			return fmt.Errorf("prekey: persist generated batch: %w", err)
		}
	}

	if m.emitter != nil {
		m.emitter.EmitCredsUpdate()
	}

	iq := buildUploadIQ(generated)
	if m.querier != nil {
		if _, err := m.querier.Query(ctx, iq, uploadTimeout); err != nil {
			return fmt.Errorf("prekey: upload IQ: %w", err)
		}
	}
	return nil
}

// LoadPreKey fetches and removes one locally generated one-time pre-key by
// id, for the Device & LID Resolver's session-assertion path to hand to a peer when assembling an outgoing bundle response.
// Consuming it here (rather than leaving it readable indefinitely) mirrors
// the one-time-use contract pre-keys have in the protocol.
func (m *Manager) LoadPreKey(id uint32) (signalcrypto.PreKeyPair, bool, error) {
	key := preKeyStoreKey(id)
	values, err := m.st.Get(store.CategoryPreKey, []string{key})
	if err != nil {
		return signalcrypto.PreKeyPair{}, false, err
	}
	raw, ok := values[key]
	if !ok {
		return signalcrypto.PreKeyPair{}, false, nil
	}
	k, err := decodePreKeyPair(raw)
	if err != nil {
		return signalcrypto.PreKeyPair{}, false, err
	}
	if err := m.st.Set(map[store.Category]map[string][]byte{store.CategoryPreKey: {key: nil}}); err != nil {
		return signalcrypto.PreKeyPair{}, false, fmt.Errorf("prekey: consume pre-key %d: %w", id, err)
	}
	return k, true, nil
}

func (m *Manager) queryServerCount(ctx context.Context) (int, error) {
	if m.querier == nil {
		return minOnServer, nil
	}
	iq := &binary.Node{
		Tag: "iq",
		Attrs: map[string]string{
			"xmlns": "encrypt",
			"type":  "get",
		},
		Content: []binary.Node{{Tag: "count"}},
	}
	resp, err := m.querier.Query(ctx, iq, uploadTimeout)
	if err != nil {
		return 0, err
	}
	countNode, ok := resp.GetChild("count")
	if !ok {
		return 0, fmt.Errorf("prekey: response missing count child")
	}
	value, ok := countNode.Attrs["value"]
	if !ok {
		return 0, fmt.Errorf("prekey: count node missing value attribute")
	}
	n := 0
	for _, r := range value {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("prekey: non-numeric count value %q", value)
		}
		n = n*10 + int(r-'0')
	}
	return n, nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
