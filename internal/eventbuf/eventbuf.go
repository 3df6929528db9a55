// Package eventbuf coalesces history-sync events from the moment
// credentials become known until the first offline_batch completes, so a
// freshly-paired or resumed session emits one merged snapshot per kind
// instead of a storm of incremental updates.
package eventbuf

import "sync"

// Kind identifies one of the five event categories the buffer coalesces.
type Kind string

const (
	KindCreds    Kind = "creds"
	KindChats    Kind = "chats"
	KindContacts Kind = "contacts"
	KindMessages Kind = "messages"
	KindReceipts Kind = "receipts"
)

// flushOrder is the deterministic emission order on Flush.
var flushOrder = []Kind{KindCreds, KindChats, KindContacts, KindMessages, KindReceipts}

// Dispatcher is the downstream sink a flush emits to — satisfied by
// *webhook.Dispatcher's Dispatch(eventType string, data interface{}).
type Dispatcher interface {
	Dispatch(eventType string, data interface{})
}

// Buffer coalesces Push calls by (Kind, primary key): a second Push for a
// key already seen merges into the first rather than appending a duplicate.
type Buffer struct {
	mu     sync.Mutex
	active bool
	tables map[Kind]map[string]map[string]interface{}
	order  map[Kind][]string
}

// New returns a Buffer that is not yet buffering; call Start when
// credentials become known.
func New() *Buffer {
	return &Buffer{
		tables: make(map[Kind]map[string]map[string]interface{}),
		order:  make(map[Kind][]string),
	}
}

// Start begins coalescing. Idempotent.
func (b *Buffer) Start() {
	b.mu.Lock()
	b.active = true
	b.mu.Unlock()
}

// IsBuffering reports whether Push calls are currently being coalesced
// rather than passed straight through by the caller.
func (b *Buffer) IsBuffering() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Push records one occurrence of kind under primaryKey, merging it with any
// prior occurrence under the same key: scalar fields are overwritten
// latest-wins, fields holding []interface{} of id-keyed maps are
// union-merged by id. Push is a no-op once the buffer isn't active; callers
// should check IsBuffering and dispatch directly themselves in that case.
func (b *Buffer) Push(kind Kind, primaryKey string, fields map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active {
		return
	}

	table, ok := b.tables[kind]
	if !ok {
		table = make(map[string]map[string]interface{})
		b.tables[kind] = table
	}

	existing, seen := table[primaryKey]
	if !seen {
		table[primaryKey] = cloneFields(fields)
		b.order[kind] = append(b.order[kind], primaryKey)
		return
	}
	mergeFields(existing, fields)
}

// Flush emits one Dispatch call per non-empty kind, in the order
// creds, chats, contacts, messages, receipts, with each call's payload the
// slice of merged records for that kind in first-seen order. It then
// permanently stops buffering — Flush is a one-shot operation bounding the
// coalescing window to "until the first offline_batch completes".
func (b *Buffer) Flush(d Dispatcher) {
	b.mu.Lock()
	tables := b.tables
	order := b.order
	b.tables = make(map[Kind]map[string]map[string]interface{})
	b.order = make(map[Kind][]string)
	b.active = false
	b.mu.Unlock()

	for _, kind := range flushOrder {
		table := tables[kind]
		if len(table) == 0 {
			continue
		}
		keys := order[kind]
		items := make([]map[string]interface{}, 0, len(keys))
		for _, key := range keys {
			items = append(items, table[key])
		}
		d.Dispatch(string(kind), items)
	}
}

func cloneFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// mergeFields applies src onto dst in place: scalars overwrite, arrays of
// id-keyed objects union-merge by id.
func mergeFields(dst, src map[string]interface{}) {
	for k, v := range src {
		if srcArr, ok := v.([]interface{}); ok {
			dstArr, _ := dst[k].([]interface{})
			dst[k] = unionMergeByID(dstArr, srcArr)
			continue
		}
		dst[k] = v
	}
}

// unionMergeByID merges incoming into existing: items with matching "id"
// overwrite in place (latest wins per-id), unmatched items append. Items
// without a usable string id always append, since there's nothing to
// de-duplicate against.
func unionMergeByID(existing, incoming []interface{}) []interface{} {
	result := append([]interface{}{}, existing...)
	indexByID := make(map[string]int, len(result))
	for i, item := range result {
		if id := itemID(item); id != "" {
			indexByID[id] = i
		}
	}

	for _, item := range incoming {
		id := itemID(item)
		if id == "" {
			result = append(result, item)
			continue
		}
		if idx, ok := indexByID[id]; ok {
			result[idx] = item
			continue
		}
		indexByID[id] = len(result)
		result = append(result, item)
	}
	return result
}

func itemID(item interface{}) string {
	m, ok := item.(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := m["id"].(string)
	return id
}
