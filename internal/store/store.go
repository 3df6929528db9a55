// Package store implements the Signal Store KV contract:
// get/set/transaction/keys over a handful of categories, with one JSON
// file per category persisted atomically (temp file + rename), adapted
// from the atomic-write discipline of an encrypted-keystore reference
// implementation in the corpus.
package store

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// Category names one of the logical tables the store exposes. All values
// within a category are opaque binary blobs; only the Fan-Out Relay,
// Signal Cipher, and Pre-Key Manager know how to interpret them.
type Category string

const (
	CategoryCreds          Category = "creds"
	CategoryPreKey         Category = "pre-key"
	CategorySignedPreKey   Category = "signed-pre-key"
	CategorySession        Category = "session"
	CategorySenderKey      Category = "sender-key"
	CategorySenderKeyMem   Category = "sender-key-memory"
	CategoryDeviceList     Category = "device-list"
	CategoryLIDMapping     Category = "lid-mapping"
	CategoryAppStateSyncKey Category = "app-state-sync-key"
)

// indexKeyCeiling is the default ceiling for a batched "_index" collection.
// When an index grows past its ceiling, the lexicographically smallest
// keys are dropped first, keeping the greatest (newest-looking, since ids
// in this codebase are zero-padded decimal or timestamp-prefixed).
const indexKeyCeiling = 1000

// lidMappingCeiling is tighter than the default: the PN<->LID bijection is
// one entry per contact ever resolved, not per message, so it grows far
// slower and doesn't need the same headroom.
const lidMappingCeiling = 500

// indexCeilings holds the per-category ceiling for every category that is
// written through SetIndex. Categories absent from this map fall back to
// indexKeyCeiling.
var indexCeilings = map[Category]int{
	CategorySession:      indexKeyCeiling,
	CategorySenderKeyMem: indexKeyCeiling,
	CategoryDeviceList:   indexKeyCeiling,
	CategoryLIDMapping:   lidMappingCeiling,
}

func ceilingFor(cat Category) int {
	if c, ok := indexCeilings[cat]; ok {
		return c
	}
	return indexKeyCeiling
}

var ErrUnknownCategory = errors.New("store: unknown category")

// Store is a category-partitioned, JSON-file-backed key/value store, safe
// for concurrent use. Each category transaction is additionally guarded by
// its own per-key mutex so two goroutines touching different keys in the
// same category never block each other.
type Store struct {
	dir string
	log *zap.SugaredLogger

	mu   sync.RWMutex // guards data and dirty
	data map[Category]map[string][]byte

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex
}

// Open loads every known category's JSON file from dir (missing files are
// treated as empty categories) and validates that each decodes cleanly.
// It does not by itself check the session-level startup invariants a
// resuming client depends on; see VerifyStartupIntegrity for that.
func Open(dir string, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}

	s := &Store{
		dir:      dir,
		log:      log,
		data:     make(map[Category]map[string][]byte),
		keyLocks: make(map[string]*sync.Mutex),
	}

	for _, cat := range allCategories {
		entries, err := s.loadCategory(cat)
		if err != nil {
			return nil, fmt.Errorf("store: loading category %q: %w", cat, err)
		}
		s.data[cat] = entries
	}

	return s, nil
}

// ErrMissingDeviceListIndex and ErrMissingSessionIndex report a missing
// indexed collection a resuming client expects to already have. Neither
// has a defined automatic recovery; the caller logs and proceeds.
var (
	ErrMissingDeviceListIndex = errors.New("store: device-list index missing")
	ErrMissingSessionIndex    = errors.New("store: session index missing")
)

// ErrMissingTailPreKey reports that the pre-key the local nextPreKeyID
// counter expects to find (nextPreKeyID-1, the most recently allocated
// one-time pre-key) is absent from the store — the one condition
// VerifyStartupIntegrity names a concrete remedy for: a full batch
// regeneration before login proceeds.
var ErrMissingTailPreKey = errors.New("store: expected tail pre-key missing")

// VerifyStartupIntegrity checks the invariants a resuming session (one
// that has already allocated at least one pre-key) depends on: the
// device-list and session indexed collections exist on disk, and the
// most recently allocated pre-key is still present. A fresh registration
// (nextPreKeyID == 1, nothing allocated yet) always passes.
func (s *Store) VerifyStartupIntegrity(nextPreKeyID uint32) error {
	if nextPreKeyID <= 1 {
		return nil
	}

	if !s.categoryFileExists(CategoryDeviceList) {
		return ErrMissingDeviceListIndex
	}
	if !s.categoryFileExists(CategorySession) {
		return ErrMissingSessionIndex
	}

	lastID := strconv.FormatUint(uint64(nextPreKeyID-1), 10)
	values, err := s.Get(CategoryPreKey, []string{lastID})
	if err != nil {
		return fmt.Errorf("store: startup integrity: check pre-key %s: %w", lastID, err)
	}
	if _, ok := values[lastID]; !ok {
		return ErrMissingTailPreKey
	}
	return nil
}

func (s *Store) categoryFileExists(cat Category) bool {
	_, err := os.Stat(s.categoryPath(cat))
	return err == nil
}

var allCategories = []Category{
	CategoryCreds, CategoryPreKey, CategorySignedPreKey, CategorySession,
	CategorySenderKey, CategorySenderKeyMem, CategoryDeviceList,
	CategoryLIDMapping, CategoryAppStateSyncKey,
}

func (s *Store) categoryPath(cat Category) string {
	return filepath.Join(s.dir, string(cat)+".json")
}

func (s *Store) loadCategory(cat Category) (map[string][]byte, error) {
	raw, err := os.ReadFile(s.categoryPath(cat))
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]byte), nil
		}
		return nil, err
	}

	var encoded map[string]string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("corrupt category file: %w", err)
	}

	entries := make(map[string][]byte, len(encoded))
	for id, b64 := range encoded {
		decoded, err := decodeValue(b64)
		if err != nil {
			return nil, fmt.Errorf("corrupt entry %q: %w", id, err)
		}
		entries[id] = decoded
	}
	return entries, nil
}

// persistCategory writes one category's table atomically: encode to a
// temp file in the same directory, then rename over the target so a
// crash mid-write never leaves a half-written category file.
func (s *Store) persistCategory(cat Category, entries map[string][]byte) error {
	encoded := make(map[string]string, len(entries))
	for id, b := range entries {
		encoded[id] = encodeValue(b)
	}

	raw, err := json.Marshal(encoded)
	if err != nil {
		return fmt.Errorf("store: marshal category %q: %w", cat, err)
	}

	final := s.categoryPath(cat)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("store: write temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store: rename temp file: %w", err)
	}
	return nil
}

func knownCategory(cat Category) bool {
	for _, c := range allCategories {
		if c == cat {
			return true
		}
	}
	return false
}

// Get returns the values stored under ids in category. Missing ids are
// simply absent from the result map (no error).
func (s *Store) Get(category Category, ids []string) (map[string][]byte, error) {
	if !knownCategory(category) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	table := s.data[category]
	out := make(map[string][]byte, len(ids))
	for _, id := range ids {
		if v, ok := table[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// Set applies a batch of category->id->value|nil updates. A nil value
// deletes the id; anything else (including a zero-length non-nil slice)
// overwrites it. Each touched category is persisted once, after all its
// updates are applied in memory.
func (s *Store) Set(updates map[Category]map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for cat, entries := range updates {
		if !knownCategory(cat) {
			return fmt.Errorf("%w: %s", ErrUnknownCategory, cat)
		}

		table := s.data[cat]
		if table == nil {
			table = make(map[string][]byte)
		}
		for id, value := range entries {
			if value == nil {
				delete(table, id)
			} else {
				table[id] = value
			}
		}
		s.data[cat] = table

		if err := s.persistCategory(cat, table); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns every id currently present in category, for iteration
// during a full clear or an export.
func (s *Store) Keys(category Category) ([]string, error) {
	if !knownCategory(category) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data[category]))
	for k := range s.data[category] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear deletes every entry in category (used when logging out, or when
// the pre-key store needs a full reset after session-corruption recovery).
func (s *Store) Clear(category Category) error {
	if !knownCategory(category) {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[category] = make(map[string][]byte)
	return s.persistCategory(category, s.data[category])
}

func encodeValue(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeValue(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
