package store

import (
	"fmt"
	"sort"
	"sync"
)

const maxTransactionRetries = 3

// Transaction reads the current value at (category, key), runs fn on it,
// and writes back fn's result — retrying on conflict, matching the
// teacher's keyed-mutex pattern for serializing concurrent session
// mutations to the same id. fn returning a nil value deletes the key;
// fn returning an error aborts without writing.
func (s *Store) Transaction(category Category, key string, fn func(current []byte) ([]byte, error)) error {
	if !knownCategory(category) {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	lock := s.lockFor(category, key)
	lock.Lock()
	defer lock.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxTransactionRetries; attempt++ {
		current, err := s.Get(category, []string{key})
		if err != nil {
			return err
		}

		next, err := fn(current[key])
		if err != nil {
			lastErr = err
			continue
		}

		if err := s.Set(map[Category]map[string][]byte{category: {key: next}}); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("store: transaction on %s/%s failed after %d attempts: %w", category, key, maxTransactionRetries, lastErr)
}

func (s *Store) lockFor(category Category, key string) *sync.Mutex {
	lockKey := string(category) + "/" + key

	s.keyLocksMu.Lock()
	defer s.keyLocksMu.Unlock()

	lock, ok := s.keyLocks[lockKey]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLocks[lockKey] = lock
	}
	return lock
}

// SetIndex writes an "_index" batched-collection entry under category,
// trimming to that category's ceiling (keeping the lexicographically
// greatest keys) when the merged set would exceed it.
func (s *Store) SetIndex(category Category, entries map[string][]byte) error {
	if !knownCategory(category) {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	s.mu.Lock()
	table := s.data[category]
	if table == nil {
		table = make(map[string][]byte)
	}
	merged := make(map[string][]byte, len(table)+len(entries))
	for k, v := range table {
		merged[k] = v
	}
	for k, v := range entries {
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}

	ceiling := ceilingFor(category)
	if len(merged) > ceiling {
		merged = trimToGreatestKeys(merged, ceiling)
	}
	s.data[category] = merged
	s.mu.Unlock()

	return s.persistCategory(category, merged)
}

func trimToGreatestKeys(entries map[string][]byte, ceiling int) map[string][]byte {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	drop := len(keys) - ceiling
	kept := make(map[string][]byte, ceiling)
	for i := drop; i < len(keys); i++ {
		kept[keys[i]] = entries[keys[i]]
	}
	return kept
}
