package storage

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

var errReadOnly = errors.New("write inside read-only transaction")

// memoryBackend keeps records in a map. Update stages its writes and applies them only if fn
// returns nil, so a failed update leaves nothing behind.
type memoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore returns a Store that lives in process memory. It is used by tests and by
// single-node deployments that accept losing state on restart.
func NewMemoryStore() *KVStore {
	return newKVStore(&memoryBackend{data: make(map[string][]byte)})
}

func (m *memoryBackend) View(fn func(kvTxn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryTxn{base: m.data})
}

func (m *memoryBackend) Update(fn func(kvTxn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := &memoryTxn{base: m.data, staged: make(map[string][]byte), writable: true}
	if err := fn(txn); err != nil {
		return err
	}
	for k, v := range txn.staged {
		if v == nil {
			delete(m.data, k)
			continue
		}
		m.data[k] = v
	}
	return nil
}

func (m *memoryBackend) Close() error { return nil }

type memoryTxn struct {
	base     map[string][]byte
	staged   map[string][]byte // nil value marks a delete
	writable bool
}

func (t *memoryTxn) Get(key string) ([]byte, error) {
	if v, ok := t.staged[key]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return v, nil
	}
	v, ok := t.base[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (t *memoryTxn) Set(key string, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	t.staged[key] = append([]byte(nil), value...)
	return nil
}

func (t *memoryTxn) Delete(key string) error {
	if !t.writable {
		return errReadOnly
	}
	if _, err := t.Get(key); err != nil {
		return err
	}
	t.staged[key] = nil
	return nil
}

func (t *memoryTxn) Scan(prefix string, fn func(key string, value []byte) error) error {
	var keys []string
	for k := range t.base {
		if strings.HasPrefix(k, prefix) {
			if _, shadowed := t.staged[k]; !shadowed {
				keys = append(keys, k)
			}
		}
	}
	for k, v := range t.staged {
		if v != nil && strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := t.Get(k)
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
