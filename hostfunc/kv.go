package hostfunc

import (
	"context"
	"errors"
	"sync"

	"github.com/mkarlsen/runex/undo"
)

const (
	DefaultKVMaxKeySize   = 1024
	DefaultKVMaxValueSize = 64 * 1024
	DefaultKVMaxEntries   = 10000
)

// KVOption configures a KVStore.
type KVOption func(*KVStore)

// WithMaxKeySize caps key length.
func WithMaxKeySize(n int) KVOption {
	return func(s *KVStore) { s.maxKeySize = n }
}

// WithMaxValueSize caps value length.
func WithMaxValueSize(n int) KVOption {
	return func(s *KVStore) { s.maxValueSize = n }
}

// WithMaxEntries caps the number of stored keys.
func WithMaxEntries(n int) KVOption {
	return func(s *KVStore) { s.maxEntries = n }
}

// KVStore is an in-memory key-value store exposed to sandboxed code.
// Mutations performed during an execution record their inverse into the
// call's undo journal, so the whole run can be rolled back or undone as
// one step.
type KVStore struct {
	mu   sync.RWMutex
	data map[string]string

	maxKeySize   int
	maxValueSize int
	maxEntries   int
}

// NewKVStore returns an empty store with default limits.
func NewKVStore(opts ...KVOption) *KVStore {
	s := &KVStore{
		data:         make(map[string]string),
		maxKeySize:   DefaultKVMaxKeySize,
		maxValueSize: DefaultKVMaxValueSize,
		maxEntries:   DefaultKVMaxEntries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value for a key, or None when absent.
func (s *KVStore) Get(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, errors.New("key required")
	}

	s.mu.RLock()
	val, exists := s.data[key]
	s.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	return val, nil
}

// Set stores a value, journaling the inverse operation.
func (s *KVStore) Set(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, errors.New("key required")
	}
	val, ok := args["value"].(string)
	if !ok {
		return nil, errors.New("value required")
	}
	if len(key) > s.maxKeySize {
		return nil, errors.New("key exceeds max size")
	}
	if len(val) > s.maxValueSize {
		return nil, errors.New("value exceeds max size")
	}

	s.mu.Lock()
	prev, existed := s.data[key]
	if !existed && len(s.data) >= s.maxEntries {
		s.mu.Unlock()
		return nil, errors.New("store is full")
	}
	s.data[key] = val
	s.mu.Unlock()

	s.journalRestore(ctx, key, prev, existed)
	return "ok", nil
}

// Delete removes a key, journaling the inverse operation.
func (s *KVStore) Delete(ctx context.Context, args map[string]any) (any, error) {
	key, ok := args["key"].(string)
	if !ok {
		return nil, errors.New("key required")
	}

	s.mu.Lock()
	prev, existed := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()

	if existed {
		s.journalRestore(ctx, key, prev, true)
	}
	return "ok", nil
}

// Keys returns all stored keys.
func (s *KVStore) Keys(ctx context.Context, args map[string]any) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]any, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}

// Len returns the number of stored keys.
func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// journalRestore records the inverse of a mutation of key.
func (s *KVStore) journalRestore(ctx context.Context, key, prev string, existed bool) {
	j := undo.FromContext(ctx)
	if j == nil {
		return
	}
	j.Record(func() {
		s.mu.Lock()
		if existed {
			s.data[key] = prev
		} else {
			delete(s.data, key)
		}
		s.mu.Unlock()
	})
}

// RegisterKV registers the kv_* host functions backed by store.
func RegisterKV(r *Registry, store *KVStore) {
	r.Register("kv_get", store.Get)
	r.Register("kv_set", store.Set)
	r.Register("kv_delete", store.Delete)
	r.Register("kv_keys", store.Keys)
}
