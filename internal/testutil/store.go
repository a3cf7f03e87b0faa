package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/clockin/internal/kv"
)

// FlakyStore wraps a kv.Store and fails writes on demand.
type FlakyStore struct {
	kv.Store

	mu       sync.Mutex
	failSet  bool
	failKey  string
	setCalls int
	setByKey map[string]int
}

// NewFlakyStore wraps s.
func NewFlakyStore(s kv.Store) *FlakyStore {
	return &FlakyStore{Store: s, setByKey: make(map[string]int)}
}

// FailSets makes every Set fail until called with false.
func (f *FlakyStore) FailSets(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSet = fail
}

// FailKey makes Set fail only for key. Empty clears it.
func (f *FlakyStore) FailKey(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failKey = key
}

// SetCalls returns how many times Set was called for key.
func (f *FlakyStore) SetCalls(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setByKey[key]
}

// Set implements kv.Store.
func (f *FlakyStore) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	f.setCalls++
	f.setByKey[key]++
	fail := f.failSet || (f.failKey != "" && f.failKey == key)
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("set %s: %w", key, ErrInjected)
	}
	return f.Store.Set(ctx, key, value)
}
