// Package memory is an in-process implementation of store.Store. It is
// meant for tests and single-instance development setups: state is not
// shared between processes and is lost on restart.
package memory

import (
	"bytes"
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/knadh/otpauth/internal/store"
)

type item struct {
	val []byte
	exp time.Time
}

// Memory is an in-memory Store.
type Memory struct {
	mu    sync.Mutex
	items map[string]item
	now   func() time.Time
}

// New returns a new in-memory store. now is the time source used for key
// expiry. If it's nil, time.Now is used.
func New(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		items: make(map[string]item),
		now:   now,
	}
}

// Ping always succeeds.
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Get returns the value stored against a key.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.get(key)
	if !ok {
		return nil, store.ErrNotExist
	}

	out := make([]byte, len(it.val))
	copy(out, it.val)
	return out, nil
}

// Set sets a value against a key.
func (m *Memory) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := make([]byte, len(val))
	copy(b, val)

	it := item{val: b}
	if ttl > 0 {
		it.exp = m.now().Add(ttl)
	}
	m.items[key] = it
	return nil
}

// Delete deletes a key.
func (m *Memory) Delete(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.get(key)
	delete(m.items, key)
	return ok, nil
}

// CompareAndSwap replaces or deletes a key if its value is old.
func (m *Memory) CompareAndSwap(ctx context.Context, key string, old, val []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.get(key)
	if !ok || !bytes.Equal(it.val, old) {
		return false, nil
	}

	if val == nil {
		delete(m.items, key)
		return true, nil
	}

	b := make([]byte, len(val))
	copy(b, val)

	it = item{val: b}
	if ttl > 0 {
		it.exp = m.now().Add(ttl)
	}
	m.items[key] = it
	return true, nil
}

// Incr increments a counter.
func (m *Memory) Incr(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	it, ok := m.get(key)
	if ok {
		v, err := strconv.ParseInt(string(it.val), 10, 64)
		if err != nil {
			return 0, err
		}
		n = v
	}
	n++

	it.val = []byte(strconv.FormatInt(n, 10))
	m.items[key] = it
	return n, nil
}

// Expire sets a TTL on a key.
func (m *Memory) Expire(ctx context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.get(key)
	if !ok {
		return store.ErrNotExist
	}
	it.exp = m.now().Add(ttl)
	m.items[key] = it
	return nil
}

// TTL returns the remaining TTL on a key.
func (m *Memory) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.get(key)
	if !ok {
		return 0, store.ErrNotExist
	}
	if it.exp.IsZero() {
		return -1, nil
	}
	return it.exp.Sub(m.now()), nil
}

// get returns a live item, evicting it if it has expired.
// The caller must hold the lock.
func (m *Memory) get(key string) (item, bool) {
	it, ok := m.items[key]
	if !ok {
		return item{}, false
	}
	if !it.exp.IsZero() && m.now().After(it.exp) {
		delete(m.items, key)
		return item{}, false
	}
	return it, true
}
