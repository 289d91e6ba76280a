package lock

import (
	"context"
	"sync"
	"time"
)

// Release gives up a held lock
type Release func(ctx context.Context) error

// Locker acquires a named lock without blocking. The in-process KeyedMutex and the
// Redis-backed RedisLocker both implement it.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Release, bool, error)
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex serialises work per key inside one process. Entries are dropped once no
// goroutine holds or waits for them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

// NewKeyedMutex creates an empty keyed mutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

func (m *KeyedMutex) acquire(key string) *keyedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]*keyedEntry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &keyedEntry{sem: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *KeyedMutex) release(key string, e *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

func (m *KeyedMutex) unlocker(key string, e *keyedEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			m.release(key, e)
		})
	}
}

// Lock blocks until the key is free or ctx is done. The returned function unlocks;
// calling it more than once is harmless.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	e := m.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return m.unlocker(key, e), nil
	case <-ctx.Done():
		m.release(key, e)
		return nil, ctx.Err()
	}
}

// LockAll locks several keys in the order given. On failure nothing stays locked.
func (m *KeyedMutex) LockAll(ctx context.Context, keys ...string) (func(), error) {
	unlocks := make([]func(), 0, len(keys))
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		unlock, err := m.Lock(ctx, key)
		if err != nil {
			unlockAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return unlockAll, nil
}

// TryLock implements Locker. ttl is ignored; the lock lives until released.
func (m *KeyedMutex) TryLock(_ context.Context, key string, _ time.Duration) (Release, bool, error) {
	e := m.acquire(key)
	select {
	case e.sem <- struct{}{}:
		unlock := m.unlocker(key, e)
		return func(context.Context) error {
			unlock()
			return nil
		}, true, nil
	default:
		m.release(key, e)
		return nil, false, nil
	}
}
