// Package lock provides a keyed mutex for serializing operations on a named
// resource, typically a session's worktree. Distinct keys never interact;
// waiters on the same key get mutual exclusion but no ordering guarantee.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTimeout is the acquisition timeout used when callers pass 0.
const DefaultTimeout = 30 * time.Second

// TimeoutError is returned when a lock cannot be acquired within the timeout.
type TimeoutError struct {
	Key     string
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring lock %q after %s", e.Key, e.Elapsed)
}

// holder marks one acquisition of a key. The released channel is closed when
// the holder releases, waking every waiter to re-contend.
type holder struct {
	seq      uint64
	released chan struct{}
	once     sync.Once
}

func (h *holder) release() {
	h.once.Do(func() { close(h.released) })
}

// KeyedMutex is a registry of per-key locks. Construct one per orchestrator
// instance with New; it is not a package-level singleton so lifetime and
// testability stay explicit.
type KeyedMutex struct {
	mu      sync.Mutex
	holders map[string]*holder
	seq     uint64 // total acquisitions, for diagnostics only
}

// New returns an empty KeyedMutex.
func New() *KeyedMutex {
	return &KeyedMutex{holders: make(map[string]*holder)}
}

// Acquire locks key, waiting up to timeout (DefaultTimeout if 0). On success
// it returns a release function bound to this acquisition; calling it more
// than once, or after a ForceReleaseAll, is a no-op and can never evict a
// later holder of the same key.
func (m *KeyedMutex) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		current, held := m.holders[key]
		if !held {
			m.seq++
			h := &holder{seq: m.seq, released: make(chan struct{})}
			m.holders[key] = h
			m.mu.Unlock()
			return func() { m.releaseHolder(key, h) }, nil
		}
		m.mu.Unlock()

		select {
		case <-current.released:
			// Holder released; loop and re-contend. Wake order among
			// waiters is up to the scheduler, only exclusion is
			// guaranteed.
		case <-deadline.C:
			return nil, &TimeoutError{Key: key, Elapsed: time.Since(start)}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// releaseHolder clears the map entry only if h is still the current holder,
// so a stale release from an expired waiter cannot evict a newer one.
func (m *KeyedMutex) releaseHolder(key string, h *holder) {
	m.mu.Lock()
	if m.holders[key] == h {
		delete(m.holders, key)
	}
	m.mu.Unlock()
	h.release()
}

// WithLock runs fn while holding key. The lock is released on every exit
// path, including a panic inside fn.
func (m *KeyedMutex) WithLock(ctx context.Context, key string, timeout time.Duration, fn func(ctx context.Context) error) error {
	release, err := m.Acquire(ctx, key, timeout)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// IsHeld reports whether key is currently locked.
func (m *KeyedMutex) IsHeld(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.holders[key]
	return held
}

// ActiveCount returns the number of currently held keys.
func (m *KeyedMutex) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.holders)
}

// HeldKeys returns the currently held keys, for diagnostics.
func (m *KeyedMutex) HeldKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.holders))
	for k := range m.holders {
		keys = append(keys, k)
	}
	return keys
}

// Acquisitions returns the total number of successful acquisitions.
func (m *KeyedMutex) Acquisitions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq
}

// ForceReleaseAll releases every held key. Reserved for shutdown and
// recovery, e.g. tearing down a session whose lock holder never completed.
// Never call it on a normal code path.
func (m *KeyedMutex) ForceReleaseAll() {
	m.mu.Lock()
	holders := m.holders
	m.holders = make(map[string]*holder)
	m.mu.Unlock()

	for _, h := range holders {
		h.release()
	}
}
