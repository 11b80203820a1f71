package cooldown

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	baseBackoff  = 30 * time.Second
	maxBackoff   = 15 * time.Minute
	strikeWindow = time.Hour
	maxJitter    = time.Second
)

// entry tracks one cooled-down key.
type entry struct {
	deadline   time.Time
	strikes    int
	lastStrike time.Time
}

// Manager maps opaque keys ("provider:model" or
// "provider:model:accountIndex") to reset deadlines. All operations are
// safe for concurrent use; mutations are serialized per manager.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
	jitter  func() time.Duration
}

// NewManager creates an empty cool-down manager.
func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		now:     time.Now,
		jitter:  func() time.Duration { return time.Duration(rand.Int63n(int64(maxJitter))) },
	}
}

// IsAvailable reports whether the key has no active cool-down.
func (m *Manager) IsAvailable(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return true
	}
	return !m.now().Before(e.deadline)
}

// MarkRateLimited records a rate limit for the key and returns the
// effective cool-down duration. When the upstream supplied a Retry-After
// the deadline honors it plus jitter; otherwise the base back-off doubles
// for each prior strike within the last hour, capped at fifteen minutes.
func (m *Manager) MarkRateLimited(key string, retryAfter time.Duration) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{}
		m.entries[key] = e
	}

	if now.Sub(e.lastStrike) > strikeWindow {
		e.strikes = 0
	}
	e.strikes++
	e.lastStrike = now

	var effective time.Duration
	if retryAfter > 0 {
		effective = retryAfter + m.jitter()
	} else {
		backoff := baseBackoff
		for i := 1; i < e.strikes; i++ {
			backoff *= 2
			if backoff >= maxBackoff {
				backoff = maxBackoff
				break
			}
		}
		effective = backoff + m.jitter()
	}

	e.deadline = now.Add(effective)
	logrus.WithFields(logrus.Fields{
		"key":      key,
		"cooldown": effective,
		"strikes":  e.strikes,
	}).Debug("Key marked rate-limited")
	return effective
}

// ResetTime returns the remaining cool-down for the key, zero when the
// key is available.
func (m *Manager) ResetTime(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0
	}
	remaining := e.deadline.Sub(m.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clear removes the key's cool-down.
func (m *Manager) Clear(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Strikes returns the monotonic strike counter for the key.
func (m *Manager) Strikes(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e.strikes
	}
	return 0
}
