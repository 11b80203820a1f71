package cooldown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// testManager pins the clock and removes jitter so deadlines are exact.
func testManager(start time.Time) (*Manager, *time.Time) {
	now := start
	m := NewManager()
	m.now = func() time.Time { return now }
	m.jitter = func() time.Duration { return 0 }
	return m, &now
}

func TestMarkRateLimitedHonorsRetryAfter(t *testing.T) {
	m, now := testManager(time.Unix(1000, 0))

	effective := m.MarkRateLimited("p:m:0", 90*time.Second)
	assert.Equal(t, 90*time.Second, effective)
	assert.False(t, m.IsAvailable("p:m:0"))
	assert.Equal(t, 90*time.Second, m.ResetTime("p:m:0"))

	*now = now.Add(91 * time.Second)
	assert.True(t, m.IsAvailable("p:m:0"))
	assert.Zero(t, m.ResetTime("p:m:0"))
}

func TestMarkRateLimitedBackoffDoubles(t *testing.T) {
	m, now := testManager(time.Unix(1000, 0))

	assert.Equal(t, 30*time.Second, m.MarkRateLimited("k", 0))
	*now = now.Add(time.Minute)
	assert.Equal(t, 60*time.Second, m.MarkRateLimited("k", 0))
	*now = now.Add(time.Minute)
	assert.Equal(t, 120*time.Second, m.MarkRateLimited("k", 0))
}

func TestBackoffCapsAtMax(t *testing.T) {
	m, now := testManager(time.Unix(1000, 0))
	var last time.Duration
	for i := 0; i < 10; i++ {
		last = m.MarkRateLimited("k", 0)
		*now = now.Add(time.Second)
	}
	assert.Equal(t, 15*time.Minute, last)
}

func TestStrikesResetAfterQuietHour(t *testing.T) {
	m, now := testManager(time.Unix(1000, 0))
	m.MarkRateLimited("k", 0)
	m.MarkRateLimited("k", 0)
	assert.Equal(t, 2, m.Strikes("k"))

	*now = now.Add(2 * time.Hour)
	assert.Equal(t, 30*time.Second, m.MarkRateLimited("k", 0))
	assert.Equal(t, 1, m.Strikes("k"))
}

func TestClear(t *testing.T) {
	m, _ := testManager(time.Unix(1000, 0))
	m.MarkRateLimited("k", time.Minute)
	assert.False(t, m.IsAvailable("k"))
	m.Clear("k")
	assert.True(t, m.IsAvailable("k"))
}

func TestUnknownKeyIsAvailable(t *testing.T) {
	m, _ := testManager(time.Unix(1000, 0))
	assert.True(t, m.IsAvailable("never-seen"))
	assert.Zero(t, m.ResetTime("never-seen"))
	assert.Zero(t, m.Strikes("never-seen"))
}
