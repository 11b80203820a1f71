package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/llmux-dev/llmux/internal/cooldown"
)

func TestNextAvailableSkipsCooledAccounts(t *testing.T) {
	cd := cooldown.NewManager()
	r := NewRotator(cd)

	assert.Equal(t, 0, r.NextAvailable("p", "m", 3))

	r.MarkRateLimited("p", "m", 0, time.Minute)
	assert.Equal(t, 1, r.NextAvailable("p", "m", 3))

	r.MarkRateLimited("p", "m", 1, time.Minute)
	r.MarkRateLimited("p", "m", 2, time.Minute)
	assert.Equal(t, -1, r.NextAvailable("p", "m", 3))
}

func TestCooldownIsScopedPerModel(t *testing.T) {
	cd := cooldown.NewManager()
	r := NewRotator(cd)

	r.MarkRateLimited("p", "model-a", 0, time.Minute)
	assert.Equal(t, 1, r.NextAvailable("p", "model-a", 2))
	assert.Equal(t, 0, r.NextAvailable("p", "model-b", 2))
}

func TestHasNext(t *testing.T) {
	cd := cooldown.NewManager()
	r := NewRotator(cd)

	assert.True(t, r.HasNext("p", "m", 0, 3))
	assert.False(t, r.HasNext("p", "m", 2, 3))

	r.MarkRateLimited("p", "m", 1, time.Minute)
	r.MarkRateLimited("p", "m", 2, time.Minute)
	assert.False(t, r.HasNext("p", "m", 0, 3))
}

func TestAllRateLimited(t *testing.T) {
	cd := cooldown.NewManager()
	r := NewRotator(cd)

	assert.True(t, r.AllRateLimited("p", "m", 0))
	assert.False(t, r.AllRateLimited("p", "m", 2))

	r.MarkRateLimited("p", "m", 0, time.Minute)
	r.MarkRateLimited("p", "m", 1, time.Minute)
	assert.True(t, r.AllRateLimited("p", "m", 2))
}

func TestResetTimeIsShortestRemaining(t *testing.T) {
	cd := cooldown.NewManager()
	r := NewRotator(cd)

	r.MarkRateLimited("p", "m", 0, 5*time.Minute)
	r.MarkRateLimited("p", "m", 1, time.Minute)

	reset := r.ResetTime("p", "m", 2)
	assert.Greater(t, reset, 50*time.Second)
	assert.LessOrEqual(t, reset, time.Minute+time.Second)
}
