package rotation

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/llmux-dev/llmux/internal/cooldown"
)

// Rotator selects credential accounts for a (provider, model) pair,
// skipping accounts under cool-down. Selection always prefers the lowest
// available index, so a recovered account is reused as soon as its
// cool-down expires; monotonic progression within one request is the
// caller's responsibility (it passes a fromIndex to HasNext).
type Rotator struct {
	cooldowns *cooldown.Manager
}

// NewRotator creates a rotator backed by the shared cool-down manager.
func NewRotator(cooldowns *cooldown.Manager) *Rotator {
	return &Rotator{cooldowns: cooldowns}
}

// AccountKey builds the cool-down key for one account of a provider+model.
func AccountKey(provider, model string, index int) string {
	return fmt.Sprintf("%s:%s:%d", provider, model, index)
}

// NextAvailable returns the lowest account index not under cool-down, or
// -1 when every account is cooled down.
func (r *Rotator) NextAvailable(provider, model string, accounts int) int {
	for i := 0; i < accounts; i++ {
		if r.cooldowns.IsAvailable(AccountKey(provider, model, i)) {
			return i
		}
	}
	return -1
}

// HasNext reports whether any account after fromIndex is available.
func (r *Rotator) HasNext(provider, model string, fromIndex, accounts int) bool {
	for i := fromIndex + 1; i < accounts; i++ {
		if r.cooldowns.IsAvailable(AccountKey(provider, model, i)) {
			return true
		}
	}
	return false
}

// MarkRateLimited records a rate limit for one account.
func (r *Rotator) MarkRateLimited(provider, model string, index int, retryAfter time.Duration) time.Duration {
	effective := r.cooldowns.MarkRateLimited(AccountKey(provider, model, index), retryAfter)
	logrus.WithFields(logrus.Fields{
		"provider": provider,
		"model":    model,
		"account":  index,
		"cooldown": effective,
	}).Info("Account rate-limited")
	return effective
}

// AllRateLimited reports whether every account is under cool-down.
func (r *Rotator) AllRateLimited(provider, model string, accounts int) bool {
	if accounts == 0 {
		return true
	}
	return r.NextAvailable(provider, model, accounts) == -1
}

// ResetTime returns the shortest remaining cool-down across accounts,
// used to populate Retry-After on all-exhausted responses.
func (r *Rotator) ResetTime(provider, model string, accounts int) time.Duration {
	var min time.Duration
	for i := 0; i < accounts; i++ {
		remaining := r.cooldowns.ResetTime(AccountKey(provider, model, i))
		if remaining > 0 && (min == 0 || remaining < min) {
			min = remaining
		}
	}
	return min
}
