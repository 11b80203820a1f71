package cooldown

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseRetryAfterHeaderSeconds(t *testing.T) {
	assert.Equal(t, 30*time.Second, ParseRetryAfter("30", nil))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("-5", nil))
	assert.Equal(t, time.Duration(0), ParseRetryAfter("", nil))
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	when := time.Now().Add(2 * time.Minute).UTC().Format(time.RFC1123)
	d := ParseRetryAfter(when, nil)
	assert.Greater(t, d, time.Minute)
	assert.LessOrEqual(t, d, 2*time.Minute)
}

func TestParseRetryAfterPastDateIgnored(t *testing.T) {
	when := time.Now().Add(-time.Minute).UTC().Format(time.RFC1123)
	assert.Equal(t, time.Duration(0), ParseRetryAfter(when, nil))
}

func TestParseRetryAfterBodyShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want time.Duration
	}{
		{"nested ms", `{"error":{"retry_after_ms":1500}}`, 1500 * time.Millisecond},
		{"nested seconds", `{"error":{"retry_after_seconds":7}}`, 7 * time.Second},
		{"nested camel", `{"error":{"retryAfter":3}}`, 3 * time.Second},
		{"top-level ms", `{"retry_after_ms":250}`, 250 * time.Millisecond},
		{"top-level seconds", `{"retry_after_seconds":12}`, 12 * time.Second},
		{"string value", `{"retryAfter":"4"}`, 4 * time.Second},
		{"nothing", `{"error":{"message":"slow down"}}`, 0},
		{"not json", `slow down`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRetryAfter("", []byte(tt.body)))
		})
	}
}

func TestParseRetryAfterHeaderWinsOverBody(t *testing.T) {
	d := ParseRetryAfter("10", []byte(`{"retry_after_seconds":99}`))
	assert.Equal(t, 10*time.Second, d)
}
