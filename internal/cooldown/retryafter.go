package cooldown

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// retryAfterBodyPaths are the JSON body shapes providers hide their retry
// hints in, checked in order.
var retryAfterBodyPaths = []struct {
	path string
	unit time.Duration
}{
	{"error.retry_after_ms", time.Millisecond},
	{"error.retry_after_seconds", time.Second},
	{"error.retryAfter", time.Second},
	{"retry_after_ms", time.Millisecond},
	{"retry_after_seconds", time.Second},
	{"retryAfter", time.Second},
}

// ParseRetryAfter extracts a retry delay from a 429 response, trying the
// Retry-After header (decimal seconds or HTTP date) first and then the
// known JSON body shapes. Returns zero when nothing parses.
func ParseRetryAfter(header string, body []byte) time.Duration {
	if d := parseRetryAfterHeader(header); d > 0 {
		return d
	}
	if len(body) == 0 {
		return 0
	}
	parsed := gjson.ParseBytes(body)
	for _, candidate := range retryAfterBodyPaths {
		value := parsed.Get(candidate.path)
		if !value.Exists() {
			continue
		}
		if value.Type == gjson.Number {
			if v := value.Float(); v > 0 {
				return time.Duration(v * float64(candidate.unit))
			}
		}
		if value.Type == gjson.String {
			if v, err := strconv.ParseFloat(value.String(), 64); err == nil && v > 0 {
				return time.Duration(v * float64(candidate.unit))
			}
		}
	}
	return 0
}

func parseRetryAfterHeader(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}
