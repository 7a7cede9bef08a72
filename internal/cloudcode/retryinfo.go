package cloudcode

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// errorDetail is one entry of error.details[] in a structured upstream error.
type errorDetail struct {
	Type       string          `json:"@type"`
	RetryDelay string          `json:"retryDelay"`
	Metadata   json.RawMessage `json:"metadata"`
}

type errorBody struct {
	Error struct {
		Details []errorDetail `json:"details"`
	} `json:"error"`
}

// ParseRetryDelayMs extracts the retry hint from a structured 429 body.
// Recognized shapes: details entries whose @type contains "RetryInfo" with a
// retryDelay duration string, and entries carrying metadata.quotaResetDelay.
// Returns nil when the body yields no parseable hint.
func ParseRetryDelayMs(body []byte) *int64 {
	if len(body) == 0 {
		return nil
	}
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	for _, detail := range parsed.Error.Details {
		if strings.Contains(detail.Type, "RetryInfo") && detail.RetryDelay != "" {
			if ms, ok := ParseGoogleDuration(detail.RetryDelay); ok {
				return &ms
			}
		}
		if len(detail.Metadata) > 0 {
			var meta struct {
				QuotaResetDelay string `json:"quotaResetDelay"`
			}
			if err := json.Unmarshal(detail.Metadata, &meta); err == nil && meta.QuotaResetDelay != "" {
				if ms, ok := ParseGoogleDuration(meta.QuotaResetDelay); ok {
					return &ms
				}
			}
		}
	}
	return nil
}

// RetryAfterHeaderMs parses a Retry-After header (delta seconds or HTTP date).
// Returns nil when absent or unparseable.
func RetryAfterHeaderMs(headers http.Header) *int64 {
	raw := headers.Get("Retry-After")
	if raw == "" {
		return nil
	}
	if seconds, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && seconds >= 0 {
		ms := int64(seconds) * 1000
		return &ms
	}
	if t, err := http.ParseTime(raw); err == nil {
		ms := time.Until(t).Milliseconds()
		if ms > 0 {
			return &ms
		}
	}
	return nil
}

// RetryHintMs combines the structured body hint with the Retry-After header
// fallback. Body wins; nil means no hint.
func RetryHintMs(status int, headers http.Header, body []byte) *int64 {
	if status != http.StatusTooManyRequests {
		return nil
	}
	if ms := ParseRetryDelayMs(body); ms != nil {
		return ms
	}
	return RetryAfterHeaderMs(headers)
}
