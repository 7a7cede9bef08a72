package cloudcode

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRetryDelayMs(t *testing.T) {
	t.Run("retry info detail", func(t *testing.T) {
		body := []byte(`{"error":{"code":429,"details":[
			{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"2.5s"}
		]}}`)
		got := ParseRetryDelayMs(body)
		require.NotNil(t, got)
		assert.Equal(t, int64(2500), *got)
	})

	t.Run("quota reset delay metadata", func(t *testing.T) {
		body := []byte(`{"error":{"details":[
			{"@type":"type.googleapis.com/google.rpc.ErrorInfo","metadata":{"quotaResetDelay":"1h16m0.667923083s"}}
		]}}`)
		got := ParseRetryDelayMs(body)
		require.NotNil(t, got)
		assert.Equal(t, int64(4_560_668), *got)
	})

	t.Run("retry info wins over metadata order", func(t *testing.T) {
		body := []byte(`{"error":{"details":[
			{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"3s"},
			{"@type":"type.googleapis.com/google.rpc.ErrorInfo","metadata":{"quotaResetDelay":"9s"}}
		]}}`)
		got := ParseRetryDelayMs(body)
		require.NotNil(t, got)
		assert.Equal(t, int64(3000), *got)
	})

	t.Run("no hint", func(t *testing.T) {
		assert.Nil(t, ParseRetryDelayMs([]byte(`{"error":{"message":"rate limited"}}`)))
		assert.Nil(t, ParseRetryDelayMs([]byte(`not json`)))
		assert.Nil(t, ParseRetryDelayMs(nil))
	})

	t.Run("unparseable delay", func(t *testing.T) {
		body := []byte(`{"error":{"details":[
			{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"soon"}
		]}}`)
		assert.Nil(t, ParseRetryDelayMs(body))
	})
}

func TestRetryAfterHeaderMs(t *testing.T) {
	t.Run("delta seconds", func(t *testing.T) {
		h := http.Header{"Retry-After": {"30"}}
		got := RetryAfterHeaderMs(h)
		require.NotNil(t, got)
		assert.Equal(t, int64(30_000), *got)
	})

	t.Run("http date", func(t *testing.T) {
		h := http.Header{"Retry-After": {time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)}}
		got := RetryAfterHeaderMs(h)
		require.NotNil(t, got)
		assert.Greater(t, *got, int64(5000))
		assert.LessOrEqual(t, *got, int64(10_000))
	})

	t.Run("absent or bad", func(t *testing.T) {
		assert.Nil(t, RetryAfterHeaderMs(http.Header{}))
		assert.Nil(t, RetryAfterHeaderMs(http.Header{"Retry-After": {"whenever"}}))
	})
}

func TestRetryHintMs(t *testing.T) {
	body := []byte(`{"error":{"details":[{"@type":"RetryInfo","retryDelay":"2s"}]}}`)
	headers := http.Header{"Retry-After": {"60"}}

	t.Run("body wins over header", func(t *testing.T) {
		got := RetryHintMs(429, headers, body)
		require.NotNil(t, got)
		assert.Equal(t, int64(2000), *got)
	})

	t.Run("header fallback", func(t *testing.T) {
		got := RetryHintMs(429, headers, []byte(`{}`))
		require.NotNil(t, got)
		assert.Equal(t, int64(60_000), *got)
	})

	t.Run("only applies to 429", func(t *testing.T) {
		assert.Nil(t, RetryHintMs(500, headers, body))
		assert.Nil(t, RetryHintMs(200, headers, body))
	})
}
