package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseModelMap(t *testing.T) {
	m := ParseModelMap(`{"Claude-Sonnet-4-5": "claude-sonnet-4-5-thinking", "": "x", "gemini-3-flash": ""}`)
	require.Len(t, m, 1)
	assert.Equal(t, "claude-sonnet-4-5-thinking", m["claude-sonnet-4-5"])
}

func TestParseModelMapMalformed(t *testing.T) {
	assert.Empty(t, ParseModelMap("not json"))
	assert.Empty(t, ParseModelMap(""))
	assert.Empty(t, ParseModelMap("[1,2]"))
}

func TestModelMapMemoizedByRawValue(t *testing.T) {
	t.Setenv(EnvGeminiModelMap, `{"gemini-3-flash":"gemini-3-pro-low"}`)
	assert.Equal(t, "gemini-3-pro-low", MapModel(GroupGemini, "Gemini-3-Flash"))

	// Changing the env at runtime invalidates the memoized map.
	t.Setenv(EnvGeminiModelMap, `{"gemini-3-flash":"gemini-3-pro-high"}`)
	assert.Equal(t, "gemini-3-pro-high", MapModel(GroupGemini, "gemini-3-flash"))

	t.Setenv(EnvGeminiModelMap, "")
	assert.Equal(t, "gemini-3-flash", MapModel(GroupGemini, "gemini-3-flash"))
}

func TestRetryDelayFallback(t *testing.T) {
	t.Setenv(EnvRetryDelayMs, "")
	assert.Equal(t, DefaultRetryDelayMs, RetryDelayMs())

	t.Setenv(EnvRetryDelayMs, "2500")
	assert.Equal(t, int64(2500), RetryDelayMs())

	t.Setenv(EnvRetryDelayMs, "-1")
	assert.Equal(t, DefaultRetryDelayMs, RetryDelayMs())

	t.Setenv(EnvRetryDelayMs, "soon")
	assert.Equal(t, DefaultRetryDelayMs, RetryDelayMs())
}

func TestQuotaRefreshInterval(t *testing.T) {
	t.Setenv(EnvQuotaRefreshS, "")
	assert.Equal(t, 300*time.Second, QuotaRefreshInterval())

	t.Setenv(EnvQuotaRefreshS, "60")
	assert.Equal(t, time.Minute, QuotaRefreshInterval())
}

func TestGroupForModel(t *testing.T) {
	assert.Equal(t, GroupClaude, GroupForModel("claude-opus-4-6-thinking"))
	assert.Equal(t, GroupClaude, GroupForModel("CLAUDE-sonnet-4-5"))
	assert.Equal(t, GroupGemini, GroupForModel("gemini-3-pro-high"))
	assert.Equal(t, GroupGemini, GroupForModel("mystery-model"))
	assert.Equal(t, GroupGemini, GroupForModel(""))
}
