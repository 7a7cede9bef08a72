// AG2API_* environment variables. Numeric values are read once per call and
// fall back to defaults when unset or invalid; the model maps are memoized by
// raw value so re-reading stays cheap while still noticing runtime changes.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Environment variable names
const (
	EnvClaudeModelMap = "AG2API_CLAUDE_MODEL_MAP"
	EnvGeminiModelMap = "AG2API_GEMINI_MODEL_MAP"
	EnvRetryDelayMs   = "AG2API_RETRY_DELAY_MS"
	EnvQuotaRefreshS  = "AG2API_QUOTA_REFRESH_S"
	EnvPort           = "AG2API_PORT"
	EnvAuthDir        = "AG2API_AUTH_DIR"
	EnvRedisAddr      = "AG2API_REDIS_ADDR"
	EnvRedisPassword  = "AG2API_REDIS_PASSWORD"
	EnvAPIKey         = "AG2API_API_KEY"
)

// RetryDelayMs returns the fixed retry delay (AG2API_RETRY_DELAY_MS, default 1200).
func RetryDelayMs() int64 {
	return envNonNegInt64(EnvRetryDelayMs, DefaultRetryDelayMs)
}

// QuotaRefreshInterval returns the sweep interval (AG2API_QUOTA_REFRESH_S, default 300s).
func QuotaRefreshInterval() time.Duration {
	return time.Duration(envNonNegInt64(EnvQuotaRefreshS, DefaultQuotaRefreshS)) * time.Second
}

// Port returns the server port (AG2API_PORT, default 8080).
func Port() int {
	return int(envNonNegInt64(EnvPort, DefaultPort))
}

// AuthDir returns the credential directory (AG2API_AUTH_DIR or the default).
func AuthDir() string {
	if dir := os.Getenv(EnvAuthDir); dir != "" {
		return dir
	}
	return DefaultAuthDir()
}

// RedisAddr returns the optional Redis address for usage stats.
func RedisAddr() string {
	return os.Getenv(EnvRedisAddr)
}

// RedisPassword returns the optional Redis password.
func RedisPassword() string {
	return os.Getenv(EnvRedisPassword)
}

// APIKey returns the optional API key gating /v1 endpoints.
func APIKey() string {
	return os.Getenv(EnvAPIKey)
}

func envNonNegInt64(name string, def int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v < 0 {
		return def
	}
	return v
}

// modelMapCache memoizes a parsed model map keyed by the raw env value.
type modelMapCache struct {
	mu  sync.Mutex
	raw string
	m   map[string]string
	set bool
}

func (c *modelMapCache) get(envName string) map[string]string {
	raw := os.Getenv(envName)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set && c.raw == raw {
		return c.m
	}
	c.raw = raw
	c.m = ParseModelMap(raw)
	c.set = true
	return c.m
}

var (
	claudeModelMapCache modelMapCache
	geminiModelMapCache modelMapCache
)

// ClaudeModelMap returns the memoized AG2API_CLAUDE_MODEL_MAP.
func ClaudeModelMap() map[string]string {
	return claudeModelMapCache.get(EnvClaudeModelMap)
}

// GeminiModelMap returns the memoized AG2API_GEMINI_MODEL_MAP.
func GeminiModelMap() map[string]string {
	return geminiModelMapCache.get(EnvGeminiModelMap)
}

// ParseModelMap parses a {fromModel: toModel} JSON object. Keys are
// lower-cased; entries with empty keys or values are dropped. Malformed
// input yields an empty map.
func ParseModelMap(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	var parsed map[string]string
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return result
	}
	for from, to := range parsed {
		from = strings.ToLower(strings.TrimSpace(from))
		to = strings.TrimSpace(to)
		if from == "" || to == "" {
			continue
		}
		result[from] = to
	}
	return result
}

// MapModel rewrites a requested model through the group's model map.
// Unmapped models pass through unchanged.
func MapModel(group Group, model string) string {
	var m map[string]string
	switch group {
	case GroupClaude:
		m = ClaudeModelMap()
	default:
		m = GeminiModelMap()
	}
	if to, ok := m[strings.ToLower(model)]; ok {
		return to
	}
	return model
}
