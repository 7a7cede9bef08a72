// Package config provides configuration constants and AG2API_* environment handling.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Version information
const Version = "1.0.0"

// Cloud Code API endpoints (in fallback order)
const (
	CloudCodeEndpointDaily = "https://daily-cloudcode-pa.googleapis.com"
	CloudCodeEndpointProd  = "https://cloudcode-pa.googleapis.com"
)

// CloudCodeEndpointFallbacks is the endpoint fallback order (daily → prod)
var CloudCodeEndpointFallbacks = []string{
	CloudCodeEndpointDaily,
	CloudCodeEndpointProd,
}

// LoadCodeAssistEndpoints is the endpoint order for loadCodeAssist (prod first)
// loadCodeAssist works better on prod for fresh/unprovisioned accounts
var LoadCodeAssistEndpoints = []string{
	CloudCodeEndpointProd,
	CloudCodeEndpointDaily,
}

// CloudCodeHeaders are the required headers for Cloud Code API requests
func CloudCodeHeaders() map[string]string {
	return map[string]string{
		"User-Agent":        getPlatformUserAgent(),
		"X-Goog-Api-Client": "google-cloud-sdk vscode_cloudshelleditor/0.1",
		"Client-Metadata":   getClientMetadata(),
	}
}

func getPlatformUserAgent() string {
	return fmt.Sprintf("antigravity/1.16.5 %s/%s", runtime.GOOS, runtime.GOARCH)
}

// IDE Type enum (numeric values as expected by the Cloud Code API)
const (
	IdeTypeUnspecified = 0
	IdeTypeAntigravity = 6
)

// Platform enum
const (
	PlatformUnspecified = 0
	PlatformWindows     = 1
	PlatformLinux       = 2
	PlatformMacOS       = 3
)

// PluginTypeGemini is the plugin type enum value for Gemini clients
const PluginTypeGemini = 2

func getPlatformEnum() int {
	switch runtime.GOOS {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	default:
		return PlatformUnspecified
	}
}

func getClientMetadata() string {
	metadata := map[string]int{
		"ideType":    IdeTypeAntigravity,
		"platform":   getPlatformEnum(),
		"pluginType": PluginTypeGemini,
	}
	data, _ := json.Marshal(metadata)
	return string(data)
}

// Timing constants
const (
	// DefaultPort is the default server port
	DefaultPort = 8080
	// DefaultRetryDelayMs is the fixed retry delay when the upstream gives no hint
	DefaultRetryDelayMs int64 = 1200
	// DefaultQuotaRefreshS is the quota sweep interval in seconds
	DefaultQuotaRefreshS int64 = 300
	// InitialQuotaWaitMs bounds how long the first request waits for the initial sweep
	InitialQuotaWaitMs int64 = 3000
	// InitialQuotaPollMs is the poll interval while waiting for the pool / initial sweep
	InitialQuotaPollMs int64 = 50
	// V1InternalMinIntervalMs is the spacing enforced between v1internal calls
	V1InternalMinIntervalMs int64 = 1000
	// TokenRefreshSkewMs fires the deferred refresh this long before expiry_date.
	// Firing exactly at expiry is fragile under clock jitter.
	TokenRefreshSkewMs int64 = 60_000
	// ProjectIDMaxAttempts is the per-call retry budget for project id discovery
	ProjectIDMaxAttempts = 3
	// LongCooldownPassthroughMs: a single-account 429 with a longer hint is
	// returned as-is instead of blocking the caller
	LongCooldownPassthroughMs int64 = 5000
	// Retry429BufferMs is added to the server hint before retrying the same account
	Retry429BufferMs int64 = 200
)

// HTTP timeouts
const (
	ControlPlaneTimeoutMs int64 = 30_000
	V1InternalTimeoutMs   int64 = 120_000
)

// DefaultAuthDir is the default credential directory
func DefaultAuthDir() string {
	return filepath.Join(getHomeDir(), ".config", "ag2api", "auth")
}

// AntigravityDBPath is the path to the Antigravity IDE state database,
// used by `accounts import`.
func AntigravityDBPath() string {
	home := getHomeDir()
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library/Application Support/Antigravity/User/globalStorage/state.vscdb")
	case "windows":
		return filepath.Join(home, "AppData/Roaming/Antigravity/User/globalStorage/state.vscdb")
	default:
		return filepath.Join(home, ".config/Antigravity/User/globalStorage/state.vscdb")
	}
}

func getHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// OAuthConfigType holds the Google OAuth client configuration
type OAuthConfigType struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// OAuthConfig is the Google OAuth configuration used by the paste flow
var OAuthConfig = OAuthConfigType{
	ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
	ClientSecret: "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",
	AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
	TokenURL:     "https://oauth2.googleapis.com/token",
	UserInfoURL:  "https://www.googleapis.com/oauth2/v1/userinfo",
	Scopes: []string{
		"https://www.googleapis.com/auth/cloud-platform",
		"https://www.googleapis.com/auth/userinfo.email",
		"https://www.googleapis.com/auth/userinfo.profile",
	},
}

// Group identifies a quota group with its own current-index bookkeeping.
type Group string

const (
	GroupClaude Group = "claude"
	GroupGemini Group = "gemini"
)

// Groups lists all quota groups.
var Groups = []Group{GroupClaude, GroupGemini}

// GroupForModel infers the quota group from a model name.
// Contains "claude" → claude; "gemini" or anything else → gemini.
func GroupForModel(modelName string) Group {
	if strings.Contains(strings.ToLower(modelName), "claude") {
		return GroupClaude
	}
	return GroupGemini
}
