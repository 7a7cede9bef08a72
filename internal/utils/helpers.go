package utils

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// FormatDurationMs formats milliseconds to a human-readable string,
// e.g. "1h23m45s", "5m30s", "45s".
func FormatDurationMs(ms int64) string {
	seconds := ms / 1000
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, secs)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

// SleepMs pauses for ms milliseconds, returning early if ctx is done.
func SleepMs(ctx context.Context, ms int64) error {
	if ms <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NowMs returns the current time in milliseconds since epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// NowISO returns the current time as an ISO8601 string.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// ParseISOToMs parses an ISO8601 timestamp to epoch milliseconds.
// Returns 0 on empty or malformed input.
func ParseISOToMs(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0
		}
	}
	return t.UnixMilli()
}

var emailScrubRegex = regexp.MustCompile(`[^a-zA-Z0-9@.]`)

// SanitizeEmailForFilename scrubs an email for use as a credential filename:
// characters outside [a-zA-Z0-9@.] become "_".
func SanitizeEmailForFilename(email string) string {
	return emailScrubRegex.ReplaceAllString(email, "_")
}

// MaskEmail masks an email address for logging, e.g. "j***@example.com".
func MaskEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***"
	}
	local := parts[0]
	if len(local) <= 1 {
		return local + "***@" + parts[1]
	}
	return string(local[0]) + "***@" + parts[1]
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by a rename, so concurrent readers observe either the old or the
// new content. Permissions are restricted to the owner.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// IsNetworkError reports whether an error looks like a transport failure
// (DNS, TLS, connection, timeout) rather than an HTTP-level error.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "tls") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof")
}

// TruncateString truncates a string to maxLen characters.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// Ptr returns a pointer to the value.
func Ptr[T any](v T) *T {
	return &v
}
