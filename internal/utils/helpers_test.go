package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDurationMs(t *testing.T) {
	assert.Equal(t, "45s", FormatDurationMs(45_000))
	assert.Equal(t, "5m30s", FormatDurationMs(330_000))
	assert.Equal(t, "1h23m45s", FormatDurationMs(5_025_000))
	assert.Equal(t, "0s", FormatDurationMs(999))
}

func TestSanitizeEmailForFilename(t *testing.T) {
	assert.Equal(t, "user@example.com", SanitizeEmailForFilename("user@example.com"))
	assert.Equal(t, "user_name@example.com", SanitizeEmailForFilename("user+name@example.com"))
	assert.Equal(t, "u_er@ex_mple.com", SanitizeEmailForFilename("u#er@ex/mple.com"))
}

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "j***@example.com", MaskEmail("jane@example.com"))
	assert.Equal(t, "***", MaskEmail("not-an-email"))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"a":1}`)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	// Overwrite is atomic: content is fully replaced.
	require.NoError(t, WriteFileAtomic(path, []byte(`{"b":2}`)))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestParseISOToMs(t *testing.T) {
	assert.Equal(t, int64(0), ParseISOToMs(""))
	assert.Equal(t, int64(0), ParseISOToMs("garbage"))
	assert.Equal(t, int64(1700000000000), ParseISOToMs("2023-11-14T22:13:20Z"))
}
