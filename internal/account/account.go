// Package account owns the credential pool: loading records from disk,
// coalesced token refresh, project-id resolution and repair, and the
// per-group current-index bookkeeping that the dispatcher rotates over.
package account

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/poemonsense/ag2api-go/internal/utils"
)

// Credentials is the on-disk record, one file per account.
type Credentials struct {
	AccessToken         string `json:"access_token"`
	RefreshToken        string `json:"refresh_token"`
	ExpiryDate          int64  `json:"expiry_date"` // ms since epoch
	TokenType           string `json:"token_type,omitempty"`
	Scope               string `json:"scope,omitempty"`
	Email               string `json:"email,omitempty"`
	ProjectID           string `json:"projectId,omitempty"`
	ProjectIDResolvedAt string `json:"projectIdResolvedAt,omitempty"` // ISO timestamp
}

// Admissible reports whether a loaded record carries enough to be usable:
// both tokens plus at least one of token_type / scope.
func (c Credentials) Admissible() bool {
	if c.AccessToken == "" || c.RefreshToken == "" {
		return false
	}
	return c.TokenType != "" || c.Scope != ""
}

// ExpiredAt reports whether the access token is stale at the given instant.
func (c Credentials) ExpiredAt(nowMs int64) bool {
	return c.ExpiryDate <= nowMs
}

// HasVerifiedProjectID reports whether the project id was resolved by us and
// marked as such. An id without the marker is treated as unverified.
func (c Credentials) HasVerifiedProjectID() bool {
	return c.ProjectID != "" && c.ProjectIDResolvedAt != ""
}

// inflight is a coalescing slot: the first caller installs it and runs the
// operation, later callers wait on done and read err.
type inflight struct {
	done chan struct{}
	err  error
}

// Account is one slot in the rotation pool.
type Account struct {
	ID       string // credential file base name
	FilePath string

	mu         sync.Mutex
	creds      Credentials
	refreshing *inflight
	resolving  *inflight
}

// Creds returns a copy of the current credential record.
func (a *Account) Creds() Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds
}

// Email returns the account's email, possibly empty.
func (a *Account) Email() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds.Email
}

func (a *Account) setCreds(c Credentials) {
	a.mu.Lock()
	a.creds = c
	a.mu.Unlock()
}

// save writes the current record atomically (temp file + rename, 0600).
func (a *Account) save() error {
	a.mu.Lock()
	data, err := json.MarshalIndent(a.creds, "", "  ")
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to encode credentials for %s: %w", a.ID, err)
	}
	return utils.WriteFileAtomic(a.FilePath, data)
}

// LoadAccountFile reads one credential file and applies the admission rule.
func LoadAccountFile(path string) (*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("invalid credential file %s: %w", filepath.Base(path), err)
	}
	if !creds.Admissible() {
		return nil, fmt.Errorf("credential file %s is missing required fields", filepath.Base(path))
	}
	return &Account{
		ID:       filepath.Base(path),
		FilePath: path,
		creds:    creds,
	}, nil
}

// FileNameForEmail derives the credential filename for an account. Emails are
// scrubbed to [a-zA-Z0-9@.]; anything else becomes "_". Accounts without an
// email fall back to oauth-<ms-epoch>.json.
func FileNameForEmail(email string) string {
	if email == "" {
		return fmt.Sprintf("oauth-%d.json", utils.NowMs())
	}
	return utils.SanitizeEmailForFilename(email) + ".json"
}

// ValidateFileName rejects names that could escape the auth directory.
func ValidateFileName(name string) error {
	if name == "" {
		return fmt.Errorf("empty file name")
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid file name: %s", name)
	}
	if !strings.HasSuffix(name, ".json") {
		return fmt.Errorf("file name must end in .json: %s", name)
	}
	return nil
}
