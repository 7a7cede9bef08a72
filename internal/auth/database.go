package auth

// Uses modernc.org/sqlite: pure Go, no CGO, works against the IDE's state
// database on every platform.

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"

	"github.com/poemonsense/ag2api-go/internal/config"
	"github.com/poemonsense/ag2api-go/internal/utils"

	_ "modernc.org/sqlite"
)

// IDEAuthStatus is the credential blob the Antigravity IDE persists under the
// antigravityAuthStatus key of its state database.
type IDEAuthStatus struct {
	Email        string `json:"email"`
	Name         string `json:"name"`
	RefreshToken string `json:"refreshToken"`
}

// ReadIDEAuthStatus reads the signed-in account from the IDE state database.
// The database is opened read-only so a running IDE is never disturbed.
func ReadIDEAuthStatus(dbPath string) (*IDEAuthStatus, error) {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath()
	}

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("database not found at %s; make sure Antigravity is installed and you are logged in", dbPath)
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM ItemTable WHERE key = 'antigravityAuthStatus'").Scan(&value)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no auth status found in database")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query database: %w", err)
	}

	var status IDEAuthStatus
	if err := json.Unmarshal([]byte(value), &status); err != nil {
		return nil, fmt.Errorf("failed to parse auth data: %w", err)
	}
	if status.RefreshToken == "" {
		return nil, fmt.Errorf("auth data has no refresh token; sign in to the IDE first")
	}
	return &status, nil
}

// IsDatabaseAccessible reports whether the IDE state database can be opened.
func IsDatabaseAccessible(dbPath string) bool {
	if dbPath == "" {
		dbPath = config.AntigravityDBPath()
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false
	}
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		utils.Debug("[Database] failed to open: %v", err)
		return false
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		utils.Debug("[Database] failed to ping: %v", err)
		return false
	}
	return true
}
