package account

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/poemonsense/ag2api-go/internal/cloudcode"
	"github.com/poemonsense/ag2api-go/internal/config"
	gwerrors "github.com/poemonsense/ag2api-go/internal/errors"
	"github.com/poemonsense/ag2api-go/internal/ratelimit"
	"github.com/poemonsense/ag2api-go/internal/utils"
)

// Upstream is the subset of upstream operations the manager needs. Satisfied
// by *cloudcode.Client; tests substitute a fake.
type Upstream interface {
	RefreshToken(ctx context.Context, refreshToken string) (*cloudcode.TokenResult, error)
	FetchUserInfo(ctx context.Context, accessToken string) (*cloudcode.UserInfo, error)
	FetchProjectID(ctx context.Context, accessToken string, opts cloudcode.ProjectIDOptions) (string, error)
	FetchAvailableModels(ctx context.Context, accessToken string, limiter *ratelimit.Limiter) (map[string]*cloudcode.ModelInfo, error)
}

// CredentialResult is what a dispatcher attempt needs for one upstream call.
type CredentialResult struct {
	AccessToken  string
	ProjectID    string
	Account      *Account
	AccountIndex int
}

// AccountSummary is one row of the admin summary view.
type AccountSummary struct {
	File       string `json:"file"`
	Email      string `json:"email,omitempty"`
	ProjectID  string `json:"projectId,omitempty"`
	Verified   bool   `json:"verified"`
	ExpiryDate int64  `json:"expiryDate"`
}

// Summary is the admin view of the pool.
type Summary struct {
	Count    int              `json:"count"`
	Current  map[string]int   `json:"current"`
	Accounts []AccountSummary `json:"accounts"`
}

// ProjectIDRepairResult reports a refreshAllProjectIDs pass.
type ProjectIDRepairResult struct {
	OK    int `json:"ok"`
	Fail  int `json:"fail"`
	Total int `json:"total"`
}

// Manager owns the account list, the per-group current index, and the
// coalescing slots for refresh and project-id resolution.
type Manager struct {
	authDir   string
	upstream  Upstream
	limiter   *ratelimit.Limiter // shared v1internal limiter
	refresher *Refresher

	mu       sync.Mutex
	accounts []*Account
	current  map[config.Group]int

	initialRefreshDone <-chan struct{}
}

// NewManager creates a manager over the given auth directory. The limiter is
// the shared v1internal limiter used by the thin wrapper operations; sweeps
// and repair bypass it.
func NewManager(authDir string, upstream Upstream, limiter *ratelimit.Limiter) *Manager {
	closed := make(chan struct{})
	close(closed)
	m := &Manager{
		authDir:            authDir,
		upstream:           upstream,
		limiter:            limiter,
		current:            map[config.Group]int{config.GroupClaude: 0, config.GroupGemini: 0},
		initialRefreshDone: closed,
	}
	m.refresher = NewRefresher(m.refreshAccount)
	return m
}

// LoadAccounts scans the auth directory and rebuilds the pool. Both group
// indices reset to 0. Initial token refresh and project-id repair are kicked
// off in the background; InitialRefreshDone exposes the refresh batch.
func (m *Manager) LoadAccounts(ctx context.Context) error {
	entries, err := os.ReadDir(m.authDir)
	if err != nil {
		if os.IsNotExist(err) {
			utils.Warn("[AccountManager] auth directory %s does not exist, starting with empty pool", m.authDir)
			m.mu.Lock()
			m.accounts = nil
			m.current[config.GroupClaude] = 0
			m.current[config.GroupGemini] = 0
			m.mu.Unlock()
			return nil
		}
		return fmt.Errorf("failed to read auth directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var accounts []*Account
	for _, name := range names {
		acc, err := LoadAccountFile(filepath.Join(m.authDir, name))
		if err != nil {
			utils.Warn("[AccountManager] skipping %s: %v", name, err)
			continue
		}
		accounts = append(accounts, acc)
	}

	m.mu.Lock()
	m.accounts = accounts
	m.current[config.GroupClaude] = 0
	m.current[config.GroupGemini] = 0
	m.mu.Unlock()

	utils.Info("[AccountManager] loaded %d account(s) from %s", len(accounts), m.authDir)

	for _, acc := range accounts {
		m.refresher.ScheduleRefresh(acc)
	}

	refreshDone := m.refresher.RefreshDueAccountsNow(ctx, accounts)
	m.mu.Lock()
	m.initialRefreshDone = refreshDone
	m.mu.Unlock()

	go func() {
		<-refreshDone
		result := m.RefreshAllProjectIDs(ctx)
		if result.Fail > 0 {
			utils.Warn("[AccountManager] project id repair: %d ok, %d failed", result.OK, result.Fail)
		}
	}()

	return nil
}

// ReloadAccounts cancels all timers and re-scans the directory.
func (m *Manager) ReloadAccounts(ctx context.Context) (*Summary, error) {
	m.refresher.CancelAll()
	if err := m.LoadAccounts(ctx); err != nil {
		return nil, err
	}
	return m.Summary(), nil
}

// InitialRefreshDone closes when the startup refresh batch has completed.
func (m *Manager) InitialRefreshDone() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialRefreshDone
}

// Count returns the pool size.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// CurrentIndex returns the group's current index.
func (m *Manager) CurrentIndex(group config.Group) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current[group]
}

// Accounts returns a snapshot of the pool.
func (m *Manager) Accounts() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Account(nil), m.accounts...)
}

func (m *Manager) accountAt(index int) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.accounts) == 0 {
		return nil, gwerrors.NewNoAccounts()
	}
	if index < 0 || index >= len(m.accounts) {
		return nil, gwerrors.NewInvalidIndex(index, len(m.accounts))
	}
	return m.accounts[index], nil
}

// GetCredentialsByIndex returns a ready-to-use token and project id for the
// account at index: joins any in-flight refresh, refreshes an expired token,
// then ensures a verified project id.
func (m *Manager) GetCredentialsByIndex(ctx context.Context, index int, group config.Group) (*CredentialResult, error) {
	acc, err := m.accountAt(index)
	if err != nil {
		return nil, err
	}

	if err := m.awaitOrRefresh(ctx, acc); err != nil {
		return nil, err
	}
	if err := m.ensureProjectID(ctx, acc); err != nil {
		return nil, err
	}

	creds := acc.Creds()
	return &CredentialResult{
		AccessToken:  creds.AccessToken,
		ProjectID:    creds.ProjectID,
		Account:      acc,
		AccountIndex: index,
	}, nil
}

// GetAccessTokenByIndex is GetCredentialsByIndex minus project-id resolution.
// Quota sweeps and project-id repair use it to avoid circularity.
func (m *Manager) GetAccessTokenByIndex(ctx context.Context, index int, group config.Group) (string, error) {
	acc, err := m.accountAt(index)
	if err != nil {
		return "", err
	}
	if err := m.awaitOrRefresh(ctx, acc); err != nil {
		return "", err
	}
	return acc.Creds().AccessToken, nil
}

// GetCredentials resolves credentials at the group's current index.
func (m *Manager) GetCredentials(ctx context.Context, group config.Group) (*CredentialResult, error) {
	return m.GetCredentialsByIndex(ctx, m.CurrentIndex(group), group)
}

// GetCurrentAccessToken returns the token at the group's current index.
func (m *Manager) GetCurrentAccessToken(ctx context.Context, group config.Group) (string, error) {
	return m.GetAccessTokenByIndex(ctx, m.CurrentIndex(group), group)
}

// awaitOrRefresh joins an in-flight refresh if one exists, then refreshes if
// the token is expired.
func (m *Manager) awaitOrRefresh(ctx context.Context, acc *Account) error {
	acc.mu.Lock()
	slot := acc.refreshing
	acc.mu.Unlock()
	if slot != nil {
		select {
		case <-slot.done:
			if slot.err != nil {
				return slot.err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if acc.Creds().ExpiredAt(utils.NowMs()) {
		return m.refreshAccount(ctx, acc)
	}
	return nil
}

// refreshAccount performs a coalesced token refresh: the first caller runs
// the exchange, concurrent callers join and observe the same result. The
// slot is cleared on completion so a later caller may retry after a failure.
func (m *Manager) refreshAccount(ctx context.Context, acc *Account) error {
	acc.mu.Lock()
	if acc.refreshing != nil {
		slot := acc.refreshing
		acc.mu.Unlock()
		select {
		case <-slot.done:
			return slot.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	slot := &inflight{done: make(chan struct{})}
	acc.refreshing = slot
	acc.mu.Unlock()

	err := m.doRefresh(ctx, acc)

	acc.mu.Lock()
	slot.err = err
	acc.refreshing = nil
	acc.mu.Unlock()
	close(slot.done)
	return err
}

func (m *Manager) doRefresh(ctx context.Context, acc *Account) error {
	old := acc.Creds()
	utils.Info("[AccountManager] refreshing token for %s", utils.MaskEmail(old.Email))

	result, err := m.upstream.RefreshToken(ctx, old.RefreshToken)
	if err != nil {
		return gwerrors.NewRefreshFailed(acc.ID, err)
	}

	fresh := Credentials{
		AccessToken:  result.AccessToken,
		RefreshToken: old.RefreshToken,
		ExpiryDate:   result.ExpiryDate,
		TokenType:    result.TokenType,
		Scope:        result.Scope,
		Email:        old.Email,
	}
	if result.RefreshToken != "" {
		fresh.RefreshToken = result.RefreshToken
	}
	if fresh.TokenType == "" {
		fresh.TokenType = old.TokenType
	}
	if fresh.Scope == "" {
		fresh.Scope = old.Scope
	}
	// A verified project id survives the refresh; anything else must be
	// re-resolved and a failure makes the account unusable.
	if old.HasVerifiedProjectID() {
		fresh.ProjectID = old.ProjectID
		fresh.ProjectIDResolvedAt = old.ProjectIDResolvedAt
	}

	if fresh.Email == "" {
		if info, err := m.upstream.FetchUserInfo(ctx, fresh.AccessToken); err == nil && info.Email != "" {
			fresh.Email = info.Email
		}
	}

	acc.setCreds(fresh)
	if err := acc.save(); err != nil {
		return gwerrors.NewRefreshFailed(acc.ID, err)
	}
	m.refresher.ScheduleRefresh(acc)

	if !fresh.HasVerifiedProjectID() {
		if err := m.resolveProjectID(ctx, acc); err != nil {
			return err
		}
	}
	return nil
}

// ensureProjectID short-circuits on a verified id, otherwise coalesces a
// single in-flight resolution per account.
func (m *Manager) ensureProjectID(ctx context.Context, acc *Account) error {
	if acc.Creds().HasVerifiedProjectID() {
		return nil
	}
	return m.resolveProjectID(ctx, acc)
}

func (m *Manager) resolveProjectID(ctx context.Context, acc *Account) error {
	acc.mu.Lock()
	if acc.resolving != nil {
		slot := acc.resolving
		acc.mu.Unlock()
		select {
		case <-slot.done:
			return slot.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	slot := &inflight{done: make(chan struct{})}
	acc.resolving = slot
	acc.mu.Unlock()

	err := m.doResolveProjectID(ctx, acc)

	acc.mu.Lock()
	slot.err = err
	acc.resolving = nil
	acc.mu.Unlock()
	close(slot.done)
	return err
}

func (m *Manager) doResolveProjectID(ctx context.Context, acc *Account) error {
	creds := acc.Creds()
	projectID, err := m.upstream.FetchProjectID(ctx, creds.AccessToken, cloudcode.ProjectIDOptions{
		MaxAttempts: config.ProjectIDMaxAttempts,
	})
	if err != nil {
		return err
	}

	acc.mu.Lock()
	acc.creds.ProjectID = projectID
	acc.creds.ProjectIDResolvedAt = utils.NowISO()
	acc.mu.Unlock()

	if err := acc.save(); err != nil {
		return err
	}
	utils.Success("[AccountManager] resolved project id for %s", utils.MaskEmail(creds.Email))
	return nil
}

// AddAccount persists a new credential set. The project id must resolve
// before anything is written; an account that cannot name its project is
// refused. A pool member with the same email is updated in place.
func (m *Manager) AddAccount(ctx context.Context, creds Credentials) (*Account, error) {
	if err := utils.EnsureDir(m.authDir); err != nil {
		return nil, err
	}

	if creds.Email == "" {
		if info, err := m.upstream.FetchUserInfo(ctx, creds.AccessToken); err == nil {
			creds.Email = info.Email
		}
	}

	if !creds.HasVerifiedProjectID() {
		projectID, err := m.upstream.FetchProjectID(ctx, creds.AccessToken, cloudcode.ProjectIDOptions{
			MaxAttempts: config.ProjectIDMaxAttempts,
		})
		if err != nil {
			return nil, err
		}
		creds.ProjectID = projectID
		creds.ProjectIDResolvedAt = utils.NowISO()
	}

	m.mu.Lock()
	var existing *Account
	if creds.Email != "" {
		for _, acc := range m.accounts {
			if acc.Email() == creds.Email {
				existing = acc
				break
			}
		}
	}
	m.mu.Unlock()

	if existing != nil {
		existing.setCreds(creds)
		if err := existing.save(); err != nil {
			return nil, err
		}
		m.refresher.ScheduleRefresh(existing)
		utils.Info("[AccountManager] updated account %s", utils.MaskEmail(creds.Email))
		return existing, nil
	}

	name := FileNameForEmail(creds.Email)
	acc := &Account{
		ID:       name,
		FilePath: filepath.Join(m.authDir, name),
		creds:    creds,
	}
	if err := acc.save(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	wasEmpty := len(m.accounts) == 0
	m.accounts = append(m.accounts, acc)
	if wasEmpty {
		m.current[config.GroupClaude] = 0
		m.current[config.GroupGemini] = 0
	}
	m.mu.Unlock()

	m.refresher.ScheduleRefresh(acc)
	utils.Success("[AccountManager] added account %s", utils.MaskEmail(creds.Email))
	return acc, nil
}

// DeleteAccountByFile removes the named account: cancels its timer, unlinks
// the file, drops it from the pool, and keeps each group's current index on
// the same surviving account where possible.
func (m *Manager) DeleteAccountByFile(fileName string) error {
	if err := ValidateFileName(fileName); err != nil {
		return err
	}

	m.mu.Lock()
	removed := -1
	for i, acc := range m.accounts {
		if acc.ID == fileName {
			removed = i
			break
		}
	}
	if removed < 0 {
		m.mu.Unlock()
		return fmt.Errorf("no account with file %s", fileName)
	}
	acc := m.accounts[removed]
	m.accounts = append(m.accounts[:removed], m.accounts[removed+1:]...)
	for _, group := range config.Groups {
		cur := m.current[group]
		switch {
		case cur > removed:
			m.current[group] = cur - 1
		case cur == removed && cur >= len(m.accounts):
			next := len(m.accounts) - 1
			if next < 0 {
				next = 0
			}
			m.current[group] = next
		}
	}
	m.mu.Unlock()

	m.refresher.CancelRefresh(acc.ID)
	if err := os.Remove(acc.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", fileName, err)
	}
	utils.Info("[AccountManager] deleted account %s", fileName)
	return nil
}

// RefreshAllProjectIDs repairs unverified project ids across the pool in
// parallel. Already-verified accounts are skipped and counted as ok.
func (m *Manager) RefreshAllProjectIDs(ctx context.Context) ProjectIDRepairResult {
	accounts := m.Accounts()
	result := ProjectIDRepairResult{Total: len(accounts)}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i, acc := range accounts {
		if acc.Creds().HasVerifiedProjectID() {
			result.OK++
			continue
		}
		i, acc := i, acc
		g.Go(func() error {
			_, err := m.GetAccessTokenByIndex(gctx, i, config.GroupGemini)
			if err == nil {
				err = m.resolveProjectID(gctx, acc)
			}
			mu.Lock()
			if err != nil {
				result.Fail++
				utils.Warn("[AccountManager] project id repair failed for %s: %v", acc.ID, err)
			} else {
				result.OK++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return result
}

// FetchAvailableModels is the admin pass-through at the current gemini index,
// using the shared v1internal limiter.
func (m *Manager) FetchAvailableModels(ctx context.Context) (map[string]*cloudcode.ModelInfo, error) {
	token, err := m.GetCurrentAccessToken(ctx, config.GroupGemini)
	if err != nil {
		return nil, err
	}
	return m.upstream.FetchAvailableModels(ctx, token, m.limiter)
}

// FetchUserInfo fetches user info for the current gemini account.
func (m *Manager) FetchUserInfo(ctx context.Context) (*cloudcode.UserInfo, error) {
	token, err := m.GetCurrentAccessToken(ctx, config.GroupGemini)
	if err != nil {
		return nil, err
	}
	return m.upstream.FetchUserInfo(ctx, token)
}

// Shutdown cancels all pending refresh timers.
func (m *Manager) Shutdown() {
	m.refresher.CancelAll()
}

// Summary builds the admin view.
func (m *Manager) Summary() *Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := &Summary{
		Count: len(m.accounts),
		Current: map[string]int{
			string(config.GroupClaude): m.current[config.GroupClaude],
			string(config.GroupGemini): m.current[config.GroupGemini],
		},
		Accounts: []AccountSummary{},
	}
	for _, acc := range m.accounts {
		creds := acc.Creds()
		summary.Accounts = append(summary.Accounts, AccountSummary{
			File:       acc.ID,
			Email:      utils.MaskEmail(creds.Email),
			ProjectID:  creds.ProjectID,
			Verified:   creds.HasVerifiedProjectID(),
			ExpiryDate: creds.ExpiryDate,
		})
	}
	return summary
}
