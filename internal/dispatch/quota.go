// Package dispatch decides which account serves each upstream call: it keeps
// per-(model, account) quota observations fresh via periodic sweeps, ranks
// accounts at request time, reacts to 429s with cooldowns and rotation, and
// fast-fails from a cached error once the whole pool is known exhausted.
package dispatch

import (
	"sync"

	"github.com/poemonsense/ag2api-go/internal/cloudcode"
	"github.com/poemonsense/ag2api-go/internal/utils"
)

// QuotaEntry is one (model, account) observation. An entry is known when
// RemainingPercent is non-nil; known-zero blocks selection by default.
type QuotaEntry struct {
	RemainingFraction *float64 `json:"remainingFraction,omitempty"`
	RemainingPercent  *int     `json:"remainingPercent,omitempty"`
	ResetTime         string   `json:"resetTime,omitempty"`
	ResetTimeMs       int64    `json:"resetTimeMs,omitempty"` // 0 = unknown
	CooldownUntilMs   int64    `json:"cooldownUntilMs,omitempty"`
	UpdatedAtMs       int64    `json:"updatedAtMs"`
}

// quotaCache maps model -> account key -> entry. Entries are never deleted;
// the next sweep overwrites them and staleness is tolerated by readers.
type quotaCache struct {
	mu      sync.RWMutex
	entries map[string]map[string]*QuotaEntry
}

func newQuotaCache() *quotaCache {
	return &quotaCache{entries: make(map[string]map[string]*QuotaEntry)}
}

func (q *quotaCache) entryFor(model, accountKey string) *QuotaEntry {
	byAccount, ok := q.entries[model]
	if !ok {
		byAccount = make(map[string]*QuotaEntry)
		q.entries[model] = byAccount
	}
	entry, ok := byAccount[accountKey]
	if !ok {
		entry = &QuotaEntry{}
		byAccount[accountKey] = entry
	}
	return entry
}

// Observe records a sweep observation. Missing fields degrade to unknown.
func (q *quotaCache) Observe(model, accountKey string, info *cloudcode.QuotaInfo) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := q.entryFor(model, accountKey)
	entry.UpdatedAtMs = utils.NowMs()
	if info == nil {
		return
	}
	if info.RemainingFraction != nil {
		fraction := *info.RemainingFraction
		percent := int(fraction * 100)
		entry.RemainingFraction = &fraction
		entry.RemainingPercent = &percent
	}
	if info.ResetTime != nil {
		entry.ResetTime = *info.ResetTime
		entry.ResetTimeMs = utils.ParseISOToMs(*info.ResetTime)
	}
}

// SetCooldown marks the account unavailable for the model until untilMs.
func (q *quotaCache) SetCooldown(model, accountKey string, untilMs int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry := q.entryFor(model, accountKey)
	entry.CooldownUntilMs = untilMs
	entry.UpdatedAtMs = utils.NowMs()
}

// Get returns a copy of the entry, or nil when the pair was never observed.
func (q *quotaCache) Get(model, accountKey string) *QuotaEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	byAccount, ok := q.entries[model]
	if !ok {
		return nil
	}
	entry, ok := byAccount[accountKey]
	if !ok {
		return nil
	}
	copied := *entry
	return &copied
}

// Snapshot returns a deep copy of the whole cache for the admin surface.
func (q *quotaCache) Snapshot() map[string]map[string]QuotaEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]map[string]QuotaEntry, len(q.entries))
	for model, byAccount := range q.entries {
		out[model] = make(map[string]QuotaEntry, len(byAccount))
		for key, entry := range byAccount {
			out[model][key] = *entry
		}
	}
	return out
}
