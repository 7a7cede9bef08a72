package dispatch

import (
	"math"
	"sort"

	"github.com/poemonsense/ag2api-go/internal/account"
)

// candidate is one account annotated with its quota standing for a model.
type candidate struct {
	index          int
	accountKey     string
	percent        int   // -1 = unknown, ranks below every known value
	resetTimeMs    int64 // math.MaxInt64 = unknown
	cooldownActive bool
}

// buildCandidates annotates every non-excluded account with its quota entry.
// Known-zero candidates are dropped unless includeZero.
func (d *Dispatcher) buildCandidates(model string, accounts []*account.Account, tried map[int]bool, nowMs int64, includeZero bool) []candidate {
	candidates := make([]candidate, 0, len(accounts))
	for i, acc := range accounts {
		if tried[i] {
			continue
		}
		c := candidate{
			index:       i,
			accountKey:  acc.ID,
			percent:     -1,
			resetTimeMs: math.MaxInt64,
		}
		if entry := d.quota.Get(model, acc.ID); entry != nil {
			if entry.RemainingPercent != nil {
				c.percent = *entry.RemainingPercent
			}
			if entry.ResetTimeMs > 0 {
				c.resetTimeMs = entry.ResetTimeMs
			}
			c.cooldownActive = entry.CooldownUntilMs > nowMs
		}
		if !includeZero && c.percent == 0 {
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates
}

// rankCandidates orders candidates best-first: active cooldowns last, then
// most remaining quota, then soonest reset, then lowest index.
func rankCandidates(candidates []candidate) {
	sort.SliceStable(candidates, func(a, b int) bool {
		ca, cb := candidates[a], candidates[b]
		if ca.cooldownActive != cb.cooldownActive {
			return !ca.cooldownActive
		}
		if ca.percent != cb.percent {
			return ca.percent > cb.percent
		}
		if ca.resetTimeMs != cb.resetTimeMs {
			return ca.resetTimeMs < cb.resetTimeMs
		}
		return ca.index < cb.index
	})
}

// selectCandidate picks the best account for a model, excluding tried
// indices. ok is false when no candidate survives exclusion.
func (d *Dispatcher) selectCandidate(model string, accounts []*account.Account, tried map[int]bool, nowMs int64, includeZero bool) (candidate, bool) {
	candidates := d.buildCandidates(model, accounts, tried, nowMs, includeZero)
	if len(candidates) == 0 {
		return candidate{}, false
	}
	rankCandidates(candidates)
	return candidates[0], true
}

// allKnownZero reports whether every account in the pool has a known
// observation of zero remaining quota for the model.
func (d *Dispatcher) allKnownZero(model string, accounts []*account.Account) bool {
	if len(accounts) == 0 {
		return false
	}
	for _, acc := range accounts {
		entry := d.quota.Get(model, acc.ID)
		if entry == nil || entry.RemainingPercent == nil || *entry.RemainingPercent != 0 {
			return false
		}
	}
	return true
}
