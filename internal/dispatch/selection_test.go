package dispatch

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poemonsense/ag2api-go/internal/cloudcode"
	"github.com/poemonsense/ag2api-go/internal/utils"
)

func TestRankCandidatesOrdering(t *testing.T) {
	candidates := []candidate{
		{index: 0, percent: 10, resetTimeMs: math.MaxInt64},
		{index: 1, percent: 80, resetTimeMs: math.MaxInt64, cooldownActive: true},
		{index: 2, percent: 60, resetTimeMs: math.MaxInt64},
		{index: 3, percent: -1, resetTimeMs: math.MaxInt64},
		{index: 4, percent: 60, resetTimeMs: 1000},
	}
	rankCandidates(candidates)

	// Cooldown last; 60% with the sooner reset beats 60% unknown reset;
	// unknown quota ranks below every known value.
	order := make([]int, len(candidates))
	for i, c := range candidates {
		order[i] = c.index
	}
	assert.Equal(t, []int{4, 2, 0, 3, 1}, order)
}

func TestRankCandidatesStableTieBreak(t *testing.T) {
	candidates := []candidate{
		{index: 2, percent: 50, resetTimeMs: 1000},
		{index: 0, percent: 50, resetTimeMs: 1000},
		{index: 1, percent: 50, resetTimeMs: 1000},
	}
	rankCandidates(candidates)
	assert.Equal(t, 0, candidates[0].index, "equal ranking falls back to lowest index")
}

func TestBuildCandidatesExclusions(t *testing.T) {
	fake := &fakeCore{}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com", "c@x.com")
	accounts := d.manager.Accounts()
	model := "gemini-3-pro"
	d.seedQuota(model, keyFor("a@x.com"), 0) // known-zero
	d.seedQuota(model, keyFor("b@x.com"), 0.5)

	t.Run("known-zero excluded by default", func(t *testing.T) {
		candidates := d.buildCandidates(model, accounts, nil, utils.NowMs(), false)
		require.Len(t, candidates, 2)
		for _, c := range candidates {
			assert.NotEqual(t, keyFor("a@x.com"), c.accountKey)
		}
	})

	t.Run("includeZero readmits known-zero", func(t *testing.T) {
		candidates := d.buildCandidates(model, accounts, nil, utils.NowMs(), true)
		assert.Len(t, candidates, 3)
	})

	t.Run("tried indices excluded", func(t *testing.T) {
		candidates := d.buildCandidates(model, accounts, map[int]bool{1: true}, utils.NowMs(), false)
		require.Len(t, candidates, 1)
		assert.Equal(t, 2, candidates[0].index)
	})
}

func TestAllKnownZero(t *testing.T) {
	fake := &fakeCore{}
	d := newTestDispatcher(t, fake, "a@x.com", "b@x.com")
	accounts := d.manager.Accounts()
	model := "gemini-3-pro"

	assert.False(t, d.allKnownZero(model, accounts), "unknown quota is not known-zero")

	d.seedQuota(model, keyFor("a@x.com"), 0)
	assert.False(t, d.allKnownZero(model, accounts))

	d.seedQuota(model, keyFor("b@x.com"), 0)
	assert.True(t, d.allKnownZero(model, accounts))

	assert.False(t, d.allKnownZero(model, nil), "empty pool is never known-zero")
}

func TestQuotaObserveDerivations(t *testing.T) {
	q := newQuotaCache()
	reset := "2026-08-24T12:00:00Z"
	q.Observe("m", "acc", &cloudcode.QuotaInfo{
		RemainingFraction: utils.Ptr(0.37),
		ResetTime:         &reset,
	})

	entry := q.Get("m", "acc")
	require.NotNil(t, entry)
	require.NotNil(t, entry.RemainingPercent)
	assert.Equal(t, 37, *entry.RemainingPercent)
	assert.Equal(t, utils.ParseISOToMs(reset), entry.ResetTimeMs)
	assert.Positive(t, entry.UpdatedAtMs)
}

func TestQuotaObserveMissingFieldsDegradeToUnknown(t *testing.T) {
	q := newQuotaCache()
	q.Observe("m", "acc", nil)
	entry := q.Get("m", "acc")
	require.NotNil(t, entry)
	assert.Nil(t, entry.RemainingPercent)
	assert.Zero(t, entry.ResetTimeMs)

	q.Observe("m", "acc", &cloudcode.QuotaInfo{})
	entry = q.Get("m", "acc")
	assert.Nil(t, entry.RemainingPercent)
}

func TestQuotaCooldownPreservedAcrossObserve(t *testing.T) {
	q := newQuotaCache()
	until := utils.NowMs() + 5000
	q.SetCooldown("m", "acc", until)
	q.Observe("m", "acc", &cloudcode.QuotaInfo{RemainingFraction: utils.Ptr(1.0)})

	entry := q.Get("m", "acc")
	require.NotNil(t, entry)
	assert.Equal(t, until, entry.CooldownUntilMs)
	require.NotNil(t, entry.RemainingPercent)
	assert.Equal(t, 100, *entry.RemainingPercent)
}
