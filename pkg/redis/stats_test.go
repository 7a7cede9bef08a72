package redis

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseStatsField(t *testing.T) {
	family, model := parseStatsField("gemini:3-pro")
	assert.Equal(t, "gemini", family)
	assert.Equal(t, "3-pro", model)

	family, model = parseStatsField("claude:_subtotal")
	assert.Equal(t, "claude", family)
	assert.Equal(t, "_subtotal", model)

	family, _ = parseStatsField("_total")
	assert.Empty(t, family)
}

func TestModelShortName(t *testing.T) {
	assert.Equal(t, "3-pro", ModelShortName("gemini-3-pro"))
	assert.Equal(t, "sonnet-4-5", ModelShortName("claude-sonnet-4-5"))
	assert.Equal(t, "custom-model", ModelShortName("custom-model"))
	assert.Equal(t, "claude-", ModelShortName("claude-"))
}

func TestNilStoreIsNoOp(t *testing.T) {
	var s *StatsStore
	assert.NoError(t, s.RecordRequest(context.Background(), "gemini", "gemini-3-pro"))

	stats, err := s.GetHourlyStats(context.Background(), "2026-08-24T10")
	assert.NoError(t, err)
	assert.Nil(t, stats)

	recent, err := s.GetRecentStats(context.Background(), 24)
	assert.NoError(t, err)
	assert.Nil(t, recent)

	pruned, err := s.PruneOldStats(context.Background(), 30)
	assert.NoError(t, err)
	assert.Zero(t, pruned)
}
