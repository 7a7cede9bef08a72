package redis

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
)

// StatsTTL bounds how long hourly usage counters are kept.
const StatsTTL = 30 * 24 * time.Hour

const hourKeyLayout = "2006-01-02T15"

// StatsStore records per-hour request counters, bucketed by quota group and
// model. A nil store is a no-op so the gateway works without Redis.
type StatsStore struct {
	client *Client
}

// NewStatsStore creates a stats store over an established client.
func NewStatsStore(client *Client) *StatsStore {
	return &StatsStore{client: client}
}

// HourlyStats is the decoded view of one hour bucket.
type HourlyStats struct {
	Hour     string                  `json:"hour"` // "2026-08-24T14"
	Total    int64                   `json:"total"`
	Families map[string]*FamilyStats `json:"families"`
}

// FamilyStats is the per-group slice of an hour bucket.
type FamilyStats struct {
	Subtotal int64            `json:"subtotal"`
	Models   map[string]int64 `json:"models"`
}

// RecordRequest bumps the hour bucket for one served request: the grand
// total, the group subtotal, and the per-model counter, in one pipeline.
func (s *StatsStore) RecordRequest(ctx context.Context, group, model string) error {
	if s == nil || s.client == nil {
		return nil
	}
	key := PrefixStats + currentHourKey()

	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, "_total", 1)
	pipe.HIncrBy(ctx, key, group+":_subtotal", 1)
	pipe.HIncrBy(ctx, key, group+":"+ModelShortName(model), 1)
	pipe.Expire(ctx, key, StatsTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetHourlyStats decodes one hour bucket. Returns nil when the hour is empty.
func (s *StatsStore) GetHourlyStats(ctx context.Context, hourKey string) (*HourlyStats, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	data, err := s.client.HGetAll(ctx, PrefixStats+hourKey)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	stats := &HourlyStats{Hour: hourKey, Families: make(map[string]*FamilyStats)}
	for field, value := range data {
		count, _ := strconv.ParseInt(value, 10, 64)
		if field == "_total" {
			stats.Total = count
			continue
		}
		family, model := parseStatsField(field)
		if family == "" {
			continue
		}
		if _, ok := stats.Families[family]; !ok {
			stats.Families[family] = &FamilyStats{Models: make(map[string]int64)}
		}
		if model == "_subtotal" {
			stats.Families[family].Subtotal = count
		} else {
			stats.Families[family].Models[model] = count
		}
	}
	return stats, nil
}

// GetRecentStats returns the last N hour buckets, oldest first.
func (s *StatsStore) GetRecentStats(ctx context.Context, hours int) ([]*HourlyStats, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	if hours <= 0 {
		hours = 24
	}

	now := time.Now().UTC()
	result := make([]*HourlyStats, 0, hours)
	for i := hours - 1; i >= 0; i-- {
		hourKey := now.Add(-time.Duration(i) * time.Hour).Format(hourKeyLayout)
		stats, err := s.GetHourlyStats(ctx, hourKey)
		if err != nil {
			continue
		}
		if stats != nil {
			result = append(result, stats)
		}
	}
	return result, nil
}

// GetTotalsByFamily aggregates group subtotals over the last N hours.
func (s *StatsStore) GetTotalsByFamily(ctx context.Context, hours int) (map[string]int64, error) {
	stats, err := s.GetRecentStats(ctx, hours)
	if err != nil {
		return nil, err
	}
	totals := make(map[string]int64)
	for _, hourStats := range stats {
		for family, familyStats := range hourStats.Families {
			totals[family] += familyStats.Subtotal
		}
	}
	return totals, nil
}

// PruneOldStats removes buckets older than the given number of days and
// returns how many were deleted.
func (s *StatsStore) PruneOldStats(ctx context.Context, days int) (int, error) {
	if s == nil || s.client == nil {
		return 0, nil
	}
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	keys, err := s.client.ScanAll(ctx, PrefixStats+"*")
	if err != nil {
		return 0, err
	}

	var expired []string
	for _, key := range keys {
		hourKey := strings.TrimPrefix(key, PrefixStats)
		t, err := time.Parse(hourKeyLayout, hourKey)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			expired = append(expired, key)
		}
	}
	sort.Strings(expired)
	if len(expired) == 0 {
		return 0, nil
	}
	if err := s.client.Delete(ctx, expired...); err != nil {
		return 0, err
	}
	return len(expired), nil
}

func currentHourKey() string {
	return time.Now().UTC().Format(hourKeyLayout)
}

func parseStatsField(field string) (family, model string) {
	if i := strings.IndexByte(field, ':'); i >= 0 {
		return field[:i], field[i+1:]
	}
	return "", ""
}

// ModelShortName drops the family prefix from a model id for compact counter
// fields, e.g. "gemini-3-pro" -> "3-pro".
func ModelShortName(model string) string {
	for _, prefix := range []string{"claude-", "gemini-"} {
		if strings.HasPrefix(model, prefix) && len(model) > len(prefix) {
			return strings.TrimPrefix(model, prefix)
		}
	}
	return model
}
