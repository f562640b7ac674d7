package collector

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/store"
)

type usageSample struct {
	at       time.Time
	model    string
	tokens   int64
	requests int64
}

type fakeRateLimitStore struct {
	configs  []store.RateLimitConfig
	samples  []usageSample
	statuses map[int64]store.RateLimitStatus
}

func newFakeRateLimitStore() *fakeRateLimitStore {
	return &fakeRateLimitStore{statuses: make(map[int64]store.RateLimitStatus)}
}

func (f *fakeRateLimitStore) matches(model, pattern string) bool {
	return strings.Contains(strings.ToLower(model), strings.ToLower(pattern))
}

func (f *fakeRateLimitStore) ListRateLimitConfigs(context.Context) ([]store.RateLimitConfig, error) {
	return f.configs, nil
}

func (f *fakeRateLimitStore) UpsertRateLimitStatus(_ context.Context, st *store.RateLimitStatus) error {
	f.statuses[st.ConfigID] = *st
	return nil
}

func (f *fakeRateLimitStore) LatestUsageTime(_ context.Context, pattern string) (*time.Time, error) {
	var best *time.Time
	for _, s := range f.samples {
		if !f.matches(s.model, pattern) {
			continue
		}
		at := s.at
		if best == nil || at.After(*best) {
			best = &at
		}
	}
	return best, nil
}

func (f *fakeRateLimitStore) FirstUsageTimeSince(_ context.Context, pattern string, since time.Time) (*time.Time, error) {
	var best *time.Time
	for _, s := range f.samples {
		if !f.matches(s.model, pattern) || s.at.Before(since) {
			continue
		}
		at := s.at
		if best == nil || at.Before(*best) {
			best = &at
		}
	}
	return best, nil
}

func (f *fakeRateLimitStore) LatestUsageTimeBefore(_ context.Context, pattern string, before time.Time) (*time.Time, error) {
	var best *time.Time
	for _, s := range f.samples {
		if !f.matches(s.model, pattern) || !s.at.Before(before) {
			continue
		}
		at := s.at
		if best == nil || at.After(*best) {
			best = &at
		}
	}
	return best, nil
}

func (f *fakeRateLimitStore) UsageCountersAt(_ context.Context, pattern string, at time.Time) (map[string]store.UsageCounters, error) {
	result := make(map[string]store.UsageCounters)
	for _, s := range f.samples {
		if !f.matches(s.model, pattern) || !s.at.Equal(at) {
			continue
		}
		c := result[s.model]
		c.Tokens += s.tokens
		c.Requests += s.requests
		result[s.model] = c
	}
	return result, nil
}

func fixedEngine(f *fakeRateLimitStore, now time.Time) *RateLimitEngine {
	e := NewRateLimitEngine(f, time.UTC)
	e.now = func() time.Time { return now }
	return e
}

func int64ptr(v int64) *int64 { return &v }

func TestWeeklyWindowIgnoresExpiredAnchor(t *testing.T) {
	f := newFakeRateLimitStore()
	anchor := time.Date(2023, 10, 22, 12, 0, 0, 0, time.UTC) // Sunday, before this week
	f.configs = []store.RateLimitConfig{{
		ID:                   1,
		ModelPattern:         "gemini",
		WindowMinutes:        10080,
		ResetStrategy:        "weekly",
		TokenLimit:           int64ptr(1_000_000),
		ResetAnchorTimestamp: &anchor,
	}}

	now := time.Date(2023, 10, 25, 10, 0, 0, 0, time.UTC) // Wednesday
	e := fixedEngine(f, now)
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	st, ok := f.statuses[1]
	if !ok {
		t.Fatal("no status written")
	}
	wantStart := time.Date(2023, 10, 23, 0, 0, 0, 0, time.UTC) // Monday 00:00
	if !st.WindowStart.Equal(wantStart) {
		t.Errorf("WindowStart = %v, want natural Monday %v (anchor expired)", st.WindowStart, wantStart)
	}
	if !st.NextReset.Equal(wantStart.AddDate(0, 0, 7)) {
		t.Errorf("NextReset = %v, want %v", st.NextReset, wantStart.AddDate(0, 0, 7))
	}
}

func TestAnchorOverridesNaturalStart(t *testing.T) {
	f := newFakeRateLimitStore()
	anchor := time.Date(2023, 10, 25, 8, 0, 0, 0, time.UTC) // Wednesday morning, this week
	f.configs = []store.RateLimitConfig{{
		ID:                   1,
		ModelPattern:         "gemini",
		WindowMinutes:        10080,
		ResetStrategy:        "weekly",
		TokenLimit:           int64ptr(1_000_000),
		ResetAnchorTimestamp: &anchor,
	}}

	now := time.Date(2023, 10, 25, 10, 0, 0, 0, time.UTC)
	e := fixedEngine(f, now)
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if st := f.statuses[1]; !st.WindowStart.Equal(anchor) {
		t.Errorf("WindowStart = %v, want anchor %v", st.WindowStart, anchor)
	}
}

func TestWeeklyWindowMonotonicity(t *testing.T) {
	f := newFakeRateLimitStore()
	f.configs = []store.RateLimitConfig{{
		ID:            1,
		ModelPattern:  "gemini",
		WindowMinutes: 10080,
		ResetStrategy: "weekly",
		TokenLimit:    int64ptr(1_000_000),
	}}

	monday := time.Date(2023, 10, 23, 0, 0, 0, 0, time.UTC)
	for day := 0; day < 7; day++ {
		now := monday.Add(time.Duration(day)*24*time.Hour + 10*time.Hour)
		e := fixedEngine(f, now)
		if err := e.Sync(context.Background()); err != nil {
			t.Fatalf("Sync day %d: %v", day, err)
		}
		if st := f.statuses[1]; !st.WindowStart.Equal(monday) {
			t.Errorf("day %d: WindowStart = %v, want constant %v", day, st.WindowStart, monday)
		}
	}

	// Next Monday jumps by exactly 7 days.
	e := fixedEngine(f, monday.AddDate(0, 0, 7).Add(time.Hour))
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("Sync next week: %v", err)
	}
	if st := f.statuses[1]; !st.WindowStart.Equal(monday.AddDate(0, 0, 7)) {
		t.Errorf("next week WindowStart = %v, want %v", st.WindowStart, monday.AddDate(0, 0, 7))
	}
}

func TestDataGapInterpolation(t *testing.T) {
	f := newFakeRateLimitStore()
	f.configs = []store.RateLimitConfig{{
		ID:            1,
		ModelPattern:  "gemini",
		WindowMinutes: 10080,
		ResetStrategy: "weekly",
		TokenLimit:    int64ptr(1_000_000),
	}}

	// Collection paused from Saturday evening until Monday morning; the gap
	// crosses the Monday 00:00 window boundary.
	baseline := time.Date(2023, 10, 21, 23, 0, 0, 0, time.UTC)
	firstInner := time.Date(2023, 10, 23, 3, 0, 0, 0, time.UTC)
	latest := time.Date(2023, 10, 23, 9, 0, 0, 0, time.UTC)
	f.samples = []usageSample{
		{at: baseline, model: "gemini-2.5-pro", tokens: 1000, requests: 10},
		{at: firstInner, model: "gemini-2.5-pro", tokens: 5000, requests: 50},
		{at: latest, model: "gemini-2.5-pro", tokens: 6000, requests: 60},
	}

	now := time.Date(2023, 10, 25, 10, 0, 0, 0, time.UTC)
	e := fixedEngine(f, now)
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// ratio = (Mon 00:00 - Sat 23:00) / (Mon 03:00 - Sat 23:00) = 25h/28h;
	// synthetic baseline = 1000 + 25/28*4000 ≈ 4571; usage = 6000 - 4571.
	st := f.statuses[1]
	if st.UsedTokens != 1429 {
		t.Errorf("UsedTokens = %d, want 1429", st.UsedTokens)
	}
}

func TestNoBaselineIsOptimistic(t *testing.T) {
	f := newFakeRateLimitStore()
	f.configs = []store.RateLimitConfig{{
		ID:            1,
		ModelPattern:  "gemini",
		WindowMinutes: 1440,
		ResetStrategy: "daily",
		TokenLimit:    int64ptr(100_000),
	}}

	day := time.Date(2023, 10, 25, 0, 0, 0, 0, time.UTC)
	f.samples = []usageSample{
		{at: day.Add(2 * time.Hour), model: "gemini-2.5-pro", tokens: 40_000, requests: 400},
		{at: day.Add(8 * time.Hour), model: "gemini-2.5-pro", tokens: 55_000, requests: 550},
	}

	e := fixedEngine(f, day.Add(10*time.Hour))
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	st := f.statuses[1]
	if st.UsedTokens != 15_000 || st.UsedRequests != 150 {
		t.Errorf("used = %d tokens / %d requests, want 15000/150 (first inner sample as baseline)",
			st.UsedTokens, st.UsedRequests)
	}
	if st.StatusLabel != "15,000/100,000 Tokens" {
		t.Errorf("StatusLabel = %q", st.StatusLabel)
	}
	if st.Percentage != 85 {
		t.Errorf("Percentage = %v, want 85", st.Percentage)
	}
}

func TestStaleUsageOutsideWindowIsZero(t *testing.T) {
	f := newFakeRateLimitStore()
	f.configs = []store.RateLimitConfig{{
		ID:            1,
		ModelPattern:  "gemini",
		WindowMinutes: 1440,
		ResetStrategy: "daily",
		RequestLimit:  int64ptr(100),
	}}
	f.samples = []usageSample{
		{at: time.Date(2023, 10, 20, 12, 0, 0, 0, time.UTC), model: "gemini-2.5-pro", tokens: 9_000, requests: 90},
	}

	e := fixedEngine(f, time.Date(2023, 10, 25, 10, 0, 0, 0, time.UTC))
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	st := f.statuses[1]
	if st.UsedTokens != 0 || st.UsedRequests != 0 {
		t.Errorf("used = %d/%d, want 0/0 for activity older than the window", st.UsedTokens, st.UsedRequests)
	}
	if st.StatusLabel != "0/100 Requests" {
		t.Errorf("StatusLabel = %q", st.StatusLabel)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	f := newFakeRateLimitStore()
	f.configs = []store.RateLimitConfig{{
		ID:            1,
		ModelPattern:  "gemini",
		WindowMinutes: 60,
		ResetStrategy: "rolling",
		TokenLimit:    int64ptr(10_000),
	}}
	now := time.Date(2023, 10, 25, 10, 0, 0, 0, time.UTC)
	f.samples = []usageSample{
		{at: now.Add(-50 * time.Minute), model: "gemini-2.5-pro", tokens: 1_000, requests: 10},
		{at: now.Add(-10 * time.Minute), model: "gemini-2.5-pro", tokens: 3_000, requests: 30},
	}

	e := fixedEngine(f, now)
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	first := f.statuses[1]
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	second := f.statuses[1]

	if !reflect.DeepEqual(first.UsedTokens, second.UsedTokens) ||
		first.StatusLabel != second.StatusLabel || first.Percentage != second.Percentage {
		t.Errorf("statuses differ between identical runs: %+v vs %+v", first, second)
	}
}

func TestIncompleteConfigSkipped(t *testing.T) {
	f := newFakeRateLimitStore()
	f.configs = []store.RateLimitConfig{{
		ID:            7,
		ModelPattern:  "",
		WindowMinutes: 60,
		ResetStrategy: "rolling",
	}}

	e := fixedEngine(f, time.Now())
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := f.statuses[7]; ok {
		t.Error("incomplete config must not produce a status row")
	}
}

func TestStatusLabelFallback(t *testing.T) {
	cfg := store.RateLimitConfig{ID: 3}
	st := buildStatus(cfg, time.Now(), time.Now().Add(time.Minute), 12_345, 67, time.Now())
	if st.StatusLabel != "Used: 12,345T / 67R" {
		t.Errorf("StatusLabel = %q", st.StatusLabel)
	}
	if st.Percentage != 100 {
		t.Errorf("Percentage = %v, want informational 100", st.Percentage)
	}
}
