package collector

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/monitoring"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/store"
)

// A gap between the pre-window baseline and the first in-window sample larger
// than this means collection was down across the window boundary; the
// baseline is then interpolated at the boundary instead of taken verbatim.
const gapThreshold = 1800 * time.Second

// RateLimitStore is the persistence surface the rate limit engine needs.
type RateLimitStore interface {
	ListRateLimitConfigs(ctx context.Context) ([]store.RateLimitConfig, error)
	UpsertRateLimitStatus(ctx context.Context, st *store.RateLimitStatus) error
	LatestUsageTime(ctx context.Context, pattern string) (*time.Time, error)
	FirstUsageTimeSince(ctx context.Context, pattern string, since time.Time) (*time.Time, error)
	LatestUsageTimeBefore(ctx context.Context, pattern string, before time.Time) (*time.Time, error)
	UsageCountersAt(ctx context.Context, pattern string, at time.Time) (map[string]store.UsageCounters, error)
}

// RateLimitEngine computes the usage inside each configured window from the
// durable per-model rows and publishes a status row per config.
type RateLimitEngine struct {
	store RateLimitStore
	loc   *time.Location
	now   func() time.Time
}

// NewRateLimitEngine builds an engine evaluating windows in the given zone.
func NewRateLimitEngine(s RateLimitStore, loc *time.Location) *RateLimitEngine {
	return &RateLimitEngine{store: s, loc: loc, now: time.Now}
}

// Sync recomputes the status of every configured rate limit window. Failures
// are per-config; one bad config does not stop the rest.
func (e *RateLimitEngine) Sync(ctx context.Context) error {
	configs, err := e.store.ListRateLimitConfigs(ctx)
	if err != nil {
		return fmt.Errorf("list rate limit configs: %w", err)
	}
	if len(configs) == 0 {
		log.Debug("No rate limit configurations found")
		return nil
	}

	for _, cfg := range configs {
		if err := e.processConfig(ctx, cfg); err != nil {
			monitoring.RateLimitConfigsTotal.WithLabelValues("error").Inc()
			log.WithError(err).WithFields(log.Fields{
				"config_id": cfg.ID,
				"pattern":   cfg.ModelPattern,
			}).Error("Failed to process rate limit config")
		}
	}
	return nil
}

func (e *RateLimitEngine) processConfig(ctx context.Context, cfg store.RateLimitConfig) error {
	if cfg.ModelPattern == "" || cfg.WindowMinutes == 0 || cfg.ResetStrategy == "" {
		monitoring.RateLimitConfigsTotal.WithLabelValues("skipped").Inc()
		log.WithField("config_id", cfg.ID).Warn("Skipping incomplete rate limit config")
		return nil
	}

	now := e.now().In(e.loc)

	var calculatedStart, nextReset time.Time
	switch cfg.ResetStrategy {
	case "daily":
		calculatedStart = startOfDay(now)
		nextReset = calculatedStart.AddDate(0, 0, 1)
	case "weekly":
		startOfToday := startOfDay(now)
		daysSinceMonday := (int(startOfToday.Weekday()) + 6) % 7
		calculatedStart = startOfToday.AddDate(0, 0, -daysSinceMonday)
		nextReset = calculatedStart.AddDate(0, 0, 7)
	case "rolling":
		calculatedStart = now.Add(-time.Duration(cfg.WindowMinutes) * time.Minute)
		nextReset = now.Add(time.Minute)
	default:
		monitoring.RateLimitConfigsTotal.WithLabelValues("skipped").Inc()
		log.WithFields(log.Fields{
			"config_id": cfg.ID,
			"strategy":  cfg.ResetStrategy,
		}).Warn("Unsupported reset strategy")
		return nil
	}

	// A manual reset anchor is honored only while it is newer than the
	// natural start; once the window rolls past it, it expires.
	windowStart := calculatedStart
	if cfg.ResetAnchorTimestamp != nil && cfg.ResetAnchorTimestamp.After(calculatedStart) {
		windowStart = cfg.ResetAnchorTimestamp.In(e.loc)
		log.WithFields(log.Fields{
			"config_id": cfg.ID,
			"anchor":    windowStart,
		}).Info("Manual reset anchor active")
	}

	usedTokens, usedRequests, err := e.usageInWindow(ctx, cfg.ModelPattern, windowStart)
	if err != nil {
		return err
	}

	status := buildStatus(cfg, windowStart, nextReset, usedTokens, usedRequests, now)
	if err := e.store.UpsertRateLimitStatus(ctx, status); err != nil {
		return err
	}

	monitoring.RateLimitConfigsTotal.WithLabelValues("ok").Inc()
	log.WithFields(log.Fields{
		"config_id":  cfg.ID,
		"label":      status.StatusLabel,
		"percentage": status.Percentage,
	}).Info("Rate limit status updated")
	return nil
}

// usageInWindow computes the token/request usage since windowStart by
// differencing cumulative counters between snapshot times.
func (e *RateLimitEngine) usageInWindow(ctx context.Context, pattern string, windowStart time.Time) (int64, int64, error) {
	latest, err := e.store.LatestUsageTime(ctx, pattern)
	if err != nil {
		return 0, 0, err
	}
	if latest == nil || latest.Before(windowStart) {
		return 0, 0, nil
	}

	firstInner, err := e.store.FirstUsageTimeSince(ctx, pattern, windowStart)
	if err != nil {
		return 0, 0, err
	}
	baseline, err := e.store.LatestUsageTimeBefore(ctx, pattern, windowStart)
	if err != nil {
		return 0, 0, err
	}

	latestMap, err := e.store.UsageCountersAt(ctx, pattern, *latest)
	if err != nil {
		return 0, 0, err
	}

	// No sample before the window: difference against the first in-window
	// sample. Under-counts rather than over-counts.
	if baseline == nil {
		if firstInner == nil {
			return 0, 0, nil
		}
		baseMap, err := e.store.UsageCountersAt(ctx, pattern, *firstInner)
		if err != nil {
			return 0, 0, err
		}
		tok, req := sumDeltas(latestMap, baseMap)
		return tok, req, nil
	}

	if firstInner != nil {
		gap := firstInner.Sub(*baseline)
		if gap > gapThreshold {
			baseMap, err := e.store.UsageCountersAt(ctx, pattern, *baseline)
			if err != nil {
				return 0, 0, err
			}
			innerMap, err := e.store.UsageCountersAt(ctx, pattern, *firstInner)
			if err != nil {
				return 0, 0, err
			}
			ratio := windowStart.Sub(*baseline).Seconds() / gap.Seconds()
			if ratio < 0 {
				ratio = 0
			}
			if ratio > 1 {
				ratio = 1
			}
			log.WithFields(log.Fields{
				"pattern": pattern,
				"gap":     gap,
				"ratio":   fmt.Sprintf("%.4f", ratio),
			}).Info("Data gap crosses window boundary, interpolating baseline")
			tok, req := sumDeltas(latestMap, interpolateCounters(baseMap, innerMap, ratio))
			return tok, req, nil
		}
	}

	baseMap, err := e.store.UsageCountersAt(ctx, pattern, *baseline)
	if err != nil {
		return 0, 0, err
	}
	tok, req := sumDeltas(latestMap, baseMap)
	return tok, req, nil
}

// interpolateCounters estimates per-model counters at a point ratio of the
// way from the baseline snapshot to the first in-window snapshot, ratio
// clamped to [0,1] by the caller. Models missing from the inner snapshot keep
// their baseline values.
func interpolateCounters(baseline, inner map[string]store.UsageCounters, ratio float64) map[string]store.UsageCounters {
	result := make(map[string]store.UsageCounters, len(baseline)+len(inner))
	models := make(map[string]struct{}, len(baseline)+len(inner))
	for m := range baseline {
		models[m] = struct{}{}
	}
	for m := range inner {
		models[m] = struct{}{}
	}
	for m := range models {
		start := baseline[m]
		end, ok := inner[m]
		if !ok {
			end = start
		}
		result[m] = store.UsageCounters{
			Tokens:   int64(math.Round(float64(start.Tokens) + ratio*float64(end.Tokens-start.Tokens))),
			Requests: int64(math.Round(float64(start.Requests) + ratio*float64(end.Requests-start.Requests))),
		}
	}
	return result
}

// sumDeltas sums max(0, latest−base) per model present in latest.
func sumDeltas(latest, base map[string]store.UsageCounters) (tokens, requests int64) {
	for model, cur := range latest {
		b := base[model]
		if d := cur.Tokens - b.Tokens; d > 0 {
			tokens += d
		}
		if d := cur.Requests - b.Requests; d > 0 {
			requests += d
		}
	}
	return tokens, requests
}

func buildStatus(cfg store.RateLimitConfig, windowStart, nextReset time.Time, usedTokens, usedRequests int64, now time.Time) *store.RateLimitStatus {
	label := "N/A"
	percentage := int64(100)
	remTokens := int64(0)
	remRequests := int64(0)

	switch {
	case cfg.TokenLimit != nil && *cfg.TokenLimit > 0:
		limit := *cfg.TokenLimit
		remTokens = limit - usedTokens
		if remTokens < 0 {
			remTokens = 0
		}
		percentage = remTokens * 100 / limit
		label = fmt.Sprintf("%s/%s Tokens", comma(usedTokens), comma(limit))
	case cfg.RequestLimit != nil && *cfg.RequestLimit > 0:
		limit := *cfg.RequestLimit
		remRequests = limit - usedRequests
		if remRequests < 0 {
			remRequests = 0
		}
		percentage = remRequests * 100 / limit
		label = fmt.Sprintf("%s/%s Requests", comma(usedRequests), comma(limit))
	default:
		label = fmt.Sprintf("Used: %sT / %sR", comma(usedTokens), comma(usedRequests))
	}

	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}

	return &store.RateLimitStatus{
		ConfigID:          cfg.ID,
		WindowStart:       windowStart,
		NextReset:         nextReset,
		UsedTokens:        usedTokens,
		UsedRequests:      usedRequests,
		RemainingTokens:   &remTokens,
		RemainingRequests: &remRequests,
		StatusLabel:       label,
		Percentage:        float64(percentage),
		LastUpdated:       now,
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// comma renders n with thousands separators.
func comma(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	if neg {
		return "-" + s
	}
	return s
}
