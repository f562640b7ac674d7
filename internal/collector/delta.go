package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/monitoring"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/pricing"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/proxy"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/store"
)

// A key whose per-tick cost delta exceeds falseStartCostFloor while matching
// its full cumulative cost within falseStartTolerance is a false start: a
// previously invisible credential surfacing with historical baggage.
var (
	falseStartCostFloor = decimal.NewFromInt(10)
	falseStartTolerance = decimal.RequireFromString("0.1")
)

// DeltaStore is the persistence surface the delta engine needs.
type DeltaStore interface {
	InsertSnapshot(ctx context.Context, snap *store.Snapshot) (int64, error)
	UpdateSnapshotCost(ctx context.Context, id int64, cost decimal.Decimal) error
	InsertModelUsage(ctx context.Context, rows []store.ModelUsageRow) error
	PreviousSnapshot(ctx context.Context, excludeID int64) (*store.Snapshot, error)
	ModelUsageBySnapshot(ctx context.Context, snapshotID int64) (map[string]store.ModelUsageRow, error)
	DailyStat(ctx context.Context, statDate string) (*store.DailyStat, error)
	UpsertDailyStat(ctx context.Context, stat *store.DailyStat) error
}

// PriceLookup resolves per-model token prices.
type PriceLookup interface {
	Lookup(ctx context.Context, model string) pricing.Price
}

// DeltaEngine turns cumulative usage documents into restart-safe daily
// increments and a self-healing per-day breakdown.
type DeltaEngine struct {
	store  DeltaStore
	prices PriceLookup
	loc    *time.Location
	now    func() time.Time
}

// NewDeltaEngine builds a delta engine accumulating days in the given zone.
func NewDeltaEngine(s DeltaStore, prices PriceLookup, loc *time.Location) *DeltaEngine {
	return &DeltaEngine{store: s, prices: prices, loc: loc, now: time.Now}
}

type keyDelta struct {
	req, tok, in, out int64
	cost              decimal.Decimal
}

// Apply archives the document as a snapshot, computes the increment since the
// previous snapshot, and folds it into today's daily stats row.
func (e *DeltaEngine) Apply(ctx context.Context, resp *proxy.UsageResponse) error {
	usage := resp.Usage
	collectedAt := e.now().UTC()

	rows, totalCost := e.buildModelRows(ctx, usage, collectedAt)

	prevSnap, err := e.store.PreviousSnapshot(ctx, 0)
	if err != nil {
		return fmt.Errorf("load previous snapshot: %w", err)
	}
	lastCostTotal := decimal.Zero
	if prevSnap != nil {
		lastCostTotal = prevSnap.CumulativeCostUSD
	}

	// Placeholder cost; corrected once the per-model rows are in.
	snapshotID, err := e.store.InsertSnapshot(ctx, &store.Snapshot{
		CollectedAt:       collectedAt,
		RawData:           resp.Raw,
		TotalRequests:     usage.TotalRequests,
		SuccessCount:      usage.SuccessCount,
		FailureCount:      usage.FailureCount,
		TotalTokens:       usage.TotalTokens,
		CumulativeCostUSD: lastCostTotal,
	})
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}

	for i := range rows {
		rows[i].SnapshotID = snapshotID
	}
	if err := e.store.InsertModelUsage(ctx, rows); err != nil {
		return fmt.Errorf("insert model usage: %w", err)
	}

	cumulativeCost := lastCostTotal.Add(totalCost)
	if err := e.store.UpdateSnapshotCost(ctx, snapshotID, cumulativeCost); err != nil {
		return fmt.Errorf("update snapshot cost: %w", err)
	}

	// Global increments since the previous snapshot. A negative request or
	// token delta means the proxy restarted and its counters began at zero
	// again; the current values then ARE the increment.
	incRequests := usage.TotalRequests
	incSuccess := usage.SuccessCount
	incFailure := usage.FailureCount
	incTokens := usage.TotalTokens
	incCost := totalCost

	if prevSnap != nil {
		incRequests = usage.TotalRequests - prevSnap.TotalRequests
		incSuccess = usage.SuccessCount - prevSnap.SuccessCount
		incFailure = usage.FailureCount - prevSnap.FailureCount
		incTokens = usage.TotalTokens - prevSnap.TotalTokens
		incCost = cumulativeCost.Sub(prevSnap.CumulativeCostUSD)

		if incRequests < 0 || incTokens < 0 {
			monitoring.RestartsDetectedTotal.Inc()
			log.WithFields(log.Fields{
				"prev_requests": prevSnap.TotalRequests,
				"curr_requests": usage.TotalRequests,
			}).Warn("Proxy restart detected, adopting current counters as increment")
			incRequests = usage.TotalRequests
			incSuccess = usage.SuccessCount
			incFailure = usage.FailureCount
			incTokens = usage.TotalTokens
			incCost = totalCost
		}
	}

	deltas := make(map[string]keyDelta)
	if prevSnap != nil {
		prevRows, err := e.store.ModelUsageBySnapshot(ctx, prevSnap.ID)
		if err != nil {
			return fmt.Errorf("load previous model usage: %w", err)
		}
		currRows := make(map[string]store.ModelUsageRow, len(rows))
		for _, r := range rows {
			currRows[usageKey(r.ModelName, r.APIEndpoint)] = r
		}

		for key := range union(prevRows, currRows) {
			prev := prevRows[key]
			curr := currRows[key]

			d := keyDelta{
				req:  curr.RequestCount - prev.RequestCount,
				tok:  curr.TotalTokens - prev.TotalTokens,
				in:   curr.InputTokens - prev.InputTokens,
				out:  curr.OutputTokens - prev.OutputTokens,
				cost: curr.EstimatedCostUSD.Sub(prev.EstimatedCostUSD),
			}
			// Per-key restart detection mirrors the global rule.
			if d.req < 0 || d.tok < 0 {
				d = keyDelta{
					req:  curr.RequestCount,
					tok:  curr.TotalTokens,
					in:   curr.InputTokens,
					out:  curr.OutputTokens,
					cost: curr.EstimatedCostUSD,
				}
			}

			if d.cost.GreaterThan(falseStartCostFloor) &&
				d.cost.Sub(curr.EstimatedCostUSD).Abs().LessThan(falseStartTolerance) {
				monitoring.FalseStartsTotal.Inc()
				log.WithFields(log.Fields{
					"key":      key,
					"cost":     d.cost.StringFixed(2),
					"snapshot": snapshotID,
				}).Warn("Skipping false start, removing from global increments")
				incRequests -= d.req
				incTokens -= d.tok
				incCost = incCost.Sub(d.cost)
				// Success/failure stay unadjusted here; the consistency
				// override below scales them when the mismatch is large.
				continue
			}

			if d.req > 0 || d.cost.IsPositive() {
				deltas[key] = d
			}
		}
	} else {
		// First snapshot ever: the current cumulative rows are the delta.
		for _, r := range rows {
			deltas[usageKey(r.ModelName, r.APIEndpoint)] = keyDelta{
				req:  r.RequestCount,
				tok:  r.TotalTokens,
				in:   r.InputTokens,
				out:  r.OutputTokens,
				cost: r.EstimatedCostUSD,
			}
		}
	}

	breakdownDelta := store.NewBreakdown()
	for key, d := range deltas {
		model, endpoint := splitUsageKey(key)
		mergeModelDelta(breakdownDelta.Models, model, d)
		mergeEndpointDelta(breakdownDelta.Endpoints, endpoint, model, d)
	}

	// Consistency override: the breakdown is the source of truth for the
	// global increments; success/failure are scaled to match when false
	// starts filtered out a significant share of requests.
	if prevSnap != nil {
		var safeRequests, safeTokens int64
		safeCost := decimal.Zero
		for _, m := range breakdownDelta.Models {
			safeRequests += m.Requests
			safeTokens += m.Tokens
			safeCost = safeCost.Add(m.Cost)
		}

		if incRequests > 0 {
			ratio := float64(safeRequests) / float64(incRequests)
			if ratio < 0 {
				ratio = 0
			}
			if ratio > 1 {
				ratio = 1
			}
			if ratio < 0.99 {
				log.WithField("ratio", fmt.Sprintf("%.4f", ratio)).
					Warn("Breakdown mismatch, scaling success/failure increments")
				incSuccess = int64(float64(incSuccess) * ratio)
				incFailure = int64(float64(incFailure) * ratio)
			}
		}
		incRequests = safeRequests
		incTokens = safeTokens
		incCost = safeCost
	}

	statDate := e.now().In(e.loc).Format("2006-01-02")
	daily, err := e.store.DailyStat(ctx, statDate)
	if err != nil {
		return fmt.Errorf("load daily stat: %w", err)
	}
	if daily == nil {
		daily = &store.DailyStat{StatDate: statDate, Breakdown: store.NewBreakdown()}
	}

	mergeBreakdown(&daily.Breakdown, breakdownDelta)

	// Self-heal: day totals follow the merged breakdown, falling back to
	// plain accumulation only when the breakdown is empty.
	var healedRequests, healedTokens int64
	healedCost := decimal.Zero
	for _, m := range daily.Breakdown.Models {
		healedRequests += m.Requests
		healedTokens += m.Tokens
		healedCost = healedCost.Add(m.Cost)
	}
	if healedRequests > 0 {
		daily.TotalRequests = healedRequests
	} else {
		daily.TotalRequests += incRequests
	}
	if healedTokens > 0 {
		daily.TotalTokens = healedTokens
	} else {
		daily.TotalTokens += incTokens
	}
	if healedCost.IsPositive() {
		daily.TotalCostUSD = healedCost
	} else {
		daily.TotalCostUSD = daily.TotalCostUSD.Add(incCost)
	}
	daily.SuccessCount += incSuccess
	daily.FailureCount += incFailure

	if err := e.store.UpsertDailyStat(ctx, daily); err != nil {
		return fmt.Errorf("upsert daily stat: %w", err)
	}

	log.WithFields(log.Fields{
		"snapshot":       snapshotID,
		"inc_requests":   incRequests,
		"daily_requests": daily.TotalRequests,
	}).Info("Stored snapshot")
	return nil
}

// buildModelRows flattens the usage document into per-(model, endpoint) rows
// and returns the document's total imputed cost.
func (e *DeltaEngine) buildModelRows(ctx context.Context, usage proxy.UsageDoc, at time.Time) ([]store.ModelUsageRow, decimal.Decimal) {
	var rows []store.ModelUsageRow
	totalCost := decimal.Zero

	for endpoint, api := range usage.APIs {
		for model, mu := range api.Models {
			var inputTok, outputTok int64
			for _, d := range mu.Details {
				inputTok += d.Tokens.InputTokens
				outputTok += d.Tokens.OutputTokens
			}
			cost := pricing.Cost(inputTok, outputTok, e.prices.Lookup(ctx, model))
			totalCost = totalCost.Add(cost)

			rows = append(rows, store.ModelUsageRow{
				CreatedAt:        at,
				ModelName:        model,
				APIEndpoint:      endpoint,
				RequestCount:     mu.TotalRequests,
				InputTokens:      inputTok,
				OutputTokens:     outputTok,
				TotalTokens:      mu.TotalTokens,
				EstimatedCostUSD: cost,
			})
		}
	}
	return rows, totalCost
}

func usageKey(model, endpoint string) string {
	if endpoint == "" {
		endpoint = "unknown"
	}
	return model + "|" + endpoint
}

func splitUsageKey(key string) (model, endpoint string) {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, "unknown"
}

func union(a, b map[string]store.ModelUsageRow) map[string]struct{} {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	return keys
}

func mergeModelDelta(models map[string]store.ModelBreakdown, model string, d keyDelta) {
	m := models[model]
	m.Requests += d.req
	m.Tokens += d.tok
	m.Cost = m.Cost.Add(d.cost)
	m.InputTokens += d.in
	m.OutputTokens += d.out
	models[model] = m
}

func mergeEndpointDelta(endpoints map[string]store.EndpointBreakdown, endpoint, model string, d keyDelta) {
	ep := endpoints[endpoint]
	if ep.Models == nil {
		ep.Models = make(map[string]store.ModelBreakdown)
	}
	ep.Requests += d.req
	ep.Tokens += d.tok
	ep.Cost = ep.Cost.Add(d.cost)

	m := ep.Models[model]
	m.Requests += d.req
	m.Tokens += d.tok
	m.Cost = m.Cost.Add(d.cost)
	ep.Models[model] = m

	endpoints[endpoint] = ep
}

// mergeBreakdown folds delta into dst in place.
func mergeBreakdown(dst *store.Breakdown, delta store.Breakdown) {
	if dst.Models == nil {
		dst.Models = make(map[string]store.ModelBreakdown)
	}
	if dst.Endpoints == nil {
		dst.Endpoints = make(map[string]store.EndpointBreakdown)
	}

	for name, d := range delta.Models {
		m := dst.Models[name]
		m.Requests += d.Requests
		m.Tokens += d.Tokens
		m.Cost = m.Cost.Add(d.Cost)
		m.InputTokens += d.InputTokens
		m.OutputTokens += d.OutputTokens
		dst.Models[name] = m
	}

	for name, d := range delta.Endpoints {
		ep := dst.Endpoints[name]
		if ep.Models == nil {
			ep.Models = make(map[string]store.ModelBreakdown)
		}
		ep.Requests += d.Requests
		ep.Tokens += d.Tokens
		ep.Cost = ep.Cost.Add(d.Cost)
		for mName, mDelta := range d.Models {
			m := ep.Models[mName]
			m.Requests += mDelta.Requests
			m.Tokens += mDelta.Tokens
			m.Cost = m.Cost.Add(mDelta.Cost)
			ep.Models[mName] = m
		}
		dst.Endpoints[name] = ep
	}
}
