package collector

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/logging"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/monitoring"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/monitoring/tracing"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/proxy"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/store"
)

// UsageClient fetches documents from the upstream management API.
type UsageClient interface {
	FetchUsage(ctx context.Context) (*proxy.UsageResponse, error)
	FetchAuthFiles(ctx context.Context) ([]proxy.AuthFile, error)
}

// CredentialStore persists the aggregated credential summary.
type CredentialStore interface {
	UpsertCredentialSummary(ctx context.Context, summary *store.CredentialSummary) error
}

// Collector drives the end-to-end tick: fetch usage, apply the snapshot
// delta, sync credential stats, recompute rate limit windows.
type Collector struct {
	client UsageClient
	delta  *DeltaEngine
	limits *RateLimitEngine
	creds  CredentialStore
	now    func() time.Time

	// runMu serializes tick execution across every entry point: the
	// scheduler calls RunTick directly, manual triggers go through tickLoop.
	runMu sync.Mutex

	mu          sync.Mutex
	tickRunning bool
	pending     bool
}

// New assembles a collector from its engines.
func New(client UsageClient, delta *DeltaEngine, limits *RateLimitEngine, creds CredentialStore) *Collector {
	return &Collector{
		client: client,
		delta:  delta,
		limits: limits,
		creds:  creds,
		now:    time.Now,
	}
}

// TriggerTick schedules one tick. Only one tick runs at a time; while one is
// in flight at most one more is queued, so a burst of triggers coalesces into
// a single follow-up run.
func (c *Collector) TriggerTick() {
	c.mu.Lock()
	if c.tickRunning {
		c.pending = true
		c.mu.Unlock()
		log.Debug("Tick already in flight, queued one follow-up")
		return
	}
	c.tickRunning = true
	c.mu.Unlock()

	go c.tickLoop()
}

func (c *Collector) tickLoop() {
	for {
		if err := c.RunTick(context.Background()); err != nil {
			log.WithError(err).Error("Tick failed")
		}

		c.mu.Lock()
		if !c.pending {
			c.tickRunning = false
			c.mu.Unlock()
			return
		}
		c.pending = false
		c.mu.Unlock()
	}
}

// RunTick executes one full reconciliation pass. Only one tick runs at a
// time; overlapping ticks would read the same previous snapshot and apply the
// document twice. A usage fetch failure aborts the tick; an auth-files
// failure only degrades credential attribution.
func (c *Collector) RunTick(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	ctx, span := tracing.StartSpan(ctx, "collector", "tick")
	defer span.End()

	start := c.now()
	log.Info("Fetching usage data...")

	resp, err := c.client.FetchUsage(ctx)
	if err != nil {
		monitoring.TicksTotal.WithLabelValues("fetch_failed").Inc()
		return fmt.Errorf("fetch usage: %w", err)
	}

	if err := c.delta.Apply(ctx, resp); err != nil {
		monitoring.TicksTotal.WithLabelValues("store_failed").Inc()
		return fmt.Errorf("apply snapshot delta: %w", err)
	}

	if err := c.syncCredentials(ctx, resp.Usage); err != nil {
		log.WithError(err).Error("Credential stats sync failed")
	}

	if err := c.limits.Sync(ctx); err != nil {
		log.WithError(err).Error("Rate limit sync failed")
	}

	elapsed := c.now().Sub(start)
	monitoring.TicksTotal.WithLabelValues("ok").Inc()
	monitoring.TickDuration.Observe(elapsed.Seconds())
	log.WithField("duration_ms", logging.DurationMS(elapsed)).Info("Tick completed")
	return nil
}

// SyncCredentialStats runs a standalone credential aggregation pass, fetching
// a fresh usage document.
func (c *Collector) SyncCredentialStats(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "collector", "credential-stats")
	defer span.End()

	resp, err := c.client.FetchUsage(ctx)
	if err != nil {
		monitoring.CredentialSyncTotal.WithLabelValues("fetch_failed").Inc()
		return fmt.Errorf("fetch usage: %w", err)
	}
	return c.syncCredentials(ctx, resp.Usage)
}

func (c *Collector) syncCredentials(ctx context.Context, usage proxy.UsageDoc) error {
	files, err := c.client.FetchAuthFiles(ctx)
	if err != nil {
		log.WithError(err).Warn("Could not fetch auth files, proceeding without credential mapping")
		files = nil
	}

	credentials, apiKeys := AggregateCredentials(usage, files)
	summary := &store.CredentialSummary{
		Credentials:      credentials,
		APIKeys:          apiKeys,
		TotalCredentials: len(credentials),
		TotalAPIKeys:     len(apiKeys),
		SyncedAt:         c.now().UTC(),
	}
	if err := c.creds.UpsertCredentialSummary(ctx, summary); err != nil {
		monitoring.CredentialSyncTotal.WithLabelValues("store_failed").Inc()
		return fmt.Errorf("upsert credential summary: %w", err)
	}

	monitoring.CredentialSyncTotal.WithLabelValues("ok").Inc()
	log.WithFields(log.Fields{
		"credentials": summary.TotalCredentials,
		"api_keys":    summary.TotalAPIKeys,
	}).Info("Credential stats synced")
	return nil
}
