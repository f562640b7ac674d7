package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/proxy"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/store"
)

type fakeClient struct {
	mu         sync.Mutex
	usageCalls int
	started    chan struct{}
	release    chan struct{}
	usageErr   error
	authErr    error
}

func (f *fakeClient) FetchUsage(context.Context) (*proxy.UsageResponse, error) {
	f.mu.Lock()
	f.usageCalls++
	calls := f.usageCalls
	f.mu.Unlock()

	if calls == 1 && f.started != nil {
		close(f.started)
		<-f.release
	}
	if f.usageErr != nil {
		return nil, f.usageErr
	}
	return usageDoc(10, 10, 0, 1_000, map[string]proxy.ModelUsage{
		"gemini-2.5-flash": modelUsage(10, 1_000, 800, 200),
	}), nil
}

func (f *fakeClient) FetchAuthFiles(context.Context) ([]proxy.AuthFile, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return nil, nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usageCalls
}

type fakeCredentialStore struct {
	mu        sync.Mutex
	summaries []*store.CredentialSummary
}

func (f *fakeCredentialStore) UpsertCredentialSummary(_ context.Context, s *store.CredentialSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, s)
	return nil
}

func newTestCollector(client UsageClient) (*Collector, *fakeCredentialStore) {
	deltaStore := newFakeDeltaStore()
	delta := NewDeltaEngine(deltaStore, testPrices(), time.UTC)
	limits := NewRateLimitEngine(newFakeRateLimitStore(), time.UTC)
	creds := &fakeCredentialStore{}
	return New(client, delta, limits, creds), creds
}

func waitForIdle(t *testing.T, c *Collector) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		idle := !c.tickRunning && !c.pending
		c.mu.Unlock()
		if idle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("collector never became idle")
}

func TestTriggerTickCoalescesBursts(t *testing.T) {
	client := &fakeClient{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c, _ := newTestCollector(client)

	c.TriggerTick()
	<-client.started

	// A burst of triggers while the first tick is blocked must collapse
	// into exactly one follow-up run.
	for i := 0; i < 5; i++ {
		c.TriggerTick()
	}
	close(client.release)

	waitForIdle(t, c)
	if got := client.calls(); got != 2 {
		t.Errorf("usage fetched %d times, want 2 (initial + one coalesced follow-up)", got)
	}
}

// overlapGuardStore flags delta passes whose read-to-write span overlaps
// another pass.
type overlapGuardStore struct {
	*fakeDeltaStore
	mu       sync.Mutex
	active   int
	overlaps int
}

func (g *overlapGuardStore) PreviousSnapshot(ctx context.Context, excludeID int64) (*store.Snapshot, error) {
	g.mu.Lock()
	g.active++
	if g.active > 1 {
		g.overlaps++
	}
	g.mu.Unlock()
	// Hold the read open so an unserialized second tick would land inside it.
	time.Sleep(20 * time.Millisecond)
	return g.fakeDeltaStore.PreviousSnapshot(ctx, excludeID)
}

func (g *overlapGuardStore) UpsertDailyStat(ctx context.Context, stat *store.DailyStat) error {
	err := g.fakeDeltaStore.UpsertDailyStat(ctx, stat)
	g.mu.Lock()
	g.active--
	g.mu.Unlock()
	return err
}

func TestScheduledAndManualTicksSerialize(t *testing.T) {
	guard := &overlapGuardStore{fakeDeltaStore: newFakeDeltaStore()}
	delta := NewDeltaEngine(guard, testPrices(), time.UTC)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	var tick int64
	delta.now = func() time.Time {
		return base.Add(time.Duration(atomic.AddInt64(&tick, 1)) * time.Second)
	}

	client := &fakeClient{}
	limits := NewRateLimitEngine(newFakeRateLimitStore(), time.UTC)
	c := New(client, delta, limits, &fakeCredentialStore{})

	// Scheduler path (direct RunTick) racing the manual trigger path.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.RunTick(context.Background()); err != nil {
				t.Errorf("RunTick: %v", err)
			}
		}()
	}
	c.TriggerTick()
	wg.Wait()
	waitForIdle(t, c)

	if guard.overlaps != 0 {
		t.Fatalf("delta passes overlapped %d times, want strict serialization", guard.overlaps)
	}
	stat, err := guard.DailyStat(context.Background(), "2025-06-01")
	if err != nil {
		t.Fatalf("load daily stat: %v", err)
	}
	if stat == nil {
		t.Fatal("expected a daily stat row")
	}
	// Each extra tick sees the already-stored counters; the document's 10
	// requests must not be counted once per tick.
	if stat.TotalRequests != 10 {
		t.Errorf("TotalRequests = %d, want 10 (document applied once)", stat.TotalRequests)
	}
}

func TestRunTickAbortsOnUsageFetchFailure(t *testing.T) {
	client := &fakeClient{usageErr: errors.New("connection refused")}
	c, creds := newTestCollector(client)

	if err := c.RunTick(context.Background()); err == nil {
		t.Fatal("expected error when usage fetch fails")
	}
	if len(creds.summaries) != 0 {
		t.Error("credential summary must not be written when the tick aborts")
	}
}

func TestRunTickToleratesAuthFilesFailure(t *testing.T) {
	client := &fakeClient{authErr: errors.New("forbidden")}
	c, creds := newTestCollector(client)

	if err := c.RunTick(context.Background()); err != nil {
		t.Fatalf("RunTick: %v", err)
	}
	if len(creds.summaries) != 1 {
		t.Fatalf("got %d summaries, want 1 (empty catalog, inferred identities)", len(creds.summaries))
	}
	summary := creds.summaries[0]
	if summary.TotalCredentials != 1 {
		t.Errorf("TotalCredentials = %d, want 1", summary.TotalCredentials)
	}
}

func TestSyncCredentialStats(t *testing.T) {
	client := &fakeClient{}
	c, creds := newTestCollector(client)

	if err := c.SyncCredentialStats(context.Background()); err != nil {
		t.Fatalf("SyncCredentialStats: %v", err)
	}
	if len(creds.summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(creds.summaries))
	}
	if creds.summaries[0].SyncedAt.IsZero() {
		t.Error("SyncedAt not set")
	}
}
