package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/config"
)

type fakeCollector struct {
	mu        sync.Mutex
	triggers  int
	credSyncs int
	done      chan struct{}
}

func (f *fakeCollector) TriggerTick() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
}

func (f *fakeCollector) SyncCredentialStats(context.Context) error {
	f.mu.Lock()
	f.credSyncs++
	f.mu.Unlock()
	if f.done != nil {
		close(f.done)
	}
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			TriggerPort:  "5001",
			TriggerRPS:   100,
			TriggerBurst: 100,
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	loc := time.FixedZone("UTC+07:00", 7*3600)
	engine := BuildEngine(testConfig(), &fakeCollector{}, loc)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/collector/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "healthy", body["status"])

	ts, err := time.Parse(time.RFC3339, body["timestamp"])
	require.NoError(t, err)
	_, offset := ts.Zone()
	require.Equal(t, 7*3600, offset)
}

func TestTriggerEndpoint(t *testing.T) {
	fc := &fakeCollector{}
	engine := BuildEngine(testConfig(), fc, time.UTC)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/collector/trigger", nil))

	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, 1, fc.triggers)
}

func TestCredentialSyncEndpoint(t *testing.T) {
	fc := &fakeCollector{done: make(chan struct{})}
	engine := BuildEngine(testConfig(), fc, time.UTC)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/collector/credential-stats/sync", nil))
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case <-fc.done:
	case <-time.After(2 * time.Second):
		t.Fatal("credential sync worker never ran")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	engine := BuildEngine(testConfig(), &fakeCollector{}, time.UTC)

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}

func TestTriggerRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Server.TriggerRPS = 1
	cfg.Server.TriggerBurst = 1
	fc := &fakeCollector{}
	engine := BuildEngine(cfg, fc, time.UTC)

	var codes []int
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/collector/trigger", nil)
		req.RemoteAddr = "10.1.2.3:4567"
		engine.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	require.Equal(t, http.StatusAccepted, codes[0])
	require.Contains(t, codes, http.StatusTooManyRequests)
}
