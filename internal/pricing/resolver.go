package pricing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/monitoring"
)

const (
	remotePricingURL  = "https://www.llm-prices.com/current-v1.json"
	remoteCacheTTL    = time.Hour
	failureRetryDelay = time.Minute
	fetchTimeout      = 10 * time.Second
)

// Resolver resolves per-model token prices. It overlays a periodically
// refreshed remote feed on top of the builtin table; remote fetch failures
// are tolerated and leave the previous overlay in place.
type Resolver struct {
	httpClient *http.Client
	url        string
	now        func() time.Time

	mu        sync.Mutex
	remote    map[string]Price
	nextFetch time.Time
}

// NewResolver creates a Resolver backed by the public pricing feed.
func NewResolver() *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: fetchTimeout},
		url:        remotePricingURL,
		now:        time.Now,
	}
}

// Lookup returns the price for a model name. Resolution order: exact match on
// the lowercased name (remote overlay wins over builtin), then substring match
// in either direction, then the catch-all default entry.
func (r *Resolver) Lookup(ctx context.Context, model string) Price {
	r.refresh(ctx)

	name := strings.ToLower(strings.TrimSpace(model))

	r.mu.Lock()
	remote := r.remote
	r.mu.Unlock()

	if p, ok := remote[name]; ok {
		return p
	}
	if p, ok := builtinPricing[name]; ok {
		return p
	}

	if p, ok := matchSubstring(name, remote); ok {
		return p
	}
	if p, ok := matchSubstring(name, builtinPricing); ok {
		return p
	}
	return builtinPricing[defaultKey]
}

// matchSubstring finds table entries whose key contains the name or vice
// versa, preferring the longest key so a refined variant beats its family
// entry. Ties break lexicographically to keep resolution deterministic.
func matchSubstring(name string, table map[string]Price) (Price, bool) {
	best := ""
	for key := range table {
		if key == defaultKey {
			continue
		}
		if !strings.Contains(name, key) && !strings.Contains(key, name) {
			continue
		}
		if len(key) > len(best) || (len(key) == len(best) && key < best) {
			best = key
		}
	}
	if best == "" {
		return Price{}, false
	}
	return table[best], true
}

// refresh fetches the remote feed when the cache is due. A successful fetch
// is good for remoteCacheTTL; a failed or empty one is retried after
// failureRetryDelay instead of waiting out the full TTL. Errors are logged
// and swallowed; the builtin table keeps the resolver usable offline.
func (r *Resolver) refresh(ctx context.Context) {
	r.mu.Lock()
	now := r.now()
	if now.Before(r.nextFetch) {
		r.mu.Unlock()
		return
	}
	// Claim the slot before fetching so concurrent callers do not stampede.
	r.nextFetch = now.Add(failureRetryDelay)
	r.mu.Unlock()

	prices, err := r.fetchRemote(ctx)
	if err != nil {
		monitoring.PricingRefreshTotal.WithLabelValues("error").Inc()
		log.WithError(err).Warn("Remote pricing refresh failed, using cached/builtin prices")
		return
	}
	if len(prices) == 0 {
		monitoring.PricingRefreshTotal.WithLabelValues("empty").Inc()
		return
	}

	r.mu.Lock()
	r.remote = prices
	r.nextFetch = r.now().Add(remoteCacheTTL)
	r.mu.Unlock()
	monitoring.PricingRefreshTotal.WithLabelValues("ok").Inc()
	log.WithField("models", len(prices)).Debug("Remote pricing table refreshed")
}

func (r *Resolver) fetchRemote(ctx context.Context) (map[string]Price, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build pricing request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch pricing feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch pricing feed: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read pricing feed: %w", err)
	}
	return parseRemoteFeed(body), nil
}

// parseRemoteFeed extracts {id, input, output} rows from the schemaless feed.
// Rows missing an id or either price are skipped.
func parseRemoteFeed(body []byte) map[string]Price {
	prices := make(map[string]Price)
	gjson.GetBytes(body, "prices").ForEach(func(_, row gjson.Result) bool {
		id := strings.ToLower(strings.TrimSpace(row.Get("id").String()))
		input := row.Get("input")
		output := row.Get("output")
		if id == "" || !input.Exists() || !output.Exists() {
			return true
		}
		prices[id] = Price{
			Input:  decimal.NewFromFloat(input.Float()),
			Output: decimal.NewFromFloat(output.Float()),
		}
		return true
	})
	return prices
}
