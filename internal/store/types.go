package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Costs are serialized into JSONB columns; keep them numeric there.
	decimal.MarshalJSONWithoutQuotes = true
}

// Snapshot is one archived usage document with its extracted counters.
type Snapshot struct {
	ID                int64
	CollectedAt       time.Time
	RawData           json.RawMessage
	TotalRequests     int64
	SuccessCount      int64
	FailureCount      int64
	TotalTokens       int64
	CumulativeCostUSD decimal.Decimal
}

// ModelUsageRow is one per-model/per-endpoint cumulative row tied to a snapshot.
type ModelUsageRow struct {
	SnapshotID       int64
	CreatedAt        time.Time
	ModelName        string
	APIEndpoint      string
	RequestCount     int64
	InputTokens      int64
	OutputTokens     int64
	TotalTokens      int64
	EstimatedCostUSD decimal.Decimal
}

// ModelBreakdown accumulates one model's contribution to a day.
type ModelBreakdown struct {
	Requests     int64           `json:"requests"`
	Tokens       int64           `json:"tokens"`
	Cost         decimal.Decimal `json:"cost"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
}

// EndpointBreakdown accumulates one API key's contribution to a day,
// with a nested per-model split.
type EndpointBreakdown struct {
	Requests int64                     `json:"requests"`
	Tokens   int64                     `json:"tokens"`
	Cost     decimal.Decimal           `json:"cost"`
	Models   map[string]ModelBreakdown `json:"models"`
}

// Breakdown is the JSONB payload of a daily stats row.
type Breakdown struct {
	Models    map[string]ModelBreakdown    `json:"models"`
	Endpoints map[string]EndpointBreakdown `json:"endpoints"`
}

// NewBreakdown returns an empty breakdown with both maps allocated.
func NewBreakdown() Breakdown {
	return Breakdown{
		Models:    make(map[string]ModelBreakdown),
		Endpoints: make(map[string]EndpointBreakdown),
	}
}

// DailyStat is one local-day accumulation row.
type DailyStat struct {
	StatDate      string // YYYY-MM-DD in the configured timezone
	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
	TotalTokens   int64
	TotalCostUSD  decimal.Decimal
	Breakdown     Breakdown
	UpdatedAt     time.Time
}

// CredentialModelStat is one model's share of a credential's usage.
type CredentialModelStat struct {
	Requests        int64 `json:"requests"`
	Success         int64 `json:"success"`
	Failure         int64 `json:"failure"`
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
	CachedTokens    int64 `json:"cached_tokens"`
	TotalTokens     int64 `json:"total_tokens"`
}

// CredentialStat is the aggregated usage of one upstream credential.
type CredentialStat struct {
	AuthIndex       string                         `json:"auth_index"`
	Source          string                         `json:"source"`
	Provider        string                         `json:"provider"`
	Email           string                         `json:"email"`
	Label           string                         `json:"label"`
	Status          string                         `json:"status"`
	AccountType     string                         `json:"account_type"`
	TotalRequests   int64                          `json:"total_requests"`
	SuccessCount    int64                          `json:"success_count"`
	FailureCount    int64                          `json:"failure_count"`
	SuccessRate     float64                        `json:"success_rate"`
	InputTokens     int64                          `json:"input_tokens"`
	OutputTokens    int64                          `json:"output_tokens"`
	ReasoningTokens int64                          `json:"reasoning_tokens"`
	CachedTokens    int64                          `json:"cached_tokens"`
	TotalTokens     int64                          `json:"total_tokens"`
	Models          map[string]CredentialModelStat `json:"models"`
	APIKeys         []string                       `json:"api_keys"`
}

// APIKeyModelStat is one model's share of an API key's usage.
type APIKeyModelStat struct {
	Requests int64 `json:"requests"`
	Tokens   int64 `json:"tokens"`
	Success  int64 `json:"success"`
	Failure  int64 `json:"failure"`
}

// APIKeyStat is the aggregated usage of one downstream API key name.
type APIKeyStat struct {
	APIKeyName      string                     `json:"api_key_name"`
	TotalRequests   int64                      `json:"total_requests"`
	TotalTokens     int64                      `json:"total_tokens"`
	SuccessCount    int64                      `json:"success_count"`
	FailureCount    int64                      `json:"failure_count"`
	SuccessRate     float64                    `json:"success_rate"`
	InputTokens     int64                      `json:"input_tokens"`
	OutputTokens    int64                      `json:"output_tokens"`
	Models          map[string]APIKeyModelStat `json:"models"`
	CredentialsUsed []string                   `json:"credentials_used"`
}

// CredentialSummary is the single-row credential stats document.
type CredentialSummary struct {
	Credentials      []CredentialStat
	APIKeys          []APIKeyStat
	TotalCredentials int
	TotalAPIKeys     int
	SyncedAt         time.Time
}

// RateLimitConfig describes one tracked rate limit window.
type RateLimitConfig struct {
	ID                   int64
	ModelPattern         string
	WindowMinutes        int64
	ResetStrategy        string // daily/weekly/rolling
	TokenLimit           *int64
	RequestLimit         *int64
	ResetAnchorTimestamp *time.Time
	CreatedAt            time.Time
}

// RateLimitStatus is the computed state of one rate limit window.
type RateLimitStatus struct {
	ConfigID          int64
	WindowStart       time.Time
	NextReset         time.Time
	UsedTokens        int64
	RemainingTokens   *int64
	UsedRequests      int64
	RemainingRequests *int64
	StatusLabel       string
	Percentage        float64
	LastUpdated       time.Time
}

// UsageCounters is a per-model cumulative (tokens, requests) pair.
type UsageCounters struct {
	Tokens   int64
	Requests int64
}
