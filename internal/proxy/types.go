package proxy

import (
	"bytes"
	"encoding/json"
	"strings"
)

// FlexString decodes a JSON string or number into a string. The proxy has
// shipped auth_index both ways across versions.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(strings.TrimSpace(string(data)))
	return nil
}

func (f FlexString) String() string { return string(f) }

// The management API reports loosely-typed nested JSON. Every field is
// optional; absent fields decode to zero values.

// TokenUsage holds the per-request token counters.
type TokenUsage struct {
	InputTokens     int64 `json:"input_tokens"`
	OutputTokens    int64 `json:"output_tokens"`
	ReasoningTokens int64 `json:"reasoning_tokens"`
	CachedTokens    int64 `json:"cached_tokens"`
	TotalTokens     int64 `json:"total_tokens"`
}

// UsageDetail is one request handled by the proxy since its start.
type UsageDetail struct {
	AuthIndex FlexString `json:"auth_index"`
	Source    string     `json:"source"`
	Failed    bool       `json:"failed"`
	Tokens    TokenUsage `json:"tokens"`
}

// ModelUsage is the cumulative usage of one model under one API key.
type ModelUsage struct {
	TotalRequests int64         `json:"total_requests"`
	TotalTokens   int64         `json:"total_tokens"`
	Details       []UsageDetail `json:"details"`
}

// APIUsage groups model usage under a single API key name.
type APIUsage struct {
	Models map[string]ModelUsage `json:"models"`
}

// UsageDoc is the cumulative usage document. All counters are cumulative
// since proxy start and monotonically non-decreasing between restarts.
type UsageDoc struct {
	TotalRequests int64               `json:"total_requests"`
	SuccessCount  int64               `json:"success_count"`
	FailureCount  int64               `json:"failure_count"`
	TotalTokens   int64               `json:"total_tokens"`
	APIs          map[string]APIUsage `json:"apis"`
}

// UsageResponse is the full `/v0/management/usage` payload. Raw retains the
// verbatim body for snapshot archival.
type UsageResponse struct {
	Usage UsageDoc `json:"usage"`

	Raw json.RawMessage `json:"-"`
}

// AuthFile is one entry of the proxy's credential catalog.
type AuthFile struct {
	AuthIndex   FlexString `json:"auth_index"`
	Provider    string     `json:"provider"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Label       string     `json:"label"`
	Status      string     `json:"status"`
	AccountType string     `json:"account_type"`
}

type authFilesResponse struct {
	Files []AuthFile `json:"files"`
}
