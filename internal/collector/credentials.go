package collector

import (
	"math"
	"sort"
	"strings"

	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/proxy"
	"github.com/leolionart/CLIProxyAPI-Dashboard/internal/store"
)

// credentialInfo is the resolved identity of one upstream credential.
type credentialInfo struct {
	AuthIndex   string
	Source      string
	Provider    string
	Email       string
	Label       string
	Status      string
	AccountType string
}

type credentialCatalog struct {
	byAuthIndex map[string]credentialInfo
	byName      map[string]credentialInfo
}

func buildCredentialCatalog(files []proxy.AuthFile) credentialCatalog {
	cat := credentialCatalog{
		byAuthIndex: make(map[string]credentialInfo),
		byName:      make(map[string]credentialInfo),
	}
	for _, f := range files {
		status := f.Status
		if status == "" {
			status = "unknown"
		}
		info := credentialInfo{
			AuthIndex:   f.AuthIndex.String(),
			Source:      f.Name,
			Provider:    f.Provider,
			Email:       f.Email,
			Label:       f.Label,
			Status:      status,
			AccountType: f.AccountType,
		}
		if info.AuthIndex != "" {
			cat.byAuthIndex[info.AuthIndex] = info
		}
		if f.Name != "" {
			cat.byName[f.Name] = info
		}
	}
	return cat
}

// resolve finds the credential behind a usage detail, falling back to
// heuristics on the source string when the catalog has no match.
func (c credentialCatalog) resolve(authIndex, source string) credentialInfo {
	if authIndex != "" {
		if info, ok := c.byAuthIndex[authIndex]; ok {
			return info
		}
	}
	if source != "" {
		if info, ok := c.byName[source]; ok {
			return info
		}
	}
	return inferCredential(authIndex, source)
}

func inferCredential(authIndex, source string) credentialInfo {
	provider := "unknown"
	email := source
	if email == "" {
		email = authIndex
	}
	if email == "" {
		email = "unknown"
	}

	if source != "" {
		s := strings.ToLower(source)
		switch {
		case strings.HasPrefix(s, "aizasy") || strings.Contains(s, "googleapis"):
			provider = "gemini-api-key"
			email = truncateSecret(source)
		case strings.HasSuffix(s, ".json"):
			trimmed := strings.TrimSuffix(s, ".json")
			if parts := strings.SplitN(trimmed, "-", 2); len(parts) == 2 {
				provider = parts[0]
				email = strings.ReplaceAll(parts[1], "_", ".")
			}
		case strings.Contains(source, "@"):
			provider = "oauth"
			email = source
		case strings.Contains(source, "=") || len(source) > 40:
			provider = "api-key"
			email = truncateSecret(source)
		}
	}

	return credentialInfo{
		AuthIndex:   authIndex,
		Source:      source,
		Provider:    provider,
		Email:       email,
		Label:       email,
		Status:      "active",
		AccountType: "inferred",
	}
}

func truncateSecret(s string) string {
	if len(s) > 20 {
		s = s[:20]
	}
	return s + "..."
}

// AggregateCredentials walks every usage detail and attributes it to a
// credential and an API key. Both result slices come sorted by total
// requests descending.
func AggregateCredentials(usage proxy.UsageDoc, files []proxy.AuthFile) ([]store.CredentialStat, []store.APIKeyStat) {
	catalog := buildCredentialCatalog(files)

	type credAgg struct {
		stat store.CredentialStat
		keys map[string]struct{}
	}
	type apiKeyAgg struct {
		stat  store.APIKeyStat
		creds map[string]struct{}
	}

	credByKey := make(map[string]*credAgg)
	apiKeyByName := make(map[string]*apiKeyAgg)

	for apiKeyName, api := range usage.APIs {
		ak, ok := apiKeyByName[apiKeyName]
		if !ok {
			ak = &apiKeyAgg{
				stat: store.APIKeyStat{
					APIKeyName: apiKeyName,
					Models:     make(map[string]store.APIKeyModelStat),
				},
				creds: make(map[string]struct{}),
			}
			apiKeyByName[apiKeyName] = ak
		}

		for modelName, model := range api.Models {
			for _, d := range model.Details {
				authIdx := d.AuthIndex.String()
				credKey := authIdx
				if credKey == "" {
					credKey = d.Source
				}
				if credKey == "" {
					credKey = "unknown"
				}

				cred, ok := credByKey[credKey]
				if !ok {
					info := catalog.resolve(authIdx, d.Source)
					statAuthIndex := info.AuthIndex
					if statAuthIndex == "" {
						statAuthIndex = credKey
					}
					cred = &credAgg{
						stat: store.CredentialStat{
							AuthIndex:   statAuthIndex,
							Source:      info.Source,
							Provider:    info.Provider,
							Email:       info.Email,
							Label:       info.Label,
							Status:      info.Status,
							AccountType: info.AccountType,
							Models:      make(map[string]store.CredentialModelStat),
						},
						keys: make(map[string]struct{}),
					}
					credByKey[credKey] = cred
				}

				t := d.Tokens

				cred.stat.TotalRequests++
				if d.Failed {
					cred.stat.FailureCount++
				} else {
					cred.stat.SuccessCount++
				}
				cred.stat.InputTokens += t.InputTokens
				cred.stat.OutputTokens += t.OutputTokens
				cred.stat.ReasoningTokens += t.ReasoningTokens
				cred.stat.CachedTokens += t.CachedTokens
				cred.stat.TotalTokens += t.TotalTokens
				cred.keys[apiKeyName] = struct{}{}

				cm := cred.stat.Models[modelName]
				cm.Requests++
				if d.Failed {
					cm.Failure++
				} else {
					cm.Success++
				}
				cm.InputTokens += t.InputTokens
				cm.OutputTokens += t.OutputTokens
				cm.ReasoningTokens += t.ReasoningTokens
				cm.CachedTokens += t.CachedTokens
				cm.TotalTokens += t.TotalTokens
				cred.stat.Models[modelName] = cm

				ak.stat.TotalRequests++
				ak.stat.TotalTokens += t.TotalTokens
				ak.stat.InputTokens += t.InputTokens
				ak.stat.OutputTokens += t.OutputTokens
				if d.Failed {
					ak.stat.FailureCount++
				} else {
					ak.stat.SuccessCount++
				}
				ak.creds[credKey] = struct{}{}

				am := ak.stat.Models[modelName]
				am.Requests++
				am.Tokens += t.TotalTokens
				if d.Failed {
					am.Failure++
				} else {
					am.Success++
				}
				ak.stat.Models[modelName] = am
			}
		}
	}

	credentials := make([]store.CredentialStat, 0, len(credByKey))
	for _, cred := range credByKey {
		cred.stat.SuccessRate = successRate(cred.stat.SuccessCount, cred.stat.TotalRequests)
		cred.stat.APIKeys = sortedKeys(cred.keys)
		credentials = append(credentials, cred.stat)
	}
	sort.SliceStable(credentials, func(i, j int) bool {
		return credentials[i].TotalRequests > credentials[j].TotalRequests
	})

	apiKeys := make([]store.APIKeyStat, 0, len(apiKeyByName))
	for _, ak := range apiKeyByName {
		ak.stat.SuccessRate = successRate(ak.stat.SuccessCount, ak.stat.TotalRequests)
		ak.stat.CredentialsUsed = sortedKeys(ak.creds)
		apiKeys = append(apiKeys, ak.stat)
	}
	sort.SliceStable(apiKeys, func(i, j int) bool {
		return apiKeys[i].TotalRequests > apiKeys[j].TotalRequests
	})

	return credentials, apiKeys
}

// successRate returns success/total as a percentage rounded to one decimal.
func successRate(success, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(success)/float64(total)*1000) / 10
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
