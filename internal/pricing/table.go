package pricing

import "github.com/shopspring/decimal"

// Price is the USD price per one million tokens.
type Price struct {
	Input  decimal.Decimal `json:"input"`
	Output decimal.Decimal `json:"output"`
}

func price(input, output string) Price {
	return Price{
		Input:  decimal.RequireFromString(input),
		Output: decimal.RequireFromString(output),
	}
}

// defaultKey is the catch-all entry consulted when no model matches.
const defaultKey = "_default"

// builtinPricing is the fallback table, USD per 1M tokens (Dec 2024).
var builtinPricing = map[string]Price{
	"gpt-4o":                   price("2.50", "10.00"),
	"gpt-4o-mini":              price("0.15", "0.60"),
	"gpt-4-turbo":              price("10.00", "30.00"),
	"gpt-4":                    price("30.00", "60.00"),
	"gpt-3.5-turbo":            price("0.50", "1.50"),
	"o1":                       price("15.00", "60.00"),
	"o1-mini":                  price("3.00", "12.00"),
	"o1-preview":               price("15.00", "60.00"),
	"o3":                       price("15.00", "60.00"),
	"o3-mini":                  price("1.10", "4.40"),
	"claude-sonnet-4":          price("3.00", "15.00"),
	"claude-4-sonnet":          price("3.00", "15.00"),
	"claude-opus-4":            price("15.00", "75.00"),
	"claude-4-opus":            price("15.00", "75.00"),
	"claude-3-5-sonnet":        price("3.00", "15.00"),
	"claude-3.5-sonnet":        price("3.00", "15.00"),
	"claude-3-5-haiku":         price("0.80", "4.00"),
	"claude-3.5-haiku":         price("0.80", "4.00"),
	"claude-3-sonnet":          price("3.00", "15.00"),
	"claude-3-opus":            price("15.00", "75.00"),
	"claude-3-haiku":           price("0.25", "1.25"),
	"claude-sonnet":            price("3.00", "15.00"),
	"claude-opus":              price("15.00", "75.00"),
	"claude-haiku":             price("0.80", "4.00"),
	"gemini-2.5-pro":           price("1.25", "10.00"),
	"gemini-2.5-flash":         price("0.075", "0.30"),
	"gemini-2.5-flash-preview": price("0.075", "0.30"),
	"gemini-2.0-flash":         price("0.10", "0.40"),
	"gemini-2.0-flash-lite":    price("0.075", "0.30"),
	"gemini-2.0-flash-exp":     price("0.10", "0.40"),
	"gemini-1.5-pro":           price("1.25", "5.00"),
	"gemini-1.5-flash":         price("0.075", "0.30"),
	defaultKey:                 price("0.15", "0.60"),
}

var million = decimal.NewFromInt(1_000_000)

// Cost computes the USD cost of a token count pair at the given price.
func Cost(inputTokens, outputTokens int64, p Price) decimal.Decimal {
	in := decimal.NewFromInt(inputTokens).Mul(p.Input).Div(million)
	out := decimal.NewFromInt(outputTokens).Mul(p.Output).Div(million)
	return in.Add(out)
}
