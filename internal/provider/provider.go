package provider

import (
	"context"

	"github.com/shopspring/decimal"
)

type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
	// Metadata for routing and billing, never read from the body
	AccountID string `json:"-"`
	RequestID string `json:"-"`
	// APIKey replaces the gateway's own upstream key for callers who
	// brought theirs.
	APIKey string `json:"-"`
}

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Usage is the consumption a provider reported for one call. CostUSD is set
// only when the provider prices the call itself.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Units        int
	CostUSD      *decimal.Decimal
}

type Response struct {
	ID        string
	Content   string
	Model     string
	Provider  string
	LatencyMs int64
	// Usage is nil when the provider sent no usage metadata.
	Usage *Usage
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
	// Usage arrives on at most a few chunks, usually near the end.
	Usage *Usage
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
	CostPerInputToken() float64 // cost in USD per 1 token
	CostPerOutputToken() float64
	SupportedModels() []string
}

// KeyFor picks the caller's upstream key when present.
func KeyFor(req *Request, fallback string) string {
	if req.APIKey != "" {
		return req.APIKey
	}
	return fallback
}

// MergeUsage folds a later usage report into an earlier one. Providers that
// stream usage send input and output counts on different events.
func MergeUsage(acc, next *Usage) *Usage {
	if next == nil {
		return acc
	}
	if acc == nil {
		val := *next
		return &val
	}
	if next.InputTokens > 0 {
		acc.InputTokens = next.InputTokens
	}
	if next.OutputTokens > 0 {
		acc.OutputTokens = next.OutputTokens
	}
	if next.Units > 0 {
		acc.Units = next.Units
	}
	if next.CostUSD != nil {
		acc.CostUSD = next.CostUSD
	}
	return acc
}
