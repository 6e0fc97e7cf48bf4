package provider

import (
	"context"
)

// Identity names one of the two configured upstream tiers.
type Identity string

const (
	Fast    Identity = "fast"    // cheap, low-latency tier
	Capable Identity = "capable" // expensive, high-quality tier
)

// Other returns the alternate identity, used for the single fallback hop.
func (id Identity) Other() Identity {
	if id == Fast {
		return Capable
	}
	return Fast
}

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stream      bool
	RequestID   string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

type Response struct {
	ID           string
	Content      string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	LatencyMs    int64
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Identity() Identity
	Name() string
	Model() string
	CostPerInputToken() float64 // cost in USD per 1 token
	CostPerOutputToken() float64
}

const (
	// Rough chars-per-token ratio used for pre-call cost estimates.
	charsPerToken = 4

	// Assumed completion length when the client does not cap max_tokens.
	defaultCompletionTokens = 1000
)

// EstimateCost computes the reservation estimate for dispatching req to p:
// estimated prompt tokens from message length plus the worst-case completion
// size, priced with p's per-token table. The ledger reconciles against actual
// usage after the call.
func EstimateCost(p Provider, req *Request) float64 {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	promptTokens := chars / charsPerToken

	completionTokens := req.MaxTokens
	if completionTokens <= 0 {
		completionTokens = defaultCompletionTokens
	}

	return float64(promptTokens)*p.CostPerInputToken() + float64(completionTokens)*p.CostPerOutputToken()
}

// Cost prices actual reported usage against p's per-token table.
func Cost(p Provider, inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.CostPerInputToken() + float64(outputTokens)*p.CostPerOutputToken()
}
