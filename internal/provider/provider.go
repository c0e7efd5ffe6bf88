// Package provider defines the adapter interface every upstream LLM backend
// implements (P) and the registry that keeps per-provider model lists fresh.
// Adapters live in subpackages: openaicompat, anthropic, gemini, ollama.
package provider

import (
	"context"
	"time"

	"github.com/BaSui01/localrouter/types"
)

// Provider is the adapter surface the strategy engine dispatches against.
// Every adapter family (openaicompat, anthropic, gemini, ollama) implements
// one method set, many backends.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error)
	Stream(ctx context.Context, req *types.CompletionRequest) (<-chan types.CompletionChunk, error)
	Embed(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error)
	HealthCheck(ctx context.Context) (*HealthStatus, error)
	ListModels(ctx context.Context) ([]ModelInfo, error)
	SupportsNativeFunctionCalling() bool
}

// HealthStatus is a provider's point-in-time reachability snapshot.
type HealthStatus struct {
	Healthy   bool
	Latency   time.Duration
	ErrorRate float64
}

// Pricing is per-million-token cost, USD.
type Pricing struct {
	PromptPerMillion     float64
	CompletionPerMillion float64
}

// ModelInfo describes one model a provider exposes, including the
// capability flags the feature adapters (F) and intelligent router (I)
// gate on.
type ModelInfo struct {
	ID                  string
	Provider            string
	ContextWindow        int
	MaxOutputTokens      int
	SupportsTools        bool
	SupportsVision       bool
	SupportsStreaming    bool
	SupportsJSONMode     bool
	SupportsStructured   bool
	SupportsLogprobs     bool
	SupportsThinking     bool
	SupportsPromptCache  bool
	Pricing              Pricing
}
