package strategy

import (
	"context"
	"testing"

	"github.com/BaSui01/localrouter/internal/feature"
	"github.com/BaSui01/localrouter/internal/intelrouter"
	"github.com/BaSui01/localrouter/internal/metricsstore"
	"github.com/BaSui01/localrouter/internal/provider"
	"github.com/BaSui01/localrouter/internal/ratelimit"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	name    string
	resp    *types.CompletionResponse
	err     error
	calls   int
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	r := *p.resp
	r.Model = req.Model
	return &r, nil
}
func (p *fakeProvider) Stream(ctx context.Context, req *types.CompletionRequest) (<-chan types.CompletionChunk, error) {
	return nil, nil
}
func (p *fakeProvider) Embed(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	return nil, nil
}
func (p *fakeProvider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	return &provider.HealthStatus{Healthy: true}, nil
}
func (p *fakeProvider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) { return nil, nil }
func (p *fakeProvider) SupportsNativeFunctionCalling() bool                          { return true }

func newTestEngine(t *testing.T, providers map[string]*fakeProvider) *Engine {
	return newTestEngineWithIntel(t, providers, nil)
}

func newTestEngineWithIntel(t *testing.T, providers map[string]*fakeProvider, intel *intelrouter.Manager) *Engine {
	reg := provider.NewRegistry(nil)
	for id, p := range providers {
		reg.Register(id, p)
	}
	features := feature.NewRegistry()
	feature.RegisterDefaults(features)
	store := metricsstore.New(nil)
	limiter := ratelimit.New(store)
	return NewEngine(reg, features, limiter, store, intel, nil, zap.NewNop())
}

type fakeClassifier struct {
	rate float64
	err  error
}

func (f fakeClassifier) ClassifyWinRate(ctx context.Context, prompt string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.rate, nil
}

func explicitStrategy(providerID, model string) *rconfig.ResolvedStrategy {
	return &rconfig.ResolvedStrategy{
		ID: "s1",
		AllowedModels: rconfig.AllowedModels{
			Mode:     rconfig.ModelsExplicit,
			Explicit: []rconfig.ModelRef{{ProviderInstanceID: providerID, Model: model}},
		},
	}
}

func allowAllClient(id string, providerIDs ...string) *rconfig.Client {
	allowed := make(map[string]struct{}, len(providerIDs))
	for _, p := range providerIDs {
		allowed[p] = struct{}{}
	}
	return &rconfig.Client{
		ID:               id,
		AllowedProviders: allowed,
		ModelPermissions: rconfig.ModelPermissions{Global: rconfig.PermAllow},
	}
}

func TestComplete_DispatchesToExplicitCandidate(t *testing.T) {
	p := &fakeProvider{name: "openai", resp: &types.CompletionResponse{ID: "r1"}}
	engine := newTestEngine(t, map[string]*fakeProvider{"openai": p})
	client := allowAllClient("c1", "openai")
	resolved := explicitStrategy("openai", "gpt-4o")

	resp, err := engine.Complete(context.Background(), client, resolved, &types.CompletionRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, "openai", resp.Provider)
	assert.Equal(t, 1, p.calls)
}

func TestComplete_DeniesWhenProviderNotAllowed(t *testing.T) {
	p := &fakeProvider{name: "openai", resp: &types.CompletionResponse{}}
	engine := newTestEngine(t, map[string]*fakeProvider{"openai": p})
	client := allowAllClient("c1") // no providers allowed
	resolved := explicitStrategy("openai", "gpt-4o")

	_, err := engine.Complete(context.Background(), client, resolved, &types.CompletionRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrNoEligibleModel, types.GetErrorCode(err))
	assert.Equal(t, 0, p.calls)
}

func TestComplete_FallsBackOnRetryableError(t *testing.T) {
	failing := &fakeProvider{name: "primary", err: types.NewProviderHTTPError("primary", 503, "unavailable")}
	healthy := &fakeProvider{name: "backup", resp: &types.CompletionResponse{ID: "ok"}}
	engine := newTestEngine(t, map[string]*fakeProvider{"primary": failing, "backup": healthy})
	client := allowAllClient("c1", "primary", "backup")
	resolved := &rconfig.ResolvedStrategy{
		AllowedModels: rconfig.AllowedModels{
			Mode: rconfig.ModelsExplicit,
			Explicit: []rconfig.ModelRef{
				{ProviderInstanceID: "primary", Model: "m1"},
				{ProviderInstanceID: "backup", Model: "m2"},
			},
		},
	}

	resp, err := engine.Complete(context.Background(), client, resolved, &types.CompletionRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.Provider)
	assert.Equal(t, 1, failing.calls)
	assert.Equal(t, 1, healthy.calls)
}

func TestComplete_RateLimitedDeniesBeforeDispatch(t *testing.T) {
	p := &fakeProvider{name: "openai", resp: &types.CompletionResponse{}}
	engine := newTestEngine(t, map[string]*fakeProvider{"openai": p})
	client := allowAllClient("c1", "openai")
	resolved := explicitStrategy("openai", "gpt-4o")
	resolved.RateLimits = []rconfig.RateLimitRule{{Kind: rconfig.RateRequests, Window: rconfig.WindowMinute, Limit: 0}}

	_, err := engine.Complete(context.Background(), client, resolved, &types.CompletionRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrRateLimited, types.GetErrorCode(err))
	assert.Equal(t, 0, p.calls)
}

func autoStrategyWithIntelligentRouter(threshold float64, strong, weak []rconfig.ModelRef) *rconfig.ResolvedStrategy {
	return &rconfig.ResolvedStrategy{
		ID: "s1",
		AllowedModels: rconfig.AllowedModels{
			Mode: rconfig.ModelsAuto,
			Auto: &rconfig.AutoConfig{
				PrioritisedModels: []rconfig.ModelRef{{ProviderInstanceID: "fallback", Model: "fallback-model"}},
				IntelligentRouter: &rconfig.IntelligentRouterConfig{
					Enabled:   true,
					Threshold: threshold,
					Strong:    strong,
					Weak:      weak,
				},
			},
		},
	}
}

func TestComplete_AutoRoutesToStrongPoolAboveThreshold(t *testing.T) {
	strongProvider := &fakeProvider{name: "strong", resp: &types.CompletionResponse{ID: "r1"}}
	weakProvider := &fakeProvider{name: "weak", resp: &types.CompletionResponse{ID: "r2"}}
	intel := intelrouter.New(nil, nil, zap.NewNop())
	intel.SetClassifier(fakeClassifier{rate: 0.8})
	engine := newTestEngineWithIntel(t, map[string]*fakeProvider{"strong": strongProvider, "weak": weakProvider}, intel)
	client := allowAllClient("c1", "strong", "weak", "fallback")
	resolved := autoStrategyWithIntelligentRouter(0.5,
		[]rconfig.ModelRef{{ProviderInstanceID: "strong", Model: "strong-model"}},
		[]rconfig.ModelRef{{ProviderInstanceID: "weak", Model: "weak-model"}},
	)

	resp, err := engine.Complete(context.Background(), client, resolved, &types.CompletionRequest{
		Messages: []types.Message{types.NewUserMessage("write a production-grade concurrent merge sort")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "strong", resp.Provider)
	assert.Equal(t, 1, strongProvider.calls)
	assert.Equal(t, 0, weakProvider.calls)
}

func TestComplete_AutoRoutesToWeakPoolBelowThreshold(t *testing.T) {
	strongProvider := &fakeProvider{name: "strong", resp: &types.CompletionResponse{ID: "r1"}}
	weakProvider := &fakeProvider{name: "weak", resp: &types.CompletionResponse{ID: "r2"}}
	intel := intelrouter.New(nil, nil, zap.NewNop())
	intel.SetClassifier(fakeClassifier{rate: 0.1})
	engine := newTestEngineWithIntel(t, map[string]*fakeProvider{"strong": strongProvider, "weak": weakProvider}, intel)
	client := allowAllClient("c1", "strong", "weak", "fallback")
	resolved := autoStrategyWithIntelligentRouter(0.5,
		[]rconfig.ModelRef{{ProviderInstanceID: "strong", Model: "strong-model"}},
		[]rconfig.ModelRef{{ProviderInstanceID: "weak", Model: "weak-model"}},
	)

	resp, err := engine.Complete(context.Background(), client, resolved, &types.CompletionRequest{
		Messages: []types.Message{types.NewUserMessage("say hi")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "weak", resp.Provider)
	assert.Equal(t, 0, strongProvider.calls)
	assert.Equal(t, 1, weakProvider.calls)
}

func TestComplete_AutoFallsBackToPrioritisedListWhenClassifierErrors(t *testing.T) {
	strongProvider := &fakeProvider{name: "strong", resp: &types.CompletionResponse{ID: "r1"}}
	fallbackProvider := &fakeProvider{name: "fallback", resp: &types.CompletionResponse{ID: "r3"}}
	intel := intelrouter.New(nil, nil, zap.NewNop())
	intel.SetClassifier(fakeClassifier{err: assert.AnError})
	engine := newTestEngineWithIntel(t, map[string]*fakeProvider{"strong": strongProvider, "fallback": fallbackProvider}, intel)
	client := allowAllClient("c1", "strong", "weak", "fallback")
	resolved := autoStrategyWithIntelligentRouter(0.5,
		[]rconfig.ModelRef{{ProviderInstanceID: "strong", Model: "strong-model"}},
		nil,
	)

	resp, err := engine.Complete(context.Background(), client, resolved, &types.CompletionRequest{
		Messages: []types.Message{types.NewUserMessage("say hi")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Provider)
	assert.Equal(t, 0, strongProvider.calls)
	assert.Equal(t, 1, fallbackProvider.calls)
}

func TestComplete_AutoFallsBackToPrioritisedListWhenRouterDisabled(t *testing.T) {
	fallbackProvider := &fakeProvider{name: "fallback", resp: &types.CompletionResponse{ID: "r3"}}
	engine := newTestEngine(t, map[string]*fakeProvider{"fallback": fallbackProvider})
	client := allowAllClient("c1", "fallback")
	resolved := &rconfig.ResolvedStrategy{
		ID: "s1",
		AllowedModels: rconfig.AllowedModels{
			Mode: rconfig.ModelsAuto,
			Auto: &rconfig.AutoConfig{
				PrioritisedModels: []rconfig.ModelRef{{ProviderInstanceID: "fallback", Model: "fallback-model"}},
			},
		},
	}

	resp, err := engine.Complete(context.Background(), client, resolved, &types.CompletionRequest{
		Messages: []types.Message{types.NewUserMessage("say hi")},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", resp.Provider)
	assert.Equal(t, 1, fallbackProvider.calls)
}
