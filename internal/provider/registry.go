package provider

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/localrouter/internal/provider/catalogue"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

const defaultModelListTTL = 5 * time.Minute

// cachedModelList is one provider's memoized ListModels result.
type cachedModelList struct {
	models    []ModelInfo
	fetchedAt time.Time
	err       error
}

// Registry holds the live set of configured provider instances keyed by id,
// and memoizes each one's model list behind a TTL. On a fetch failure it
// falls back to the embedded catalogue fixture rather than returning an
// empty list, per the "catalogue fallback is never empty" guarantee.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	cache     map[string]cachedModelList
	ttl       time.Duration
	logger    *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		providers: make(map[string]Provider),
		cache:     make(map[string]cachedModelList),
		ttl:       defaultModelListTTL,
		logger:    logger.With(zap.String("component", "provider.registry")),
	}
}

// SetTTL overrides the model-list cache lifetime; zero keeps the default.
func (r *Registry) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		ttl = defaultModelListTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ttl = ttl
}

// Register adds or replaces the provider instance at id, invalidating any
// cached model list for it (a replaced provider may point at a different
// upstream entirely).
func (r *Registry) Register(id string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[id] = p
	delete(r.cache, id)
}

// Unregister removes a provider instance and its cached model list.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
	delete(r.cache, id)
}

// Get returns the provider instance registered under id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns the registered provider ids, sorted — registration itself
// guards against duplicates since Register overwrites by key, so no two
// entries with the same id can ever coexist.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ListModels returns id's model list, serving from cache within the TTL.
// On upstream failure or an empty upstream list it falls back to the
// embedded catalogue fixture for id, and to the last cached list only when
// the catalogue has no entries for id, so callers never see an empty list
// merely because the upstream was briefly unreachable.
func (r *Registry) ListModels(ctx context.Context, id string) ([]ModelInfo, error) {
	r.mu.RLock()
	cached, hasCache := r.cache[id]
	p, hasProvider := r.providers[id]
	ttl := r.ttl
	r.mu.RUnlock()

	if !hasProvider {
		return nil, types.NewError(types.ErrNotFound, "provider not registered: "+id)
	}

	if hasCache && time.Since(cached.fetchedAt) < ttl && cached.err == nil {
		return cached.models, nil
	}

	models, err := p.ListModels(ctx)
	if err != nil || len(models) == 0 {
		r.logger.Warn("model list fetch failed, falling back to catalogue",
			zap.String("provider", id), zap.Error(err))
		if fallback := catalogue.ModelsFor(id); len(fallback) > 0 {
			models = toModelInfo(id, fallback)
			err = nil
		} else if hasCache && len(cached.models) > 0 {
			return cached.models, nil
		}
	}

	r.mu.Lock()
	r.cache[id] = cachedModelList{models: models, fetchedAt: time.Now(), err: err}
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return models, nil
}

// InvalidateModelList forces the next ListModels call for id to hit the
// upstream again.
func (r *Registry) InvalidateModelList(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, id)
}

func toModelInfo(providerID string, entries []catalogue.Entry) []ModelInfo {
	out := make([]ModelInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, ModelInfo{
			ID:                  e.ID,
			Provider:            providerID,
			ContextWindow:       e.ContextWindow,
			MaxOutputTokens:     e.MaxOutputTokens,
			SupportsTools:       e.SupportsTools,
			SupportsVision:      e.SupportsVision,
			SupportsStreaming:   true,
			SupportsJSONMode:    e.SupportsJSONMode,
			SupportsStructured:  e.SupportsStructured,
			SupportsLogprobs:    e.SupportsLogprobs,
			SupportsThinking:    e.SupportsThinking,
			SupportsPromptCache: e.SupportsPromptCache,
			Pricing: Pricing{
				PromptPerMillion:     e.PromptPerMillion,
				CompletionPerMillion: e.CompletionPerMillion,
			},
		})
	}
	return out
}
