package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/localrouter/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a minimal Provider stub for registry tests; only
// ListModels is exercised below.
type fakeProvider struct {
	name   string
	models []ModelInfo
	err    error
	calls  int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(context.Context, *types.CompletionRequest) (*types.CompletionResponse, error) {
	return nil, nil
}

func (f *fakeProvider) Stream(context.Context, *types.CompletionRequest) (<-chan types.CompletionChunk, error) {
	return nil, nil
}

func (f *fakeProvider) Embed(context.Context, *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	return nil, nil
}

func (f *fakeProvider) HealthCheck(context.Context) (*HealthStatus, error) {
	return &HealthStatus{Healthy: true}, nil
}

func (f *fakeProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	f.calls++
	return f.models, f.err
}

func (f *fakeProvider) SupportsNativeFunctionCalling() bool { return true }

func TestRegistry_ListModels_CachesWithinTTL(t *testing.T) {
	r := NewRegistry(nil)
	fp := &fakeProvider{name: "openai", models: []ModelInfo{{ID: "gpt-4o"}}}
	r.Register("openai", fp)

	models, err := r.ListModels(context.Background(), "openai")
	require.NoError(t, err)
	assert.Len(t, models, 1)

	_, _ = r.ListModels(context.Background(), "openai")
	assert.Equal(t, 1, fp.calls, "second call within TTL should be served from cache")
}

func TestRegistry_ListModels_FallsBackToCatalogueOnError(t *testing.T) {
	r := NewRegistry(nil)
	fp := &fakeProvider{name: "openai", err: errors.New("upstream down")}
	r.Register("openai", fp)

	models, err := r.ListModels(context.Background(), "openai")
	require.NoError(t, err)
	assert.NotEmpty(t, models, "catalogue fallback must never be empty for a known family")
}

func TestRegistry_ListModels_UnknownProvider(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.ListModels(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestRegistry_Register_OverwritesAndInvalidatesCache(t *testing.T) {
	r := NewRegistry(nil)
	fp1 := &fakeProvider{name: "p", models: []ModelInfo{{ID: "a"}}}
	r.Register("p", fp1)
	_, _ = r.ListModels(context.Background(), "p")

	fp2 := &fakeProvider{name: "p", models: []ModelInfo{{ID: "b"}}}
	r.Register("p", fp2)

	models, err := r.ListModels(context.Background(), "p")
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "b", models[0].ID)
}

func TestRegistry_IDs_NoDuplicates(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("a", &fakeProvider{name: "a"})
	r.Register("a", &fakeProvider{name: "a"})
	r.Register("b", &fakeProvider{name: "b"})
	assert.Equal(t, []string{"a", "b"}, r.IDs())
}

func TestRegistry_SetTTL_ExpiresCache(t *testing.T) {
	r := NewRegistry(nil)
	r.SetTTL(time.Millisecond)
	fp := &fakeProvider{name: "p", models: []ModelInfo{{ID: "a"}}}
	r.Register("p", fp)

	_, _ = r.ListModels(context.Background(), "p")
	time.Sleep(5 * time.Millisecond)
	_, _ = r.ListModels(context.Background(), "p")
	assert.Equal(t, 2, fp.calls)
}
