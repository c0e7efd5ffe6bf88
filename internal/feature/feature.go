// Package feature implements F: a registry of named request/response
// adapters that translate the normalised CompletionRequest/Response
// extension fields into provider-specific wire behavior and back. The
// strategy engine (S) invokes every adapter named in a request's
// Extensions map, in registration order, before and after dispatch.
package feature

import (
	"encoding/json"

	"github.com/BaSui01/localrouter/types"
)

// Adapter is one named feature: extended_thinking, reasoning_tokens,
// thinking_level, structured_outputs, prompt_caching, logprobs, json_mode.
type Adapter interface {
	Name() string

	// ValidateParams checks raw (the Extensions[name] payload) is well-formed
	// before dispatch. A malformed payload fails the request with ErrConfig
	// rather than reaching the provider.
	ValidateParams(raw json.RawMessage) error

	// AdaptRequest mutates req in place to express this feature in whatever
	// shape the target provider family expects (e.g. setting a sampling
	// field, or leaving a marker in req.Extensions for the adapter to read).
	AdaptRequest(req *types.CompletionRequest, raw json.RawMessage) error

	// AdaptResponse mutates resp in place after dispatch, e.g. to surface a
	// thinking block or reasoning-token breakdown in resp.Extensions.
	AdaptResponse(resp *types.CompletionResponse, raw json.RawMessage) error
}

// Registry holds the shipped feature adapters, keyed by name.
type Registry struct {
	adapters map[string]Adapter
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds adapter, preserving first-registration order so S applies
// adapters deterministically when a request names more than one.
func (r *Registry) Register(a Adapter) {
	if _, exists := r.adapters[a.Name()]; !exists {
		r.order = append(r.order, a.Name())
	}
	r.adapters[a.Name()] = a
}

func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns every registered adapter's requested-in-request subset, in
// registration order — the order S must apply them in.
func (r *Registry) Names(requested map[string]json.RawMessage) []string {
	out := make([]string, 0, len(requested))
	for _, name := range r.order {
		if _, ok := requested[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// ApplyRequest runs every feature named in req.Extensions against req, in
// registration order, validating each payload first.
func (r *Registry) ApplyRequest(req *types.CompletionRequest) error {
	for _, name := range r.Names(req.Extensions) {
		a := r.adapters[name]
		raw := req.Extensions[name]
		if err := a.ValidateParams(raw); err != nil {
			return types.NewError(types.ErrConfig, "feature "+name+": "+err.Error()).WithCause(err)
		}
		if err := a.AdaptRequest(req, raw); err != nil {
			return err
		}
	}
	return nil
}

// ApplyResponse runs the response-side half of every feature requested,
// using the same requested set captured from the originating request.
func (r *Registry) ApplyResponse(requested map[string]json.RawMessage, resp *types.CompletionResponse) error {
	for _, name := range r.Names(requested) {
		a := r.adapters[name]
		if err := a.AdaptResponse(resp, requested[name]); err != nil {
			return err
		}
	}
	return nil
}
