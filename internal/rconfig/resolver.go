package rconfig

import (
	"fmt"

	"github.com/BaSui01/localrouter/types"
)

// ResolvedStrategy is the flattened, materialised view of a Strategy after
// walking its parent chain — the rest of the core never sees the recursive
// Strategy.ParentID chain, only this.
type ResolvedStrategy struct {
	ID            string
	Name          string
	AllowedModels AllowedModels
	RateLimits    []RateLimitRule
}

// Strategies holds the full set of configured strategies keyed by id.
type Strategies map[string]*Strategy

// resolveStrategy flattens s's parent chain, detecting cycles. Each unset
// field (AllowedModels == nil) is filled from the nearest ancestor that sets
// it; RateLimits concatenate child-then-ancestor (child rules are checked
// first but all must still pass).
func resolveStrategy(all Strategies, id string) (*ResolvedStrategy, error) {
	visited := make(map[string]struct{})
	chain := make([]*Strategy, 0, 4)

	cur := id
	for cur != "" {
		if _, ok := visited[cur]; ok {
			return nil, types.NewError(types.ErrConfig, fmt.Sprintf("cycle detected in strategy inheritance at %q", cur))
		}
		visited[cur] = struct{}{}

		s, ok := all[cur]
		if !ok {
			return nil, types.NewError(types.ErrConfig, fmt.Sprintf("strategy %q references unknown parent %q", id, cur))
		}
		chain = append(chain, s)
		cur = s.ParentID
	}

	resolved := &ResolvedStrategy{ID: chain[0].ID, Name: chain[0].Name}
	for _, s := range chain {
		if resolved.AllowedModels.Mode == "" && s.AllowedModels != nil {
			resolved.AllowedModels = *s.AllowedModels
		}
		resolved.RateLimits = append(resolved.RateLimits, s.RateLimits...)
	}
	if resolved.AllowedModels.Mode == "" {
		return nil, types.NewError(types.ErrConfig, fmt.Sprintf("strategy %q has no allowed_models in its inheritance chain", id))
	}
	return resolved, nil
}

// ResolveAll flattens every strategy in all, failing fast on the first cycle
// or missing reference. Resolution is deterministic: same input snapshot,
// same output map, every time.
func ResolveAll(all Strategies) (map[string]*ResolvedStrategy, error) {
	out := make(map[string]*ResolvedStrategy, len(all))
	for id := range all {
		rs, err := resolveStrategy(all, id)
		if err != nil {
			return nil, err
		}
		out[id] = rs
	}
	return out, nil
}
