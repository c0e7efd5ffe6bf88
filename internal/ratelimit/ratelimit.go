// Package ratelimit implements R: blocking decisions derived entirely from
// the metrics store's rolling-window aggregates. It holds no state of its
// own — accounting is the metrics store's job.
package ratelimit

import (
	"context"
	"time"

	"github.com/BaSui01/localrouter/internal/metricsstore"
	"github.com/BaSui01/localrouter/internal/rconfig"
)

// DistributedStore lets Check enforce a rule against a cross-instance
// aggregate in addition to this process's own metricsstore. RecordWindowed
// records amount at now and returns the sum still inside [now-window, now] —
// a Redis-backed implementation lives in internal/cache.
type DistributedStore interface {
	RecordWindowed(ctx context.Context, key string, amount float64, now time.Time, window time.Duration) (float64, error)
}

// Decision is the limiter's verdict for one rule.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

func ruleKind(k rconfig.RateLimitKind) metricsstore.Kind {
	switch k {
	case rconfig.RateRequests:
		return metricsstore.KindRequests
	case rconfig.RatePromptTokens:
		return metricsstore.KindPromptTokens
	case rconfig.RateCompletionTokens:
		return metricsstore.KindCompletionTokens
	case rconfig.RateTotalTokens:
		return metricsstore.KindTotalTokens
	case rconfig.RateCostUSD:
		return metricsstore.KindCostUSD
	default:
		return metricsstore.KindRequests
	}
}

// PendingContribution is the minimum contribution a would-be request makes
// to each rule kind: 1 for requests, the request's max_tokens bound for
// token kinds, 0 for cost (token/cost actuals are re-checked after the
// response completes).
type PendingContribution struct {
	Requests         float64
	PromptTokens     float64
	CompletionTokens float64
	TotalTokens      float64
	CostUSD          float64
}

func (p PendingContribution) forKind(k rconfig.RateLimitKind) float64 {
	switch k {
	case rconfig.RateRequests:
		return p.Requests
	case rconfig.RatePromptTokens:
		return p.PromptTokens
	case rconfig.RateCompletionTokens:
		return p.CompletionTokens
	case rconfig.RateTotalTokens:
		return p.TotalTokens
	case rconfig.RateCostUSD:
		return p.CostUSD
	default:
		return 0
	}
}

// Limiter evaluates RateLimitRules against the metrics store, optionally
// cross-checking a DistributedStore so the limit holds across gateway
// instances sharing one client population.
type Limiter struct {
	store       *metricsstore.Store
	distributed DistributedStore
}

func New(store *metricsstore.Store) *Limiter {
	return &Limiter{store: store}
}

// SetDistributed wires an optional cross-instance backing store; nil (the
// default) keeps the limiter purely local.
func (l *Limiter) SetDistributed(d DistributedStore) {
	l.distributed = d
}

// Check evaluates every rule for clientID against now, denying on the first
// rule that pending would push over its limit. Rules are checked in order so
// the first-violated rule's retry_after is reported.
func (l *Limiter) Check(ctx context.Context, clientID string, rules []rconfig.RateLimitRule, pending PendingContribution, now time.Time) Decision {
	scope := metricsstore.ScopeClient(clientID)
	for _, rule := range rules {
		kind := ruleKind(rule.Kind)
		windowStart := now.Add(-rule.Window.Duration())
		aggregate := l.store.Sum(scope, kind, windowStart, now)
		contribution := pending.forKind(rule.Kind)

		if l.distributed != nil && contribution > 0 {
			key := scope + ":" + string(kind) + ":" + string(rule.Window)
			if distAggregate, err := l.distributed.RecordWindowed(ctx, key, contribution, now, rule.Window.Duration()); err == nil && distAggregate > aggregate {
				aggregate = distAggregate - contribution
			}
		}

		if aggregate+contribution > rule.Limit {
			retryAfter := rule.Window.Duration()
			if oldest, ok := l.store.OldestInWindow(scope, kind, windowStart, now); ok {
				retryAfter = oldest.Add(rule.Window.Duration()).Sub(now)
				if retryAfter < 0 {
					retryAfter = 0
				}
			}
			return Decision{
				Allowed:    false,
				Reason:     string(rule.Kind) + " limit exceeded for window " + string(rule.Window),
				RetryAfter: retryAfter,
			}
		}
	}
	return Decision{Allowed: true}
}
