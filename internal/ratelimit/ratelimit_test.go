package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/localrouter/internal/metricsstore"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/stretchr/testify/require"
)

func TestCheck_DeniesAtLimit(t *testing.T) {
	store := metricsstore.New(nil)
	lim := New(store)
	now := time.Now()

	rules := []rconfig.RateLimitRule{{Kind: rconfig.RateRequests, Window: rconfig.WindowMinute, Limit: 2}}

	// E5: two quick requests succeed, the third is denied.
	d1 := lim.Check(context.Background(), "c1", rules, PendingContribution{Requests: 1}, now)
	require.True(t, d1.Allowed)
	store.Record(metricsstore.ScopeClient("c1"), metricsstore.KindRequests, 1, now)

	d2 := lim.Check(context.Background(), "c1", rules, PendingContribution{Requests: 1}, now)
	require.True(t, d2.Allowed)
	store.Record(metricsstore.ScopeClient("c1"), metricsstore.KindRequests, 1, now)

	d3 := lim.Check(context.Background(), "c1", rules, PendingContribution{Requests: 1}, now)
	require.False(t, d3.Allowed)
	require.LessOrEqual(t, d3.RetryAfter, time.Minute)
}

func TestCheck_TokenBoundPreCheck(t *testing.T) {
	store := metricsstore.New(nil)
	lim := New(store)
	now := time.Now()
	store.Record(metricsstore.ScopeClient("c1"), metricsstore.KindTotalTokens, 900, now)

	rules := []rconfig.RateLimitRule{{Kind: rconfig.RateTotalTokens, Window: rconfig.WindowHour, Limit: 1000}}
	d := lim.Check(context.Background(), "c1", rules, PendingContribution{TotalTokens: 200}, now)
	require.False(t, d.Allowed)
}
