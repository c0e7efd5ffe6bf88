package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/localrouter/internal/metricsstore"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: whatever sequence of single-request arrivals hits one client
// within a window, the limiter never lets the recorded count exceed the
// rule's limit — the (N+1)th request inside the window is always denied
// once N == limit, regardless of N's value or how the requests are spaced
// within the window.
func TestProperty_CheckNeverExceedsLimit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("allowed request count never exceeds the configured limit", prop.ForAll(
		func(limit int, arrivals int) bool {
			if limit < 1 || arrivals < 0 {
				return true
			}

			store := metricsstore.New(nil)
			lim := New(store)
			now := time.Now()
			rules := []rconfig.RateLimitRule{{Kind: rconfig.RateRequests, Window: rconfig.WindowMinute, Limit: float64(limit)}}

			allowed := 0
			for i := 0; i < arrivals; i++ {
				at := now.Add(time.Duration(i) * time.Second)
				d := lim.Check(context.Background(), "prop-client", rules, PendingContribution{Requests: 1}, at)
				if d.Allowed {
					allowed++
					store.Record(metricsstore.ScopeClient("prop-client"), metricsstore.KindRequests, 1, at)
				}
			}
			return allowed <= limit
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
