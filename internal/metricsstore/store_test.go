package metricsstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSumAndOldestInWindow(t *testing.T) {
	s := New(nil)
	now := time.Now()

	s.Record(ScopeClient("c1"), KindRequests, 1, now.Add(-30*time.Second))
	s.Record(ScopeClient("c1"), KindRequests, 1, now.Add(-10*time.Second))
	s.Record(ScopeClient("c1"), KindRequests, 1, now.Add(-120*time.Second)) // outside window

	sum := s.Sum(ScopeClient("c1"), KindRequests, now.Add(-time.Minute), now)
	require.Equal(t, float64(2), sum)

	oldest, ok := s.OldestInWindow(ScopeClient("c1"), KindRequests, now.Add(-time.Minute), now)
	require.True(t, ok)
	require.WithinDuration(t, now.Add(-30*time.Second), oldest, time.Millisecond)
}

func TestRecordGenerationCrossProduct(t *testing.T) {
	s := New(nil)
	now := time.Now()
	s.RecordGeneration(GenerationRecord{
		ClientID: "c1", Provider: "openai", Model: "gpt-5",
		StartedAt: now.Add(-time.Second), FinishedAt: now,
		PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30, CostUSD: 0.01,
	})

	require.Equal(t, float64(1), s.Sum(ScopeGlobal(), KindRequests, now.Add(-time.Minute), now.Add(time.Second)))
	require.Equal(t, float64(30), s.Sum(ScopeModel("openai", "gpt-5"), KindTotalTokens, now.Add(-time.Minute), now.Add(time.Second)))
	require.Equal(t, float64(1), s.Sum(ScopeClient("c1"), KindRequests, now.Add(-time.Minute), now.Add(time.Second)))
}

func TestBucketedDistributesByTime(t *testing.T) {
	s := New(nil)
	start := time.Now().Add(-time.Minute)
	end := start.Add(time.Minute)

	s.Record("k", KindRequests, 1, start.Add(5*time.Second))
	s.Record("k", KindRequests, 1, start.Add(55*time.Second))

	buckets := s.Bucketed("k", KindRequests, start, end, 2)
	require.Len(t, buckets, 2)
	require.Equal(t, float64(1), buckets[0].Value)
	require.Equal(t, float64(1), buckets[1].Value)
}

func TestMethodBreakdown(t *testing.T) {
	s := New(nil)
	now := time.Now()
	s.RecordMethod("mcp:fs", "tools/list", now)
	s.RecordMethod("mcp:fs", "tools/list", now)
	s.RecordMethod("mcp:fs", "tools/call", now)

	breakdown := s.MethodBreakdown("mcp:fs", now.Add(-time.Minute), now.Add(time.Minute))
	require.Equal(t, []MethodCount{{Method: "tools/call", Count: 1}, {Method: "tools/list", Count: 2}}, breakdown)
}

func TestTruncateDropsOldData(t *testing.T) {
	s := New(nil)
	now := time.Now()
	s.Record("k", KindRequests, 1, now.Add(-time.Hour))
	s.Record("k", KindRequests, 1, now)

	s.Truncate(now.Add(-time.Minute))
	require.Equal(t, float64(1), s.Sum("k", KindRequests, now.Add(-2*time.Hour), now.Add(time.Minute)))
}
