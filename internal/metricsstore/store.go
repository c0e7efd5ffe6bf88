// Package metricsstore implements the append-only metrics time series (M):
// a durable-in-process log of (scope_key, timestamp, kind, value) records with
// range and bucketed queries. It is the substrate the rate limiter (R) and the
// generation-record bookkeeping in the strategy engine (S) both read and write.
//
// This is distinct from internal/metrics' Prometheus counters: those are
// ambient operational metrics scraped by an external collector, while this
// store answers the gateway's own "how many tokens has client X used in the
// last hour" queries that Prometheus's pull model cannot serve cheaply.
package metricsstore

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind enumerates the measurement a Datum carries.
type Kind string

const (
	KindRequests         Kind = "requests"
	KindPromptTokens     Kind = "prompt_tokens"
	KindCompletionTokens Kind = "completion_tokens"
	KindTotalTokens      Kind = "total_tokens"
	KindCostUSD          Kind = "cost_usd"
	KindLatencyMS        Kind = "latency_ms"
)

// Datum is one recorded measurement.
type Datum struct {
	ScopeKey  string
	Kind      Kind
	Timestamp time.Time
	Value     float64
	Method    string // populated only for MCP method-breakdown queries
}

// Scope key helpers.
func ScopeGlobal() string                 { return "global" }
func ScopeClient(id string) string        { return "client:" + id }
func ScopeProvider(id string) string      { return "provider:" + id }
func ScopeModel(provider, model string) string { return "model:" + provider + ":" + model }
func ScopeMCPServer(id string) string     { return "mcp:" + id }
func ScopeMCPClient(id string) string     { return "mcp-client:" + id }

// GenerationRecord is the per-completed-request bookkeeping entry S persists.
type GenerationRecord struct {
	ID           string
	ClientID     string
	Provider     string
	Model        string
	StartedAt    time.Time
	FinishedAt   time.Time
	PromptTokens int
	CompletionTokens int
	TotalTokens  int
	CostUSD      float64
	FinishReason string
	Stream       bool
	RouterScore  *float64
}

// Store is an append-only, per-scope ordered time series.
type Store struct {
	mu          sync.RWMutex
	byScope     map[string][]Datum // in arrival order; Range sorts by Timestamp
	generations map[string]GenerationRecord
	logger      *zap.Logger
}

func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		byScope:     make(map[string][]Datum),
		generations: make(map[string]GenerationRecord),
		logger:      logger.With(zap.String("component", "metricsstore")),
	}
}

// Record appends one measurement to scopeKey's series.
func (s *Store) Record(scopeKey string, kind Kind, value float64, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byScope[scopeKey] = append(s.byScope[scopeKey], Datum{ScopeKey: scopeKey, Kind: kind, Timestamp: ts, Value: value})
}

// RecordMethod appends an MCP-method-tagged measurement (used by
// MethodBreakdown), independent of the plain Record series for the scope.
func (s *Store) RecordMethod(scopeKey, method string, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byScope[scopeKey] = append(s.byScope[scopeKey], Datum{ScopeKey: scopeKey, Kind: KindRequests, Timestamp: ts, Value: 1, Method: method})
}

// RecordGeneration records the cross-product of (client, provider, model,
// global) x (Requests=1, PromptTokens, CompletionTokens, TotalTokens,
// CostUsd).
func (s *Store) RecordGeneration(rec GenerationRecord) {
	if rec.ID != "" {
		s.mu.Lock()
		s.generations[rec.ID] = rec
		s.mu.Unlock()
	}
	scopes := []string{
		ScopeGlobal(),
		ScopeClient(rec.ClientID),
		ScopeProvider(rec.Provider),
		ScopeModel(rec.Provider, rec.Model),
	}
	now := rec.FinishedAt
	if now.IsZero() {
		now = time.Now()
	}
	for _, sk := range scopes {
		s.Record(sk, KindRequests, 1, now)
		s.Record(sk, KindPromptTokens, float64(rec.PromptTokens), now)
		s.Record(sk, KindCompletionTokens, float64(rec.CompletionTokens), now)
		s.Record(sk, KindTotalTokens, float64(rec.TotalTokens), now)
		s.Record(sk, KindCostUSD, rec.CostUSD, now)
	}
	s.Record(ScopeClient(rec.ClientID), KindLatencyMS, float64(rec.FinishedAt.Sub(rec.StartedAt).Milliseconds()), now)
}

// GetGeneration looks up one previously recorded generation by id, the
// lookup behind the "/v1/generation?id=" endpoint.
func (s *Store) GetGeneration(id string) (GenerationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.generations[id]
	return rec, ok
}

// Range returns every datum of kind in scopeKey within [start, end], ordered
// by timestamp ascending.
func (s *Store) Range(scopeKey string, kind Kind, start, end time.Time) []Datum {
	s.mu.RLock()
	defer s.mu.RUnlock()

	series := s.byScope[scopeKey]
	out := make([]Datum, 0, len(series))
	for _, d := range series {
		if d.Kind != kind {
			continue
		}
		if d.Timestamp.Before(start) || d.Timestamp.After(end) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Sum is a convenience over Range: the aggregate value of kind in scopeKey
// over [start, end]. The rate limiter's pre-check rests on this.
func (s *Store) Sum(scopeKey string, kind Kind, start, end time.Time) float64 {
	var total float64
	for _, d := range s.Range(scopeKey, kind, start, end) {
		total += d.Value
	}
	return total
}

// OldestInWindow returns the timestamp of the earliest datum of kind in
// scopeKey within [start, end], used to compute RateLimitRule's retry_after.
func (s *Store) OldestInWindow(scopeKey string, kind Kind, start, end time.Time) (time.Time, bool) {
	data := s.Range(scopeKey, kind, start, end)
	if len(data) == 0 {
		return time.Time{}, false
	}
	return data[0].Timestamp, true
}

// Bucket is one time-bucketed aggregate point.
type Bucket struct {
	Start time.Time
	Value float64
}

// Bucketed aggregates scopeKey's kind series into `buckets` equal-width
// windows spanning [start, end].
func (s *Store) Bucketed(scopeKey string, kind Kind, start, end time.Time, buckets int) []Bucket {
	if buckets <= 0 {
		buckets = 1
	}
	width := end.Sub(start) / time.Duration(buckets)
	if width <= 0 {
		width = time.Second
	}
	out := make([]Bucket, buckets)
	for i := range out {
		out[i].Start = start.Add(time.Duration(i) * width)
	}
	for _, d := range s.Range(scopeKey, kind, start, end) {
		idx := int(d.Timestamp.Sub(start) / width)
		if idx < 0 {
			idx = 0
		}
		if idx >= buckets {
			idx = buckets - 1
		}
		out[idx].Value += d.Value
	}
	return out
}

// MethodCount is one (method, count) pair from MethodBreakdown.
type MethodCount struct {
	Method string
	Count  int
}

// MethodBreakdown returns request counts by JSON-RPC method for scopeKey
// within [start, end] — the MCP variant of a breakdown query.
func (s *Store) MethodBreakdown(scopeKey string, start, end time.Time) []MethodCount {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, d := range s.byScope[scopeKey] {
		if d.Method == "" {
			continue
		}
		if d.Timestamp.Before(start) || d.Timestamp.After(end) {
			continue
		}
		counts[d.Method]++
	}
	out := make([]MethodCount, 0, len(counts))
	for m, c := range counts {
		out = append(out, MethodCount{Method: m, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// Percentiles holds p50/p90/p99 latency, in milliseconds.
type Percentiles struct {
	P50, P90, P99 float64
}

// LatencyPercentiles computes p50/p90/p99 over scopeKey's KindLatencyMS
// series within [start, end].
func (s *Store) LatencyPercentiles(scopeKey string, start, end time.Time) Percentiles {
	data := s.Range(scopeKey, KindLatencyMS, start, end)
	if len(data) == 0 {
		return Percentiles{}
	}
	values := make([]float64, len(data))
	for i, d := range data {
		values[i] = d.Value
	}
	sort.Float64s(values)
	pick := func(p float64) float64 {
		idx := int(p * float64(len(values)-1))
		return values[idx]
	}
	return Percentiles{P50: pick(0.50), P90: pick(0.90), P99: pick(0.99)}
}

// Truncate deletes every datum older than cutoff across all scopes — the
// only deletion path permitted (a retention policy time-window truncate).
func (s *Store) Truncate(cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for scope, series := range s.byScope {
		kept := series[:0]
		for _, d := range series {
			if d.Timestamp.After(cutoff) {
				kept = append(kept, d)
			}
		}
		s.byScope[scope] = kept
	}
}
