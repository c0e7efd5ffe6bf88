// Package strategy implements S: the core dispatch algorithm that turns one
// authenticated completion/embedding request into a candidate model list,
// runs it through the feature adapters and the rate limiter, dispatches to a
// provider, and records the outcome.
package strategy

import (
	"context"
	"time"

	"github.com/BaSui01/localrouter/internal/auth"
	"github.com/BaSui01/localrouter/internal/ctxkeys"
	"github.com/BaSui01/localrouter/internal/feature"
	"github.com/BaSui01/localrouter/internal/intelrouter"
	"github.com/BaSui01/localrouter/internal/metrics"
	"github.com/BaSui01/localrouter/internal/metricsstore"
	"github.com/BaSui01/localrouter/internal/provider"
	"github.com/BaSui01/localrouter/internal/ratelimit"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/internal/tokenizer"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

// Candidate is one (provider instance, model) pair S may dispatch a request
// to, carrying the score intelrouter or the Auto weighting assigned it.
type Candidate struct {
	ProviderInstanceID string
	Model              string
	Score              float64
}

// Engine wires together config resolution, rate limiting, feature adapters,
// provider dispatch and generation bookkeeping into one request path.
type Engine struct {
	providers *provider.Registry
	features  *feature.Registry
	limiter   *ratelimit.Limiter
	store     *metricsstore.Store
	intel     *intelrouter.Manager // optional; nil when no local model is configured
	collector *metrics.Collector   // optional; nil disables Prometheus LLM metrics
	logger    *zap.Logger
}

func NewEngine(providers *provider.Registry, features *feature.Registry, limiter *ratelimit.Limiter, store *metricsstore.Store, intel *intelrouter.Manager, collector *metrics.Collector, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		providers: providers,
		features:  features,
		limiter:   limiter,
		store:     store,
		intel:     intel,
		collector: collector,
		logger:    logger.With(zap.String("component", "strategy")),
	}
}

// candidates enumerates the models eligible for req under resolved,
// filtered by client's AllowedProviders and ModelPermissions, in the order
// they should be attempted: Explicit as configured, Wildcard expanded via
// the provider registry's live model list, Auto from routeAuto's pool (the
// intelligent router's strong or weak list when it is enabled and answers,
// otherwise the prioritised list).
func (e *Engine) candidates(ctx context.Context, client *rconfig.Client, resolved *rconfig.ResolvedStrategy, requestedModel, prompt string, gate auth.ApprovalGate) ([]Candidate, error) {
	var out []Candidate

	appendIfAllowed := func(ref rconfig.ModelRef, score float64) error {
		allowed, err := auth.CheckModelAccess(ctx, client, ref.ProviderInstanceID, ref.Model, gate)
		if err != nil {
			return err
		}
		if allowed {
			out = append(out, Candidate{ProviderInstanceID: ref.ProviderInstanceID, Model: ref.Model, Score: score})
		}
		return nil
	}

	switch resolved.AllowedModels.Mode {
	case rconfig.ModelsExplicit:
		for i, ref := range resolved.AllowedModels.Explicit {
			if requestedModel != "" && ref.Model != requestedModel {
				continue
			}
			if err := appendIfAllowed(ref, float64(len(resolved.AllowedModels.Explicit)-i)); err != nil {
				return nil, err
			}
		}

	case rconfig.ModelsWildcard:
		for _, pid := range e.providers.IDs() {
			if _, ok := client.AllowedProviders[pid]; !ok {
				continue
			}
			models, err := e.providers.ListModels(ctx, pid)
			if err != nil {
				e.logger.Warn("wildcard model list fetch failed", zap.String("provider", pid), zap.Error(err))
				continue
			}
			for _, mi := range models {
				if requestedModel != "" && mi.ID != requestedModel {
					continue
				}
				if err := appendIfAllowed(rconfig.ModelRef{ProviderInstanceID: pid, Model: mi.ID}, 1.0); err != nil {
					return nil, err
				}
			}
		}

	case rconfig.ModelsAuto:
		if resolved.AllowedModels.Auto != nil {
			pool := e.routeAuto(ctx, resolved.AllowedModels.Auto, prompt)
			n := len(pool)
			for i, ref := range pool {
				if err := appendIfAllowed(ref, float64(n-i)); err != nil {
					return nil, err
				}
			}
		}
	}

	return out, nil
}

// routeAuto picks the candidate pool for an Auto strategy. When the
// intelligent router is configured and enabled, it invokes the classifier on
// prompt and compares the returned win rate to the configured threshold:
// strong_models on a win rate >= threshold, weak_models otherwise — these
// *replace* the prioritised list. When the router is disabled, unconfigured,
// or unreachable (classifier error), it falls back open-circuit to the
// prioritised list unchanged.
func (e *Engine) routeAuto(ctx context.Context, auto *rconfig.AutoConfig, prompt string) []rconfig.ModelRef {
	irc := auto.IntelligentRouter
	if irc == nil || !irc.Enabled || e.intel == nil {
		return auto.PrioritisedModels
	}

	winRate, err := e.intel.PredictWinRate(ctx, prompt)
	if err != nil {
		e.logger.Warn("intelligent router unreachable, falling back to prioritised model list", zap.Error(err))
		return auto.PrioritisedModels
	}

	if winRate >= irc.Threshold {
		return irc.Strong
	}
	return irc.Weak
}

// lastUserMessage returns the content of req's last user-role message, the
// text the intelligent router classifies — empty when there is none.
func lastUserMessage(req *types.CompletionRequest) string {
	if req == nil {
		return ""
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == types.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

// Result is one dispatch attempt's outcome, successful or not, recorded
// regardless so retried/fallback candidates all appear in bookkeeping.
type Result struct {
	Candidate Candidate
	Response  *types.CompletionResponse
	Err       error
}

// Complete runs the full non-streaming dispatch path: candidate
// enumeration, rate-limit pre-check, request-side feature adaptation,
// per-candidate dispatch with retry/fallback on retryable errors,
// response-side feature adaptation, and generation bookkeeping.
func (e *Engine) Complete(ctx context.Context, client *rconfig.Client, resolved *rconfig.ResolvedStrategy, req *types.CompletionRequest, gate auth.ApprovalGate) (*types.CompletionResponse, error) {
	started := time.Now()

	decision := e.limiter.Check(ctx, client.ID, resolved.RateLimits, ratelimit.PendingContribution{
		Requests:     1,
		PromptTokens: estimatePromptTokens(req),
	}, started)
	if !decision.Allowed {
		e.logRateLimited(ctx, client.ID, decision)
		return nil, types.NewError(types.ErrRateLimited, decision.Reason).WithRetryAfter(int(decision.RetryAfter.Seconds()))
	}

	if err := e.features.ApplyRequest(req); err != nil {
		return nil, err
	}

	cands, err := e.candidates(ctx, client, resolved, req.Model, lastUserMessage(req), gate)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, types.NewError(types.ErrNoEligibleModel, "no eligible model for this request")
	}

	var lastErr error
	for _, cand := range cands {
		p, ok := e.providers.Get(cand.ProviderInstanceID)
		if !ok {
			continue
		}
		candReq := *req
		candReq.Model = cand.Model

		var resp *types.CompletionResponse
		var dispatchErr error
		if e.intel != nil && cand.ProviderInstanceID == "local" {
			resp, dispatchErr = e.intel.Predict(ctx, cand.Model, &candReq)
		} else {
			resp, dispatchErr = p.Complete(ctx, &candReq)
		}

		finishReason := "stop"
		if dispatchErr != nil {
			lastErr = dispatchErr
			if ctx.Err() != nil {
				finishReason = "cancelled"
				e.record(client.ID, cand, started, nil, finishReason)
				return nil, types.NewError(types.ErrCancelled, "request cancelled").WithCause(ctx.Err())
			}
			e.record(client.ID, cand, started, nil, "error")
			if types.IsRetryable(dispatchErr) {
				continue
			}
			return nil, dispatchErr
		}

		resp.Provider = cand.ProviderInstanceID
		resp.RouterScore = &cand.Score
		if err := e.features.ApplyResponse(req.Extensions, resp); err != nil {
			return nil, err
		}
		e.record(client.ID, cand, started, resp, finishReason)
		return resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, types.NewError(types.ErrNoEligibleModel, "all candidates were ineligible")
}

// Stream runs the dispatch path for a streaming request. Once the first
// candidate successfully opens a stream, no mid-stream switch to another
// candidate is attempted — a failure after streaming has started surfaces
// as a terminal chunk error, not a silent fallback.
func (e *Engine) Stream(ctx context.Context, client *rconfig.Client, resolved *rconfig.ResolvedStrategy, req *types.CompletionRequest, gate auth.ApprovalGate) (<-chan types.CompletionChunk, error) {
	started := time.Now()

	decision := e.limiter.Check(ctx, client.ID, resolved.RateLimits, ratelimit.PendingContribution{
		Requests:     1,
		PromptTokens: estimatePromptTokens(req),
	}, started)
	if !decision.Allowed {
		e.logRateLimited(ctx, client.ID, decision)
		return nil, types.NewError(types.ErrRateLimited, decision.Reason).WithRetryAfter(int(decision.RetryAfter.Seconds()))
	}

	if err := e.features.ApplyRequest(req); err != nil {
		return nil, err
	}

	cands, err := e.candidates(ctx, client, resolved, req.Model, lastUserMessage(req), gate)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, cand := range cands {
		p, ok := e.providers.Get(cand.ProviderInstanceID)
		if !ok {
			continue
		}
		candReq := *req
		candReq.Model = cand.Model

		upstream, dispatchErr := p.Stream(ctx, &candReq)
		if dispatchErr != nil {
			lastErr = dispatchErr
			if types.IsRetryable(dispatchErr) {
				continue
			}
			return nil, dispatchErr
		}

		out := make(chan types.CompletionChunk)
		go e.pumpStream(client.ID, cand, started, req, upstream, out)
		return out, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, types.NewError(types.ErrNoEligibleModel, "no eligible model for this request")
}

func (e *Engine) pumpStream(clientID string, cand Candidate, started time.Time, req *types.CompletionRequest, upstream <-chan types.CompletionChunk, out chan<- types.CompletionChunk) {
	defer close(out)

	var totalUsage *types.Usage
	finishReason := "stop"
	for chunk := range upstream {
		chunk.Provider = cand.ProviderInstanceID
		if chunk.Usage != nil {
			totalUsage = chunk.Usage
		}
		if chunk.Err != nil {
			finishReason = "error"
		}
		out <- chunk
	}

	resp := &types.CompletionResponse{Model: cand.Model, Provider: cand.ProviderInstanceID, Usage: types.Usage{}}
	if totalUsage != nil {
		resp.Usage = *totalUsage
	}
	if err := e.features.ApplyResponse(req.Extensions, resp); err != nil {
		e.logger.Warn("response feature adaptation failed on stream tail", zap.Error(err))
	}
	e.record(clientID, cand, started, resp, finishReason)
}

func (e *Engine) record(clientID string, cand Candidate, started time.Time, resp *types.CompletionResponse, finishReason string) {
	finished := time.Now()
	rec := metricsstore.GenerationRecord{
		ClientID:     clientID,
		Provider:     cand.ProviderInstanceID,
		Model:        cand.Model,
		StartedAt:    started,
		FinishedAt:   finished,
		FinishReason: finishReason,
	}
	score := cand.Score
	rec.RouterScore = &score
	var promptTokens, completionTokens int
	if resp != nil {
		rec.ID = resp.ID
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
		rec.TotalTokens = resp.Usage.TotalTokens
		promptTokens = resp.Usage.PromptTokens
		completionTokens = resp.Usage.CompletionTokens
	}
	e.store.RecordGeneration(rec)

	if e.collector != nil {
		status := "success"
		if finishReason == "error" || finishReason == "cancelled" {
			status = finishReason
		}
		e.collector.RecordLLMRequest(cand.ProviderInstanceID, cand.Model, status, finished.Sub(started), promptTokens, completionTokens, rec.CostUSD)
	}
}

// Embed runs the embeddings dispatch path: rate-limit pre-check, candidate
// enumeration against the same AllowedModels policy as Complete, and dispatch
// to the first eligible provider's Embed. Embeddings carry no feature
// adaptation or router score — there is no response content to transform.
func (e *Engine) Embed(ctx context.Context, client *rconfig.Client, resolved *rconfig.ResolvedStrategy, req *types.EmbeddingRequest, gate auth.ApprovalGate) (*types.EmbeddingResponse, error) {
	started := time.Now()

	decision := e.limiter.Check(ctx, client.ID, resolved.RateLimits, ratelimit.PendingContribution{
		Requests: 1,
	}, started)
	if !decision.Allowed {
		e.logRateLimited(ctx, client.ID, decision)
		return nil, types.NewError(types.ErrRateLimited, decision.Reason).WithRetryAfter(int(decision.RetryAfter.Seconds()))
	}

	cands, err := e.candidates(ctx, client, resolved, req.Model, "", gate)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, types.NewError(types.ErrNoEligibleModel, "no eligible model for this request")
	}

	var lastErr error
	for _, cand := range cands {
		p, ok := e.providers.Get(cand.ProviderInstanceID)
		if !ok {
			continue
		}
		candReq := *req
		candReq.Model = cand.Model

		resp, dispatchErr := p.Embed(ctx, &candReq)
		if dispatchErr != nil {
			lastErr = dispatchErr
			e.record(client.ID, cand, started, nil, "error")
			if types.IsRetryable(dispatchErr) {
				continue
			}
			return nil, dispatchErr
		}
		resp.Model = cand.Model
		e.record(client.ID, cand, started, &types.CompletionResponse{Usage: resp.Usage}, "stop")
		return resp, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, types.NewError(types.ErrNoEligibleModel, "all candidates were ineligible")
}

// logRateLimited records a denial with the request's trace id, if the caller
// attached one via ctxkeys, so a rejected request can be correlated with the
// access log entry the HTTP layer wrote for it.
func (e *Engine) logRateLimited(ctx context.Context, clientID string, decision ratelimit.Decision) {
	fields := []zap.Field{
		zap.String("client_id", clientID),
		zap.String("reason", decision.Reason),
	}
	if traceID, ok := ctxkeys.TraceID(ctx); ok {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	e.logger.Warn("rate limit denied request", fields...)
}

func estimatePromptTokens(req *types.CompletionRequest) float64 {
	msgs := make([]tokenizer.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = tokenizer.Message{Role: string(m.Role), Content: m.Content}
	}
	return tokenizer.CountMessages(req.Model, msgs)
}
