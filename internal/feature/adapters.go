package feature

import (
	"encoding/json"

	"github.com/BaSui01/localrouter/types"
	"github.com/tidwall/gjson"
)

// ExtendedThinking exposes Anthropic's extended-thinking budget. The actual
// translation into sdk.ThinkingConfigParam happens in the Anthropic adapter,
// which reads Extensions["extended_thinking"] directly; this feature only
// validates the payload shape and surfaces the returned block on the
// response side.
type ExtendedThinking struct{}

func (ExtendedThinking) Name() string { return "extended_thinking" }

func (ExtendedThinking) ValidateParams(raw json.RawMessage) error {
	var p struct {
		BudgetTokens int64 `json:"budget_tokens"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	if p.BudgetTokens < 1024 {
		return types.NewError(types.ErrConfig, "extended_thinking budget_tokens must be >= 1024")
	}
	return nil
}

func (ExtendedThinking) AdaptRequest(req *types.CompletionRequest, raw json.RawMessage) error {
	return nil // the provider adapter reads Extensions["extended_thinking"] itself
}

func (ExtendedThinking) AdaptResponse(resp *types.CompletionResponse, raw json.RawMessage) error {
	return nil // the thinking block, if any, already rode back in resp.Extensions from the provider
}

// ReasoningTokens surfaces a provider's reasoning-token count (distinct from
// completion tokens) in the response usage breakdown; OpenAI's o-series and
// Gemini's thinking models both report this field under different wire names
// normalised upstream into Usage.ReasoningTokens.
type ReasoningTokens struct{}

func (ReasoningTokens) Name() string { return "reasoning_tokens" }

func (ReasoningTokens) ValidateParams(raw json.RawMessage) error { return nil }

func (ReasoningTokens) AdaptRequest(req *types.CompletionRequest, raw json.RawMessage) error {
	return nil
}

func (ReasoningTokens) AdaptResponse(resp *types.CompletionResponse, raw json.RawMessage) error {
	return nil // Usage.ReasoningTokens is populated by the provider adapter when present
}

// ThinkingLevel is Gemini's coarse thinking-effort knob ("low"/"medium"/"high"),
// as opposed to Anthropic's explicit token budget.
type ThinkingLevel struct{}

func (ThinkingLevel) Name() string { return "thinking_level" }

func (ThinkingLevel) ValidateParams(raw json.RawMessage) error {
	if !gjson.ValidBytes(raw) {
		return types.NewError(types.ErrConfig, "thinking_level payload is not valid JSON")
	}
	switch gjson.GetBytes(raw, "level").String() {
	case "low", "medium", "high":
		return nil
	default:
		return types.NewError(types.ErrConfig, "thinking_level must be low, medium, or high")
	}
}

func (ThinkingLevel) AdaptRequest(req *types.CompletionRequest, raw json.RawMessage) error {
	return nil
}

func (ThinkingLevel) AdaptResponse(resp *types.CompletionResponse, raw json.RawMessage) error {
	return nil
}

// StructuredOutputs constrains the response to a caller-supplied JSON
// schema, populating req.ResponseFormat from the extension payload so every
// provider adapter reads one normalised field regardless of how the request
// arrived.
type StructuredOutputs struct{}

func (StructuredOutputs) Name() string { return "structured_outputs" }

func (StructuredOutputs) ValidateParams(raw json.RawMessage) error {
	schema := gjson.GetBytes(raw, "schema")
	if !schema.Exists() || schema.Raw == "" {
		return types.NewError(types.ErrConfig, "structured_outputs requires a schema")
	}
	return nil
}

func (StructuredOutputs) AdaptRequest(req *types.CompletionRequest, raw json.RawMessage) error {
	schema := gjson.GetBytes(raw, "schema")
	if !schema.Exists() {
		return types.NewError(types.ErrConfig, "structured_outputs requires a schema")
	}
	req.ResponseFormat = &types.ResponseFormat{Type: "json_schema", Schema: json.RawMessage(schema.Raw)}
	return nil
}

func (StructuredOutputs) AdaptResponse(resp *types.CompletionResponse, raw json.RawMessage) error {
	return nil
}

// PromptCaching marks cacheable prefix boundaries. Anthropic and OpenAI both
// auto-cache long shared prefixes; this feature only validates the opt-in
// payload and lets Usage.CachedTokens (populated by the provider adapter)
// report back how much landed in cache.
type PromptCaching struct{}

func (PromptCaching) Name() string { return "prompt_caching" }

func (PromptCaching) ValidateParams(raw json.RawMessage) error { return nil }

func (PromptCaching) AdaptRequest(req *types.CompletionRequest, raw json.RawMessage) error {
	return nil
}

func (PromptCaching) AdaptResponse(resp *types.CompletionResponse, raw json.RawMessage) error {
	return nil
}

// Logprobs requests per-token log probabilities.
type Logprobs struct{}

func (Logprobs) Name() string { return "logprobs" }

func (Logprobs) ValidateParams(raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	if !gjson.ValidBytes(raw) {
		return types.NewError(types.ErrConfig, "logprobs payload is not valid JSON")
	}
	top := gjson.GetBytes(raw, "top_logprobs")
	if top.Exists() && (top.Int() < 0 || top.Int() > 20) {
		return types.NewError(types.ErrConfig, "top_logprobs must be between 0 and 20")
	}
	return nil
}

func (Logprobs) AdaptRequest(req *types.CompletionRequest, raw json.RawMessage) error {
	req.LogProbs = true
	if len(raw) > 0 {
		req.TopLogProbs = int(gjson.GetBytes(raw, "top_logprobs").Int())
	}
	return nil
}

func (Logprobs) AdaptResponse(resp *types.CompletionResponse, raw json.RawMessage) error {
	return nil
}

// JSONMode requests best-effort JSON output without a caller-supplied
// schema — the looser counterpart to StructuredOutputs.
type JSONMode struct{}

func (JSONMode) Name() string { return "json_mode" }

func (JSONMode) ValidateParams(raw json.RawMessage) error { return nil }

func (JSONMode) AdaptRequest(req *types.CompletionRequest, raw json.RawMessage) error {
	req.ResponseFormat = &types.ResponseFormat{Type: "json_object"}
	return nil
}

func (JSONMode) AdaptResponse(resp *types.CompletionResponse, raw json.RawMessage) error {
	return nil
}

// RegisterDefaults registers all seven shipped adapters on r.
func RegisterDefaults(r *Registry) {
	r.Register(ExtendedThinking{})
	r.Register(ReasoningTokens{})
	r.Register(ThinkingLevel{})
	r.Register(StructuredOutputs{})
	r.Register(PromptCaching{})
	r.Register(Logprobs{})
	r.Register(JSONMode{})
}
