// Package gemini adapts Google's Gemini API (google.golang.org/genai) to the
// internal/provider.Provider interface: system-message prepending (Gemini has
// no system role, so it rides in GenerateContentConfig.SystemInstruction) and
// the thinking_level feature extension.
package gemini

import (
	"context"
	"encoding/json"

	"google.golang.org/genai"

	"github.com/BaSui01/localrouter/internal/provider"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

// Config configures one Gemini provider instance.
type Config struct {
	ProviderName string
	APIKey       string
	DefaultModel string
}

// Provider implements internal/provider.Provider over genai.Client.
type Provider struct {
	name   string
	client *genai.Client
	cfg    Config
	logger *zap.Logger
}

func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.ProviderName
	if name == "" {
		name = "gemini"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, types.NewError(types.ErrConfig, "gemini client init failed").WithCause(err)
	}
	return &Provider{name: name, client: client, cfg: cfg, logger: logger.With(zap.String("provider", name))}, nil
}

func (p *Provider) Name() string                        { return p.name }
func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

func (p *Provider) modelOrDefault(model string) string {
	if model != "" {
		return model
	}
	return p.cfg.DefaultModel
}

func buildContents(messages []types.Message) ([]*genai.Content, *genai.Content) {
	var system *genai.Content
	var contents []*genai.Content
	for _, m := range messages {
		if m.Role == types.RoleSystem {
			if m.Content != "" {
				system = genai.NewContentFromText(m.Content, "")
			}
			continue
		}
		role := genai.RoleUser
		if m.Role == types.RoleAssistant {
			role = genai.RoleModel
		}
		var parts []*genai.Part
		if m.Content != "" {
			parts = append(parts, genai.NewPartFromText(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.Arguments, &args)
			parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
		}
		if m.Role == types.RoleTool && m.ToolCallID != "" {
			var result map[string]any
			_ = json.Unmarshal([]byte(m.Content), &result)
			parts = append(parts, genai.NewPartFromFunctionResponse(m.Name, result))
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents, system
}

func buildConfig(req *types.CompletionRequest, system *genai.Content) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{SystemInstruction: system}
	if req.Sampling.Temperature != nil {
		t := *req.Sampling.Temperature
		cfg.Temperature = &t
	}
	if req.Sampling.TopP != nil {
		tp := *req.Sampling.TopP
		cfg.TopP = &tp
	}
	if req.Sampling.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*req.Sampling.MaxTokens)
	}
	cfg.StopSequences = req.Sampling.Stop

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	if raw, ok := req.Extensions["thinking_level"]; ok {
		var ext struct {
			Level string `json:"level"`
		}
		if err := json.Unmarshal(raw, &ext); err == nil && ext.Level != "" {
			budget := int32(-1)
			cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget, IncludeThoughts: true}
		}
	}
	return cfg
}

func (p *Provider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	contents, system := buildContents(req.Messages)
	if len(contents) == 0 {
		return nil, types.NewError(types.ErrConfig, "gemini: at least one user/assistant message is required")
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.modelOrDefault(req.Model), contents, buildConfig(req, system))
	if err != nil {
		return nil, mapSDKError(p.name, err)
	}
	return translateResponse(p.name, p.modelOrDefault(req.Model), resp), nil
}

func translateResponse(providerName, model string, resp *genai.GenerateContentResponse) *types.CompletionResponse {
	out := &types.CompletionResponse{Model: model, Provider: providerName}
	if resp.UsageMetadata != nil {
		out.Usage = types.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	for i, cand := range resp.Candidates {
		var msg types.Message
		msg.Role = types.RoleAssistant
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if part.Text != "" {
					msg.Content += part.Text
				}
				if part.FunctionCall != nil {
					args, _ := json.Marshal(part.FunctionCall.Args)
					msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{Name: part.FunctionCall.Name, Arguments: args})
				}
			}
		}
		finish := types.FinishStop
		switch cand.FinishReason {
		case genai.FinishReasonMaxTokens:
			finish = types.FinishLength
		case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent:
			finish = types.FinishContentFilter
		}
		if len(msg.ToolCalls) > 0 {
			finish = types.FinishToolCalls
		}
		out.Choices = append(out.Choices, types.Choice{Index: i, Message: msg, FinishReason: finish})
	}
	return out
}

func mapSDKError(providerName string, err error) *types.Error {
	return types.NewError(types.ErrProviderHTTP, err.Error()).
		WithProvider(providerName).WithRetryable(true).WithCause(err)
}

// ListModels delegates to the registry's catalogue fallback; genai exposes a
// Models.List call but its shape varies across API versions enough that the
// embedded fallback is the more stable source for gating feature flags.
func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return nil, types.NewError(types.ErrNotFound, "gemini model listing is served from the catalogue fallback")
}

func (p *Provider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	_, err := p.client.Models.GenerateContent(ctx, p.modelOrDefault(""), []*genai.Content{genai.NewContentFromText("ping", genai.RoleUser)}, &genai.GenerateContentConfig{MaxOutputTokens: 1})
	if err != nil {
		return &provider.HealthStatus{Healthy: false}, err
	}
	return &provider.HealthStatus{Healthy: true}, nil
}

func (p *Provider) Embed(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	resp, err := p.client.Models.EmbedContent(ctx, p.modelOrDefault(req.Model), genai.Text(req.Input[0]), nil)
	if err != nil {
		return nil, mapSDKError(p.name, err)
	}
	out := &types.EmbeddingResponse{Model: p.modelOrDefault(req.Model)}
	for i, e := range resp.Embeddings {
		out.Data = append(out.Data, types.EmbeddingVector{Index: i, Embedding: e.Values})
	}
	return out, nil
}

func (p *Provider) Stream(ctx context.Context, req *types.CompletionRequest) (<-chan types.CompletionChunk, error) {
	contents, system := buildContents(req.Messages)
	if len(contents) == 0 {
		return nil, types.NewError(types.ErrConfig, "gemini: at least one user/assistant message is required")
	}
	model := p.modelOrDefault(req.Model)
	iter := p.client.Models.GenerateContentStream(ctx, model, contents, buildConfig(req, system))

	ch := make(chan types.CompletionChunk)
	go func() {
		defer close(ch)
		for resp, err := range iter {
			if err != nil {
				select {
				case <-ctx.Done():
				case ch <- types.CompletionChunk{Err: mapSDKError(p.name, err)}:
				}
				return
			}
			translated := translateResponse(p.name, model, resp)
			for _, choice := range translated.Choices {
				chunk := types.CompletionChunk{Model: model, Provider: p.name, Index: choice.Index, Delta: types.ChunkDelta{
					Content:      choice.Message.Content,
					ToolCalls:    choice.Message.ToolCalls,
					FinishReason: choice.FinishReason,
				}}
				select {
				case <-ctx.Done():
					return
				case ch <- chunk:
				}
			}
		}
	}()
	return ch, nil
}
