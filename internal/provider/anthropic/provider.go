// Package anthropic adapts the Anthropic Messages API
// (github.com/anthropics/anthropic-sdk-go) to the internal/provider.Provider
// interface: system-message hoisting, tool_use/tool_result mapping, and the
// extended_thinking feature via its budget_tokens field.
package anthropic

import (
	"context"
	"encoding/json"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/BaSui01/localrouter/internal/provider"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

// MessagesClient captures the SDK surface this adapter uses, so tests can
// substitute a stub in place of the real *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Config configures one Anthropic provider instance.
type Config struct {
	ProviderName   string
	APIKey         string
	DefaultModel   string
	DefaultMaxTokens int
}

// Provider implements internal/provider.Provider over Anthropic Messages.
type Provider struct {
	name   string
	msg    MessagesClient
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	name := cfg.ProviderName
	if name == "" {
		name = "anthropic"
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 4096
	}
	return &Provider{name: name, msg: &client.Messages, cfg: cfg, logger: logger.With(zap.String("provider", name))}
}

// NewWithClient lets tests and non-standard deployments inject their own
// MessagesClient (e.g. a stub, or a client pointed at a proxy).
func NewWithClient(cfg Config, msg MessagesClient, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.ProviderName
	if name == "" {
		name = "anthropic"
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 4096
	}
	return &Provider{name: name, msg: msg, cfg: cfg, logger: logger.With(zap.String("provider", name))}
}

func (p *Provider) Name() string                        { return p.name }
func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

func (p *Provider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	_, err := p.msg.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.modelOrDefault("")),
		MaxTokens: 1,
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock("ping"))},
	})
	if err != nil {
		return &provider.HealthStatus{Healthy: false}, err
	}
	return &provider.HealthStatus{Healthy: true}, nil
}

// ListModels has no SDK-exposed discovery endpoint; callers rely on the
// registry's catalogue fallback for Anthropic model metadata.
func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	return nil, types.NewError(types.ErrNotFound, "anthropic does not expose a model listing endpoint")
}

func (p *Provider) modelOrDefault(model string) string {
	if model != "" {
		return model
	}
	return p.cfg.DefaultModel
}

func (p *Provider) buildParams(req *types.CompletionRequest) (sdk.MessageNewParams, error) {
	maxTokens := p.cfg.DefaultMaxTokens
	if req.Sampling.MaxTokens != nil {
		maxTokens = *req.Sampling.MaxTokens
	}

	var system []sdk.TextBlockParam
	conversation := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == types.RoleSystem {
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
			continue
		}
		blocks := messageBlocks(m)
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case types.RoleUser, types.RoleTool:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case types.RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		}
	}
	if len(conversation) == 0 {
		return sdk.MessageNewParams{}, types.NewError(types.ErrConfig, "anthropic: at least one user/assistant message is required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.modelOrDefault(req.Model)),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Sampling.Temperature != nil {
		params.Temperature = sdk.Float(float64(*req.Sampling.Temperature))
	}
	if tools := toolParams(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	if raw, ok := req.Extensions["extended_thinking"]; ok {
		var ext struct {
			BudgetTokens int64 `json:"budget_tokens"`
		}
		if err := json.Unmarshal(raw, &ext); err == nil && ext.BudgetTokens >= 1024 && ext.BudgetTokens < int64(maxTokens) {
			params.Thinking = sdk.ThinkingConfigParamOfEnabled(ext.BudgetTokens)
		}
	}
	return params, nil
}

func messageBlocks(m types.Message) []sdk.ContentBlockParamUnion {
	var blocks []sdk.ContentBlockParamUnion
	if m.Content != "" {
		blocks = append(blocks, sdk.NewTextBlock(m.Content))
	}
	for _, tc := range m.ToolCalls {
		var input map[string]any
		_ = json.Unmarshal(tc.Arguments, &input)
		blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
	}
	if m.Role == types.RoleTool && m.ToolCallID != "" {
		blocks = append(blocks, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))
	}
	for _, part := range m.Parts {
		switch part.Type {
		case types.PartText:
			blocks = append(blocks, sdk.NewTextBlock(part.Text))
		case types.PartToolResult:
			if part.ToolResult != nil {
				blocks = append(blocks, sdk.NewToolResultBlock(part.ToolResult.ToolCallID, string(part.ToolResult.Content), part.ToolResult.IsError))
			}
		}
	}
	return blocks
}

func toolParams(tools []types.ToolSchema) []sdk.ToolUnionParam {
	if len(tools) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schemaFields map[string]any
		_ = json.Unmarshal(t.Parameters, &schemaFields)
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schemaFields}, t.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out
}

func (p *Provider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return nil, mapSDKError(p.name, err)
	}
	return translateResponse(p.name, msg), nil
}

func translateResponse(providerName string, msg *sdk.Message) *types.CompletionResponse {
	out := &types.CompletionResponse{ID: msg.ID, Model: string(msg.Model), Provider: providerName}
	var assistant types.Message
	assistant.Role = types.RoleAssistant
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			assistant.Content += block.Text
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			assistant.ToolCalls = append(assistant.ToolCalls, types.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	finish := types.FinishStop
	switch msg.StopReason {
	case "max_tokens":
		finish = types.FinishLength
	case "tool_use":
		finish = types.FinishToolCalls
	}
	out.Choices = []types.Choice{{Index: 0, Message: assistant, FinishReason: finish}}
	out.Usage = types.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		CachedTokens:     int(msg.Usage.CacheReadInputTokens),
	}
	return out
}

func mapSDKError(providerName string, err error) *types.Error {
	return types.NewError(types.ErrProviderHTTP, err.Error()).
		WithProvider(providerName).WithRetryable(true).WithCause(err)
}

func (p *Provider) Embed(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	return nil, types.NewError(types.ErrNotFound, "anthropic does not offer an embeddings endpoint").WithProvider(p.name)
}

func (p *Provider) Stream(ctx context.Context, req *types.CompletionRequest) (<-chan types.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := p.msg.NewStreaming(ctx, params)
	ch := make(chan types.CompletionChunk)
	go runStream(ctx, stream, p.name, ch)
	return ch, nil
}

func runStream(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], providerName string, ch chan<- types.CompletionChunk) {
	defer close(ch)
	toolArgs := make(map[int]*[]byte)
	toolMeta := make(map[int]sdk.ToolUseBlock)
	var model string

	send := func(c types.CompletionChunk) bool {
		c.Provider = providerName
		select {
		case <-ctx.Done():
			return false
		case ch <- c:
			return true
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			model = string(ev.Message.Model)
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				idx := int(ev.Index)
				buf := []byte{}
				toolArgs[idx] = &buf
				toolMeta[idx] = tu
			}
		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !send(types.CompletionChunk{Model: model, Delta: types.ChunkDelta{Content: delta.Text}}) {
					return
				}
			case sdk.InputJSONDelta:
				if buf, ok := toolArgs[idx]; ok {
					*buf = append(*buf, []byte(delta.PartialJSON)...)
				}
			}
		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			if tu, ok := toolMeta[idx]; ok {
				args := json.RawMessage(*toolArgs[idx])
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				if !send(types.CompletionChunk{Model: model, Delta: types.ChunkDelta{
					ToolCalls: []types.ToolCall{{ID: tu.ID, Name: tu.Name, Arguments: args}},
				}}) {
					return
				}
				delete(toolArgs, idx)
				delete(toolMeta, idx)
			}
		case sdk.MessageDeltaEvent:
			finish := types.FinishStop
			switch ev.Delta.StopReason {
			case "max_tokens":
				finish = types.FinishLength
			case "tool_use":
				finish = types.FinishToolCalls
			}
			usage := types.Usage{CompletionTokens: int(ev.Usage.OutputTokens)}
			if !send(types.CompletionChunk{Model: model, Delta: types.ChunkDelta{FinishReason: finish}, Usage: &usage}) {
				return
			}
		}
	}
	if err := stream.Err(); err != nil {
		send(types.CompletionChunk{Err: mapSDKError(providerName, err)})
	}
}
