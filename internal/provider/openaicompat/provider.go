// Package openaicompat is the shared provider adapter for every backend that
// speaks the OpenAI chat-completions wire format: OpenAI itself, and any
// self-hosted or third-party endpoint that mirrors it. Family-specific
// providers embed Provider and only override what differs (base URL,
// default model, header construction).
package openaicompat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/localrouter/internal/provider"
	"github.com/BaSui01/localrouter/internal/tlsutil"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

// Config configures one OpenAI-compatible provider instance.
type Config struct {
	ProviderName   string
	APIKey         string
	BaseURL        string
	DefaultModel   string
	Timeout        time.Duration
	EndpointPath   string // default "/v1/chat/completions"
	EmbedPath      string // default "/v1/embeddings"
	ModelsEndpoint string // default "/v1/models"

	// BuildHeaders overrides the default "Authorization: Bearer <key>" auth.
	BuildHeaders func(req *http.Request, apiKey string)

	SupportsTools *bool
}

// Provider adapts Config to the internal/provider.Provider interface.
type Provider struct {
	Cfg    Config
	Client *http.Client
	Logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = "/v1/chat/completions"
	}
	if cfg.EmbedPath == "" {
		cfg.EmbedPath = "/v1/embeddings"
	}
	if cfg.ModelsEndpoint == "" {
		cfg.ModelsEndpoint = "/v1/models"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		Cfg:    cfg,
		Client: tlsutil.SecureHTTPClient(timeout),
		Logger: logger.With(zap.String("provider", cfg.ProviderName)),
	}
}

func (p *Provider) Name() string { return p.Cfg.ProviderName }

func (p *Provider) SupportsNativeFunctionCalling() bool {
	if p.Cfg.SupportsTools != nil {
		return *p.Cfg.SupportsTools
	}
	return true
}

func (p *Provider) buildHeaders(req *http.Request) {
	if p.Cfg.BuildHeaders != nil {
		p.Cfg.BuildHeaders(req, p.Cfg.APIKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.Cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
}

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.Cfg.BaseURL, "/") + path
}

func (p *Provider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.Cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, err
	}
	p.buildHeaders(req)

	resp, err := p.Client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &provider.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &provider.HealthStatus{Healthy: false, Latency: latency},
			types.NewProviderHTTPError(p.Name(), resp.StatusCode, string(body))
	}
	return &provider.HealthStatus{Healthy: true, Latency: latency}, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint(p.Cfg.ModelsEndpoint), nil)
	if err != nil {
		return nil, err
	}
	p.buildHeaders(req)

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, types.NewProviderHTTPError(p.Name(), resp.StatusCode, string(body))
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}
	out := make([]provider.ModelInfo, 0, len(list.Data))
	for _, m := range list.Data {
		out = append(out, provider.ModelInfo{ID: m.ID, Provider: p.Name(), SupportsStreaming: true, SupportsTools: p.SupportsNativeFunctionCalling()})
	}
	return out, nil
}

// wireRequest is the OpenAI chat-completions request body.
type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
	TopP        float32       `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
	ToolChoice  interface{}   `json:"tool_choice,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		FinishReason string      `json:"finish_reason"`
		Message      wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type wireStreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string         `json:"role,omitempty"`
			Content   string         `json:"content,omitempty"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func toWireMessages(msgs []types.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role), Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(tools []types.ToolSchema) []wireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]wireTool, 0, len(tools))
	for _, t := range tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		out = append(out, wt)
	}
	return out
}

func buildWireRequest(req *types.CompletionRequest, defaultModel string, stream bool) wireRequest {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	body := wireRequest{
		Model:    model,
		Messages: toWireMessages(req.Messages),
		Tools:    toWireTools(req.Tools),
		Stream:   stream,
	}
	if req.Sampling.MaxTokens != nil {
		body.MaxTokens = *req.Sampling.MaxTokens
	}
	if req.Sampling.Temperature != nil {
		body.Temperature = *req.Sampling.Temperature
	}
	if req.Sampling.TopP != nil {
		body.TopP = *req.Sampling.TopP
	}
	body.Stop = req.Sampling.Stop
	if req.ToolChoice != nil {
		switch req.ToolChoice.Mode {
		case types.ToolChoiceNone, types.ToolChoiceAuto, types.ToolChoiceRequired:
			body.ToolChoice = string(req.ToolChoice.Mode)
		case types.ToolChoiceFunction:
			body.ToolChoice = map[string]interface{}{"type": "function", "function": map[string]string{"name": req.ToolChoice.FunctionName}}
		}
	}
	return body
}

func (p *Provider) doRequest(ctx context.Context, req *types.CompletionRequest, stream bool) (*http.Response, error) {
	body := buildWireRequest(req, p.Cfg.DefaultModel, stream)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrSerialization, err.Error()).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EndpointPath), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.buildHeaders(httpReq)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrProviderHTTP, err.Error()).
			WithProvider(p.Name()).WithRetryable(true).WithCause(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, types.NewProviderHTTPError(p.Name(), resp.StatusCode, string(respBody))
	}
	return resp, nil
}

func (p *Provider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	resp, err := p.doRequest(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, types.NewError(types.ErrSerialization, err.Error()).WithProvider(p.Name()).WithCause(err)
	}

	out := &types.CompletionResponse{
		ID:       wr.ID,
		Model:    wr.Model,
		Provider: p.Name(),
		Usage: types.Usage{
			PromptTokens:     wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
			TotalTokens:      wr.Usage.TotalTokens,
		},
		CreatedAt: time.Now(),
	}
	for _, c := range wr.Choices {
		msg := types.Message{Role: types.RoleAssistant, Content: c.Message.Content}
		for _, tc := range c.Message.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: json.RawMessage(tc.Function.Arguments)})
		}
		out.Choices = append(out.Choices, types.Choice{
			Index:        c.Index,
			Message:      msg,
			FinishReason: types.FinishReason(c.FinishReason),
		})
	}
	return out, nil
}

func (p *Provider) Stream(ctx context.Context, req *types.CompletionRequest) (<-chan types.CompletionChunk, error) {
	resp, err := p.doRequest(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return streamSSE(ctx, resp.Body, p.Name()), nil
}

// streamSSE parses "data: {json}\n\n" frames terminated by "data: [DONE]",
// the OpenAI SSE convention every compatible backend reuses verbatim.
func streamSSE(ctx context.Context, body io.ReadCloser, providerName string) <-chan types.CompletionChunk {
	ch := make(chan types.CompletionChunk)
	go func() {
		defer body.Close()
		defer close(ch)
		reader := bufio.NewReader(body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					sendErr(ctx, ch, types.NewError(types.ErrProviderStream, err.Error()).WithProvider(providerName).WithRetryable(true))
				}
				return
			}
			line = strings.TrimSpace(line)
			if line == "" || !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var wc wireStreamChunk
			if err := json.Unmarshal([]byte(data), &wc); err != nil {
				sendErr(ctx, ch, types.NewError(types.ErrProviderStream, err.Error()).WithProvider(providerName).WithRetryable(true))
				return
			}
			for _, choice := range wc.Choices {
				chunk := types.CompletionChunk{
					ID:       wc.ID,
					Model:    wc.Model,
					Provider: providerName,
					Index:    choice.Index,
					Delta:    types.ChunkDelta{Content: choice.Delta.Content},
				}
				if choice.FinishReason != "" {
					chunk.Delta.FinishReason = types.FinishReason(choice.FinishReason)
				}
				for _, tc := range choice.Delta.ToolCalls {
					chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: json.RawMessage(tc.Function.Arguments)})
				}
				select {
				case <-ctx.Done():
					return
				case ch <- chunk:
				}
			}
		}
	}()
	return ch
}

func sendErr(ctx context.Context, ch chan<- types.CompletionChunk, e *types.Error) {
	select {
	case <-ctx.Done():
	case ch <- types.CompletionChunk{Err: e}:
	}
}

func (p *Provider) Embed(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	model := req.Model
	if model == "" {
		model = p.Cfg.DefaultModel
	}
	body := map[string]interface{}{"model": model, "input": req.Input}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrSerialization, err.Error()).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(p.Cfg.EmbedPath), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	p.buildHeaders(httpReq)

	resp, err := p.Client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrProviderHTTP, err.Error()).WithProvider(p.Name()).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, types.NewProviderHTTPError(p.Name(), resp.StatusCode, string(respBody))
	}

	var wr struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Model string `json:"model"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, types.NewError(types.ErrSerialization, err.Error()).WithProvider(p.Name()).WithCause(err)
	}

	out := &types.EmbeddingResponse{Model: wr.Model, Usage: types.Usage{PromptTokens: wr.Usage.PromptTokens, TotalTokens: wr.Usage.TotalTokens}}
	for _, d := range wr.Data {
		values := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			values[i] = float32(v)
		}
		out.Data = append(out.Data, types.EmbeddingVector{Index: d.Index, Embedding: values})
	}
	return out, nil
}
