// Package ollama adapts a local Ollama instance's /api/chat endpoint to the
// internal/provider.Provider interface. Ollama's streaming responses report
// cumulative message content per line rather than incremental deltas, so
// this adapter diffs consecutive frames to synthesize the delta shape every
// other provider family emits natively.
package ollama

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

// Config configures one Ollama provider instance.
type Config struct {
	ProviderName string
	BaseURL      string // e.g. "http://localhost:11434"
	DefaultModel string
	Timeout      time.Duration
}

// Provider implements internal/provider.Provider over Ollama's HTTP API.
type Provider struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "ollama"
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second // local model inference runs far longer than a hosted API call
	}
	return &Provider{cfg: cfg, client: tlsutil.SecureHTTPClient(timeout), logger: logger.With(zap.String("provider", cfg.ProviderName))}
}

func (p *Provider) Name() string                        { return p.cfg.ProviderName }
func (p *Provider) SupportsNativeFunctionCalling() bool { return true }

func (p *Provider) endpoint(path string) string {
	return strings.TrimRight(p.cfg.BaseURL, "/") + path
}

type wireMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Tools    []wireTool    `json:"tools,omitempty"`
	Options  wireOptions   `json:"options,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

type wireOptions struct {
	Temperature float32  `json:"temperature,omitempty"`
	TopP        float32  `json:"top_p,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type wireResponse struct {
	Model      string      `json:"model"`
	Message    wireMessage `json:"message"`
	Done       bool        `json:"done"`
	DoneReason string      `json:"done_reason"`

	PromptEvalCount int `json:"prompt_eval_count"`
	EvalCount       int `json:"eval_count"`
}

func buildWireRequest(req *types.CompletionRequest, defaultModel string, stream bool) wireRequest {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	body := wireRequest{Model: model, Stream: stream}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		body.Tools = append(body.Tools, wt)
	}
	if req.Sampling.Temperature != nil {
		body.Options.Temperature = *req.Sampling.Temperature
	}
	if req.Sampling.TopP != nil {
		body.Options.TopP = *req.Sampling.TopP
	}
	if req.Sampling.MaxTokens != nil {
		body.Options.NumPredict = *req.Sampling.MaxTokens
	}
	body.Options.Stop = req.Sampling.Stop
	return body
}

func (p *Provider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.CompletionResponse, error) {
	body := buildWireRequest(req, p.cfg.DefaultModel, false)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrSerialization, err.Error()).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/api/chat"), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrProviderHTTP, err.Error()).WithProvider(p.Name()).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, types.NewProviderHTTPError(p.Name(), resp.StatusCode, string(respBody))
	}

	var wr wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wr); err != nil {
		return nil, types.NewError(types.ErrSerialization, err.Error()).WithProvider(p.Name()).WithCause(err)
	}

	msg := types.Message{Role: types.RoleAssistant, Content: wr.Message.Content}
	for _, tc := range wr.Message.ToolCalls {
		args, _ := json.Marshal(tc.Function.Arguments)
		msg.ToolCalls = append(msg.ToolCalls, types.ToolCall{Name: tc.Function.Name, Arguments: args})
	}
	finish := types.FinishStop
	if len(msg.ToolCalls) > 0 {
		finish = types.FinishToolCalls
	}
	return &types.CompletionResponse{
		Model:    wr.Model,
		Provider: p.Name(),
		Choices:  []types.Choice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage: types.Usage{
			PromptTokens:     wr.PromptEvalCount,
			CompletionTokens: wr.EvalCount,
			TotalTokens:      wr.PromptEvalCount + wr.EvalCount,
		},
	}, nil
}

// Stream issues a streaming /api/chat request and converts Ollama's
// cumulative per-line message.content into incremental deltas by diffing
// each frame against the last seen content for that stream.
func (p *Provider) Stream(ctx context.Context, req *types.CompletionRequest) (<-chan types.CompletionChunk, error) {
	body := buildWireRequest(req, p.cfg.DefaultModel, true)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrSerialization, err.Error()).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/api/chat"), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrProviderHTTP, err.Error()).WithProvider(p.Name()).WithRetryable(true).WithCause(err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, types.NewProviderHTTPError(p.Name(), resp.StatusCode, string(respBody))
	}

	ch := make(chan types.CompletionChunk)
	go p.streamLines(ctx, resp.Body, ch)
	return ch, nil
}

func (p *Provider) streamLines(ctx context.Context, body io.ReadCloser, ch chan<- types.CompletionChunk) {
	defer body.Close()
	defer close(ch)

	var seen string
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				var wr wireResponse
				if jsonErr := json.Unmarshal(line, &wr); jsonErr != nil {
					sendErr(ctx, ch, types.NewError(types.ErrProviderStream, jsonErr.Error()).WithProvider(p.Name()).WithRetryable(true))
					return
				}

				delta := strings.TrimPrefix(wr.Message.Content, seen)
				seen = wr.Message.Content

				chunk := types.CompletionChunk{Model: wr.Model, Provider: p.Name(), Delta: types.ChunkDelta{Content: delta}}
				if wr.Done {
					chunk.Delta.FinishReason = types.FinishStop
					chunk.Usage = &types.Usage{PromptTokens: wr.PromptEvalCount, CompletionTokens: wr.EvalCount, TotalTokens: wr.PromptEvalCount + wr.EvalCount}
				}
				for _, tc := range wr.Message.ToolCalls {
					args, _ := json.Marshal(tc.Function.Arguments)
					chunk.Delta.ToolCalls = append(chunk.Delta.ToolCalls, types.ToolCall{Name: tc.Function.Name, Arguments: args})
				}
				if !sendChunk(ctx, ch, chunk) {
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				sendErr(ctx, ch, types.NewError(types.ErrProviderStream, err.Error()).WithProvider(p.Name()).WithRetryable(true))
			}
			return
		}
	}
}

func sendChunk(ctx context.Context, ch chan<- types.CompletionChunk, c types.CompletionChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- c:
		return true
	}
}

func sendErr(ctx context.Context, ch chan<- types.CompletionChunk, e *types.Error) {
	select {
	case <-ctx.Done():
	case ch <- types.CompletionChunk{Err: e}:
	}
}

func (p *Provider) HealthCheck(ctx context.Context) (*provider.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/api/tags"), nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return &provider.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()
	return &provider.HealthStatus{Healthy: resp.StatusCode == http.StatusOK, Latency: latency}, nil
}

func (p *Provider) ListModels(ctx context.Context) ([]provider.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/api/tags"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, types.NewProviderHTTPError(p.Name(), resp.StatusCode, string(respBody))
	}

	var list struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}
	out := make([]provider.ModelInfo, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, provider.ModelInfo{ID: m.Name, Provider: p.Name(), SupportsTools: true, SupportsStreaming: true})
	}
	return out, nil
}

func (p *Provider) Embed(ctx context.Context, req *types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	out := &types.EmbeddingResponse{Model: req.Model}
	for i, input := range req.Input {
		body := map[string]string{"model": req.Model, "prompt": input}
		payload, _ := json.Marshal(body)

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/api/embeddings"), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return nil, types.NewError(types.ErrProviderHTTP, err.Error()).WithProvider(p.Name()).WithRetryable(true).WithCause(err)
		}
		var wr struct {
			Embedding []float64 `json:"embedding"`
		}
		decodeErr := json.NewDecoder(resp.Body).Decode(&wr)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, types.NewError(types.ErrSerialization, decodeErr.Error()).WithProvider(p.Name()).WithCause(decodeErr)
		}

		values := make([]float32, len(wr.Embedding))
		for j, v := range wr.Embedding {
			values[j] = float32(v)
		}
		out.Data = append(out.Data, types.EmbeddingVector{Index: i, Embedding: values})
	}
	return out, nil
}
