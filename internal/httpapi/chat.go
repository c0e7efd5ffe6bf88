package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/BaSui01/localrouter/internal/auth"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/internal/strategy"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

// ChatHandler serves the OpenAI-compatible chat/completions surface,
// dispatching through the strategy engine rather than a single provider.
type ChatHandler struct {
	engine  *strategy.Engine
	configs *rconfig.Store
	gate    auth.ApprovalGate
	logger  *zap.Logger
}

func NewChatHandler(engine *strategy.Engine, configs *rconfig.Store, gate auth.ApprovalGate, logger *zap.Logger) *ChatHandler {
	if gate == nil {
		gate = auth.AutoDenyGate{}
	}
	return &ChatHandler{engine: engine, configs: configs, gate: gate, logger: logger}
}

// wireMessage mirrors the OpenAI chat message shape on the wire.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

// chatRequest is the wire shape of POST /v1/chat/completions.
type chatRequest struct {
	Model       string                     `json:"model"`
	Messages    []wireMessage              `json:"messages"`
	MaxTokens   *int                       `json:"max_tokens,omitempty"`
	Temperature *float32                   `json:"temperature,omitempty"`
	TopP        *float32                   `json:"top_p,omitempty"`
	Stop        []string                   `json:"stop,omitempty"`
	Tools       []wireTool                 `json:"tools,omitempty"`
	ToolChoice  json.RawMessage            `json:"tool_choice,omitempty"`
	Stream      bool                       `json:"stream,omitempty"`
	Extensions  map[string]json.RawMessage `json:"extensions,omitempty"`
}

type wireChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      wireMessage `json:"message"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   wireUsage    `json:"usage"`
}

// toCompletionRequest converts the wire shape to the normalised dispatch
// request, leaving Sampling fields unset (nil) when the caller omitted them
// so provider adapters fall back to their own defaults.
func (req *chatRequest) toCompletionRequest() *types.CompletionRequest {
	messages := make([]types.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = types.Message{
			Role:       types.Role(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  convertWireToolCalls(m.ToolCalls),
		}
	}

	tools := make([]types.ToolSchema, len(req.Tools))
	for i, t := range req.Tools {
		tools[i] = types.ToolSchema{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		}
	}

	return &types.CompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Sampling: types.SamplingParams{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			MaxTokens:   req.MaxTokens,
			Stop:        req.Stop,
		},
		Tools:      tools,
		Extensions: req.Extensions,
		Stream:     req.Stream,
	}
}

func convertWireToolCalls(calls []wireToolCall) []types.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]types.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = types.ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: json.RawMessage(c.Function.Arguments)}
	}
	return out
}

func toWireResponse(resp *types.CompletionResponse) *chatResponse {
	choices := make([]wireChoice, len(resp.Choices))
	for i, c := range resp.Choices {
		choices[i] = wireChoice{
			Index:        c.Index,
			FinishReason: string(c.FinishReason),
			Message: wireMessage{
				Role:      string(c.Message.Role),
				Content:   c.Message.Content,
				ToolCalls: toWireToolCalls(c.Message.ToolCalls),
			},
		}
	}
	return &chatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Model:   resp.Model,
		Choices: choices,
		Usage: wireUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

func toWireToolCalls(calls []types.ToolCall) []wireToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]wireToolCall, len(calls))
	for i, c := range calls {
		out[i].ID = c.ID
		out[i].Type = "function"
		out[i].Function.Name = c.Name
		out[i].Function.Arguments = string(c.Arguments)
	}
	return out
}

func (h *ChatHandler) validate(req *chatRequest) *types.Error {
	if req.Model == "" {
		return types.NewError(types.ErrSerialization, "model is required")
	}
	if len(req.Messages) == 0 {
		return types.NewError(types.ErrSerialization, "messages cannot be empty")
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return types.NewError(types.ErrSerialization, "temperature must be between 0 and 2")
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return types.NewError(types.ErrSerialization, "top_p must be between 0 and 1")
	}
	return nil
}

// HandleCompletion implements POST /v1/chat/completions, dispatching to the
// streaming path when the caller requests "stream": true.
func (h *ChatHandler) HandleCompletion(w http.ResponseWriter, r *http.Request) {
	client, ok := ClientFromContext(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrAuth, "invalid bearer token").WithHTTPStatus(http.StatusUnauthorized), h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var req chatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if verr := h.validate(&req); verr != nil {
		WriteError(w, verr, h.logger)
		return
	}

	resolved, ok := h.configs.Current().StrategyFor(client)
	if !ok {
		WriteError(w, types.NewError(types.ErrConfig, "no strategy resolved for client").WithHTTPStatus(http.StatusInternalServerError), h.logger)
		return
	}

	completionReq := req.toCompletionRequest()

	if req.Stream {
		h.stream(w, r, client, resolved, completionReq)
		return
	}

	resp, err := h.engine.Complete(r.Context(), client, resolved, completionReq, h.gate)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, toWireResponse(resp))
}

// stream implements the SSE half of the dispatch: each CompletionChunk
// becomes one "data: {...}\n\n" frame, terminated by "data: [DONE]\n\n" or
// an "event: error" frame on mid-stream failure.
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, client *rconfig.Client, resolved *rconfig.ResolvedStrategy, req *types.CompletionRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternal, "streaming not supported").WithHTTPStatus(http.StatusInternalServerError), h.logger)
		return
	}

	chunks, err := h.engine.Stream(r.Context(), client, resolved, req, h.gate)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		if chunk.Err != nil {
			h.logger.Error("stream error", zap.String("code", string(chunk.Err.Code)), zap.String("message", chunk.Err.Message))
			errPayload, _ := json.Marshal(map[string]string{"message": chunk.Err.Message, "type": chunk.Err.Code.HTTPType()})
			w.Write([]byte("event: error\ndata: "))
			w.Write(errPayload)
			w.Write([]byte("\n\n"))
			flusher.Flush()
			return
		}

		w.Write([]byte("data: "))
		_ = json.NewEncoder(w).Encode(toWireChunk(&chunk))
		w.Write([]byte("\n"))
		flusher.Flush()
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

type wireStreamChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role      string         `json:"role,omitempty"`
			Content   string         `json:"content,omitempty"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}

func toWireChunk(chunk *types.CompletionChunk) *wireStreamChunk {
	out := &wireStreamChunk{ID: chunk.ID, Object: "chat.completion.chunk", Model: chunk.Model}
	out.Choices = make([]struct {
		Index int `json:"index"`
		Delta struct {
			Role      string         `json:"role,omitempty"`
			Content   string         `json:"content,omitempty"`
			ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	}, 1)
	out.Choices[0].Index = chunk.Index
	out.Choices[0].Delta.Role = string(chunk.Delta.Role)
	out.Choices[0].Delta.Content = chunk.Delta.Content
	out.Choices[0].Delta.ToolCalls = toWireToolCalls(chunk.Delta.ToolCalls)
	out.Choices[0].FinishReason = string(chunk.Delta.FinishReason)
	if chunk.Usage != nil {
		out.Usage = &wireUsage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	return out
}

// legacyCompletionRequest is the older prompt-string completions shape,
// translated into a single user chat message before delegating to the same
// dispatch path as HandleCompletion.
type legacyCompletionRequest struct {
	Model       string          `json:"model"`
	Prompt      json.RawMessage `json:"prompt"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Temperature *float32        `json:"temperature,omitempty"`
	TopP        *float32        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

// HandleLegacyCompletion implements POST /v1/completions, accepting a
// prompt as either a JSON string or an array of strings (joined with
// newlines), per the legacy surface's documented request shape.
func (h *ChatHandler) HandleLegacyCompletion(w http.ResponseWriter, r *http.Request) {
	client, ok := ClientFromContext(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrAuth, "invalid bearer token").WithHTTPStatus(http.StatusUnauthorized), h.logger)
		return
	}
	if !ValidateContentType(w, r, h.logger) {
		return
	}
	var legacy legacyCompletionRequest
	if err := DecodeJSONBody(w, r, &legacy, h.logger); err != nil {
		return
	}

	prompt, err := decodePrompt(legacy.Prompt)
	if err != nil {
		WriteError(w, types.NewError(types.ErrSerialization, "prompt must be a string or array of strings").WithCause(err), h.logger)
		return
	}

	req := &chatRequest{
		Model:       legacy.Model,
		Messages:    []wireMessage{{Role: "user", Content: prompt}},
		MaxTokens:   legacy.MaxTokens,
		Temperature: legacy.Temperature,
		TopP:        legacy.TopP,
		Stop:        legacy.Stop,
		Stream:      legacy.Stream,
	}
	if verr := h.validate(req); verr != nil {
		WriteError(w, verr, h.logger)
		return
	}

	resolved, ok := h.configs.Current().StrategyFor(client)
	if !ok {
		WriteError(w, types.NewError(types.ErrConfig, "no strategy resolved for client").WithHTTPStatus(http.StatusInternalServerError), h.logger)
		return
	}

	completionReq := req.toCompletionRequest()
	if req.Stream {
		h.stream(w, r, client, resolved, completionReq)
		return
	}
	resp, err := h.engine.Complete(r.Context(), client, resolved, completionReq, h.gate)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, toWireResponse(resp))
}

func decodePrompt(raw json.RawMessage) (string, error) {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single, nil
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += "\n"
		}
		joined += p
	}
	return joined, nil
}
