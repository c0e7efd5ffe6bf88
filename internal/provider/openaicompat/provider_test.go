package openaicompat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/localrouter/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	p := New(Config{ProviderName: "test"}, nil)
	assert.Equal(t, "test", p.Name())
	assert.Equal(t, "/v1/chat/completions", p.Cfg.EndpointPath)
	assert.Equal(t, "/v1/models", p.Cfg.ModelsEndpoint)
	assert.True(t, p.SupportsNativeFunctionCalling())
}

func TestSupportsNativeFunctionCalling_Override(t *testing.T) {
	no := false
	p := New(Config{ProviderName: "x", SupportsTools: &no}, nil)
	assert.False(t, p.SupportsNativeFunctionCalling())
}

func TestComplete_ParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(wireResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o",
			Choices: []struct {
				Index        int         `json:"index"`
				FinishReason string      `json:"finish_reason"`
				Message      wireMessage `json:"message"`
			}{
				{Index: 0, FinishReason: "stop", Message: wireMessage{Role: "assistant", Content: "hi"}},
			},
		})
	}))
	defer srv.Close()

	p := New(Config{ProviderName: "test", BaseURL: srv.URL, APIKey: "secret"}, nil)
	resp, err := p.Complete(context.Background(), &types.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []types.Message{types.NewUserMessage("hello")},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hi", resp.Choices[0].Message.Content)
	assert.Equal(t, types.FinishStop, resp.Choices[0].FinishReason)
}

func TestComplete_MapsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	p := New(Config{ProviderName: "test", BaseURL: srv.URL}, nil)
	_, err := p.Complete(context.Background(), &types.CompletionRequest{Model: "m", Messages: []types.Message{types.NewUserMessage("hi")}})
	require.Error(t, err)
	perr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrProviderHTTP, perr.Code)
	assert.True(t, perr.Retryable)
}

func TestStream_ParsesSSEFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"he"}}]}`,
			`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"llo"},"finish_reason":"stop"}]}`,
		}
		for _, f := range frames {
			_, _ = w.Write([]byte("data: " + f + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	p := New(Config{ProviderName: "test", BaseURL: srv.URL}, nil)
	ch, err := p.Stream(context.Background(), &types.CompletionRequest{Model: "m", Messages: []types.Message{types.NewUserMessage("hi")}})
	require.NoError(t, err)

	var content string
	var last types.CompletionChunk
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		content += chunk.Delta.Content
		last = chunk
	}
	assert.Equal(t, "hello", content)
	assert.Equal(t, types.FinishStop, last.Delta.FinishReason)
}

func TestBuildWireRequest_ToolChoiceFunction(t *testing.T) {
	req := &types.CompletionRequest{
		Model:      "m",
		Messages:   []types.Message{types.NewUserMessage("hi")},
		ToolChoice: &types.ToolChoice{Mode: types.ToolChoiceFunction, FunctionName: "search"},
	}
	body := buildWireRequest(req, "default-model", false)
	named, ok := body.ToolChoice.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "function", named["type"])
}

func TestBuildWireRequest_DefaultModel(t *testing.T) {
	req := &types.CompletionRequest{Messages: []types.Message{types.NewUserMessage("hi")}}
	body := buildWireRequest(req, "fallback-model", false)
	assert.Equal(t, "fallback-model", body.Model)
}
