package ollama

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/localrouter/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_DiffsCumulativeContentIntoDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"model":"llama3.1","message":{"role":"assistant","content":"He"},"done":false}`,
			`{"model":"llama3.1","message":{"role":"assistant","content":"Hello"},"done":false}`,
			`{"model":"llama3.1","message":{"role":"assistant","content":"Hello world"},"done":true,"prompt_eval_count":3,"eval_count":2}`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
		}
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, DefaultModel: "llama3.1"}, nil)
	ch, err := p.Stream(context.Background(), &types.CompletionRequest{Messages: []types.Message{types.NewUserMessage("hi")}})
	require.NoError(t, err)

	var assembled string
	var last types.CompletionChunk
	for chunk := range ch {
		require.Nil(t, chunk.Err)
		assembled += chunk.Delta.Content
		last = chunk
	}
	assert.Equal(t, "Hello world", assembled)
	assert.Equal(t, types.FinishStop, last.Delta.FinishReason)
	require.NotNil(t, last.Usage)
	assert.Equal(t, 3, last.Usage.PromptTokens)
}

func TestComplete_ParsesNonStreamingResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"llama3.1","message":{"role":"assistant","content":"hi there"},"done":true,"prompt_eval_count":1,"eval_count":2}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, DefaultModel: "llama3.1"}, nil)
	resp, err := p.Complete(context.Background(), &types.CompletionRequest{Messages: []types.Message{types.NewUserMessage("hi")}})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hi there", resp.Choices[0].Message.Content)
	assert.Equal(t, 3, resp.Usage.TotalTokens)
}
