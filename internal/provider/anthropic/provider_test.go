package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/BaSui01/localrouter/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	dec := &noopDecoder{}
	return ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)
}

type noopDecoder struct{}

func (n *noopDecoder) Event() ssestream.Event { return ssestream.Event{} }
func (n *noopDecoder) Next() bool             { return false }
func (n *noopDecoder) Close() error           { return nil }
func (n *noopDecoder) Err() error             { return nil }

func TestComplete_TextOnly(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{
		ID:         "msg_1",
		Model:      "claude-sonnet-4-5",
		StopReason: "end_turn",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "hello there"},
		},
	}}
	p := NewWithClient(Config{ProviderName: "anthropic", DefaultModel: "claude-sonnet-4-5"}, stub, nil)

	resp, err := p.Complete(context.Background(), &types.CompletionRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello there", resp.Choices[0].Message.Content)
	assert.Equal(t, types.FinishStop, resp.Choices[0].FinishReason)
}

func TestComplete_RequiresAtLeastOneMessage(t *testing.T) {
	stub := &stubMessagesClient{}
	p := NewWithClient(Config{ProviderName: "anthropic", DefaultModel: "claude-sonnet-4-5"}, stub, nil)

	_, err := p.Complete(context.Background(), &types.CompletionRequest{
		Messages: []types.Message{{Role: types.RoleSystem, Content: "only a system prompt"}},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.GetErrorCode(err))
}

func TestComplete_MapsSDKError(t *testing.T) {
	stub := &stubMessagesClient{err: errors.New("connection reset")}
	p := NewWithClient(Config{ProviderName: "anthropic", DefaultModel: "claude-sonnet-4-5"}, stub, nil)

	_, err := p.Complete(context.Background(), &types.CompletionRequest{
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.Error(t, err)
	perr, ok := err.(*types.Error)
	require.True(t, ok)
	assert.Equal(t, types.ErrProviderHTTP, perr.Code)
	assert.True(t, perr.Retryable)
}

func TestEmbed_NotSupported(t *testing.T) {
	p := NewWithClient(Config{ProviderName: "anthropic"}, &stubMessagesClient{}, nil)
	_, err := p.Embed(context.Background(), &types.EmbeddingRequest{Input: []string{"x"}})
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}
