package feature

import (
	"encoding/json"
	"testing"

	"github.com/BaSui01/localrouter/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDefaultRegistry() *Registry {
	r := NewRegistry()
	RegisterDefaults(r)
	return r
}

func TestApplyRequest_JSONModeSetsResponseFormat(t *testing.T) {
	r := newDefaultRegistry()
	req := &types.CompletionRequest{
		Messages:   []types.Message{types.NewUserMessage("hi")},
		Extensions: map[string]json.RawMessage{"json_mode": json.RawMessage(`{}`)},
	}
	require.NoError(t, r.ApplyRequest(req))
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_object", req.ResponseFormat.Type)
}

func TestApplyRequest_StructuredOutputsRequiresSchema(t *testing.T) {
	r := newDefaultRegistry()
	req := &types.CompletionRequest{
		Messages:   []types.Message{types.NewUserMessage("hi")},
		Extensions: map[string]json.RawMessage{"structured_outputs": json.RawMessage(`{}`)},
	}
	err := r.ApplyRequest(req)
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.GetErrorCode(err))
}

func TestApplyRequest_ExtendedThinkingValidatesBudget(t *testing.T) {
	r := newDefaultRegistry()
	req := &types.CompletionRequest{
		Messages:   []types.Message{types.NewUserMessage("hi")},
		Extensions: map[string]json.RawMessage{"extended_thinking": json.RawMessage(`{"budget_tokens": 100}`)},
	}
	err := r.ApplyRequest(req)
	require.Error(t, err)
	assert.Equal(t, types.ErrConfig, types.GetErrorCode(err))
}

func TestNames_PreservesRegistrationOrder(t *testing.T) {
	r := newDefaultRegistry()
	requested := map[string]json.RawMessage{
		"logprobs":   json.RawMessage(`{}`),
		"json_mode":  json.RawMessage(`{}`),
	}
	names := r.Names(requested)
	// logprobs registered before json_mode in RegisterDefaults.
	require.Len(t, names, 2)
	assert.Equal(t, "logprobs", names[0])
	assert.Equal(t, "json_mode", names[1])
}
