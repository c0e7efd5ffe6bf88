package mcpbackend

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest_MarshalsParams(t *testing.T) {
	msg, err := newRequest(1, "tools/list", map[string]string{"cursor": "abc"})
	require.NoError(t, err)
	assert.Equal(t, "2.0", msg.JSONRPC)
	require.NotNil(t, msg.ID)
	assert.Equal(t, int64(1), *msg.ID)
	assert.Equal(t, "tools/list", msg.Method)

	var params map[string]string
	require.NoError(t, json.Unmarshal(msg.Params, &params))
	assert.Equal(t, "abc", params["cursor"])
}

func TestMessage_IsNotificationAndIsResponse(t *testing.T) {
	notif, err := newNotification("notifications/tools/list_changed", nil)
	require.NoError(t, err)
	assert.True(t, notif.IsNotification())
	assert.False(t, notif.IsResponse())

	id := int64(5)
	resp := &Message{JSONRPC: "2.0", ID: &id, Result: json.RawMessage(`{}`)}
	assert.True(t, resp.IsResponse())
	assert.False(t, resp.IsNotification())
}
