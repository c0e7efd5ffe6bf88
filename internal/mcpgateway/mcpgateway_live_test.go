package mcpgateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/localrouter/internal/mcpbackend"
	"github.com/BaSui01/localrouter/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// respond waits for conn to have sent a request and replies to it with
// result, correlating by the id the connection itself assigned.
func respond(t *testing.T, ft *mcpbackend.FakeTransport, result string) {
	t.Helper()
	require.Eventually(t, func() bool { return ft.LastSent() != nil }, time.Second, 2*time.Millisecond)
	sent := ft.LastSent()
	ft.Push(&mcpbackend.Message{JSONRPC: "2.0", ID: sent.ID, Result: json.RawMessage(result)})
}

func newGatewayWithBackends(t *testing.T, serverIDs ...string) (*Gateway, *mcpbackend.Manager, map[string]*mcpbackend.FakeTransport) {
	t.Helper()
	backends := mcpbackend.NewManager(zap.NewNop())
	transports := make(map[string]*mcpbackend.FakeTransport, len(serverIDs))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, id := range serverIDs {
		conn, ft := mcpbackend.NewFakeConnection(ctx, id)
		backends.RegisterForTest(id, conn)
		transports[id] = ft
	}
	return New(backends, zap.NewNop()), backends, transports
}

func TestMergeTools_NamespacesAcrossServers(t *testing.T) {
	g, _, transports := newGatewayWithBackends(t, "fs", "gh")
	session := g.AcquireSession("c1", map[string]struct{}{"fs": {}, "gh": {}}, false)

	resultCh := make(chan MergeResult, 1)
	go func() {
		resultCh <- g.MergeTools(context.Background(), session, time.Second)
	}()

	respond(t, transports["fs"], `{"tools":[{"name":"read","description":"reads a file"}]}`)
	respond(t, transports["gh"], `{"tools":[{"name":"read","description":"reads an issue"}]}`)

	res := <-resultCh
	require.Len(t, res.Items, 2)
	names := []string{res.Items[0].QualifiedName(), res.Items[1].QualifiedName()}
	assert.ElementsMatch(t, []string{"fs__read", "gh__read"}, names)
	assert.Empty(t, res.Failures)
}

func TestMergeTools_PartialFailureReportsFailingServer(t *testing.T) {
	g, backends, transports := newGatewayWithBackends(t, "fs")
	_ = backends
	session := g.AcquireSession("c1", map[string]struct{}{"fs": {}, "ghost": {}}, false)

	resultCh := make(chan MergeResult, 1)
	go func() {
		resultCh <- g.MergeTools(context.Background(), session, time.Second)
	}()

	respond(t, transports["fs"], `{"tools":[{"name":"read","description":"reads a file"}]}`)

	res := <-resultCh
	require.Len(t, res.Items, 1)
	assert.Equal(t, "fs__read", res.Items[0].QualifiedName())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "ghost", res.Failures[0].ServerID)
	assert.True(t, res.PartialFailure(2))
}

func TestCallTool_RoutesToOwningServerOnly(t *testing.T) {
	g, _, transports := newGatewayWithBackends(t, "fs", "gh")
	session := g.AcquireSession("c1", map[string]struct{}{"fs": {}, "gh": {}}, false)

	resultCh := make(chan json.RawMessage, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := g.CallTool(context.Background(), session, "fs__read", map[string]any{"path": "/tmp/x"}, nil)
		resultCh <- res
		errCh <- err
	}()

	respond(t, transports["fs"], `{"content":"hello"}`)

	require.NoError(t, <-errCh)
	res := <-resultCh
	assert.JSONEq(t, `{"content":"hello"}`, string(res))
	assert.Nil(t, transports["gh"].LastSent())
}

func TestCallTool_UnknownServerReturnsNotFound(t *testing.T) {
	g, _, _ := newGatewayWithBackends(t, "fs")
	session := g.AcquireSession("c1", map[string]struct{}{"fs": {}}, false)

	_, err := g.CallTool(context.Background(), session, "unknown__read", nil, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestCallTool_ServerInManagerButNotInSessionReturnsPermission(t *testing.T) {
	g, _, _ := newGatewayWithBackends(t, "fs")
	// session only grants access to "gh", though "fs" is a live, connected backend.
	session := g.AcquireSession("c1", map[string]struct{}{"gh": {}}, false)

	_, err := g.CallTool(context.Background(), session, "fs__read", nil, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrPermission, types.GetErrorCode(err))
}

func TestDeferredLoading_ListToolsExposesOnlySearchUntilActivated(t *testing.T) {
	g, _, transports := newGatewayWithBackends(t, "fs")
	session := g.AcquireSession("c1", map[string]struct{}{"fs": {}}, true)
	const perServerTimeout = 50 * time.Millisecond // resources/list and prompts/list go unanswered below and must time out quickly

	resultCh := make(chan MergeResult, 1)
	go func() {
		resultCh <- g.ListTools(context.Background(), session, perServerTimeout)
	}()
	respond(t, transports["fs"], `{"tools":[{"name":"read","description":"reads a file from disk"}]}`)
	res := <-resultCh

	require.Len(t, res.Items, 1)
	assert.Equal(t, "search", res.Items[0].WireName())

	searchResult := g.HandleSearch(context.Background(), session, "read", "tools", 5, perServerTimeout)
	require.Len(t, searchResult.ActivatedTools, 1)
	assert.Equal(t, "fs__read", searchResult.ActivatedTools[0].QualifiedName())

	select {
	case n := <-g.Notifications("c1"):
		assert.Equal(t, "notifications/tools/list_changed", n.Method)
	default:
		t.Fatal("expected a list_changed notification after activation")
	}

	res2 := g.ListTools(context.Background(), session, perServerTimeout)
	names := make([]string, 0, len(res2.Items))
	for _, item := range res2.Items {
		names = append(names, item.WireName())
	}
	assert.ElementsMatch(t, []string{"search", "fs__read"}, names)
}

func TestNamespacedTool_RenderedPatchesNameToWireName(t *testing.T) {
	tool := NamespacedTool{ServerID: "fs", Name: "read", Def: json.RawMessage(`{"name":"read","description":"reads a file"}`)}
	rendered := tool.Rendered()
	assert.JSONEq(t, `{"name":"fs__read","description":"reads a file"}`, string(rendered))
}
