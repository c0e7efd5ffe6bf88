package mcpgateway

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualifiedName_RoundTrips(t *testing.T) {
	tool := NamespacedTool{ServerID: "weather", Name: "get_forecast"}
	qualified := tool.QualifiedName()
	assert.Equal(t, "weather__get_forecast", qualified)

	serverID, name, ok := parseQualifiedName(qualified)
	require.True(t, ok)
	assert.Equal(t, "weather", serverID)
	assert.Equal(t, "get_forecast", name)
}

func TestParseQualifiedName_RejectsMissingSeparator(t *testing.T) {
	_, _, ok := parseQualifiedName("no-separator-here")
	assert.False(t, ok)
}

func TestParseQualifiedName_SplitsOnFirstSeparatorOnly(t *testing.T) {
	// tool names may themselves contain "__"; the server id never does.
	serverID, name, ok := parseQualifiedName("weather__get__forecast")
	require.True(t, ok)
	assert.Equal(t, "weather", serverID)
	assert.Equal(t, "get__forecast", name)
}

func TestAcquireSession_ReusesUnexpiredSession(t *testing.T) {
	g := New(nil, nil)
	s1 := g.AcquireSession("client-a", map[string]struct{}{"srv-1": {}}, false)
	s2 := g.AcquireSession("client-a", map[string]struct{}{"srv-2": {}}, false)
	assert.Same(t, s1, s2)
	// the set passed on the second, reused acquisition is not applied
	assert.Contains(t, s2.ServerIDs, "srv-1")
}

func TestAcquireSession_RecreatesExpiredSession(t *testing.T) {
	g := New(nil, nil)
	s1 := g.AcquireSession("client-a", map[string]struct{}{"srv-1": {}}, false)
	s1.LastActivity = time.Now().Add(-2 * sessionTTL)

	s2 := g.AcquireSession("client-a", map[string]struct{}{"srv-2": {}}, false)
	assert.NotSame(t, s1, s2)
	assert.Contains(t, s2.ServerIDs, "srv-2")
}

func TestEvictExpired_RemovesOnlyStaleSessions(t *testing.T) {
	g := New(nil, nil)
	fresh := g.AcquireSession("fresh", map[string]struct{}{}, false)
	stale := g.AcquireSession("stale", map[string]struct{}{}, false)
	stale.LastActivity = time.Now().Add(-2 * sessionTTL)
	_ = fresh

	g.EvictExpired(time.Now())

	g.mu.Lock()
	_, freshStillPresent := g.sessions["fresh"]
	_, staleStillPresent := g.sessions["stale"]
	g.mu.Unlock()
	assert.True(t, freshStillPresent)
	assert.False(t, staleStillPresent)
}

func newTool(t *testing.T, serverID, name, description string) NamespacedTool {
	def, err := json.Marshal(map[string]string{"name": name, "description": description})
	require.NoError(t, err)
	return NamespacedTool{ServerID: serverID, Name: name, Def: def}
}

func sessionWithTools(tools ...NamespacedTool) *Session {
	s := &Session{tools: make(map[string]NamespacedTool)}
	for _, tool := range tools {
		s.tools[tool.QualifiedName()] = tool
	}
	return s
}

func TestSearch_ExactNameMatchActivatesAboveThreshold(t *testing.T) {
	g := New(nil, nil)
	s := sessionWithTools(
		newTool(t, "weather", "get_forecast", "fetches a weather forecast"),
		newTool(t, "calendar", "list_events", "lists calendar events"),
	)

	results := g.Search(s, "get_forecast", 5)
	require.Len(t, results, 1)
	assert.Equal(t, "get_forecast", results[0].Name)
}

func TestSearch_FallsBackToTopMatchesBelowActivationThreshold(t *testing.T) {
	g := New(nil, nil)
	s := sessionWithTools(
		newTool(t, "weather", "get_forecast", "fetches a detailed forecast for a city"),
		newTool(t, "weather", "get_alerts", "fetches severe weather alerts"),
		newTool(t, "calendar", "list_events", "lists calendar events for a user"),
	)

	results := g.Search(s, "weather alerts", 3)
	assert.LessOrEqual(t, len(results), 3)
	assert.NotEmpty(t, results)
}

func TestSearch_NoMatchReturnsEmpty(t *testing.T) {
	g := New(nil, nil)
	s := sessionWithTools(newTool(t, "calendar", "list_events", "lists calendar events"))
	results := g.Search(s, "totally-unrelated-query-xyz", 3)
	assert.Empty(t, results)
}

func TestOnBackendNotification_FansOutOnlyToInterestedClients(t *testing.T) {
	g := New(nil, nil)
	g.AcquireSession("interested", map[string]struct{}{"srv-1": {}}, false)
	g.AcquireSession("uninterested", map[string]struct{}{"srv-2": {}}, false)

	g.OnBackendNotification("srv-1", "notifications/tools/list_changed", json.RawMessage(`{}`))

	select {
	case n := <-g.Notifications("interested"):
		assert.Equal(t, "srv-1", n.ServerID)
		assert.Equal(t, "notifications/tools/list_changed", n.Method)
	default:
		t.Fatal("expected a notification for the interested client")
	}

	select {
	case <-g.Notifications("uninterested"):
		t.Fatal("uninterested client should not have received a notification")
	default:
	}
}
