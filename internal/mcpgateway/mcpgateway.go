// Package mcpgateway implements G: the client-facing aggregation layer over
// every backend MCP server a client has access to. It merges capabilities,
// namespaces tool names to avoid collisions, fans broadcast methods out
// concurrently, and scores a synthetic search tool over deferred-loaded
// servers.
package mcpgateway

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/localrouter/internal/channel"
	"github.com/BaSui01/localrouter/internal/mcpbackend"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/types"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const sessionTTL = time.Hour

// NamespacedTool is a tool/resource/prompt definition tagged with the server
// it came from, exposed to the client under "{server_id}__{name}". An empty
// ServerID marks a gateway-synthesized entry (the deferred-loading "search"
// tool), which is exposed under its bare Name instead.
type NamespacedTool struct {
	ServerID string
	Name     string // original, unnamespaced name
	Def      json.RawMessage
}

// QualifiedName is the "{server_id}__{name}" wire name a client calls.
func (t NamespacedTool) QualifiedName() string { return t.ServerID + "__" + t.Name }

// WireName is the name the client sees: QualifiedName for a backend-sourced
// entry, or the bare Name for a gateway-synthesized one (ServerID == "").
func (t NamespacedTool) WireName() string {
	if t.ServerID == "" {
		return t.Name
	}
	return t.QualifiedName()
}

// Rendered patches Def's "name" field to WireName without a full
// unmarshal/remarshal of the rest of the (opaque, backend-defined) schema.
// Falls back to the raw Def if the patch fails, which only happens on
// malformed upstream JSON.
func (t NamespacedTool) Rendered() json.RawMessage {
	out, err := sjson.SetBytes(t.Def, "name", t.WireName())
	if err != nil {
		return t.Def
	}
	return out
}

// parseQualifiedName splits "{server_id}__{name}" back into its parts.
// Server ids and tool names may each contain underscores; the split point
// is the first "__" — server ids are validated at config time to never
// contain "__" themselves, making this unambiguous.
func parseQualifiedName(qualified string) (serverID, name string, ok bool) {
	idx := strings.Index(qualified, "__")
	if idx < 0 {
		return "", "", false
	}
	return qualified[:idx], qualified[idx+2:], true
}

// Session is one client's acquired view over its accessible MCP servers,
// evicted after sessionTTL of inactivity.
type Session struct {
	ClientID     string
	ServerIDs    map[string]struct{}
	CreatedAt    time.Time
	LastActivity time.Time

	// Deferred opts this session into deferred capability loading: ListTools
	// exposes only the synthetic search tool plus whatever HandleSearch has
	// activated, instead of the full merged catalogue.
	Deferred bool

	mu            sync.RWMutex
	tools         map[string]NamespacedTool // qualified name -> tool
	resources     map[string]NamespacedTool
	prompts       map[string]NamespacedTool
	catalogLoaded bool

	activatedTools     map[string]struct{}
	activatedResources map[string]struct{}
	activatedPrompts   map[string]struct{}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) expired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.LastActivity) > sessionTTL
}

// activateTool marks qualifiedName activated, returning true only the first
// time — callers use this to decide whether a list_changed notification is
// actually warranted.
func (s *Session) activateTool(qualifiedName string) bool {
	return activate(&s.mu, &s.activatedTools, qualifiedName)
}
func (s *Session) activateResource(qualifiedName string) bool {
	return activate(&s.mu, &s.activatedResources, qualifiedName)
}
func (s *Session) activatePrompt(qualifiedName string) bool {
	return activate(&s.mu, &s.activatedPrompts, qualifiedName)
}

func activate(mu *sync.RWMutex, set *map[string]struct{}, name string) bool {
	mu.Lock()
	defer mu.Unlock()
	if *set == nil {
		*set = make(map[string]struct{})
	}
	if _, already := (*set)[name]; already {
		return false
	}
	(*set)[name] = struct{}{}
	return true
}

// activatedFrom returns the subset of catalog, sorted by qualified name,
// whose qualified names are present in activated.
func activatedFrom(catalog map[string]NamespacedTool, activated map[string]struct{}) []NamespacedTool {
	out := make([]NamespacedTool, 0, len(activated))
	for name := range activated {
		if t, ok := catalog[name]; ok {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName() < out[j].QualifiedName() })
	return out
}

// Gateway holds live sessions and drives backend calls through a
// mcpbackend.Manager, applying access control at acquisition and at call
// time (server access may be revoked mid-session).
type Gateway struct {
	backends *mcpbackend.Manager
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session // clientID -> Session

	notifyMu sync.RWMutex
	notifyCh map[string]*channel.TunableChannel[Notification] // clientID -> auto-sized fan-out channel
}

// Notification is one server-originated event forwarded to interested
// clients, namespaced the same way tool calls are.
type Notification struct {
	ServerID string
	Method   string
	Params   json.RawMessage
}

func New(backends *mcpbackend.Manager, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		backends: backends,
		logger:   logger.With(zap.String("component", "mcpgateway")),
		sessions: make(map[string]*Session),
		notifyCh: make(map[string]*channel.TunableChannel[Notification]),
	}
}

// AcquireSessionForClient resolves client's McpServerAccess against
// allServerIDs and acquires a session over the result, carrying the
// client's DeferredToolLoading preference. An empty resolved set is a
// valid, deliberate outcome — the client simply sees no servers, never an
// error.
func (g *Gateway) AcquireSessionForClient(client *rconfig.Client, allServerIDs []string) *Session {
	return g.AcquireSession(client.ID, client.MCPAccess.Resolve(allServerIDs), client.DeferredToolLoading)
}

// AcquireSession returns clientID's session, creating one over serverIDs if
// none exists or the previous one expired. An empty serverIDs set is a
// valid, deliberate outcome — the client simply sees no servers, never an
// error. deferred sets the new session's deferred-loading mode; it has no
// effect on a reused, already-acquired session.
func (g *Gateway) AcquireSession(clientID string, serverIDs map[string]struct{}, deferred bool) *Session {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s, ok := g.sessions[clientID]; ok && !s.expired(time.Now()) {
		s.touch()
		return s
	}

	s := &Session{
		ClientID:     clientID,
		ServerIDs:    serverIDs,
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
		Deferred:     deferred,
		tools:        make(map[string]NamespacedTool),
		resources:    make(map[string]NamespacedTool),
		prompts:      make(map[string]NamespacedTool),
	}
	g.sessions[clientID] = s
	return s
}

// EvictExpired removes every session whose TTL has elapsed. Intended to run
// periodically from the embedder's own ticker loop.
func (g *Gateway) EvictExpired(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, s := range g.sessions {
		if s.expired(now) {
			delete(g.sessions, id)
		}
	}
}

// BroadcastResult is one server's outcome from a fanned-out method call.
type BroadcastResult struct {
	ServerID string
	Result   json.RawMessage
	Err      error
}

// Broadcast calls method on every server in session's ServerIDs
// concurrently via errgroup, each bounded by its own per-server timeout;
// one server's failure never cancels the others.
func (g *Gateway) Broadcast(ctx context.Context, session *Session, method string, params any, perServerTimeout time.Duration) []BroadcastResult {
	session.touch()
	ids := make([]string, 0, len(session.ServerIDs))
	for id := range session.ServerIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make([]BroadcastResult, len(ids))
	grp, grpCtx := errgroup.WithContext(context.Background())
	for i, id := range ids {
		i, id := i, id
		grp.Go(func() error {
			callCtx, cancel := context.WithTimeout(grpCtx, perServerTimeout)
			defer cancel()

			conn, ok := g.backends.Get(id)
			if !ok {
				results[i] = BroadcastResult{ServerID: id, Err: types.NewError(types.ErrNotFound, "mcp server not connected: "+id)}
				return nil
			}
			msg, err := conn.Call(callCtx, method, params)
			if err != nil {
				results[i] = BroadcastResult{ServerID: id, Err: err}
				return nil
			}
			results[i] = BroadcastResult{ServerID: id, Result: msg.Result}
			return nil
		})
	}
	_ = grp.Wait() // per-result errors are carried in BroadcastResult.Err, never aborts siblings
	_ = ctx
	return results
}

// MergeResult is a namespaced, merged capability list plus the per-server
// failures that partial_failure reporting needs — distinct from the raw
// BroadcastResult slice because failures here are carried alongside a
// successfully merged (not raw) list.
type MergeResult struct {
	Items    []NamespacedTool
	Failures []BroadcastResult
}

// PartialFailure reports whether some but not all session servers failed —
// the exact condition the MCP response's _meta.partial_failure flags.
func (r MergeResult) PartialFailure(totalServers int) bool {
	return len(r.Failures) > 0 && len(r.Failures) < totalServers
}

// mergeList fans method out across session's servers, namespaces each
// returned item, and returns the merged+sorted list alongside any per-server
// failures. listKey names the JSON-RPC result field holding the array
// ("tools", "resources", "prompts"); a server replying with a bare array
// instead of {listKey: [...]} is also accepted.
func (g *Gateway) mergeList(ctx context.Context, session *Session, method, listKey string, perServerTimeout time.Duration) MergeResult {
	results := g.Broadcast(ctx, session, method, nil, perServerTimeout)

	var merged []NamespacedTool
	var failures []BroadcastResult
	for _, r := range results {
		if r.Err != nil {
			failures = append(failures, r)
			continue
		}
		for _, raw := range extractListItems(r.Result, listKey) {
			var item struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(raw, &item); err != nil || item.Name == "" {
				continue
			}
			merged = append(merged, NamespacedTool{ServerID: r.ServerID, Name: item.Name, Def: raw})
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].QualifiedName() < merged[j].QualifiedName() })
	return MergeResult{Items: merged, Failures: failures}
}

// extractListItems reads result as {listKey: [...]}, falling back to a bare
// top-level array for servers that reply without the wrapper object.
func extractListItems(result json.RawMessage, listKey string) []json.RawMessage {
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(result, &wrapped); err == nil {
		if items, ok := wrapped[listKey]; ok {
			var raw []json.RawMessage
			if err := json.Unmarshal(items, &raw); err == nil {
				return raw
			}
		}
	}
	var raw []json.RawMessage
	_ = json.Unmarshal(result, &raw)
	return raw
}

// MergeTools fetches tools/list from every session server, namespaces and
// caches the result on the session for direct-method routing.
func (g *Gateway) MergeTools(ctx context.Context, session *Session, perServerTimeout time.Duration) MergeResult {
	res := g.mergeList(ctx, session, "tools/list", "tools", perServerTimeout)
	session.mu.Lock()
	for _, t := range res.Items {
		session.tools[t.QualifiedName()] = t
	}
	session.mu.Unlock()
	return res
}

// MergeResources fetches resources/list from every session server,
// namespaces and caches the result on the session.
func (g *Gateway) MergeResources(ctx context.Context, session *Session, perServerTimeout time.Duration) MergeResult {
	res := g.mergeList(ctx, session, "resources/list", "resources", perServerTimeout)
	session.mu.Lock()
	for _, t := range res.Items {
		session.resources[t.QualifiedName()] = t
	}
	session.mu.Unlock()
	return res
}

// MergePrompts fetches prompts/list from every session server, namespaces
// and caches the result on the session.
func (g *Gateway) MergePrompts(ctx context.Context, session *Session, perServerTimeout time.Duration) MergeResult {
	res := g.mergeList(ctx, session, "prompts/list", "prompts", perServerTimeout)
	session.mu.Lock()
	for _, t := range res.Items {
		session.prompts[t.QualifiedName()] = t
	}
	session.mu.Unlock()
	return res
}

// ensureCatalog populates session's tools/resources/prompts caches exactly
// once (sets catalogLoaded), regardless of Deferred — deferred mode still
// needs the full catalog in memory for search scoring, it just never hands
// the whole thing to the client directly.
func (g *Gateway) ensureCatalog(ctx context.Context, session *Session, perServerTimeout time.Duration) {
	session.mu.RLock()
	loaded := session.catalogLoaded
	session.mu.RUnlock()
	if loaded {
		return
	}
	g.MergeTools(ctx, session, perServerTimeout)
	g.MergeResources(ctx, session, perServerTimeout)
	g.MergePrompts(ctx, session, perServerTimeout)
	session.mu.Lock()
	session.catalogLoaded = true
	session.mu.Unlock()
}

// searchToolDef is the synthetic tool definition exposed in place of the
// full tools catalogue when a session is in deferred-loading mode.
var searchToolDef = json.RawMessage(`{
	"name": "search",
	"description": "Search the full tool/resource/prompt catalogue and activate matching entries.",
	"inputSchema": {
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"type": {"type": "string", "enum": ["tools", "resources", "prompts", "all"]},
			"limit": {"type": "integer"}
		},
		"required": ["query"]
	}
}`)

func searchTool() NamespacedTool {
	return NamespacedTool{Name: "search", Def: searchToolDef}
}

// ListTools returns the merged tools catalogue, or — in deferred mode — the
// synthetic search tool plus whatever has been activated so far.
func (g *Gateway) ListTools(ctx context.Context, session *Session, perServerTimeout time.Duration) MergeResult {
	if !session.Deferred {
		return g.MergeTools(ctx, session, perServerTimeout)
	}
	g.ensureCatalog(ctx, session, perServerTimeout)
	session.mu.RLock()
	items := append([]NamespacedTool{searchTool()}, activatedFrom(session.tools, session.activatedTools)...)
	session.mu.RUnlock()
	return MergeResult{Items: items}
}

// ListResources returns the merged resources catalogue, or — in deferred
// mode — only the activated subset.
func (g *Gateway) ListResources(ctx context.Context, session *Session, perServerTimeout time.Duration) MergeResult {
	if !session.Deferred {
		return g.MergeResources(ctx, session, perServerTimeout)
	}
	g.ensureCatalog(ctx, session, perServerTimeout)
	session.mu.RLock()
	items := activatedFrom(session.resources, session.activatedResources)
	session.mu.RUnlock()
	return MergeResult{Items: items}
}

// ListPrompts returns the merged prompts catalogue, or — in deferred mode —
// only the activated subset.
func (g *Gateway) ListPrompts(ctx context.Context, session *Session, perServerTimeout time.Duration) MergeResult {
	if !session.Deferred {
		return g.MergePrompts(ctx, session, perServerTimeout)
	}
	g.ensureCatalog(ctx, session, perServerTimeout)
	session.mu.RLock()
	items := activatedFrom(session.prompts, session.activatedPrompts)
	session.mu.RUnlock()
	return MergeResult{Items: items}
}

// callNamespaced parses qualifiedName, verifies the owning server is both
// connected and in session's granted access, re-checks checkAccess, then
// dispatches build's (method, params) to the owning server's connection.
// Connectivity is checked before session access so an unknown/disconnected
// server consistently reports ErrNotFound rather than ErrPermission.
func (g *Gateway) callNamespaced(ctx context.Context, session *Session, qualifiedName string, checkAccess func(serverID, name string) (bool, error), build func(name string) (string, any)) (json.RawMessage, error) {
	session.touch()
	serverID, name, ok := parseQualifiedName(qualifiedName)
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "malformed qualified name: "+qualifiedName)
	}

	conn, ok := g.backends.Get(serverID)
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "mcp server not connected: "+serverID)
	}
	if _, inSession := session.ServerIDs[serverID]; !inSession {
		return nil, types.NewError(types.ErrPermission, "server not in session's access set: "+serverID)
	}
	if checkAccess != nil {
		allowed, err := checkAccess(serverID, name)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, types.NewError(types.ErrPermission, "access denied for "+qualifiedName)
		}
	}

	method, params := build(name)
	msg, err := conn.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return msg.Result, nil
}

// CallTool routes a qualified tool name directly to its owning server,
// re-checking access via checkAccess at call time (access may have been
// revoked since the session was acquired).
func (g *Gateway) CallTool(ctx context.Context, session *Session, qualifiedName string, args any, checkAccess func(serverID, tool string) (bool, error)) (json.RawMessage, error) {
	return g.callNamespaced(ctx, session, qualifiedName, checkAccess, func(name string) (string, any) {
		return "tools/call", map[string]any{"name": name, "arguments": args}
	})
}

// ReadResource routes a qualified resource name (its URI, namespaced the
// same way a tool name is) to its owning server's resources/read.
func (g *Gateway) ReadResource(ctx context.Context, session *Session, qualifiedName string, checkAccess func(serverID, name string) (bool, error)) (json.RawMessage, error) {
	return g.callNamespaced(ctx, session, qualifiedName, checkAccess, func(name string) (string, any) {
		return "resources/read", map[string]any{"uri": name}
	})
}

// GetPrompt routes a qualified prompt name to its owning server's
// prompts/get.
func (g *Gateway) GetPrompt(ctx context.Context, session *Session, qualifiedName string, args any, checkAccess func(serverID, name string) (bool, error)) (json.RawMessage, error) {
	return g.callNamespaced(ctx, session, qualifiedName, checkAccess, func(name string) (string, any) {
		return "prompts/get", map[string]any{"name": name, "arguments": args}
	})
}

// CallServer routes method directly to one backend server, bypassing tool
// qualification — the passthrough a single-server JSON-RPC HTTP call needs,
// as opposed to Broadcast's fan-out across the whole session.
func (g *Gateway) CallServer(ctx context.Context, session *Session, serverID, method string, params any) (json.RawMessage, error) {
	session.touch()
	if _, inSession := session.ServerIDs[serverID]; !inSession {
		return nil, types.NewError(types.ErrPermission, "server not in session's access set: "+serverID)
	}
	conn, ok := g.backends.Get(serverID)
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "mcp server not connected: "+serverID)
	}
	msg, err := conn.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return msg.Result, nil
}

// RespondElicitation forwards a client's answer to a server-issued
// elicitation/create request back to that server, correlated by the id the
// server originally sent.
func (g *Gateway) RespondElicitation(ctx context.Context, session *Session, serverID string, id int64, result json.RawMessage) error {
	session.touch()
	if _, inSession := session.ServerIDs[serverID]; !inSession {
		return types.NewError(types.ErrPermission, "server not in session's access set: "+serverID)
	}
	conn, ok := g.backends.Get(serverID)
	if !ok {
		return types.NewError(types.ErrNotFound, "mcp server not connected: "+serverID)
	}
	return conn.Respond(ctx, id, result, nil)
}

// searchCandidate is one item's score against a query, per the synthetic
// search scoring: exact name match 5, name substring 3, description
// substring 1, summed then normalised by the query's token count.
type searchCandidate struct {
	Tool  NamespacedTool
	Score float64
}

// selectActivations scores items against query and returns the subset to
// activate: every item scoring >= 0.7, else the top scorers (by descending
// score) up to min(3, limit) among those scoring >= 0.3. Shared by Search
// (tools only, for backward compatibility) and HandleSearch (tools,
// resources, and prompts alike).
func selectActivations(items []NamespacedTool, query string, limit int) []NamespacedTool {
	tokens := strings.Fields(strings.ToLower(query))
	tokenCount := len(tokens)
	if tokenCount == 0 {
		tokenCount = 1
	}

	var candidates []searchCandidate
	qLower := strings.ToLower(query)
	for _, t := range items {
		var desc struct {
			Description string `json:"description"`
		}
		_ = json.Unmarshal(t.Def, &desc)

		nameLower := strings.ToLower(t.Name)
		var score float64
		if nameLower == qLower {
			score += 5
		} else if strings.Contains(nameLower, qLower) {
			score += 3
		}
		if strings.Contains(strings.ToLower(desc.Description), qLower) {
			score += 1
		}
		score /= float64(tokenCount)
		if score > 0 {
			candidates = append(candidates, searchCandidate{Tool: t, Score: score})
		}
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })

	var activated []NamespacedTool
	for _, c := range candidates {
		if c.Score >= 0.7 {
			activated = append(activated, c.Tool)
		}
	}
	if len(activated) > 0 {
		return activated
	}

	cap := 3
	if limit > 0 && limit < cap {
		cap = limit
	}
	for _, c := range candidates {
		if c.Score < 0.3 {
			break
		}
		activated = append(activated, c.Tool)
		if len(activated) >= cap {
			break
		}
	}
	return activated
}

// Search scores every session tool against query and returns the subset to
// activate. Kept as a thin wrapper over selectActivations for direct,
// tools-only callers; HandleSearch is the deferred-loading entry point that
// also activates and notifies.
func (g *Gateway) Search(session *Session, query string, limit int) []NamespacedTool {
	session.mu.RLock()
	tools := make([]NamespacedTool, 0, len(session.tools))
	for _, t := range session.tools {
		tools = append(tools, t)
	}
	session.mu.RUnlock()
	return selectActivations(tools, query, limit)
}

// SearchResult is what a deferred-loading "search" tool call activates,
// split by kind so the caller can report exactly what became newly visible.
type SearchResult struct {
	ActivatedTools     []NamespacedTool
	ActivatedResources []NamespacedTool
	ActivatedPrompts   []NamespacedTool
}

// HandleSearch backs the synthetic "search" tool: it ensures the full
// catalogue is loaded, scores it against query restricted to itemType
// ("tools", "resources", "prompts", or "all"/"" for every kind), marks newly
// scored items activated, and emits notifications/{kind}/list_changed for
// each kind that gained at least one activation.
func (g *Gateway) HandleSearch(ctx context.Context, session *Session, query, itemType string, limit int, perServerTimeout time.Duration) SearchResult {
	g.ensureCatalog(ctx, session, perServerTimeout)

	var result SearchResult
	wantsKind := func(kind string) bool { return itemType == "" || itemType == "all" || itemType == kind }

	session.mu.RLock()
	var toolPool, resourcePool, promptPool []NamespacedTool
	if wantsKind("tools") {
		toolPool = mapValues(session.tools)
	}
	if wantsKind("resources") {
		resourcePool = mapValues(session.resources)
	}
	if wantsKind("prompts") {
		promptPool = mapValues(session.prompts)
	}
	session.mu.RUnlock()

	if toolPool != nil {
		matched := selectActivations(toolPool, query, limit)
		newlyActivated := false
		for _, t := range matched {
			if session.activateTool(t.QualifiedName()) {
				newlyActivated = true
			}
		}
		result.ActivatedTools = matched
		if newlyActivated {
			g.notifyListChanged(session, "tools")
		}
	}
	if resourcePool != nil {
		matched := selectActivations(resourcePool, query, limit)
		newlyActivated := false
		for _, t := range matched {
			if session.activateResource(t.QualifiedName()) {
				newlyActivated = true
			}
		}
		result.ActivatedResources = matched
		if newlyActivated {
			g.notifyListChanged(session, "resources")
		}
	}
	if promptPool != nil {
		matched := selectActivations(promptPool, query, limit)
		newlyActivated := false
		for _, t := range matched {
			if session.activatePrompt(t.QualifiedName()) {
				newlyActivated = true
			}
		}
		result.ActivatedPrompts = matched
		if newlyActivated {
			g.notifyListChanged(session, "prompts")
		}
	}
	return result
}

func mapValues(m map[string]NamespacedTool) []NamespacedTool {
	out := make([]NamespacedTool, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// notifyListChanged pushes a notifications/{kind}/list_changed event onto
// session's client notification channel before HandleSearch returns. Only
// the websocket handler drains that channel; a plain HTTP search reply
// does not carry the notification.
func (g *Gateway) notifyListChanged(session *Session, kind string) {
	ch := g.notificationChan(session.ClientID)
	n := Notification{Method: "notifications/" + kind + "/list_changed"}
	if !ch.TrySend(n) {
		g.logger.Warn("notification channel full, dropping list_changed", zap.String("client", session.ClientID), zap.String("kind", kind))
	}
}

// notificationChan returns (creating if needed) clientID's notification
// fan-out channel, read by the websocket handler in httpapi. It keeps the
// DefaultTunableConfig initial capacity (64): nothing here calls Tune, so
// a send to a full channel is dropped.
func (g *Gateway) notificationChan(clientID string) *channel.TunableChannel[Notification] {
	g.notifyMu.Lock()
	defer g.notifyMu.Unlock()
	ch, ok := g.notifyCh[clientID]
	if !ok {
		ch = channel.NewTunableChannel[Notification](channel.DefaultTunableConfig())
		g.notifyCh[clientID] = ch
	}
	return ch
}

// Notifications exposes clientID's read-only notification stream.
func (g *Gateway) Notifications(clientID string) <-chan Notification {
	return g.notificationChan(clientID).Chan()
}

// OnBackendNotification is the mcpbackend.NotificationHandler wired into
// every Connection: it fans the event out to every client whose session
// includes that server, dropping (never blocking) on a full channel.
func (g *Gateway) OnBackendNotification(serverID, method string, params []byte) {
	g.mu.Lock()
	var interested []string
	for clientID, s := range g.sessions {
		if _, ok := s.ServerIDs[serverID]; ok {
			interested = append(interested, clientID)
		}
	}
	g.mu.Unlock()

	n := Notification{ServerID: serverID, Method: method, Params: params}
	for _, clientID := range interested {
		ch := g.notificationChan(clientID)
		if !ch.TrySend(n) {
			g.logger.Warn("notification channel full, dropping", zap.String("client", clientID), zap.String("method", method))
		}
	}
}
