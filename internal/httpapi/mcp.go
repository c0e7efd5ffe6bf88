package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/localrouter/internal/auth"
	"github.com/BaSui01/localrouter/internal/mcpgateway"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/types"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const mcpPerServerTimeout = 30 * time.Second

// MCPHandler serves the JSON-RPC-over-HTTP surface: broadcast /mcp, a
// single-server passthrough /mcp/{server_id}, its SSE and streamable-HTTP
// variants, and the elicitation response endpoint.
type MCPHandler struct {
	gateway *mcpgateway.Gateway
	configs *rconfig.Store
	gate    auth.ApprovalGate
	logger  *zap.Logger
}

func NewMCPHandler(gateway *mcpgateway.Gateway, configs *rconfig.Store, gate auth.ApprovalGate, logger *zap.Logger) *MCPHandler {
	return &MCPHandler{gateway: gateway, configs: configs, gate: gate, logger: logger}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Meta    *rpcMeta        `json:"_meta,omitempty"`
}

// rpcMeta carries the partial-failure annotation when a broadcast method
// succeeded on some servers and failed on others — the response still
// returns merged results rather than failing the whole call.
type rpcMeta struct {
	PartialFailure bool      `json:"partial_failure,omitempty"`
	Failures       []rpcFail `json:"failures,omitempty"`
}

type rpcFail struct {
	ServerID string `json:"server_id"`
	Message  string `json:"message"`
}

func (h *MCPHandler) session(r *http.Request) (*mcpgateway.Session, error) {
	client, ok := ClientFromContext(r.Context())
	if !ok {
		return nil, types.NewError(types.ErrAuth, "invalid bearer token").WithHTTPStatus(http.StatusUnauthorized)
	}
	snap := h.configs.Current()
	return h.gateway.AcquireSessionForClient(client, snap.EnabledMCPServerIDs()), nil
}

// sessionContext is session's superset, also returning the client and the
// full enabled-server-id list dispatchBroadcast needs to build a per-call
// access-check closure.
func (h *MCPHandler) sessionContext(r *http.Request) (*mcpgateway.Session, *rconfig.Client, []string, error) {
	client, ok := ClientFromContext(r.Context())
	if !ok {
		return nil, nil, nil, types.NewError(types.ErrAuth, "invalid bearer token").WithHTTPStatus(http.StatusUnauthorized)
	}
	snap := h.configs.Current()
	allServerIDs := snap.EnabledMCPServerIDs()
	session := h.gateway.AcquireSessionForClient(client, allServerIDs)
	return session, client, allServerIDs, nil
}

// HandleBroadcast implements POST /mcp: tools/resources/prompts list and
// call/read/get methods are routed through the namespaced merge/dispatch
// path; anything else (initialize, ping, ...) still fans out raw and
// concatenates, since those methods carry no per-item identity to namespace.
func (h *MCPHandler) HandleBroadcast(w http.ResponseWriter, r *http.Request) {
	session, client, allServerIDs, err := h.sessionContext(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	var req rpcRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	result, meta, err := dispatchBroadcast(r.Context(), h.gateway, session, client, allServerIDs, h.gate, req.Method, req.Params)
	if err != nil {
		writeRPCError(w, req.ID, meta, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Meta: meta})
}

// writeRPCError renders err as both an HTTP status (via statusForCode/
// te.HTTPStatus, same mapping WriteError uses) and a JSON-RPC error object,
// preserving any partial-failure meta collected before the fatal error.
func writeRPCError(w http.ResponseWriter, id json.RawMessage, meta *rpcMeta, err error, logger *zap.Logger) {
	te, ok := err.(*types.Error)
	if !ok {
		te = types.NewError(types.ErrInternal, "internal error").WithCause(err)
	}
	status := te.HTTPStatus
	if status == 0 {
		status = statusForCode(te.Code)
	}
	if logger != nil {
		logger.Error("mcp dispatch error", zap.String("code", string(te.Code)), zap.String("message", te.Message), zap.Int("status", status))
	}
	WriteJSON(w, status, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: -32000, Message: te.Message},
		Meta:    meta,
	})
}

// dispatchBroadcast routes a session-wide JSON-RPC method. List methods go
// through the gateway's namespaced merge path; call/read/get methods route
// to the owning backend by qualified name (namespacing-with-access-check);
// everything else still broadcasts raw and concatenates, the only option
// for a method with no per-item identity to namespace (e.g. initialize).
// Shared by the HTTP broadcast handler and the websocket handler's
// session-wide request branch.
func dispatchBroadcast(ctx context.Context, gateway *mcpgateway.Gateway, session *mcpgateway.Session, client *rconfig.Client, allServerIDs []string, gate auth.ApprovalGate, method string, params json.RawMessage) (json.RawMessage, *rpcMeta, error) {
	checkAccess := func(serverID, name string) (bool, error) {
		return auth.CheckMCPToolAccess(ctx, client, allServerIDs, serverID, name, gate)
	}
	totalServers := len(session.ServerIDs)

	switch method {
	case "tools/list":
		return renderList(gateway.ListTools(ctx, session, mcpPerServerTimeout), totalServers)
	case "resources/list":
		return renderList(gateway.ListResources(ctx, session, mcpPerServerTimeout), totalServers)
	case "prompts/list":
		return renderList(gateway.ListPrompts(ctx, session, mcpPerServerTimeout), totalServers)
	case "tools/call":
		return dispatchToolCall(ctx, gateway, session, params, checkAccess)
	case "resources/read":
		name := gjson.GetBytes(params, "uri").String()
		if name == "" {
			name = gjson.GetBytes(params, "name").String()
		}
		res, err := gateway.ReadResource(ctx, session, name, checkAccess)
		return res, nil, err
	case "prompts/get":
		name := gjson.GetBytes(params, "name").String()
		res, err := gateway.GetPrompt(ctx, session, name, rawArguments(params), checkAccess)
		return res, nil, err
	default:
		return rawBroadcast(ctx, gateway, session, method, params)
	}
}

// rawArguments extracts params.arguments verbatim, or nil when absent —
// forwarded as-is to the owning backend rather than re-typed.
func rawArguments(params json.RawMessage) any {
	if raw := gjson.GetBytes(params, "arguments"); raw.Exists() {
		return json.RawMessage(raw.Raw)
	}
	return nil
}

// dispatchToolCall handles tools/call, special-casing the synthetic
// deferred-loading "search" tool (scored and activated by the gateway
// itself, never routed to a backend) before falling through to ordinary
// namespaced tool routing.
func dispatchToolCall(ctx context.Context, gateway *mcpgateway.Gateway, session *mcpgateway.Session, params json.RawMessage, checkAccess func(string, string) (bool, error)) (json.RawMessage, *rpcMeta, error) {
	name := gjson.GetBytes(params, "name").String()
	if name == "search" {
		query := gjson.GetBytes(params, "arguments.query").String()
		itemType := gjson.GetBytes(params, "arguments.type").String()
		limit := int(gjson.GetBytes(params, "arguments.limit").Int())
		activation := gateway.HandleSearch(ctx, session, query, itemType, limit, mcpPerServerTimeout)

		activated := make([]string, 0, len(activation.ActivatedTools)+len(activation.ActivatedResources)+len(activation.ActivatedPrompts))
		for _, t := range activation.ActivatedTools {
			activated = append(activated, t.QualifiedName())
		}
		for _, t := range activation.ActivatedResources {
			activated = append(activated, t.QualifiedName())
		}
		for _, t := range activation.ActivatedPrompts {
			activated = append(activated, t.QualifiedName())
		}
		out, _ := json.Marshal(map[string]any{"activated": activated})
		return out, nil, nil
	}

	res, err := gateway.CallTool(ctx, session, name, rawArguments(params), checkAccess)
	return res, nil, err
}

// renderList wire-encodes a merge's namespaced items and builds the
// partial-failure meta from its per-server failures — total merged-zero
// among non-empty failures surfaces as a hard error rather than a silent
// empty list.
func renderList(res mcpgateway.MergeResult, totalServers int) (json.RawMessage, *rpcMeta, error) {
	items := make([]json.RawMessage, 0, len(res.Items))
	for _, item := range res.Items {
		items = append(items, item.Rendered())
	}
	listJSON, _ := json.Marshal(items)

	if len(res.Failures) == 0 {
		return listJSON, nil, nil
	}
	failures := make([]rpcFail, 0, len(res.Failures))
	for _, f := range res.Failures {
		failures = append(failures, rpcFail{ServerID: f.ServerID, Message: f.Err.Error()})
	}
	meta := &rpcMeta{PartialFailure: res.PartialFailure(totalServers), Failures: failures}
	if len(res.Items) == 0 {
		return listJSON, meta, types.NewError(types.ErrMCP, "all servers failed").WithHTTPStatus(http.StatusBadGateway)
	}
	return listJSON, meta, nil
}

// rawBroadcast is the pre-namespacing fallback for methods with no per-item
// identity (initialize, ping, ...): fan out, concatenate raw results,
// surface partial failures the same way renderList does.
func rawBroadcast(ctx context.Context, gateway *mcpgateway.Gateway, session *mcpgateway.Session, method string, params json.RawMessage) (json.RawMessage, *rpcMeta, error) {
	results := gateway.Broadcast(ctx, session, method, params, mcpPerServerTimeout)

	merged := make([]json.RawMessage, 0, len(results))
	var failures []rpcFail
	for _, res := range results {
		if res.Err != nil {
			failures = append(failures, rpcFail{ServerID: res.ServerID, Message: res.Err.Error()})
			continue
		}
		merged = append(merged, res.Result)
	}
	mergedJSON, _ := json.Marshal(merged)
	if len(failures) == 0 {
		return mergedJSON, nil, nil
	}
	meta := &rpcMeta{PartialFailure: len(merged) > 0, Failures: failures}
	if len(merged) == 0 {
		return mergedJSON, meta, types.NewError(types.ErrMCP, "all servers failed").WithHTTPStatus(http.StatusBadGateway)
	}
	return mergedJSON, meta, nil
}

// HandleServer implements the single-backend surface: POST /mcp/{server_id}
// for a plain request/response, and GET /mcp/{server_id} with
// Accept: text/event-stream for the SSE transport variant.
func (h *MCPHandler) HandleServer(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.handleServerSSE(w, r)
		return
	}

	session, err := h.session(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	serverID := r.PathValue("server_id")

	var req rpcRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	result, err := h.gateway.CallServer(r.Context(), session, serverID, req.Method, req.Params)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// handleServerSSE holds the connection open, pushing a keepalive comment
// every 15s and closing cleanly when the client disconnects — this
// transport variant carries no request body of its own; the server's
// asynchronous responses/notifications arrive over it.
func (h *MCPHandler) handleServerSSE(w http.ResponseWriter, r *http.Request) {
	if _, err := h.session(r); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternal, "streaming not supported").WithHTTPStatus(http.StatusInternalServerError), h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleServerStream implements POST /mcp/{server_id}/stream, the
// streamable-HTTP variant: request body is newline-delimited JSON-RPC
// requests, response is one SSE frame per reply, in submission order.
func (h *MCPHandler) HandleServerStream(w http.ResponseWriter, r *http.Request) {
	session, err := h.session(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	serverID := r.PathValue("server_id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, types.NewError(types.ErrInternal, "streaming not supported").WithHTTPStatus(http.StatusInternalServerError), h.logger)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(r.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		result, callErr := h.gateway.CallServer(r.Context(), session, serverID, req.Method, req.Params)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		if callErr != nil {
			resp.Error = &rpcError{Code: -32000, Message: callErr.Error()}
		} else {
			resp.Result = result
		}
		w.Write([]byte("data: "))
		_ = json.NewEncoder(w).Encode(resp)
		w.Write([]byte("\n"))
		flusher.Flush()
	}
}

type elicitationResponseBody struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
}

// HandleElicitation implements POST /mcp/{server_id}/elicitation, forwarding
// the client's answer to a server-issued elicitation/create request.
func (h *MCPHandler) HandleElicitation(w http.ResponseWriter, r *http.Request) {
	session, err := h.session(r)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	serverID := r.PathValue("server_id")

	var body elicitationResponseBody
	if err := DecodeJSONBody(w, r, &body, h.logger); err != nil {
		return
	}

	if err := h.gateway.RespondElicitation(r.Context(), session, serverID, body.ID, body.Result); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
