package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/BaSui01/localrouter/internal/auth"
	"github.com/BaSui01/localrouter/internal/mcpgateway"
	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/types"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

const (
	wsPingInterval = 30 * time.Second
	wsPingTimeout  = 10 * time.Second
)

// MCPWebSocketHandler serves GET /mcp/ws: a long-lived duplex connection
// that forwards the caller's session notifications and answers direct
// request/response calls over the same socket, with periodic ping/pong
// keepalive.
type MCPWebSocketHandler struct {
	gateway *mcpgateway.Gateway
	configs *rconfig.Store
	gate    auth.ApprovalGate
	logger  *zap.Logger
}

func NewMCPWebSocketHandler(gateway *mcpgateway.Gateway, configs *rconfig.Store, gate auth.ApprovalGate, logger *zap.Logger) *MCPWebSocketHandler {
	return &MCPWebSocketHandler{gateway: gateway, configs: configs, gate: gate, logger: logger}
}

type wsEnvelope struct {
	Type string          `json:"type"` // "request" | "response" | "notification" | "ping" | "pong"
	rpcRequest
	ServerID string `json:"server_id,omitempty"`
}

func (h *MCPWebSocketHandler) HandleWS(w http.ResponseWriter, r *http.Request) {
	client, ok := ClientFromContext(r.Context())
	if !ok {
		WriteError(w, types.NewError(types.ErrAuth, "invalid bearer token").WithHTTPStatus(http.StatusUnauthorized), h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closing")

	snap := h.configs.Current()
	allServerIDs := snap.EnabledMCPServerIDs()
	session := h.gateway.AcquireSessionForClient(client, allServerIDs)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.pumpNotifications(ctx, conn, client.ID)
	go h.pumpPings(ctx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case "pong":
			continue
		case "ping":
			h.writeJSON(ctx, conn, wsEnvelope{Type: "pong"})
		case "request":
			h.handleRequest(ctx, conn, session, client, allServerIDs, env)
		}
	}
}

func (h *MCPWebSocketHandler) handleRequest(ctx context.Context, conn *websocket.Conn, session *mcpgateway.Session, client *rconfig.Client, allServerIDs []string, env wsEnvelope) {
	var result json.RawMessage
	var meta *rpcMeta
	var callErr error
	if env.ServerID != "" {
		result, callErr = h.gateway.CallServer(ctx, session, env.ServerID, env.Method, env.Params)
	} else {
		result, meta, callErr = dispatchBroadcast(ctx, h.gateway, session, client, allServerIDs, h.gate, env.Method, env.Params)
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: env.ID, Meta: meta}
	if callErr != nil {
		resp.Error = &rpcError{Code: -32000, Message: callErr.Error()}
	} else {
		resp.Result = result
	}
	h.writeJSON(ctx, conn, struct {
		Type string `json:"type"`
		rpcResponse
	}{Type: "response", rpcResponse: resp})
}

// pumpNotifications relays the client's session notification stream onto
// the socket until ctx is cancelled.
func (h *MCPWebSocketHandler) pumpNotifications(ctx context.Context, conn *websocket.Conn, clientID string) {
	notifications := h.gateway.Notifications(clientID)
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-notifications:
			h.writeJSON(ctx, conn, struct {
				Type     string          `json:"type"`
				ServerID string          `json:"server_id"`
				Method   string          `json:"method"`
				Params   json.RawMessage `json:"params,omitempty"`
			}{Type: "notification", ServerID: n.ServerID, Method: n.Method, Params: n.Params})
		}
	}
}

// pumpPings keeps the connection alive and detects a dead peer early via
// the library's built-in ping/pong round trip.
func (h *MCPWebSocketHandler) pumpPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *MCPWebSocketHandler) writeJSON(ctx context.Context, conn *websocket.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		h.logger.Debug("websocket write failed", zap.Error(err))
	}
}
