// Package mcpbackend implements T: the connection manager that speaks
// JSON-RPC 2.0 to backend MCP servers over four transports (stdio child
// process, HTTP+SSE, WebSocket, streamable HTTP), multiplexing concurrent
// requests by id and dispatching unsolicited notifications to a handler.
package mcpbackend

import "encoding/json"

// Message is one JSON-RPC 2.0 envelope, request/response/notification all
// sharing one wire shape as the protocol allows.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func newRequest(id int64, method string, params any) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Message{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}, nil
}

func newNotification(method string, params any) (*Message, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Message{JSONRPC: "2.0", Method: method, Params: raw}, nil
}

// IsNotification reports whether m carries no id and no result/error — an
// unsolicited server-to-client message.
func (m *Message) IsNotification() bool {
	return m.ID == nil && m.Method != ""
}

// IsResponse reports whether m is a correlated reply to a prior request.
func (m *Message) IsResponse() bool {
	return m.ID != nil && m.Method == ""
}
