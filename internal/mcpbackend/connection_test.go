package mcpbackend

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// loopbackTransport lets a test script scripted Recv() replies and capture
// Send() calls without any real process or socket.
type loopbackTransport struct {
	mu      sync.Mutex
	sent    []*Message
	inbox   chan *Message
	closed  bool
}

func newLoopbackTransport() *loopbackTransport {
	return &loopbackTransport{inbox: make(chan *Message, 16)}
}

func (t *loopbackTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
	return nil
}

func (t *loopbackTransport) Recv(ctx context.Context) (*Message, error) {
	select {
	case msg, ok := <-t.inbox:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *loopbackTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		close(t.inbox)
		t.closed = true
	}
	return nil
}

func newTestConnection(t *testing.T) (*Connection, *loopbackTransport) {
	transport := newLoopbackTransport()
	conn := &Connection{
		serverID: "srv-1",
		pending:  make(map[int64]chan *Message),
		stopCh:   make(chan struct{}),
		logger:   zap.NewNop(),
	}
	conn.transport = transport
	conn.connected = true
	go conn.readLoop(context.Background())
	t.Cleanup(func() { _ = conn.Close() })
	return conn, transport
}

func TestConnection_CallCorrelatesResponseByID(t *testing.T) {
	conn, transport := newTestConnection(t)

	resultCh := make(chan *Message, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := conn.Call(context.Background(), "tools/list", nil)
		resultCh <- resp
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1
	}, time.Second, 5*time.Millisecond)

	transport.mu.Lock()
	sentID := *transport.sent[0].ID
	transport.mu.Unlock()

	transport.inbox <- &Message{JSONRPC: "2.0", ID: &sentID, Result: json.RawMessage(`{"tools":[]}`)}

	require.NoError(t, <-errCh)
	resp := <-resultCh
	require.NotNil(t, resp)
	assert.JSONEq(t, `{"tools":[]}`, string(resp.Result))
}

func TestConnection_CallSurfacesRPCError(t *testing.T) {
	conn, transport := newTestConnection(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Call(context.Background(), "tools/call", nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return len(transport.sent) == 1
	}, time.Second, 5*time.Millisecond)

	transport.mu.Lock()
	sentID := *transport.sent[0].ID
	transport.mu.Unlock()

	transport.inbox <- &Message{JSONRPC: "2.0", ID: &sentID, Error: &RPCError{Code: -32000, Message: "boom"}}

	err := <-errCh
	require.Error(t, err)
}

func TestConnection_DispatchesNotificationsToHandler(t *testing.T) {
	var got string
	var mu sync.Mutex
	transport := newLoopbackTransport()
	conn := &Connection{
		serverID: "srv-1",
		pending:  make(map[int64]chan *Message),
		stopCh:   make(chan struct{}),
		logger:   zap.NewNop(),
		onNotify: func(serverID, method string, params []byte) {
			mu.Lock()
			got = method
			mu.Unlock()
		},
	}
	conn.transport = transport
	conn.connected = true
	go conn.readLoop(context.Background())
	t.Cleanup(func() { _ = conn.Close() })

	transport.inbox <- &Message{JSONRPC: "2.0", Method: "notifications/tools/list_changed"}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got == "notifications/tools/list_changed"
	}, time.Second, 5*time.Millisecond)
}
