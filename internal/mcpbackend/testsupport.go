package mcpbackend

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

// FakeTransport is an in-memory Transport double letting other packages'
// tests (mcpgateway's namespacing/merge/routing suite, in particular) drive
// a real *Connection without a child process or socket.
type FakeTransport struct {
	mu     sync.Mutex
	Sent   []*Message
	inbox  chan *Message
	closed bool
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{inbox: make(chan *Message, 32)}
}

func (t *FakeTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	t.Sent = append(t.Sent, msg)
	t.mu.Unlock()
	return nil
}

func (t *FakeTransport) Recv(ctx context.Context) (*Message, error) {
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

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		close(t.inbox)
		t.closed = true
	}
	return nil
}

// Push delivers msg to the connection's read loop as if it arrived on the
// wire, correlating by id() if the caller stamped one.
func (t *FakeTransport) Push(msg *Message) { t.inbox <- msg }

// LastSent returns the most recently sent message, or nil if none yet.
func (t *FakeTransport) LastSent() *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Sent) == 0 {
		return nil
	}
	return t.Sent[len(t.Sent)-1]
}

// NewFakeConnection wires a Connection to an in-memory FakeTransport and
// starts its read loop, for other packages' tests that need a live
// *Connection without a real backend process.
func NewFakeConnection(ctx context.Context, serverID string) (*Connection, *FakeTransport) {
	transport := NewFakeTransport()
	conn := &Connection{
		serverID: serverID,
		pending:  make(map[int64]chan *Message),
		stopCh:   make(chan struct{}),
		logger:   zap.NewNop(),
	}
	conn.transport = transport
	conn.connected = true
	go conn.readLoop(ctx)
	return conn, transport
}

// RegisterForTest installs conn under serverID, bypassing Connect's real
// dial — for other packages' tests that need a populated Manager without a
// live backend process.
func (m *Manager) RegisterForTest(serverID string, conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[serverID] = conn
}
