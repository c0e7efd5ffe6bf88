package mcpbackend

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BaSui01/localrouter/internal/rconfig"
	"github.com/BaSui01/localrouter/types"
	"go.uber.org/zap"
)

const (
	maxReconnectBackoff = 30 * time.Second
	maxRetryBackoff     = 10 * time.Second
	defaultCallTimeout  = 30 * time.Second
)

// NotificationHandler receives unsolicited server-to-client messages
// (resources/updated, tools/list_changed, prompts/list_changed, ...).
type NotificationHandler func(serverID, method string, params []byte)

// Connection owns one backend MCP server's transport, reconnecting with
// capped exponential backoff and multiplexing concurrent calls by
// JSON-RPC id the way the teacher's DefaultMCPClient does with its pending
// map, generalised across all four transport kinds.
type Connection struct {
	serverID string
	cfg      rconfig.McpServerConfig
	onNotify NotificationHandler
	logger   *zap.Logger

	mu        sync.RWMutex
	transport Transport
	connected bool

	nextID  int64
	pending map[int64]chan *Message
	pendMu  sync.Mutex

	stopCh chan struct{}
}

func NewConnection(cfg rconfig.McpServerConfig, onNotify NotificationHandler, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		serverID: cfg.ID,
		cfg:      cfg,
		onNotify: onNotify,
		logger:   logger.With(zap.String("component", "mcpbackend"), zap.String("server", cfg.ID)),
		pending:  make(map[int64]chan *Message),
		stopCh:   make(chan struct{}),
	}
}

func (c *Connection) dial(ctx context.Context) (Transport, error) {
	switch c.cfg.Transport.Kind {
	case rconfig.TransportStdio:
		return newStdioTransport(ctx, c.cfg.Transport.Command, c.cfg.Transport.Args, c.cfg.Transport.Env)
	case rconfig.TransportWebSocket:
		return newWSTransport(ctx, c.cfg.Transport.URL, c.cfg.Transport.Headers, c.logger)
	case rconfig.TransportHTTPSSE, rconfig.TransportStreamableHTTP:
		return newHTTPTransport(ctx, c.cfg.Transport.URL, c.cfg.Transport.Headers, nil)
	default:
		return nil, types.NewError(types.ErrConfig, "unknown mcp transport kind")
	}
}

// Start dials the transport once and, on success, begins the reconnecting
// read loop. A failed first dial returns its error without retrying.
func (c *Connection) Start(ctx context.Context) error {
	t, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.transport = t
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(ctx)
	return nil
}

func (c *Connection) readLoop(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.mu.RLock()
		t := c.transport
		c.mu.RUnlock()
		if t == nil {
			return
		}

		msg, err := t.Recv(ctx)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				c.setConnected(false)
			}
			c.logger.Warn("mcp read failed, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
			c.setConnected(false)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			}
			backoff = nextBackoff(backoff, maxReconnectBackoff)
			newT, dialErr := c.dial(ctx)
			if dialErr != nil {
				continue
			}
			c.mu.Lock()
			c.transport = newT
			c.connected = true
			c.mu.Unlock()
			backoff = time.Second
			continue
		}
		backoff = time.Second
		c.dispatch(msg)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := time.Duration(math.Min(float64(cur)*2, float64(max)))
	return next
}

func (c *Connection) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Connection) dispatch(msg *Message) {
	if msg.IsResponse() {
		c.pendMu.Lock()
		ch, ok := c.pending[*msg.ID]
		c.pendMu.Unlock()
		if ok {
			ch <- msg
		}
		return
	}
	if msg.IsNotification() && c.onNotify != nil {
		c.onNotify(c.serverID, msg.Method, msg.Params)
	}
}

// Call sends a request and blocks for its correlated response, retrying the
// send on transport-level failure with its own capped backoff distinct
// from the connection-level reconnect backoff.
func (c *Connection) Call(ctx context.Context, method string, params any) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
	defer cancel()

	id := atomic.AddInt64(&c.nextID, 1)
	req, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	respCh := make(chan *Message, 1)
	c.pendMu.Lock()
	c.pending[id] = respCh
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	backoff := 200 * time.Millisecond
	var sendErr error
	for attempt := 0; attempt < 3; attempt++ {
		c.mu.RLock()
		t := c.transport
		c.mu.RUnlock()
		if t == nil {
			sendErr = types.NewError(types.ErrMCP, "connection not established")
			break
		}
		if sendErr = t.Send(ctx, req); sendErr == nil {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, types.NewError(types.ErrTimeout, "mcp call cancelled while retrying send").WithCause(ctx.Err())
		}
		backoff = nextBackoff(backoff, maxRetryBackoff)
	}
	if sendErr != nil {
		return nil, types.NewError(types.ErrMCP, "failed to send mcp request").WithCause(sendErr)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, types.NewError(types.ErrMCP, resp.Error.Message)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, types.NewError(types.ErrTimeout, "mcp call timed out").WithCause(ctx.Err())
	}
}

// Respond sends a client-originated reply to a request the server itself
// issued (e.g. an elicitation/create prompt), correlated by the id the
// server used — the reverse direction from Call, which never waits for a
// further reply.
func (c *Connection) Respond(ctx context.Context, id int64, result json.RawMessage, rpcErr *RPCError) error {
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t == nil {
		return types.NewError(types.ErrMCP, "connection not established")
	}
	msg := &Message{JSONRPC: "2.0", ID: &id, Result: result, Error: rpcErr}
	return t.Send(ctx, msg)
}

// Notify sends a fire-and-forget JSON-RPC notification (no id, no reply
// expected) — used for roots/list_changed acknowledgements and similar.
func (c *Connection) Notify(ctx context.Context, method string, params any) error {
	msg, err := newNotification(method, params)
	if err != nil {
		return err
	}
	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t == nil {
		return types.NewError(types.ErrMCP, "connection not established")
	}
	return t.Send(ctx, msg)
}

// Close stops the read loop and releases the transport.
func (c *Connection) Close() error {
	close(c.stopCh)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}
