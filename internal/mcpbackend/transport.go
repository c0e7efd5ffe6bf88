package mcpbackend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Transport is the wire-level send/receive surface a Connection drives; one
// implementation per configured transport kind (stdio, http_sse, websocket,
// streamable_http).
type Transport interface {
	// Send writes one framed JSON-RPC message.
	Send(ctx context.Context, msg *Message) error
	// Recv blocks for the next framed message, or returns io.EOF when the
	// peer closed cleanly.
	Recv(ctx context.Context) (*Message, error)
	Close() error
}

// stdioTransport frames messages over a child process's stdin/stdout using
// Content-Length headers, the same framing the teacher's DefaultMCPClient
// uses for its reader/writer pair.
type stdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
}

func newStdioTransport(ctx context.Context, command string, args []string, env map[string]string) (*stdioTransport, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &stdioTransport{cmd: cmd, stdin: stdin, reader: bufio.NewReader(stdout)}, nil
}

func (t *stdioTransport) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(body))
	if _, err := t.stdin.Write([]byte(header)); err != nil {
		return err
	}
	_, err = t.stdin.Write(body)
	return err
}

func (t *stdioTransport) Recv(ctx context.Context) (*Message, error) {
	var contentLength int
	for {
		line, err := t.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == "\r\n" || line == "\n" {
			break
		}
		fmt.Sscanf(line, "Content-Length: %d", &contentLength)
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (t *stdioTransport) Close() error {
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return t.cmd.Wait()
}

// wsTransport speaks JSON-RPC as one message per WebSocket text frame.
type wsTransport struct {
	conn *websocket.Conn
}

func newWSTransport(ctx context.Context, url string, headers map[string]string, logger *zap.Logger) (*wsTransport, error) {
	hdr := http.Header{}
	for k, v := range headers {
		hdr.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: hdr})
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

func (t *wsTransport) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return t.conn.Write(ctx, websocket.MessageText, body)
}

func (t *wsTransport) Recv(ctx context.Context) (*Message, error) {
	_, body, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "done")
}

// httpTransport covers both http_sse (request/response POST + an SSE
// channel for server-initiated notifications) and streamable_http (a
// single chunked POST response carrying both): the distinction is opaque
// to Connection, which only needs Send/Recv.
type httpTransport struct {
	url     string
	headers map[string]string
	client  *http.Client

	sseResp   *http.Response
	sseReader *bufio.Reader
}

func newHTTPTransport(ctx context.Context, url string, headers map[string]string, client *http.Client) (*httpTransport, error) {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	t := &httpTransport{url: url, headers: headers, client: client}
	if err := t.openEventStream(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *httpTransport) openEventStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	t.sseResp = resp
	t.sseReader = bufio.NewReader(resp.Body)
	return nil
}

func (t *httpTransport) Send(ctx context.Context, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mcp backend returned status %d", resp.StatusCode)
	}
	return nil
}

func (t *httpTransport) Recv(ctx context.Context) (*Message, error) {
	for {
		line, err := t.sseReader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if len(line) < 6 || line[:5] != "data:" {
			continue
		}
		payload := line[5:]
		if len(payload) > 0 && payload[0] == ' ' {
			payload = payload[1:]
		}
		var msg Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			continue
		}
		return &msg, nil
	}
}

func (t *httpTransport) Close() error {
	if t.sseResp != nil {
		return t.sseResp.Body.Close()
	}
	return nil
}
