// Package vmservice is a typed client for the VM service's WebSocket
// JSON-RPC surface.
package vmservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zjy-dev/vmcov/internal/logging"
)

// ErrConnectTimeout is returned when the service cannot be reached within
// the connect deadline.
var ErrConnectTimeout = errors.New("timed out connecting to VM service")

// connectRetryInterval is the delay between connection attempts.
const connectRetryInterval = 200 * time.Millisecond

// RPCError is a JSON-RPC error response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("vm service error %d: %s", e.Code, e.Message)
}

// SentinelError reports that an RPC returned a Sentinel instead of the
// requested object, typically because the isolate is shutting down.
type SentinelError struct {
	Kind  string `json:"kind"`
	Value string `json:"valueAsString"`
}

func (e *SentinelError) Error() string {
	return fmt.Sprintf("vm service sentinel %s: %s", e.Kind, e.Value)
}

// IsSentinel reports whether err is a stale-isolate sentinel response.
func IsSentinel(err error) bool {
	var se *SentinelError
	return errors.As(err, &se)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Client is a VM service connection. Safe for use from a single collection
// task; writes are serialized, responses are routed by request id.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan rpcResponse
	closed  bool
	done    chan struct{}
}

// NormalizeServiceURI rewrites an observatory-style HTTP URI into the
// WebSocket endpoint: scheme becomes ws/wss, trailing slashes are
// normalized, and a final "ws" path segment is appended unless the path
// already ends in one.
func NormalizeServiceURI(serviceURI string) (string, error) {
	u, err := url.Parse(serviceURI)
	if err != nil {
		return "", fmt.Errorf("failed to parse service URI: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported service URI scheme %q", u.Scheme)
	}
	path := strings.TrimRight(u.Path, "/")
	if !strings.HasSuffix(path, "/ws") {
		path += "/ws"
	}
	u.Path = path
	return u.String(), nil
}

// Connect dials the service and verifies it with a getVM probe, retrying
// every 200 ms until timeout elapses. Socket compression is disabled.
func Connect(ctx context.Context, serviceURI string, timeout time.Duration) (*Client, error) {
	wsURI, err := NormalizeServiceURI(serviceURI)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	dialer := websocket.Dialer{
		EnableCompression: false,
		HandshakeTimeout:  timeout,
	}

	var lastErr error
	for {
		conn, _, dialErr := dialer.DialContext(ctx, wsURI, nil)
		if dialErr == nil {
			client := newClient(conn)
			if _, probeErr := client.GetVM(ctx); probeErr == nil {
				return client, nil
			} else {
				lastErr = probeErr
				client.Close()
			}
		} else {
			lastErr = dialErr
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %s: %v", ErrConnectTimeout, timeout, lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectRetryInterval):
		}
	}
}

func newClient(conn *websocket.Conn) *Client {
	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan rpcResponse),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll()
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID == nil {
			// Stream notifications and unparseable frames are dropped.
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[*resp.ID]
		if ok {
			delete(c.pending, *resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) failAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
}

// Close releases the connection. Safe to call on every exit path.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.failAll()
	return err
}

func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	if params == nil {
		params = map[string]any{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("vm service connection closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		return errors.New("vm service connection closed")
	case resp, ok := <-ch:
		if !ok {
			return errors.New("vm service connection closed")
		}
		if resp.Error != nil {
			return resp.Error
		}
		return decodeResult(method, resp.Result, out)
	}
}

func decodeResult(method string, result json.RawMessage, out any) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(result, &probe); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if probe.Type == "Sentinel" {
		var se SentinelError
		if err := json.Unmarshal(result, &se); err != nil {
			return fmt.Errorf("failed to decode %s sentinel: %w", method, err)
		}
		return &se
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

// GetVersion fetches the service protocol version.
func (c *Client) GetVersion(ctx context.Context) (*Version, error) {
	var v Version
	if err := c.call(ctx, "getVersion", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVM fetches the top-level VM description.
func (c *Client) GetVM(ctx context.Context) (*VM, error) {
	var vm VM
	if err := c.call(ctx, "getVM", nil, &vm); err != nil {
		return nil, err
	}
	return &vm, nil
}

// GetIsolate fetches one isolate.
func (c *Client) GetIsolate(ctx context.Context, isolateID string) (*Isolate, error) {
	var iso Isolate
	if err := c.call(ctx, "getIsolate", map[string]any{"isolateId": isolateID}, &iso); err != nil {
		return nil, err
	}
	return &iso, nil
}

// GetIsolateGroup fetches one isolate group.
func (c *Client) GetIsolateGroup(ctx context.Context, groupID string) (*IsolateGroup, error) {
	var group IsolateGroup
	if err := c.call(ctx, "getIsolateGroup", map[string]any{"isolateGroupId": groupID}, &group); err != nil {
		return nil, err
	}
	return &group, nil
}

// GetScripts lists an isolate's scripts.
func (c *Client) GetScripts(ctx context.Context, isolateID string) (*ScriptList, error) {
	var list ScriptList
	if err := c.call(ctx, "getScripts", map[string]any{"isolateId": isolateID}, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// GetObject fetches an arbitrary object into out.
func (c *Client) GetObject(ctx context.Context, isolateID, objectID string, out any) error {
	params := map[string]any{"isolateId": isolateID, "objectId": objectID}
	return c.call(ctx, "getObject", params, out)
}

// GetSourceReport requests a source report for an isolate.
func (c *Client) GetSourceReport(ctx context.Context, isolateID string, req SourceReportRequest) (*SourceReport, error) {
	params := map[string]any{
		"isolateId": isolateID,
		"reports":   req.Reports,
	}
	if req.ForceCompile {
		params["forceCompile"] = true
	}
	if req.ReportLines {
		params["reportLines"] = true
	}
	if req.ScriptID != "" {
		params["scriptId"] = req.ScriptID
	}
	if req.LibraryFilters != nil {
		params["libraryFilters"] = req.LibraryFilters
	}
	if req.LibrariesAlreadyCompiled != nil {
		params["librariesAlreadyCompiled"] = req.LibrariesAlreadyCompiled
	}

	var report SourceReport
	if err := c.call(ctx, "getSourceReport", params, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Resume resumes a paused isolate.
func (c *Client) Resume(ctx context.Context, isolateID string) error {
	err := c.call(ctx, "resume", map[string]any{"isolateId": isolateID}, nil)
	if err != nil {
		logging.Debugf("resume %s failed: %v", isolateID, err)
	}
	return err
}
