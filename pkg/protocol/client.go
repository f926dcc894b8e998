// Package protocol speaks JSON-RPC 2.0 to the tool server over a line-framed
// connection: handshake, correlation of responses to requests, tools/list
// and tools/call.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"shellrelay/pkg/transport"
)

const (
	DefaultProtocolVersion  = "2025-06-18"
	defaultHandshakeTimeout = 30 * time.Second
	defaultRequestTimeout   = 2 * time.Minute
	framePreviewLimit       = 200

	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodListTools   = "tools/list"
	methodCallTool    = "tools/call"
	methodPing        = "ping"
)

// Conn is a newline-framed duplex stream to the tool server.
type Conn interface {
	SendLine(frame []byte) error
	RecvLine(deadline time.Time) ([]byte, error)
	Close() error
}

// Dialer opens the connection for one session.
type Dialer func(ctx context.Context) (Conn, error)

// ProcessDialer launches the tool server described by spec for each session.
func ProcessDialer(spec transport.Spec, log *slog.Logger) Dialer {
	return func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		process, err := transport.Start(spec, log)
		if err != nil {
			return nil, err
		}
		return process, nil
	}
}

type Options struct {
	ClientName       string
	ClientVersion    string
	ProtocolVersion  string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
}

// Client is one protocol session. It is safe for concurrent use; requests
// are admitted one at a time in arrival order.
type Client struct {
	dial Dialer
	opts Options
	log  *slog.Logger

	gate chan struct{}

	mu      sync.Mutex
	state   State
	reason  error
	conn    Conn
	nextID  int64
	pending map[int64]chan *jsonrpc.Response
	server  *mcp.InitializeResult
	done    chan struct{}
}

func New(dial Dialer, opts Options, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if opts.ClientName == "" {
		opts.ClientName = "shellrelay"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "dev"
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	return &Client{
		dial:    dial,
		opts:    opts,
		log:     log.With("component", "protocol.client"),
		gate:    make(chan struct{}, 1),
		state:   StateUninitialized,
		pending: make(map[int64]chan *jsonrpc.Response),
		done:    make(chan struct{}),
	}
}

// Start opens the connection and performs the initialize handshake. Any
// failure leaves the client Failed.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUninitialized {
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "start", State: state}
	}
	c.state = StateHandshaking
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		failure := &TransportError{Err: err}
		c.fail(failure)
		return &HandshakeError{Err: failure}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	params := &mcp.InitializeParams{
		ProtocolVersion: c.opts.ProtocolVersion,
		ClientInfo:      &mcp.Implementation{Name: c.opts.ClientName, Version: c.opts.ClientVersion},
		Capabilities:    &mcp.ClientCapabilities{},
	}

	var result mcp.InitializeResult
	if err := c.call(ctx, methodInitialize, params, &result, c.opts.HandshakeTimeout, StateHandshaking); err != nil {
		c.fail(err)
		return &HandshakeError{Err: err}
	}

	if err := validateInitializeResult(&result); err != nil {
		c.fail(err)
		return &HandshakeError{Err: err}
	}

	if err := c.notify(conn, methodInitialized, &mcp.InitializedParams{}); err != nil {
		c.fail(err)
		return &HandshakeError{Err: err}
	}

	c.mu.Lock()
	if c.state != StateHandshaking {
		state, reason := c.state, c.reason
		c.mu.Unlock()
		return &HandshakeError{Err: &StateError{Op: "start", State: state, Cause: reason}}
	}
	c.state = StateReady
	c.server = &result
	c.mu.Unlock()

	serverName := ""
	if result.ServerInfo != nil {
		serverName = result.ServerInfo.Name
	}
	c.log.Info("Protocol session ready", "server", serverName, "protocol_version", result.ProtocolVersion)
	return nil
}

func validateInitializeResult(result *mcp.InitializeResult) error {
	if result.ProtocolVersion == "" {
		return &MalformedError{Reason: "initialize result: missing protocolVersion"}
	}
	if result.ServerInfo == nil || result.ServerInfo.Name == "" {
		return &MalformedError{Reason: "initialize result: missing serverInfo"}
	}
	return nil
}

// ListTools returns every tool the server advertises, following pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := c.acquire(ctx, "list tools"); err != nil {
		return nil, err
	}
	defer c.release()

	var tools []ToolDescriptor
	cursor := ""
	for {
		var result mcp.ListToolsResult
		params := &mcp.ListToolsParams{Cursor: cursor}
		if err := c.call(ctx, methodListTools, params, &result, c.opts.RequestTimeout, StateReady); err != nil {
			return nil, fmt.Errorf("list tools: %w", err)
		}

		for _, tool := range result.Tools {
			if tool == nil {
				continue
			}
			tools = append(tools, descriptorFromTool(tool))
		}

		if result.NextCursor == "" || result.NextCursor == cursor {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

// CallTool invokes one tool and decodes its command list.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (ToolCallResult, error) {
	if err := c.acquire(ctx, "call tool"); err != nil {
		return ToolCallResult{}, err
	}
	defer c.release()

	if arguments == nil {
		arguments = map[string]any{}
	}

	var result mcp.CallToolResult
	params := &mcp.CallToolParams{Name: name, Arguments: arguments}
	if err := c.call(ctx, methodCallTool, params, &result, c.opts.RequestTimeout, StateReady); err != nil {
		return ToolCallResult{}, fmt.Errorf("call tool %s: %w", name, err)
	}

	decoded, err := DecodeToolResult(&result)
	if err != nil {
		return ToolCallResult{}, fmt.Errorf("call tool %s: %w", name, err)
	}
	return decoded, nil
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the reason the session failed, if it did.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Done is closed when the session becomes Failed or Closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Requests is the number of requests issued so far in this session.
func (c *Client) Requests() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextID
}

// ServerInfo returns the implementation reported by the server during the handshake.
func (c *Client) ServerInfo() mcp.Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.server == nil || c.server.ServerInfo == nil {
		return mcp.Implementation{}
	}
	return *c.server.ServerInfo
}

// Close ends the session and stops the tool server. A Failed session stays Failed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	if c.state != StateFailed {
		c.state = StateClosed
		close(c.done)
	}
	conn := c.conn
	c.pending = make(map[int64]chan *jsonrpc.Response)
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) acquire(ctx context.Context, op string) error {
	select {
	case c.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return c.stateError(op)
	}
}

func (c *Client) release() {
	<-c.gate
}

func (c *Client) call(ctx context.Context, method string, params any, result any, timeout time.Duration, want State) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}

	c.mu.Lock()
	if c.state != want {
		c.mu.Unlock()
		return c.stateError(method)
	}
	c.nextID++
	id := c.nextID
	slot := make(chan *jsonrpc.Response, 1)
	c.pending[id] = slot
	conn := c.conn
	c.mu.Unlock()

	requestID, _ := jsonrpc.MakeID(float64(id))
	frame, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: requestID, Method: method, Params: raw})
	if err != nil {
		c.forget(id)
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	if err := conn.SendLine(frame); err != nil {
		c.forget(id)
		failure := &TransportError{Err: err}
		c.fail(failure)
		return failure
	}
	c.log.Debug("Request sent", "id", id, "method", method)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case response := <-slot:
		return decodeResponse(method, response, result)
	case <-timer.C:
		c.forget(id)
		c.log.Warn("Request timed out", "id", id, "method", method, "timeout", timeout)
		return fmt.Errorf("%s: %w", method, ErrTimeout)
	case <-c.done:
		select {
		case response := <-slot:
			return decodeResponse(method, response, result)
		default:
		}
		c.forget(id)
		return c.stateError(method)
	case <-ctx.Done():
		c.forget(id)
		return ctx.Err()
	}
}

func decodeResponse(method string, response *jsonrpc.Response, result any) error {
	if response.Error != nil {
		var wire *jsonrpc.Error
		if errors.As(response.Error, &wire) {
			return &RPCError{Code: wire.Code, Message: wire.Message}
		}
		return &RPCError{Message: response.Error.Error()}
	}

	if result == nil {
		return nil
	}
	if len(response.Result) == 0 || string(response.Result) == "null" {
		return &MalformedError{Reason: method + " result: empty"}
	}
	if err := json.Unmarshal(response.Result, result); err != nil {
		return &MalformedError{Reason: method + " result", Err: err}
	}
	return nil
}

func (c *Client) notify(conn Conn, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	frame, err := jsonrpc.EncodeMessage(&jsonrpc.Request{Method: method, Params: raw})
	if err != nil {
		return fmt.Errorf("encode %s notification: %w", method, err)
	}
	if err := conn.SendLine(frame); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

func (c *Client) readLoop(conn Conn) {
	for {
		line, err := conn.RecvLine(time.Time{})
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) {
				continue
			}
			c.fail(&TransportError{Err: err})
			return
		}
		c.dispatch(conn, line)
	}
}

func (c *Client) dispatch(conn Conn, line []byte) {
	msg, err := jsonrpc.DecodeMessage(line)
	if err != nil {
		if c.State() == StateHandshaking {
			c.fail(&MalformedError{Reason: "frame during handshake", Err: err})
			return
		}
		c.log.Warn("Dropping malformed frame", "error", err, "frame", preview(line))
		return
	}

	switch m := msg.(type) {
	case *jsonrpc.Response:
		c.deliver(m)
	case *jsonrpc.Request:
		c.answerServer(conn, m)
	}
}

func (c *Client) deliver(response *jsonrpc.Response) {
	id, numeric := response.ID.Raw().(int64)

	c.mu.Lock()
	slot, found := c.pending[id]
	if numeric && found {
		delete(c.pending, id)
	}
	issued := c.nextID
	c.mu.Unlock()

	if !numeric || !found {
		if numeric && id > 0 && id <= issued {
			c.log.Warn("Discarding response for expired request", "id", id)
			return
		}
		c.log.Warn("Dropping response with unknown id", "id", response.ID.Raw())
		return
	}

	slot <- response
}

func (c *Client) answerServer(conn Conn, request *jsonrpc.Request) {
	if !request.IsCall() {
		c.log.Debug("Server notification", "method", request.Method)
		return
	}

	response := &jsonrpc.Response{ID: request.ID}
	if request.Method == methodPing {
		response.Result = json.RawMessage(`{}`)
	} else {
		response.Error = &jsonrpc.Error{Code: jsonrpc.CodeMethodNotFound, Message: "method not supported by client: " + request.Method}
	}

	frame, err := jsonrpc.EncodeMessage(response)
	if err != nil {
		c.log.Error("Failed to encode reply to server request", "method", request.Method, "error", err)
		return
	}
	if err := conn.SendLine(frame); err != nil {
		c.log.Debug("Failed to reply to server request", "method", request.Method, "error", err)
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) fail(reason error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StateFailed
	c.reason = reason
	c.pending = make(map[int64]chan *jsonrpc.Response)
	close(c.done)
	conn := c.conn
	c.mu.Unlock()

	c.log.Error("Protocol session failed", "error", reason)
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) stateError(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &StateError{Op: op, State: c.state, Cause: c.reason}
}

func preview(line []byte) string {
	if len(line) <= framePreviewLimit {
		return string(line)
	}
	return string(line[:framePreviewLimit]) + "..."
}
