package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// ProtocolVersion is the MCP revision announced during Initialize.
const ProtocolVersion = "2024-11-05"

// Transport moves JSON-RPC frames to and from one butler endpoint.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) error
	Receive(ctx context.Context) (json.RawMessage, error)
	Close() error
}

// Client is an MCP JSON-RPC client bound to one endpoint.
type Client struct {
	endpoint  string
	transport Transport
	nextID    int64

	pendingMu sync.Mutex
	pending   map[int64]chan jsonRPCResponse

	done    chan struct{}
	doneErr error
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

// Tool is one entry of a tools/list answer.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type toolCallResult struct {
	Content           []contentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func NewClient(endpoint string, transport Transport) *Client {
	c := &Client{
		endpoint:  endpoint,
		transport: transport,
		pending:   make(map[int64]chan jsonRPCResponse),
		done:      make(chan struct{}),
	}
	go c.listen()
	return c
}

// Alive reports whether the receive loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Client) listen() {
	for {
		msg, err := c.transport.Receive(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.pendingMu.Lock()
			c.doneErr = err
			c.pendingMu.Unlock()
			close(c.done)
			return
		}

		var resp jsonRPCResponse
		if err := json.Unmarshal(msg, &resp); err != nil {
			continue
		}
		// Server-initiated notifications carry no id.
		if resp.ID == 0 {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
			ch <- resp
		}
		c.pendingMu.Unlock()
	}
}

func (c *Client) forget(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.Alive() {
		return nil, c.linkError()
	}
	id := atomic.AddInt64(&c.nextID, 1)

	var paramsJSON json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsJSON = b
	}
	b, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: method, Params: paramsJSON, ID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := make(chan jsonRPCResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.transport.Send(ctx, b); err != nil {
		c.forget(id)
		return nil, asConnectionError(c.endpoint, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	case <-c.done:
		c.forget(id)
		return nil, c.linkError()
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (c *Client) linkError() error {
	c.pendingMu.Lock()
	err := c.doneErr
	c.pendingMu.Unlock()
	if err == nil {
		err = errors.New("client closed")
	}
	return &ConnectionError{Endpoint: c.endpoint, Err: err}
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    "switchboard",
			"version": "0.3.0",
		},
	}
	if _, err := c.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize %s: %w", c.endpoint, err)
	}

	b, _ := json.Marshal(jsonRPCNotification{JSONRPC: "2.0", Method: "notifications/initialized"})
	if err := c.transport.Send(ctx, b); err != nil {
		return fmt.Errorf("send initialized notification: %w", asConnectionError(c.endpoint, err))
	}
	return nil
}

// ListTools calls tools/list.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(res, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool calls tools/call and decodes the result. An isError result
// becomes a *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	return decodeToolResult(name, res)
}

func (c *Client) Close() error {
	return c.transport.Close()
}

func decodeToolResult(tool string, raw json.RawMessage) (any, error) {
	var res toolCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	texts := make([]string, 0, len(res.Content))
	for _, block := range res.Content {
		if block.Type == "text" {
			texts = append(texts, block.Text)
		}
	}
	if res.IsError {
		return nil, &ToolError{Tool: tool, Message: strings.Join(texts, "\n")}
	}

	if len(res.StructuredContent) > 0 && !bytes.Equal(res.StructuredContent, []byte("null")) {
		var out any
		if err := json.Unmarshal(res.StructuredContent, &out); err != nil {
			return nil, fmt.Errorf("decode structured content: %w", err)
		}
		return out, nil
	}
	switch len(texts) {
	case 0:
		if len(res.Content) == 0 {
			// Not an MCP content envelope; hand back the raw result.
			var out any
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, fmt.Errorf("decode result: %w", err)
			}
			return out, nil
		}
		return nil, nil
	case 1:
		return decodeText(texts[0]), nil
	default:
		return strings.Join(texts, "\n"), nil
	}
}

// decodeText returns JSON objects and arrays decoded, other text as-is.
func decodeText(text string) any {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var out any
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out
		}
	}
	return text
}
