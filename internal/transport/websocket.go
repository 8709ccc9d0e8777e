package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocketTransport carries one JSON-RPC frame per text message.
type WebSocketTransport struct {
	endpoint string
	conn     *websocket.Conn
}

// DialWebSocket opens a websocket to a ws:// or wss:// butler endpoint.
func DialWebSocket(ctx context.Context, endpoint string, header http.Header) (*WebSocketTransport, error) {
	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{"mcp"},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	conn.SetReadLimit(maxResponseBytes)
	return &WebSocketTransport{endpoint: endpoint, conn: conn}, nil
}

func (t *WebSocketTransport) Send(ctx context.Context, msg json.RawMessage) error {
	return t.conn.Write(ctx, websocket.MessageText, msg)
}

func (t *WebSocketTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	_, data, err := t.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (t *WebSocketTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "")
}
