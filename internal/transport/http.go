package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
)

const (
	maxResponseBytes = 4 << 20
	sessionHeader    = "Mcp-Session-Id"
)

// HTTPTransport posts each JSON-RPC frame to the endpoint and queues the
// answer (plain JSON or an SSE stream of frames) for Receive.
type HTTPTransport struct {
	endpoint string
	client   *http.Client
	header   http.Header

	mu        sync.Mutex
	sessionID string

	responses chan json.RawMessage
	closed    chan struct{}
	closeOnce sync.Once
}

func NewHTTPTransport(endpoint string, client *http.Client, header http.Header) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{
		endpoint:  endpoint,
		client:    client,
		header:    header.Clone(),
		responses: make(chan json.RawMessage, 64),
		closed:    make(chan struct{}),
	}
}

func (t *HTTPTransport) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case <-t.closed:
		return fmt.Errorf("http transport %s closed", t.endpoint)
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(msg))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range t.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
	body := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(body, 512))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEvents(ctx, body)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	return t.enqueue(ctx, raw)
}

// readEvents forwards the data payload of every SSE event.
func (t *HTTPTransport) readEvents(ctx context.Context, body io.Reader) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxResponseBytes)
	var data bytes.Buffer
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		frame := append(json.RawMessage(nil), data.Bytes()...)
		data.Reset()
		return t.enqueue(ctx, frame)
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return flush()
}

func (t *HTTPTransport) enqueue(ctx context.Context, frame json.RawMessage) error {
	select {
	case t.responses <- frame:
		return nil
	case <-t.closed:
		return fmt.Errorf("http transport %s closed", t.endpoint)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *HTTPTransport) Receive(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-t.responses:
		return msg, nil
	case <-t.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *HTTPTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}
