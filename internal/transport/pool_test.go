package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/basket/switchboard/internal/butler"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTool returns the text content of a tools/call answer and whether it is an error.
type fakeTool func(args map[string]any) (string, bool)

// answerRPC plays a minimal MCP butler. It returns nil for notifications.
func answerRPC(raw []byte, tools map[string]fakeTool) []byte {
	var req struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
		ID     int64           `json:"id"`
	}
	if err := json.Unmarshal(raw, &req); err != nil || req.ID == 0 {
		return nil
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch req.Method {
	case "initialize":
		resp["result"] = map[string]any{
			"protocolVersion": ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "fake", "version": "1"},
		}
	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		_ = json.Unmarshal(req.Params, &params)
		tool, ok := tools[params.Name]
		if !ok {
			resp["error"] = map[string]any{"code": -32602, "message": "unknown tool " + params.Name}
			break
		}
		text, isError := tool(params.Arguments)
		resp["result"] = map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
			"isError": isError,
		}
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	}
	b, _ := json.Marshal(resp)
	return b
}

func echoTools() map[string]fakeTool {
	return map[string]fakeTool{
		"route.execute": func(args map[string]any) (string, bool) {
			b, _ := json.Marshal(map[string]any{"echo": args["prompt"]})
			return string(b), false
		},
		"fail": func(map[string]any) (string, bool) { return "downstream exploded", true },
	}
}

func newHTTPButler(t *testing.T, sse bool) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var inits atomic.Int32
	tools := echoTools()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if strings.Contains(string(raw), `"initialize"`) {
			inits.Add(1)
			w.Header().Set(sessionHeader, "sess-1")
		} else if r.Header.Get(sessionHeader) != "sess-1" {
			http.Error(w, "missing session", http.StatusBadRequest)
			return
		}
		out := answerRPC(raw, tools)
		if out == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if sse {
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", out)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
	}))
	t.Cleanup(srv.Close)
	return srv, &inits
}

func TestPool_HTTPEndpoint(t *testing.T) {
	for _, sse := range []bool{false, true} {
		t.Run(fmt.Sprintf("sse=%v", sse), func(t *testing.T) {
			srv, inits := newHTTPButler(t, sse)
			pool := NewPool(PoolOptions{Logger: testLogger()})
			defer pool.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for i := 0; i < 2; i++ {
				got, err := pool.CallTool(ctx, srv.URL, "route.execute", map[string]any{"prompt": "hi"})
				if err != nil {
					t.Fatalf("call %d: %v", i, err)
				}
				if got.(map[string]any)["echo"] != "hi" {
					t.Fatalf("unexpected result %v", got)
				}
			}
			if inits.Load() != 1 {
				t.Fatalf("expected one cached client, saw %d initialize calls", inits.Load())
			}

			_, err := pool.CallTool(ctx, srv.URL, "fail", nil)
			if ClassOf(err) != "ToolError" || !strings.Contains(err.Error(), "downstream exploded") {
				t.Fatalf("expected ToolError, got %v", err)
			}
			health := pool.Health()
			if len(health) != 1 || !health[0].Healthy {
				t.Fatalf("tool errors must not mark the endpoint unhealthy: %+v", health)
			}
		})
	}
}

func TestPool_HTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	pool := NewPool(PoolOptions{Logger: testLogger()})
	defer pool.Close()
	_, err := pool.CallTool(context.Background(), srv.URL, "route.execute", nil)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected HTTPError 502, got %v", err)
	}
	health := pool.Health()
	if len(health) != 1 || health[0].Healthy || health[0].LastError == "" {
		t.Fatalf("unexpected health %+v", health)
	}
}

func TestPool_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	pool := NewPool(PoolOptions{Logger: testLogger()})
	defer pool.Close()
	_, err := pool.CallTool(context.Background(), url, "route.execute", nil)
	if ClassOf(err) != "ConnectionError" {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestPool_WebSocketEndpoint(t *testing.T) {
	tools := echoTools()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"mcp"}})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			_, raw, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if out := answerRPC(raw, tools); out != nil {
				if err := conn.Write(r.Context(), websocket.MessageText, out); err != nil {
					return
				}
			}
		}
	}))
	defer srv.Close()

	pool := NewPool(PoolOptions{Logger: testLogger()})
	defer pool.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	got, err := pool.CallTool(ctx, endpoint, "route.execute", map[string]any{"prompt": "over ws"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got.(map[string]any)["echo"] != "over ws" {
		t.Fatalf("unexpected result %v", got)
	}
	_, err = pool.CallTool(ctx, endpoint, "missing", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError for unknown tool, got %v", err)
	}
}

func TestPool_LocalEndpoint(t *testing.T) {
	ts := butler.NewToolset("general")
	ts.MustRegister("route.execute", butler.HandlerFunc(func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"echo": args["prompt"]}, nil
	}))
	ts.MustRegister("boom", butler.HandlerFunc(func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("kaboom")
	}))
	ts.MustRegister("slow", butler.HandlerFunc(func(ctx context.Context, _ map[string]any) (any, error) {
		time.Sleep(time.Second)
		return "late", nil
	}))
	local := NewLocal()
	local.Mount(ts)

	pool := NewPool(PoolOptions{Logger: testLogger(), Local: local})
	defer pool.Close()
	ctx := context.Background()

	got, err := pool.CallTool(ctx, Endpoint("general"), "route.execute", map[string]any{"prompt": "hi"})
	if err != nil || got.(map[string]any)["echo"] != "hi" {
		t.Fatalf("local call = %v err=%v", got, err)
	}

	_, err = pool.CallTool(ctx, Endpoint("general"), "boom", nil)
	if ClassOf(err) != "ToolError" || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("expected ToolError, got %v", err)
	}
	_, err = pool.CallTool(ctx, Endpoint("general"), "nope", nil)
	if !errors.Is(err, butler.ErrUnknownTool) {
		t.Fatalf("expected unknown tool, got %v", err)
	}
	_, err = pool.CallTool(ctx, Endpoint("ghost"), "route.execute", nil)
	if ClassOf(err) != "ConnectionError" {
		t.Fatalf("expected ConnectionError for unmounted toolset, got %v", err)
	}

	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = pool.CallTool(tctx, Endpoint("general"), "slow", nil)
	if ClassOf(err) != "TimeoutError" {
		t.Fatalf("expected TimeoutError, got %v", err)
	}

	if mounted := local.Mounted(); len(mounted) != 1 || mounted[0] != "general" {
		t.Fatalf("mounted = %v", mounted)
	}
	local.Unmount("general")
	if _, err := pool.CallTool(ctx, Endpoint("general"), "route.execute", nil); ClassOf(err) != "ConnectionError" {
		t.Fatalf("expected ConnectionError after unmount, got %v", err)
	}
}

func TestPool_UnsupportedSchemeAndClose(t *testing.T) {
	pool := NewPool(PoolOptions{Logger: testLogger()})
	_, err := pool.CallTool(context.Background(), "gopher://old", "x", nil)
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("expected ErrUnsupportedScheme, got %v", err)
	}
	_, err = pool.CallTool(context.Background(), "local://general", "x", nil)
	if !errors.Is(err, ErrUnsupportedScheme) {
		t.Fatalf("pool without Local must reject local://, got %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := pool.CallTool(context.Background(), "http://127.0.0.1:1/mcp", "x", nil); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

func TestPool_EvictsDeadClient(t *testing.T) {
	var dials atomic.Int32
	var current *MockTransport
	pool := NewPool(PoolOptions{
		Logger:      testLogger(),
		InitTimeout: time.Second,
		Dial: func(ctx context.Context, endpoint string) (Transport, error) {
			dials.Add(1)
			m := NewMockTransport()
			current = m
			go func() {
				for msg := range m.Out {
					if out := answerRPC(msg, echoTools()); out != nil {
						m.In <- out
					}
				}
			}()
			return m, nil
		},
	})
	defer pool.Close()
	ctx := context.Background()

	if _, err := pool.CallTool(ctx, "mock://svc", "route.execute", nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	current.Drop()
	// Wait for the receive loop to notice the drop.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		pool.mu.Lock()
		c := pool.clients["mock://svc"]
		pool.mu.Unlock()
		if c != nil && !c.Alive() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := pool.CallTool(ctx, "mock://svc", "route.execute", nil); err != nil {
		t.Fatalf("call after drop: %v", err)
	}
	if dials.Load() != 2 {
		t.Fatalf("expected a redial, got %d dials", dials.Load())
	}
}
