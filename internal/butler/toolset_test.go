package butler

import (
	"context"
	"errors"
	"testing"
)

func TestToolset_RegisterAndCall(t *testing.T) {
	ts := NewToolset("general")
	ts.MustRegister("route.execute", HandlerFunc(func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"echo": args["prompt"]}, nil
	}))
	ts.MustRegister("status", HandlerFunc(func(context.Context, map[string]any) (any, error) {
		return "ok", nil
	}))

	got, err := ts.Call(context.Background(), "route.execute", map[string]any{"prompt": "hi"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if got.(map[string]any)["echo"] != "hi" {
		t.Fatalf("unexpected result %v", got)
	}

	tools := ts.Tools()
	if len(tools) != 2 || tools[0] != "route.execute" || tools[1] != "status" {
		t.Fatalf("tools = %v", tools)
	}
}

func TestToolset_UnknownToolAndDuplicates(t *testing.T) {
	ts := NewToolset("general")
	if _, err := ts.Call(context.Background(), "nope", nil); !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}

	h := HandlerFunc(func(context.Context, map[string]any) (any, error) { return nil, nil })
	if err := ts.Register("x", h); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := ts.Register("x", h); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := ts.Register(" ", h); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := ts.Register("y", nil); err == nil {
		t.Fatal("expected nil handler error")
	}
}

func TestToolset_NilArgsBecomeEmptyMap(t *testing.T) {
	ts := NewToolset("general")
	ts.MustRegister("count", HandlerFunc(func(_ context.Context, args map[string]any) (any, error) {
		return len(args), nil
	}))
	got, err := ts.Call(context.Background(), "count", nil)
	if err != nil || got.(int) != 0 {
		t.Fatalf("got %v err=%v", got, err)
	}
}
