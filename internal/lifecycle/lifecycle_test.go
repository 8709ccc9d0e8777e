package lifecycle_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/basket/switchboard/internal/lifecycle"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/shared"
)

func newManager(t *testing.T) (*lifecycle.Manager, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "switchboard.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return lifecycle.New(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestAccept_NormalizesAndStoresContext(t *testing.T) {
	m, _ := newManager(t)
	ctx := shared.WithTraceID(context.Background(), "trace-abc")

	msg, err := m.Accept(ctx, lifecycle.Inbound{
		Channel: "telegram",
		Sender:  "u-42",
		Text:    "  remind me\n to   water the plants ",
		Context: map[string]any{"locale": "en"},
	})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if msg.NormalizedText != "remind me to water the plants" {
		t.Fatalf("normalized text = %q", msg.NormalizedText)
	}
	if msg.LifecycleState != persistence.StateAccepted || msg.TraceID != "trace-abc" || msg.ID == "" {
		t.Fatalf("unexpected message %+v", msg)
	}
	stored, err := m.Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var channel, locale string
	if ok, _ := stored.ContextValue("channel", &channel); !ok || channel != "telegram" {
		t.Fatalf("channel = %q", channel)
	}
	if ok, _ := stored.ContextValue("locale", &locale); !ok || locale != "en" {
		t.Fatalf("locale = %q", locale)
	}
	var raw map[string]string
	if err := json.Unmarshal(stored.RawPayload, &raw); err != nil || raw["text"] == "" {
		t.Fatalf("raw payload = %s", stored.RawPayload)
	}

	if _, err := m.Accept(ctx, lifecycle.Inbound{Text: "   "}); err == nil {
		t.Fatal("expected empty text to be rejected")
	}
}

func TestLifecycle_HappyPath(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	msg, err := m.Accept(ctx, lifecycle.Inbound{ID: "req-1", Channel: "api", Text: "hi"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}

	if _, err := m.MarkDecomposed(ctx, msg.ID, []map[string]string{{"target_butler": "general", "prompt": "hi"}}); err != nil {
		t.Fatalf("decompose: %v", err)
	}
	dispatched, err := m.MarkDispatched(ctx, msg.ID, map[string]any{"targets": []string{"general"}, "success": true})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if dispatched.FinalStateAt != nil {
		t.Fatal("dispatched must not carry final_state_at")
	}
	done, err := m.Complete(ctx, msg.ID, "general: ok")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.LifecycleState != persistence.StateCompleted || done.FinalStateAt == nil || done.ResponseSummary != "general: ok" {
		t.Fatalf("unexpected completed message %+v", done)
	}
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	msg, _ := m.Accept(ctx, lifecycle.Inbound{ID: "req-1", Text: "hi"})

	if _, err := m.MarkDispatched(ctx, msg.ID, map[string]any{}); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("accepted -> dispatched = %v", err)
	}
	if _, err := m.Complete(ctx, msg.ID, "x"); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("accepted -> completed = %v", err)
	}
	if _, err := m.Complete(ctx, "missing", "x"); !errors.Is(err, lifecycle.ErrRequestNotFound) {
		t.Fatalf("complete missing = %v", err)
	}

	failed, err := m.Fail(ctx, msg.ID, "planner returned no targets")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.FinalStateAt == nil {
		t.Fatal("failed must set final_state_at")
	}
	var meta map[string]any
	_ = json.Unmarshal(failed.ProcessingMetadata, &meta)
	if meta["failure_reason"] != "planner returned no targets" || meta["previous_state"] != "accepted" {
		t.Fatalf("processing metadata = %v", meta)
	}
	if _, err := m.Fail(ctx, msg.ID, "again"); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Fatalf("failed -> failed = %v", err)
	}
}

func TestAllowed(t *testing.T) {
	cases := []struct {
		from, to persistence.LifecycleState
		want     bool
	}{
		{persistence.StateAccepted, persistence.StateDecomposed, true},
		{persistence.StateRerouted, persistence.StateDispatched, true},
		{persistence.StateDispatched, persistence.StateCompleted, true},
		{persistence.StateCompleted, persistence.StateDispatched, false},
		{persistence.StateAccepted, persistence.StateCompleted, false},
		{persistence.StateRerouted, persistence.StateCompleted, false},
	}
	for _, tc := range cases {
		if got := lifecycle.Allowed(tc.from, tc.to); got != tc.want {
			t.Errorf("Allowed(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
