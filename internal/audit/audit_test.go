package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/switchboard/internal/persistence"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "switchboard.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecord_WritesRowAndMirror(t *testing.T) {
	store := openStore(t)
	home := t.TempDir()
	rec, err := New(store, home, nil)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })
	ctx := context.Background()

	id := rec.Record(ctx, Entry{
		Action:    persistence.ActionCancelRequest,
		RequestID: "req-1",
		Operator:  "alice",
		Reason:    "customer asked, password=0123456789abcdef",
		Payload:   map[string]any{"request_id": "req-1"},
		Outcome:   persistence.OutcomeSuccess,
		Details:   map[string]any{"previous_state": "dispatched"},
	})
	if id == "" {
		t.Fatal("expected audit id")
	}

	rows, err := store.ListOperatorAudit(ctx, "req-1", 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("audit rows = %d err=%v", len(rows), err)
	}
	if rows[0].ID != id || rows[0].TargetTable != "message_inbox" || rows[0].Outcome != persistence.OutcomeSuccess {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
	if strings.Contains(rows[0].Reason, "0123456789abcdef") {
		t.Fatalf("reason not redacted: %q", rows[0].Reason)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	var mirrored map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &mirrored); err != nil {
		t.Fatalf("mirror line is not JSON: %v", err)
	}
	if mirrored["action"] != "cancel_request" || mirrored["operator"] != "alice" {
		t.Fatalf("unexpected mirror line: %v", mirrored)
	}
}

func TestRecord_FailOpen(t *testing.T) {
	store := openStore(t)
	rec, err := New(store, "", nil)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	// Missing reason violates the table constraint; Record must not panic or
	// surface the error.
	id := rec.Record(context.Background(), Entry{
		Action:    persistence.ActionAbortRequest,
		RequestID: "req-1",
		Operator:  "alice",
		Outcome:   persistence.OutcomeFailed,
	})
	if id != "" {
		t.Fatalf("expected empty id on failed write, got %q", id)
	}
	if rec.Failures() != 1 || rec.Recorded() != 0 {
		t.Fatalf("failures=%d recorded=%d", rec.Failures(), rec.Recorded())
	}
}

func TestRecord_AppendOnlyMirror(t *testing.T) {
	home := t.TempDir()
	rec, err := New(nil, home, nil)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	t.Cleanup(func() { _ = rec.Close() })
	path := filepath.Join(home, "logs", "audit.jsonl")

	rec.Record(context.Background(), Entry{Action: persistence.ActionAbortRequest, RequestID: "a", Operator: "op", Reason: "r", Outcome: persistence.OutcomeSuccess})
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	rec.Record(context.Background(), Entry{Action: persistence.ActionForceComplete, RequestID: "b", Operator: "op", Reason: "r", Outcome: persistence.OutcomeSuccess})
	info2, _ := os.Stat(path)
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected mirror to grow, before=%d after=%d", info1.Size(), info2.Size())
	}
}

func TestRecord_NilRecorderIsNoop(t *testing.T) {
	var rec *Recorder
	if id := rec.Record(context.Background(), Entry{}); id != "" {
		t.Fatalf("nil recorder returned %q", id)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
