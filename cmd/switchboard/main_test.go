package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/basket/switchboard/internal/config"
	"github.com/basket/switchboard/internal/coordinator"
	"github.com/basket/switchboard/internal/deadletter"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/registry"
)

// run executes the CLI against home and returns stdout.
func run(t *testing.T, home string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(&rootOptions{logWriter: io.Discard})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--home", home, "--operator", "tester"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, home string, args ...string) string {
	t.Helper()
	out, err := run(t, home, args...)
	if err != nil {
		t.Fatalf("switchboard %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func writeDeclaration(t *testing.T, home, name, endpoint string) {
	t.Helper()
	dir := filepath.Join(home, config.DefaultRosterDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	body := "name = \"" + name + "\"\nendpoint_url = \"" + endpoint + "\"\nliveness_ttl_seconds = 120\n"
	if err := os.WriteFile(filepath.Join(dir, registry.DeclarationFile), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestConfigSetAndShow(t *testing.T) {
	home := t.TempDir()
	mustRun(t, home, "config", "set", "pipeline.max_attempts", "4")

	out := mustRun(t, home, "--json", "config", "show")
	var shown struct {
		Home        string        `json:"home"`
		Fingerprint string        `json:"fingerprint"`
		Config      config.Config `json:"config"`
	}
	if err := json.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if shown.Config.Pipeline.MaxAttempts != 4 {
		t.Fatalf("max_attempts = %d, want 4", shown.Config.Pipeline.MaxAttempts)
	}
	if shown.Home != home || shown.Fingerprint == "" {
		t.Fatalf("unexpected header: %+v", shown)
	}

	if _, err := run(t, home, "config", "set", "fanout.mode", "sideways"); err == nil {
		t.Fatal("expected invalid fanout mode to be rejected")
	}
}

func TestButlerLifecycleCommands(t *testing.T) {
	home := t.TempDir()
	writeDeclaration(t, home, "health", "http://127.0.0.1:8103/mcp")

	out := mustRun(t, home, "butler", "discover")
	if !strings.Contains(out, "health") {
		t.Fatalf("discover output missing butler:\n%s", out)
	}

	var statuses []registry.Status
	out = mustRun(t, home, "--json", "butler", "list")
	if err := json.Unmarshal([]byte(out), &statuses); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(statuses) != 1 || statuses[0].Name != "health" {
		t.Fatalf("statuses = %+v", statuses)
	}
	if statuses[0].LivenessTTLSeconds != 120 {
		t.Fatalf("ttl = %d, want 120", statuses[0].LivenessTTLSeconds)
	}

	mustRun(t, home, "butler", "quarantine", "health", "--reason", "manual_hold")
	out = mustRun(t, home, "--json", "butler", "list", "--routable")
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("quarantined butler listed as routable:\n%s", out)
	}

	mustRun(t, home, "butler", "release", "health")

	var transitions []persistence.EligibilityTransition
	out = mustRun(t, home, "--json", "butler", "transitions", "health")
	if err := json.Unmarshal([]byte(out), &transitions); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(transitions) < 2 {
		t.Fatalf("transitions = %+v, want quarantine and release", transitions)
	}
}

func TestRequestFailureFlowsToDeadLetterAndReplay(t *testing.T) {
	home := t.TempDir()
	mustRun(t, home, "config", "set", "pipeline.max_attempts", "1")
	mustRun(t, home, "config", "set", "planner.default_target", "ghost")
	writeDeclaration(t, home, "ghost", "local://ghost")
	mustRun(t, home, "butler", "discover")

	var outcome coordinator.Outcome
	out := mustRun(t, home, "--json", "request", "submit", "remind", "me", "at", "noon")
	if err := json.Unmarshal([]byte(out), &outcome); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if outcome.State != persistence.StateFailed || outcome.DeadLetterID == "" {
		t.Fatalf("outcome = %+v, want failed with dead letter", outcome)
	}

	var entries []persistence.DeadLetterEntry
	out = mustRun(t, home, "--json", "dlq", "list")
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(entries) != 1 || entries[0].OriginalRequestID != outcome.RequestID {
		t.Fatalf("entries = %+v", entries)
	}

	if _, err := run(t, home, "dlq", "replay", entries[0].ID); err == nil {
		t.Fatal("expected replay without a reason to fail")
	}

	var replay deadletter.ReplayResult
	out = mustRun(t, home, "--json", "dlq", "replay", entries[0].ID, "--reason", "endpoint fixed")
	if err := json.Unmarshal([]byte(out), &replay); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if !replay.Success || replay.ReplayedRequestID == "" {
		t.Fatalf("replay = %+v", replay)
	}

	// The replayed request is accepted and can be cancelled.
	mustRun(t, home, "request", "cancel", replay.ReplayedRequestID, "--reason", "not needed")
	var detail struct {
		LifecycleState persistence.LifecycleState        `json:"lifecycle_state"`
		Audit          []persistence.OperatorAuditEntry `json:"audit"`
	}
	out = mustRun(t, home, "--json", "request", "show", replay.ReplayedRequestID)
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if detail.LifecycleState != persistence.StateCancelled {
		t.Fatalf("state = %s, want cancelled", detail.LifecycleState)
	}
	if len(detail.Audit) == 0 {
		t.Fatal("expected an audit entry for the cancel")
	}

	if _, err := run(t, home, "request", "cancel", replay.ReplayedRequestID, "--reason", "again"); err == nil {
		t.Fatal("expected cancel of a cancelled request to fail")
	}
}

func TestRouteUnknownButler(t *testing.T) {
	home := t.TempDir()
	if _, err := run(t, home, "route", "nobody", "--tool", "ping"); err == nil {
		t.Fatal("expected route to an unregistered butler to fail")
	}
}

func TestParseToolArgs(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{name: "empty", want: map[string]any{}},
		{name: "pairs", pairs: []string{"a=1", "b=x=y"}, want: map[string]any{"a": "1", "b": "x=y"}},
		{name: "json", raw: `{"n":2}`, want: map[string]any{"n": float64(2)}},
		{name: "pair overrides json", raw: `{"n":2}`, pairs: []string{"n=3"}, want: map[string]any{"n": "3"}},
		{name: "bad pair", pairs: []string{"novalue"}, wantErr: true},
		{name: "bad json", raw: `{`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseToolArgs(tc.raw, tc.pairs)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseToolArgs: %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestReloader_RosterEventRediscovers(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	a, err := openApp(context.Background(), cfg, appOptions{logWriter: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	rl := &reloader{app: a, home: home, fingerprint: cfg.Fingerprint(), logger: a.logger}
	writeDeclaration(t, home, "finance", "http://127.0.0.1:8104/mcp")
	rl.handle(context.Background(), config.ReloadEvent{Kind: config.ReloadRoster})

	if _, err := a.registry.Get(context.Background(), "finance"); err != nil {
		t.Fatalf("finance not registered after roster event: %v", err)
	}
}

func TestReloader_ConfigEventMovesRoster(t *testing.T) {
	home := t.TempDir()
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	a, err := openApp(context.Background(), cfg, appOptions{logWriter: io.Discard})
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	rl := &reloader{app: a, home: home, fingerprint: cfg.Fingerprint(), logger: a.logger}

	alt := filepath.Join(home, "alt")
	if err := os.MkdirAll(filepath.Join(alt, "travel"), 0o755); err != nil {
		t.Fatal(err)
	}
	body := "name = \"travel\"\nendpoint_url = \"http://127.0.0.1:8105/mcp\"\n"
	if err := os.WriteFile(filepath.Join(alt, "travel", registry.DeclarationFile), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := config.Set(home, "roster_dir", "alt"); err != nil {
		t.Fatal(err)
	}
	rl.handle(context.Background(), config.ReloadEvent{Kind: config.ReloadConfig})

	if got := a.registry.RosterDir(); got != alt {
		t.Fatalf("roster dir = %q, want %q", got, alt)
	}
	if _, err := a.registry.Get(context.Background(), "travel"); err != nil {
		t.Fatalf("travel not registered after config event: %v", err)
	}
}

func TestBackupWritesCopy(t *testing.T) {
	home := t.TempDir()
	dest := filepath.Join(home, "copy", "switchboard.db")
	mustRun(t, home, "backup", dest)
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup not written: %v", err)
	}
	if _, err := run(t, home, "backup", dest); err == nil {
		t.Fatal("expected backup onto an existing file to fail")
	}
}

func TestPrinterTable_AlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	p := &printer{w: &buf}
	if err := p.Table([]string{"NAME", "STATE"}, [][]string{{"calendar", "active"}, {"x", "stale"}}); err != nil {
		t.Fatalf("table: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	col := strings.Index(lines[0], "STATE")
	for i, state := range []string{"active", "stale"} {
		if got := strings.LastIndex(lines[i+1], state); got != col {
			t.Fatalf("%s at column %d, want %d: %q", state, got, col, lines)
		}
	}
}
