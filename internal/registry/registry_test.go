package registry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(t *testing.T, rosterDir string) (*registry.Registry, *persistence.Store, *clock) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "switchboard.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	c := &clock{now: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)}
	store.SetClock(c.Now)
	return registry.New(store, registry.Options{Logger: testLogger(), RosterDir: rosterDir}), store, c
}

func writeDeclaration(t *testing.T, dir, sub, body string) string {
	t.Helper()
	path := filepath.Join(dir, sub, registry.DeclarationFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write declaration: %v", err)
	}
	return path
}

func TestList_RoutableOnlyUsesProjection(t *testing.T) {
	reg, _, c := newTestRegistry(t, "")
	ctx := context.Background()

	for _, r := range []registry.Registration{
		{Name: "general", EndpointURL: "local://general"},
		{Name: "health", EndpointURL: "local://health", LivenessTTLSeconds: 5},
		{Name: "relationship", EndpointURL: "local://relationship"},
	} {
		if _, err := reg.Register(ctx, r); err != nil {
			t.Fatalf("register %s: %v", r.Name, err)
		}
	}
	if _, err := reg.Quarantine(ctx, "relationship", persistence.ReasonManualHold, "maintenance"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	c.Advance(10 * time.Second)

	all, err := reg.List(ctx, false)
	if err != nil || len(all) != 3 {
		t.Fatalf("list all = %d err=%v", len(all), err)
	}
	routable, err := reg.List(ctx, true)
	if err != nil {
		t.Fatalf("list routable: %v", err)
	}
	if len(routable) != 1 || routable[0].Name != "general" {
		t.Fatalf("routable = %+v", routable)
	}
	// Projection only: health is still persisted active.
	rec, _ := reg.Get(ctx, "health")
	if rec.EligibilityState != persistence.EligibilityActive {
		t.Fatalf("projection wrote state %s", rec.EligibilityState)
	}

	statuses, _, err := reg.Snapshot(ctx)
	if err != nil || len(statuses) != 3 {
		t.Fatalf("snapshot = %d err=%v", len(statuses), err)
	}
	for _, s := range statuses {
		if s.Name == "health" && (!s.Stale || s.Routable || s.LastSeenAgeSeconds != 10) {
			t.Fatalf("unexpected health status %+v", s)
		}
	}
}

func TestHeartbeat_RecoversStaleButler(t *testing.T) {
	reg, _, c := newTestRegistry(t, "")
	ctx := context.Background()
	if _, err := reg.Register(ctx, registry.Registration{Name: "health", EndpointURL: "local://health"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.MarkStale(ctx, "health"); err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	c.Advance(time.Minute)

	res, err := reg.Heartbeat(ctx, "health")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !res.Recovered || res.State != persistence.EligibilityActive {
		t.Fatalf("unexpected heartbeat result %+v", res)
	}
	log, _ := reg.Transitions(ctx, "health", 10)
	if len(log) != 2 || log[0].Reason != persistence.ReasonHealthRestored {
		t.Fatalf("transition log = %+v", log)
	}

	// A second heartbeat on an active butler writes no transition.
	res, err = reg.Heartbeat(ctx, "health")
	if err != nil || res.Recovered {
		t.Fatalf("second heartbeat = %+v err=%v", res, err)
	}
	log, _ = reg.Transitions(ctx, "health", 10)
	if len(log) != 2 {
		t.Fatalf("active heartbeat must not log transitions, got %d", len(log))
	}
}

func TestHeartbeat_QuarantinedOnlyRefreshesLastSeen(t *testing.T) {
	reg, _, c := newTestRegistry(t, "")
	ctx := context.Background()
	if _, err := reg.Register(ctx, registry.Registration{Name: "health", EndpointURL: "local://health"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Quarantine(ctx, "health", persistence.ReasonPolicyViolation, "leaked data"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}
	c.Advance(time.Minute)

	res, err := reg.Heartbeat(ctx, "health")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if res.Recovered || res.State != persistence.EligibilityQuarantined {
		t.Fatalf("unexpected heartbeat result %+v", res)
	}
	rec, _ := reg.Get(ctx, "health")
	if rec.LastSeenAt == nil || !rec.LastSeenAt.Equal(c.Now()) {
		t.Fatalf("last_seen_at = %v, want %v", rec.LastSeenAt, c.Now())
	}
	log, _ := reg.Transitions(ctx, "health", 10)
	if len(log) != 1 {
		t.Fatalf("expected only the quarantine transition, got %d", len(log))
	}
}

func TestHeartbeat_UnknownButler(t *testing.T) {
	roster := t.TempDir()
	writeDeclaration(t, roster, "health", `
name = "health"
endpoint_url = "local://health"
modules = ["meals"]
liveness_ttl_seconds = 60
`)
	reg, _, _ := newTestRegistry(t, roster)
	ctx := context.Background()

	res, err := reg.Heartbeat(ctx, "health")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !res.AutoRegistered || res.State != persistence.EligibilityActive {
		t.Fatalf("unexpected heartbeat result %+v", res)
	}
	rec, err := reg.Get(ctx, "health")
	if err != nil || rec.LivenessTTLSeconds != 60 {
		t.Fatalf("auto-registered record = %+v err=%v", rec, err)
	}

	_, err = reg.Heartbeat(ctx, "ghost")
	if !errors.Is(err, registry.ErrButlerNotFound) {
		t.Fatalf("expected ErrButlerNotFound, got %v", err)
	}
}

func TestAdminTransitions(t *testing.T) {
	reg, _, _ := newTestRegistry(t, "")
	ctx := context.Background()
	if _, err := reg.Register(ctx, registry.Registration{Name: "health", EndpointURL: "local://health"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := reg.Quarantine(ctx, "health", "because", ""); err == nil {
		t.Fatal("expected invalid quarantine reason to be rejected")
	}
	if _, err := reg.Release(ctx, "health"); !errors.Is(err, registry.ErrEligibilityConflict) {
		t.Fatalf("release of active butler = %v", err)
	}
	tr, err := reg.Quarantine(ctx, "health", persistence.ReasonManualHold, "")
	if err != nil || tr.NewState != persistence.EligibilityQuarantined {
		t.Fatalf("quarantine = %+v err=%v", tr, err)
	}
	rec, _ := reg.Get(ctx, "health")
	if rec.QuarantineReason != persistence.ReasonManualHold {
		t.Fatalf("quarantine reason defaults to the reason code, got %q", rec.QuarantineReason)
	}
	if _, err := reg.MarkStale(ctx, "health"); !errors.Is(err, registry.ErrEligibilityConflict) {
		t.Fatalf("mark stale of quarantined butler = %v", err)
	}
	tr, err = reg.Release(ctx, "health")
	if err != nil || tr.Reason != persistence.ReasonManualRelease || tr.NewState != persistence.EligibilityActive {
		t.Fatalf("release = %+v err=%v", tr, err)
	}
	if _, err := reg.Quarantine(ctx, "ghost", persistence.ReasonManualHold, ""); !errors.Is(err, registry.ErrButlerNotFound) {
		t.Fatalf("quarantine missing = %v", err)
	}

	log, _ := reg.Transitions(ctx, "health", 10)
	if len(log) != 2 {
		t.Fatalf("expected exactly one transition per successful admin action, got %d", len(log))
	}
}

func TestDiscover_RegistersValidAndSkipsInvalid(t *testing.T) {
	roster := t.TempDir()
	writeDeclaration(t, roster, "general", `
name = "general"
endpoint_url = "http://127.0.0.1:8101/mcp"
description = "catch-all"
capabilities = ["route.execute"]

[route_contract]
min = 1
max = 2
`)
	writeDeclaration(t, roster, "nested/health", `
name = "health"
endpoint_url = "stdio://health-butler?arg=serve"
`)
	writeDeclaration(t, roster, "broken", `name = "broken"`)
	writeDeclaration(t, roster, "typo", `
name = "typo"
endpoint_url = "local://typo"
endpont = "oops"
`)
	writeDeclaration(t, roster, "badscheme", `
name = "badscheme"
endpoint_url = "ftp://nowhere"
`)
	writeDeclaration(t, roster, "zz-dup", `
name = "general"
endpoint_url = "local://general"
`)
	writeDeclaration(t, roster, "garbage", `this is [not toml`)

	reg, _, _ := newTestRegistry(t, roster)
	ctx := context.Background()
	res := reg.Discover(ctx, roster)

	if strings.Join(res.Registered, ",") != "general,health" {
		t.Fatalf("registered = %v (skipped %+v)", res.Registered, res.Skipped)
	}
	if len(res.Skipped) != 5 {
		t.Fatalf("expected 5 skipped declarations, got %+v", res.Skipped)
	}
	rec, err := reg.Get(ctx, "general")
	if err != nil || rec.RouteContractMax != 2 || rec.Description != "catch-all" {
		t.Fatalf("general = %+v err=%v", rec, err)
	}

	// Missing directory is logged, not raised.
	if res := reg.Discover(ctx, filepath.Join(roster, "nope")); len(res.Registered) != 0 {
		t.Fatalf("missing dir registered %v", res.Registered)
	}
}

func TestFindDeclaration(t *testing.T) {
	roster := t.TempDir()
	writeDeclaration(t, roster, "elsewhere", `
name = "health"
endpoint_url = "local://health"
`)
	decl, err := registry.FindDeclaration(roster, "health", testLogger())
	if err != nil || decl == nil || decl.EndpointURL != "local://health" {
		t.Fatalf("find = %+v err=%v", decl, err)
	}
	decl, err = registry.FindDeclaration(roster, "ghost", testLogger())
	if err != nil || decl != nil {
		t.Fatalf("find missing = %+v err=%v", decl, err)
	}
}
