package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/switchboard/internal/audit"
	"github.com/basket/switchboard/internal/butler"
	"github.com/basket/switchboard/internal/bus"
	"github.com/basket/switchboard/internal/coordinator"
	"github.com/basket/switchboard/internal/deadletter"
	"github.com/basket/switchboard/internal/gateway"
	"github.com/basket/switchboard/internal/lifecycle"
	"github.com/basket/switchboard/internal/operator"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/registry"
	"github.com/basket/switchboard/internal/router"
	"github.com/basket/switchboard/internal/transport"
)

const token = "test-token"

type harness struct {
	srv    *httptest.Server
	store  *persistence.Store
	lc     *lifecycle.Manager
	broken atomic.Bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "switchboard.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{store: store}
	local := transport.NewLocal()
	general := butler.NewToolset("general").MustRegister(coordinator.DefaultTool,
		butler.HandlerFunc(func(_ context.Context, args map[string]any) (any, error) {
			if h.broken.Load() {
				return nil, errors.New("calendar offline")
			}
			return "handled: " + args["prompt"].(string), nil
		}))
	local.Mount(general)

	reg := registry.New(store, registry.Options{Logger: logger})
	ctx := context.Background()
	for _, name := range []string{"general", "health"} {
		if _, err := reg.Register(ctx, registry.Registration{Name: name, EndpointURL: transport.Endpoint(name)}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	rec, err := audit.New(store, "", logger)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	rt := router.New(store, local, router.Options{Logger: logger, DefaultTimeout: 5 * time.Second})
	h.lc = lifecycle.New(store, logger)
	dl := deadletter.New(store, deadletter.Options{Logger: logger, Audit: rec})
	pipeline := coordinator.NewPipeline(h.lc, coordinator.StaticPlanner{Target: "general"},
		coordinator.NewExecutor(rt, store, coordinator.ExecutorOptions{Logger: logger}), dl,
		coordinator.PipelineOptions{Logger: logger, Retry: coordinator.RetryPolicy{MaxAttempts: 1}})

	srv := gateway.New(gateway.Config{
		Store:             store,
		Registry:          reg,
		Router:            rt,
		Lifecycle:         h.lc,
		Pipeline:          pipeline,
		DeadLetters:       dl,
		Operator:          operator.New(store, operator.Options{Logger: logger, Audit: rec, Router: rt}),
		Bus:               b,
		Logger:            logger,
		AuthToken:         token,
		ConfigFingerprint: "abc123",
	})
	h.srv = httptest.NewServer(srv.Handler())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestHealthzIsPublic(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK || body["healthy"] != true || body["butlers"] != float64(2) || body["config_fingerprint"] != "abc123" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	h := newHarness(t)
	for _, auth := range []string{"", "Bearer wrong"} {
		req, _ := http.NewRequest(http.MethodGet, h.srv.URL+"/api/butlers", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("auth %q = %d, want 401", auth, resp.StatusCode)
		}
	}
}

func TestButlerEndpoints(t *testing.T) {
	h := newHarness(t)

	var list struct {
		Butlers []registry.Status `json:"butlers"`
	}
	if code := h.do(t, http.MethodGet, "/api/butlers", nil, &list); code != http.StatusOK || len(list.Butlers) != 2 {
		t.Fatalf("list = %d %+v", code, list)
	}

	var bad map[string]string
	if code := h.do(t, http.MethodPost, "/api/butlers/health/quarantine", map[string]string{"reason": "bored"}, &bad); code != http.StatusBadRequest {
		t.Fatalf("bad quarantine reason = %d %v", code, bad)
	}
	var tr persistence.EligibilityTransition
	code := h.do(t, http.MethodPost, "/api/butlers/health/quarantine",
		map[string]string{"reason": persistence.ReasonManualHold, "detail": "maintenance"}, &tr)
	if code != http.StatusOK || tr.NewState != persistence.EligibilityQuarantined {
		t.Fatalf("quarantine = %d %+v", code, tr)
	}

	list.Butlers = nil
	h.do(t, http.MethodGet, "/api/butlers?routable=true", nil, &list)
	if len(list.Butlers) != 1 || list.Butlers[0].Name != "general" {
		t.Fatalf("routable list = %+v", list.Butlers)
	}

	var trail struct {
		Transitions []persistence.EligibilityTransition `json:"transitions"`
	}
	if code := h.do(t, http.MethodGet, "/api/butlers/health/transitions", nil, &trail); code != http.StatusOK || len(trail.Transitions) != 1 {
		t.Fatalf("transitions = %d %+v", code, trail)
	}

	var errBody map[string]string
	if code := h.do(t, http.MethodPost, "/api/butlers/general/release", nil, &errBody); code != http.StatusConflict || errBody["error"] != "eligibility_conflict" {
		t.Fatalf("release active = %d %v", code, errBody)
	}
	if code := h.do(t, http.MethodPost, "/api/butlers/ghost/heartbeat", nil, &errBody); code != http.StatusNotFound || errBody["error"] != "butler_not_found" {
		t.Fatalf("heartbeat unknown = %d %v", code, errBody)
	}
	var hb registry.HeartbeatResult
	if code := h.do(t, http.MethodPost, "/api/butlers/general/heartbeat", nil, &hb); code != http.StatusOK || hb.State != persistence.EligibilityActive {
		t.Fatalf("heartbeat = %d %+v", code, hb)
	}
}

func TestRouteEndpoint(t *testing.T) {
	h := newHarness(t)

	var res router.Result
	code := h.do(t, http.MethodPost, "/api/route", map[string]any{"target": "general", "args": map[string]any{"prompt": "hi"}}, &res)
	if code != http.StatusOK || res.Result != "handled: hi" {
		t.Fatalf("route = %d %+v", code, res)
	}

	code = h.do(t, http.MethodPost, "/api/route", map[string]any{"target": "nobody"}, &res)
	if code != http.StatusNotFound || res.Code != router.CodeNotFound {
		t.Fatalf("route unknown = %d %+v", code, res)
	}

	h.do(t, http.MethodPost, "/api/butlers/general/quarantine", map[string]string{"reason": persistence.ReasonPolicyViolation}, nil)
	code = h.do(t, http.MethodPost, "/api/route", map[string]any{"target": "general"}, &res)
	if code != http.StatusConflict || !strings.Contains(res.Error, "quarantined") {
		t.Fatalf("route quarantined = %d %+v", code, res)
	}

	var errBody map[string]string
	if code := h.do(t, http.MethodPost, "/api/route", map[string]any{"tool": "x"}, &errBody); code != http.StatusBadRequest {
		t.Fatalf("route without target = %d", code)
	}
}

func TestInboxFailureReplayAndProcess(t *testing.T) {
	h := newHarness(t)
	h.broken.Store(true)

	var out coordinator.Outcome
	if code := h.do(t, http.MethodPost, "/api/inbox", map[string]any{"channel": "telegram", "text": "book  dinner"}, &out); code != http.StatusOK {
		t.Fatalf("inbox = %d", code)
	}
	if out.Success || out.State != persistence.StateFailed || out.DeadLetterID == "" {
		t.Fatalf("outcome = %+v", out)
	}

	var view struct {
		ID             string                     `json:"id"`
		LifecycleState persistence.LifecycleState `json:"lifecycle_state"`
		NormalizedText string                     `json:"normalized_text"`
		Fanout         []persistence.FanoutRecord `json:"fanout"`
	}
	if code := h.do(t, http.MethodGet, "/api/requests/"+out.RequestID, nil, &view); code != http.StatusOK {
		t.Fatalf("get request = %d", code)
	}
	if view.LifecycleState != persistence.StateFailed || view.NormalizedText != "book dinner" || len(view.Fanout) != 1 {
		t.Fatalf("request view = %+v", view)
	}

	var dls struct {
		DeadLetters []persistence.DeadLetterEntry `json:"dead_letters"`
	}
	h.do(t, http.MethodGet, "/api/dead-letters", nil, &dls)
	if len(dls.DeadLetters) != 1 || dls.DeadLetters[0].ID != out.DeadLetterID {
		t.Fatalf("dead letters = %+v", dls)
	}

	var replay struct {
		deadletter.ReplayResult
		Outcome *coordinator.Outcome `json:"outcome"`
	}
	if code := h.do(t, http.MethodPost, "/api/dead-letters/"+out.DeadLetterID+"/replay",
		map[string]any{"operator": "ops", "reason": "calendar back"}, &replay); code != http.StatusOK {
		t.Fatalf("replay = %d", code)
	}
	// Without the process flag the replayed request is only accepted.
	if !replay.Success || replay.Outcome != nil {
		t.Fatalf("replay = %+v", replay)
	}
	var again deadletter.ReplayResult
	if code := h.do(t, http.MethodPost, "/api/dead-letters/"+out.DeadLetterID+"/replay",
		map[string]any{"operator": "ops", "reason": "again"}, &again); code != http.StatusConflict || again.Error != deadletter.CodeAlreadyReplayed {
		t.Fatalf("second replay = %d %+v", code, again)
	}

	// A fresh failure replayed with process=true completes once the butler is fixed.
	h.do(t, http.MethodPost, "/api/inbox", map[string]any{"text": "log a run"}, &out)
	h.broken.Store(false)
	replay.Outcome = nil
	if code := h.do(t, http.MethodPost, "/api/dead-letters/"+out.DeadLetterID+"/replay",
		map[string]any{"operator": "ops", "reason": "fixed", "process": true}, &replay); code != http.StatusOK {
		t.Fatalf("replay with process = %d", code)
	}
	if replay.Outcome == nil || !replay.Outcome.Success || replay.Outcome.RequestID != replay.ReplayedRequestID {
		t.Fatalf("processed replay = %+v", replay.Outcome)
	}

	var errBody map[string]string
	if code := h.do(t, http.MethodPost, "/api/inbox", map[string]any{"text": "   "}, &errBody); code != http.StatusBadRequest {
		t.Fatalf("empty inbox text = %d %v", code, errBody)
	}
}

func TestRequestActions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.lc.Accept(ctx, lifecycle.Inbound{ID: "req-1", Text: "call mom"}); err != nil {
		t.Fatalf("accept: %v", err)
	}

	var res operator.ActionResult
	if code := h.do(t, http.MethodPost, "/api/requests/req-1/cancel", map[string]string{"operator": "ops"}, &res); code != http.StatusBadRequest || res.Error != operator.CodeValidationError {
		t.Fatalf("cancel without reason = %d %+v", code, res)
	}
	if code := h.do(t, http.MethodPost, "/api/requests/req-1/cancel", map[string]string{"operator": "ops", "reason": "duplicate"}, &res); code != http.StatusOK || !res.Success {
		t.Fatalf("cancel = %d %+v", code, res)
	}
	if code := h.do(t, http.MethodPost, "/api/requests/req-1/cancel", map[string]string{"operator": "ops", "reason": "again"}, &res); code != http.StatusConflict || res.PreviousState != persistence.StateCancelled {
		t.Fatalf("second cancel = %d %+v", code, res)
	}
	if code := h.do(t, http.MethodPost, "/api/requests/missing/abort", map[string]string{"operator": "ops", "reason": "x"}, &res); code != http.StatusNotFound {
		t.Fatalf("abort missing = %d %+v", code, res)
	}
	var errBody map[string]string
	if code := h.do(t, http.MethodPost, "/api/requests/req-1/teleport", map[string]string{}, &errBody); code != http.StatusNotFound || errBody["error"] != "unknown_action" {
		t.Fatalf("unknown action = %d %v", code, errBody)
	}

	var list struct {
		Requests []persistence.Message `json:"requests"`
	}
	if code := h.do(t, http.MethodGet, "/api/requests?state=cancelled", nil, &list); code != http.StatusOK || len(list.Requests) != 1 {
		t.Fatalf("list cancelled = %d %+v", code, list)
	}
	if code := h.do(t, http.MethodGet, "/api/requests?state=lost", nil, &errBody); code != http.StatusBadRequest {
		t.Fatalf("bad state filter = %d", code)
	}
}

func TestOperatorHeaderFallback(t *testing.T) {
	h := newHarness(t)
	if _, err := h.lc.Accept(context.Background(), lifecycle.Inbound{ID: "req-1", Text: "hi"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/api/requests/req-1/abort", strings.NewReader(`{"reason":"stuck"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(gateway.OperatorHeader, "oncall@example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("abort = %d", resp.StatusCode)
	}
	entries, _ := h.store.ListOperatorAudit(context.Background(), "req-1", 10)
	if len(entries) != 1 || entries[0].OperatorIdentity != "oncall@example.com" {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestEventStream(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/events?topic=butler.,deadletter."
	if _, _, err := websocket.Dial(ctx, wsURL, nil); err == nil {
		t.Fatal("dial without token must fail")
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	h.do(t, http.MethodPost, "/api/butlers/health/quarantine", map[string]string{"reason": persistence.ReasonManualHold}, nil)

	var frame struct {
		Seq     uint64                      `json:"seq"`
		Topic   string                      `json:"topic"`
		Payload bus.EligibilityChangedEvent `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Topic != bus.TopicButlerEligibilityChanged || frame.Payload.ButlerName != "health" || frame.Payload.NewState != "quarantined" {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.Seq == 0 {
		t.Fatal("frame missing seq")
	}
}
