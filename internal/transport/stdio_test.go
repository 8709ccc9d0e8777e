package transport

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestStdioTransport_NewWithInvalidCommand(t *testing.T) {
	_, err := NewStdioTransport("nonexistent-command-xyz", nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for nonexistent command")
	}
	if !strings.Contains(err.Error(), "nonexistent-command-xyz") {
		t.Errorf("error should mention command name, got: %v", err)
	}
}

func TestStdioTransport_SendReceive(t *testing.T) {
	// cat echoes stdin to stdout, so Send then Receive round-trips.
	transport, err := NewStdioTransport("cat", nil, nil, nil)
	if err != nil {
		t.Fatalf("failed to start cat: %v", err)
	}
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := json.RawMessage(`{"jsonrpc":"2.0","method":"test"}`)
	if err := transport.Send(ctx, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	received, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(received, &parsed); err != nil {
		t.Fatalf("received message is not valid JSON: %v (raw: %q)", err, string(received))
	}
	if parsed["method"] != "test" {
		t.Errorf("method = %v, want 'test'", parsed["method"])
	}
}

func TestStdioTransport_SendAfterClose(t *testing.T) {
	transport, err := NewStdioTransport("cat", nil, nil, nil)
	if err != nil {
		t.Fatalf("failed to start cat: %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := transport.Send(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected send on closed transport to fail")
	}
	// Second close is a no-op.
	if err := transport.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestReconnectableTransport_CanceledContext(t *testing.T) {
	rt := &ReconnectableTransport{
		command:   "nonexistent-command-xyz",
		logger:    testLogger(),
		transport: &StdioTransport{command: "nonexistent-command-xyz"},
		maxRetry:  3,
		initial:   time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := rt.Send(ctx, json.RawMessage(`{"test":true}`)); err == nil {
		t.Fatal("expected error for canceled context with closed transport")
	}
}

func TestReconnectableTransport_RestartsSubprocess(t *testing.T) {
	rt, err := NewReconnectableTransport("cat", nil, nil, testLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer rt.Close()
	rt.initial = time.Millisecond

	// Kill the first subprocess; the next send must transparently restart it.
	first := rt.transport
	_ = first.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.Send(ctx, json.RawMessage(`{"id":7}`)); err != nil {
		t.Fatalf("send after crash: %v", err)
	}
	if rt.transport == first {
		t.Fatal("expected a fresh subprocess")
	}
	got, err := rt.Receive(ctx)
	if err != nil || !strings.Contains(string(got), `"id":7`) {
		t.Fatalf("receive = %q err=%v", got, err)
	}
}

func TestStdioCommand(t *testing.T) {
	cases := []struct {
		raw      string
		wantCmd  string
		wantArgs []string
		wantErr  bool
	}{
		{raw: "stdio://health-butler?arg=--quiet&arg=serve", wantCmd: "health-butler", wantArgs: []string{"--quiet", "serve"}},
		{raw: "stdio:///usr/local/bin/general", wantCmd: "/usr/local/bin/general"},
		{raw: "stdio://", wantErr: true},
	}
	for _, tc := range cases {
		u, _ := url.Parse(tc.raw)
		cmd, args, err := stdioCommand(u)
		if tc.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tc.raw)
			}
			continue
		}
		if err != nil || cmd != tc.wantCmd || strings.Join(args, " ") != strings.Join(tc.wantArgs, " ") {
			t.Errorf("%s: got %q %v err=%v", tc.raw, cmd, args, err)
		}
	}
}
