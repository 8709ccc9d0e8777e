// Package lifecycle moves messages through accepted -> decomposed ->
// dispatched -> completed|failed. Operator overrides live in package operator.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/shared"
)

var (
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrRequestNotFound   = errors.New("request_not_found")
	ErrEmptyText         = errors.New("inbound text is empty")
)

// allowedTransitions maps a target state to the states it may be entered from.
var allowedTransitions = map[persistence.LifecycleState][]persistence.LifecycleState{
	persistence.StateDecomposed: {persistence.StateAccepted},
	persistence.StateDispatched: {persistence.StateDecomposed, persistence.StateRerouted},
	persistence.StateCompleted:  {persistence.StateDispatched},
	// Planner and pre-dispatch failures end the request too.
	persistence.StateFailed: {persistence.StateAccepted, persistence.StateDecomposed, persistence.StateDispatched},
}

// Allowed reports whether the pipeline may move a message from -> to.
func Allowed(from, to persistence.LifecycleState) bool {
	for _, st := range allowedTransitions[to] {
		if st == from {
			return true
		}
	}
	return false
}

// Inbound is a request as it arrives from a channel.
type Inbound struct {
	ID         string          `json:"id,omitempty"`
	Channel    string          `json:"channel"`
	Sender     string          `json:"sender,omitempty"`
	Text       string          `json:"text"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
	Context    map[string]any  `json:"context,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	ReceivedAt time.Time       `json:"received_at,omitempty"`
}

type Manager struct {
	store  *persistence.Store
	logger *slog.Logger
}

func New(store *persistence.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// NormalizeText collapses whitespace runs and trims the ends.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Accept stores a new message in the accepted state.
func (m *Manager) Accept(ctx context.Context, in Inbound) (*persistence.Message, error) {
	text := NormalizeText(in.Text)
	if text == "" {
		return nil, ErrEmptyText
	}
	id := in.ID
	if id == "" {
		id = shared.NewID()
	}

	reqCtx := make(map[string]any, len(in.Context)+2)
	maps.Copy(reqCtx, in.Context)
	if in.Channel != "" {
		reqCtx["channel"] = in.Channel
	}
	if in.Sender != "" {
		reqCtx["sender"] = in.Sender
	}
	encodedCtx, err := json.Marshal(reqCtx)
	if err != nil {
		return nil, fmt.Errorf("encode request_context: %w", err)
	}

	raw := in.RawPayload
	if len(raw) == 0 {
		raw, _ = json.Marshal(map[string]string{"text": in.Text})
	}

	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
	}

	msg := &persistence.Message{
		ID:             id,
		ReceivedAt:     in.ReceivedAt,
		RequestContext: encodedCtx,
		RawPayload:     raw,
		NormalizedText: text,
		LifecycleState: persistence.StateAccepted,
		TraceID:        traceID,
		SessionID:      in.SessionID,
	}
	if err := m.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	m.logger.Info("message accepted", "request_id", id, "channel", in.Channel, "trace_id", traceID)
	return msg, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*persistence.Message, error) {
	msg, err := m.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return msg, nil
}

// MarkDecomposed records the planner output.
func (m *Manager) MarkDecomposed(ctx context.Context, id string, output any) (*persistence.Message, error) {
	encoded, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("encode decomposition_output: %w", err)
	}
	return m.transition(ctx, id, persistence.MessageTransition{
		To:                  persistence.StateDecomposed,
		DecompositionOutput: encoded,
	})
}

// MarkDispatched records the fanout outcomes.
func (m *Manager) MarkDispatched(ctx context.Context, id string, outcomes any) (*persistence.Message, error) {
	encoded, err := json.Marshal(outcomes)
	if err != nil {
		return nil, fmt.Errorf("encode dispatch_outcomes: %w", err)
	}
	return m.transition(ctx, id, persistence.MessageTransition{
		To:               persistence.StateDispatched,
		DispatchOutcomes: encoded,
	})
}

func (m *Manager) Complete(ctx context.Context, id, summary string) (*persistence.Message, error) {
	return m.transition(ctx, id, persistence.MessageTransition{
		To:              persistence.StateCompleted,
		ResponseSummary: &summary,
	})
}

func (m *Manager) Fail(ctx context.Context, id, reason string) (*persistence.Message, error) {
	return m.transition(ctx, id, persistence.MessageTransition{
		To:            persistence.StateFailed,
		MetadataPatch: map[string]any{"failure_reason": reason},
	})
}

func (m *Manager) transition(ctx context.Context, id string, t persistence.MessageTransition) (*persistence.Message, error) {
	t.From = allowedTransitions[t.To]
	res, err := m.store.TransitionMessage(ctx, id, t)
	if err != nil {
		return nil, err
	}
	if res != nil {
		m.logger.Info("message state changed", "request_id", id,
			"from", res.PreviousState, "to", res.Message.LifecycleState)
		return res.Message, nil
	}

	current, err := m.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	return nil, fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, id, current.LifecycleState, t.To)
}
