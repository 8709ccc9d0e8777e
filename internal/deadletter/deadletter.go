// Package deadletter captures terminally failed requests and replays them
// back into the message lifecycle with their lineage preserved.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/switchboard/internal/audit"
	"github.com/basket/switchboard/internal/bus"
	"github.com/basket/switchboard/internal/lifecycle"
	otelPkg "github.com/basket/switchboard/internal/otel"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/shared"
)

var ErrDeadLetterNotFound = errors.New("dead_letter_not_found")

// Replay result codes.
const (
	CodeReplayed          = "replayed"
	CodeValidationError   = "validation_error"
	CodeNotFound          = "dead_letter_not_found"
	CodeNotReplayEligible = "not_replay_eligible"
	CodeAlreadyReplayed   = "already_replayed"
	CodeReplayFailed      = "replay_failed"
)

// ReplayMetadataKey is the request_context block linking a replayed request
// to its origin.
const ReplayMetadataKey = "replay_metadata"

// CaptureRequest describes one failed request. A nil ReplayEligible means
// eligible.
type CaptureRequest struct {
	OriginalRequestID string
	SourceTable       string
	FailureReason     string
	FailureCategory   persistence.FailureCategory
	RetryCount        int
	LastRetryAt       *time.Time
	OriginalPayload   json.RawMessage
	RequestContext    json.RawMessage
	ErrorDetails      any
	ReplayEligible    *bool
}

type ReplayMetadata struct {
	IsReplay          bool   `json:"is_replay"`
	OriginalRequestID string `json:"original_request_id"`
	DeadLetterID      string `json:"dead_letter_id"`
	ReplayOperator    string `json:"replay_operator"`
	ReplayReason      string `json:"replay_reason"`
}

type ReplayResult struct {
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	Message           string `json:"message,omitempty"`
	DeadLetterID      string `json:"dead_letter_id"`
	ReplayedRequestID string `json:"replayed_request_id,omitempty"`
	AuditID           string `json:"audit_id,omitempty"`
}

// OutcomeCode is CodeReplayed on success and the error code otherwise.
func (r ReplayResult) OutcomeCode() string {
	if r.Success {
		return CodeReplayed
	}
	return r.Error
}

type Options struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	Audit   *audit.Recorder
}

type Service struct {
	store   *persistence.Store
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	audit   *audit.Recorder
}

func New(store *persistence.Store, opts Options) *Service {
	s := &Service{
		store:   store,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		audit:   opts.Audit,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = otelPkg.Noop().Tracer
	}
	return s
}

// Capture inserts a dead-letter entry and returns its id.
func (s *Service) Capture(ctx context.Context, req CaptureRequest) (string, error) {
	if !req.FailureCategory.Valid() {
		return "", fmt.Errorf("invalid failure category %q", req.FailureCategory)
	}
	var details json.RawMessage
	if req.ErrorDetails != nil {
		encoded, err := json.Marshal(req.ErrorDetails)
		if err != nil {
			return "", fmt.Errorf("encode error_details: %w", err)
		}
		details = encoded
	}
	eligible := true
	if req.ReplayEligible != nil {
		eligible = *req.ReplayEligible
	}

	e := &persistence.DeadLetterEntry{
		ID:                shared.NewID(),
		OriginalRequestID: req.OriginalRequestID,
		SourceTable:       req.SourceTable,
		FailureReason:     req.FailureReason,
		FailureCategory:   req.FailureCategory,
		RetryCount:        req.RetryCount,
		LastRetryAt:       req.LastRetryAt,
		OriginalPayload:   req.OriginalPayload,
		RequestContext:    req.RequestContext,
		ErrorDetails:      details,
		ReplayEligible:    eligible,
	}
	if err := s.store.InsertDeadLetter(ctx, e); err != nil {
		return "", err
	}

	s.metrics.RecordDeadLetterCapture(ctx, string(req.FailureCategory))
	s.store.Bus().Publish(bus.TopicDeadLetterCaptured, bus.DeadLetterEvent{
		DeadLetterID:      e.ID,
		OriginalRequestID: e.OriginalRequestID,
		Category:          string(e.FailureCategory),
	})
	s.logger.Warn("dead letter captured", "dead_letter_id", e.ID, "request_id", e.OriginalRequestID,
		"category", e.FailureCategory, "retry_count", e.RetryCount, "reason", e.FailureReason)
	return e.ID, nil
}

// CaptureMessage captures msg with its normalized text and raw payload as
// the original payload.
func (s *Service) CaptureMessage(ctx context.Context, msg *persistence.Message, req CaptureRequest) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"normalized_text": msg.NormalizedText,
		"raw_payload":     json.RawMessage(orEmptyObject(msg.RawPayload)),
	})
	if err != nil {
		return "", fmt.Errorf("encode original payload: %w", err)
	}
	req.OriginalRequestID = msg.ID
	req.SourceTable = "message_inbox"
	req.OriginalPayload = payload
	req.RequestContext = msg.RequestContext
	return s.Capture(ctx, req)
}

func (s *Service) Get(ctx context.Context, id string) (*persistence.DeadLetterEntry, error) {
	e, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeadLetterNotFound, id)
	}
	return e, nil
}

// ListReplayEligible returns unreplayed eligible entries, newest first. An
// empty category matches all.
func (s *Service) ListReplayEligible(ctx context.Context, limit int, category persistence.FailureCategory) ([]persistence.DeadLetterEntry, error) {
	if category != "" && !category.Valid() {
		return nil, fmt.Errorf("invalid failure category %q", category)
	}
	return s.store.ListReplayEligible(ctx, limit, category)
}

// Replay re-enters a dead-lettered request at accepted. At most one replay
// of an entry ever succeeds.
func (s *Service) Replay(ctx context.Context, deadLetterID, operator, reason string) ReplayResult {
	ctx, span := otelPkg.StartSpan(ctx, s.tracer, otelPkg.SpanReplay, otelPkg.AttrDeadLetterID.String(deadLetterID))
	res := s.replay(ctx, deadLetterID, strings.TrimSpace(operator), strings.TrimSpace(reason))
	span.SetAttributes(otelPkg.AttrOutcome.String(res.OutcomeCode()))
	var spanErr error
	if !res.Success {
		spanErr = errors.New(res.Error)
	}
	otelPkg.EndSpan(span, spanErr)
	s.metrics.RecordDeadLetterReplay(ctx, res.OutcomeCode())
	return res
}

func (s *Service) replay(ctx context.Context, id, operator, reason string) ReplayResult {
	res := ReplayResult{DeadLetterID: id}
	if operator == "" || reason == "" {
		return res.fail(CodeValidationError, "operator identity and reason are required")
	}

	entry, err := s.store.GetDeadLetter(ctx, id)
	if err != nil {
		return res.fail(CodeReplayFailed, err.Error())
	}
	if rejected, ok := classify(res, entry); ok {
		return rejected
	}

	msg, err := replayMessage(ctx, entry, operator, reason)
	if err != nil {
		return s.replayFailed(ctx, res, entry, operator, reason, err)
	}
	claimed, err := s.store.ClaimDeadLetterReplay(ctx, id, msg)
	if errors.Is(err, persistence.ErrReplayNotClaimed) {
		// Lost a race; report whatever state the winner left behind.
		current, getErr := s.store.GetDeadLetter(ctx, id)
		if getErr != nil {
			return res.fail(CodeReplayFailed, getErr.Error())
		}
		if rejected, ok := classify(res, current); ok {
			return rejected
		}
		return res.fail(CodeAlreadyReplayed, "dead letter was claimed concurrently")
	}
	if err != nil {
		return s.replayFailed(ctx, res, entry, operator, reason, err)
	}

	res.Success = true
	res.ReplayedRequestID = msg.ID
	res.AuditID = s.audit.Record(ctx, audit.Entry{
		Action:      persistence.ActionControlledReplay,
		RequestID:   claimed.OriginalRequestID,
		TargetTable: "dead_letter_queue",
		Operator:    operator,
		Reason:      reason,
		Payload:     map[string]string{"dead_letter_id": id},
		Outcome:     persistence.OutcomeSuccess,
		Details:     map[string]string{"replayed_request_id": msg.ID},
	})
	s.store.Bus().Publish(bus.TopicDeadLetterReplayed, bus.DeadLetterEvent{
		DeadLetterID:      id,
		OriginalRequestID: claimed.OriginalRequestID,
		Category:          string(claimed.FailureCategory),
		ReplayedRequestID: msg.ID,
	})
	s.logger.Info("dead letter replayed", "dead_letter_id", id, "request_id", claimed.OriginalRequestID,
		"replayed_request_id", msg.ID, "operator", operator)
	return res
}

func (s *Service) replayFailed(ctx context.Context, res ReplayResult, entry *persistence.DeadLetterEntry, operator, reason string, cause error) ReplayResult {
	if err := s.store.MarkReplayFailed(context.WithoutCancel(ctx), entry.ID); err != nil {
		s.logger.Error("mark replay failed", "dead_letter_id", entry.ID, "error", err)
	}
	res.AuditID = s.audit.Record(ctx, audit.Entry{
		Action:      persistence.ActionControlledReplay,
		RequestID:   entry.OriginalRequestID,
		TargetTable: "dead_letter_queue",
		Operator:    operator,
		Reason:      reason,
		Payload:     map[string]string{"dead_letter_id": entry.ID},
		Outcome:     persistence.OutcomeFailed,
		Details:     map[string]string{"error": cause.Error()},
	})
	s.logger.Error("dead letter replay failed", "dead_letter_id", entry.ID, "error", cause)
	return res.fail(CodeReplayFailed, cause.Error())
}

func (r ReplayResult) fail(code, msg string) ReplayResult {
	r.Success = false
	r.Error = code
	r.Message = msg
	return r
}

// classify rejects entries that cannot be replayed, in precedence order.
func classify(res ReplayResult, e *persistence.DeadLetterEntry) (ReplayResult, bool) {
	switch {
	case e == nil:
		return res.fail(CodeNotFound, "dead letter "+res.DeadLetterID+" not found"), true
	case !e.ReplayEligible:
		return res.fail(CodeNotReplayEligible, "dead letter is not replay eligible"), true
	case e.ReplayedAt != nil:
		return res.fail(CodeAlreadyReplayed, fmt.Sprintf("already replayed as %s", e.ReplayedRequestID)), true
	}
	return res, false
}

func replayMessage(ctx context.Context, e *persistence.DeadLetterEntry, operator, reason string) (*persistence.Message, error) {
	text := lifecycle.NormalizeText(payloadText(e.OriginalPayload))
	if text == "" {
		return nil, fmt.Errorf("original payload of %s has no text", e.ID)
	}

	reqCtx := map[string]any{}
	if len(e.RequestContext) > 0 {
		if err := json.Unmarshal(e.RequestContext, &reqCtx); err != nil {
			return nil, fmt.Errorf("decode request_context: %w", err)
		}
	}
	merged := make(map[string]any, len(reqCtx)+1)
	maps.Copy(merged, reqCtx)
	merged[ReplayMetadataKey] = ReplayMetadata{
		IsReplay:          true,
		OriginalRequestID: e.OriginalRequestID,
		DeadLetterID:      e.ID,
		ReplayOperator:    operator,
		ReplayReason:      reason,
	}
	encodedCtx, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode request_context: %w", err)
	}

	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = shared.NewTraceID()
	}
	return &persistence.Message{
		ID:             shared.NewID(),
		RequestContext: encodedCtx,
		RawPayload:     e.OriginalPayload,
		NormalizedText: text,
		LifecycleState: persistence.StateAccepted,
		TraceID:        traceID,
	}, nil
}

// payloadText finds the request text in an original payload. Captured
// messages carry normalized_text; other producers may use text or prompt, or
// a bare JSON string.
func payloadText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err == nil {
		for _, key := range []string{"normalized_text", "text", "prompt"} {
			if s, ok := fields[key].(string); ok && s != "" {
				return s
			}
		}
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
