// Package operator implements audited manual overrides on requests.
// Guard checks and mutations are single conditional UPDATEs; guard
// rejections are returned without an audit entry.
package operator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/switchboard/internal/audit"
	otelPkg "github.com/basket/switchboard/internal/otel"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/router"
)

// Result codes.
const (
	CodeValidationError = "validation_error"
	CodeNotFound        = "request_not_found"
	CodeAlreadyTerminal = "request_already_terminal"
	CodeNotRerouted     = "request_not_rerouted"
)

// RerouteKey is the request_context block written by ManualReroute.
const RerouteKey = "manual_reroute"

// RerouteInfo is the manual_reroute block. PreviousTargets is filled from
// dispatch_outcomes.targets at the time of the reroute.
type RerouteInfo struct {
	NewTarget       string   `json:"new_target"`
	Operator        string   `json:"operator"`
	Reason          string   `json:"reason"`
	ReroutedAt      string   `json:"rerouted_at"`
	PreviousTargets []string `json:"previous_targets,omitempty"`
}

type ActionResult struct {
	Success       bool                       `json:"success"`
	Action        persistence.OperatorAction `json:"action"`
	RequestID     string                     `json:"request_id"`
	Error         string                     `json:"error,omitempty"`
	Message       string                     `json:"message,omitempty"`
	PreviousState persistence.LifecycleState `json:"previous_state,omitempty"`
	NewState      persistence.LifecycleState `json:"new_state,omitempty"`
	AuditID       string                     `json:"audit_id,omitempty"`
	Result        any                        `json:"result,omitempty"`
}

// Dispatcher is satisfied by *router.Router.
type Dispatcher interface {
	Route(ctx context.Context, req router.Request) router.Result
}

type Options struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	Audit   *audit.Recorder
	// Router is required only for Retry.
	Router   Dispatcher
	ToolName string
}

type Controls struct {
	store    *persistence.Store
	audit    *audit.Recorder
	router   Dispatcher
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *otelPkg.Metrics
	toolName string
}

func New(store *persistence.Store, opts Options) *Controls {
	c := &Controls{
		store:    store,
		audit:    opts.Audit,
		router:   opts.Router,
		logger:   opts.Logger,
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		toolName: opts.ToolName,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.tracer == nil {
		c.tracer = otelPkg.Noop().Tracer
	}
	if c.toolName == "" {
		c.toolName = "route.execute"
	}
	return c
}

var (
	terminalGuard = []persistence.LifecycleState{persistence.StateCompleted, persistence.StateFailed}
	cancelGuard   = []persistence.LifecycleState{persistence.StateCompleted, persistence.StateFailed, persistence.StateCancelled}
)

// action is one guarded mutation.
type action struct {
	kind      persistence.OperatorAction
	requestID string
	operator  string
	reason    string
	payload   map[string]any
	t         persistence.MessageTransition
}

// ManualReroute marks the request rerouted toward newTarget.
func (c *Controls) ManualReroute(ctx context.Context, requestID, newTarget, operator, reason string) ActionResult {
	newTarget = strings.TrimSpace(newTarget)
	a := action{
		kind:      persistence.ActionManualReroute,
		requestID: requestID,
		operator:  strings.TrimSpace(operator),
		reason:    strings.TrimSpace(reason),
		payload:   map[string]any{"new_target": newTarget},
	}
	if newTarget == "" {
		return c.finish(ctx, a, ActionResult{Error: CodeValidationError, Message: "new target is required"})
	}
	a.t = persistence.MessageTransition{
		To:      persistence.StateRerouted,
		NotFrom: terminalGuard,
		ContextPatch: map[string]any{RerouteKey: RerouteInfo{
			NewTarget:  newTarget,
			Operator:   a.operator,
			Reason:     a.reason,
			ReroutedAt: c.store.Now().UTC().Format(time.RFC3339Nano),
		}},
		PreviousTargetsKey: RerouteKey,
		MetadataPatch:      map[string]any{"operator_action": string(a.kind)},
	}
	return c.run(ctx, a)
}

// Cancel stops a request that has not finished.
func (c *Controls) Cancel(ctx context.Context, requestID, operator, reason string) ActionResult {
	a := action{
		kind:      persistence.ActionCancelRequest,
		requestID: requestID,
		operator:  strings.TrimSpace(operator),
		reason:    strings.TrimSpace(reason),
	}
	summary := "Cancelled by operator: " + a.reason
	a.t = persistence.MessageTransition{
		To:              persistence.StateCancelled,
		NotFrom:         cancelGuard,
		ResponseSummary: &summary,
		MetadataPatch:   map[string]any{"operator_action": string(a.kind)},
	}
	return c.run(ctx, a)
}

// Abort ends a request from any state, terminal states included.
func (c *Controls) Abort(ctx context.Context, requestID, operator, reason string) ActionResult {
	a := action{
		kind:      persistence.ActionAbortRequest,
		requestID: requestID,
		operator:  strings.TrimSpace(operator),
		reason:    strings.TrimSpace(reason),
	}
	a.t = persistence.MessageTransition{
		To:            persistence.StateAborted,
		MetadataPatch: map[string]any{"operator_action": string(a.kind)},
	}
	return c.run(ctx, a)
}

// ForceComplete marks the request completed with an operator-supplied
// summary. An empty completionSummary falls back to the reason.
func (c *Controls) ForceComplete(ctx context.Context, requestID, operator, reason, completionSummary string) ActionResult {
	a := action{
		kind:      persistence.ActionForceComplete,
		requestID: requestID,
		operator:  strings.TrimSpace(operator),
		reason:    strings.TrimSpace(reason),
	}
	completionSummary = strings.TrimSpace(completionSummary)
	if completionSummary == "" {
		completionSummary = a.reason
	}
	a.payload = map[string]any{"completion_summary": completionSummary}
	summary := fmt.Sprintf("Force-completed by %s: %s", a.operator, completionSummary)
	a.t = persistence.MessageTransition{
		To:              persistence.StateCompleted,
		NotFrom:         terminalGuard,
		ResponseSummary: &summary,
		MetadataPatch:   map[string]any{"operator_action": string(a.kind)},
	}
	return c.run(ctx, a)
}

func (c *Controls) run(ctx context.Context, a action) ActionResult {
	if res, ok := validate(a); !ok {
		return c.finish(ctx, a, res)
	}
	ctx, span := otelPkg.StartSpan(ctx, c.tracer, otelPkg.SpanOperator,
		otelPkg.AttrAction.String(string(a.kind)), otelPkg.AttrRequestID.String(a.requestID))

	res := ActionResult{}
	tr, err := c.store.TransitionMessage(ctx, a.requestID, a.t)
	switch {
	case err != nil:
		res = c.failed(ctx, a, err)
	case tr == nil:
		res = c.rejected(ctx, a, nil)
	default:
		res.Success = true
		res.PreviousState = tr.PreviousState
		res.NewState = tr.Message.LifecycleState
		payload := a.payload
		if a.kind == persistence.ActionManualReroute {
			var info RerouteInfo
			if _, err := tr.Message.ContextValue(RerouteKey, &info); err == nil {
				payload["previous_targets"] = info.PreviousTargets
			}
		}
		res.AuditID = c.audit.Record(ctx, audit.Entry{
			Action:    a.kind,
			RequestID: a.requestID,
			Operator:  a.operator,
			Reason:    a.reason,
			Payload:   payload,
			Outcome:   persistence.OutcomeSuccess,
			Details:   map[string]string{"previous_state": string(tr.PreviousState), "new_state": string(res.NewState)},
		})
	}

	span.SetAttributes(otelPkg.AttrOutcome.String(outcomeLabel(res)))
	var spanErr error
	if !res.Success {
		spanErr = errors.New(res.Error)
	}
	otelPkg.EndSpan(span, spanErr)
	return c.finish(ctx, a, res)
}

// Retry re-dispatches a rerouted request to its manual_reroute target.
func (c *Controls) Retry(ctx context.Context, requestID, operator, reason string) ActionResult {
	a := action{
		kind:      persistence.ActionControlledRetry,
		requestID: requestID,
		operator:  strings.TrimSpace(operator),
		reason:    strings.TrimSpace(reason),
	}
	if res, ok := validate(a); !ok {
		return c.finish(ctx, a, res)
	}
	if c.router == nil {
		return c.finish(ctx, a, ActionResult{Error: string(a.kind) + "_failed", Message: "no router configured"})
	}

	ctx, span := otelPkg.StartSpan(ctx, c.tracer, otelPkg.SpanOperator,
		otelPkg.AttrAction.String(string(a.kind)), otelPkg.AttrRequestID.String(a.requestID))
	res := c.retry(ctx, a)
	span.SetAttributes(otelPkg.AttrOutcome.String(outcomeLabel(res)))
	var spanErr error
	if !res.Success {
		spanErr = errors.New(res.Error)
	}
	otelPkg.EndSpan(span, spanErr)
	return c.finish(ctx, a, res)
}

func (c *Controls) retry(ctx context.Context, a action) ActionResult {
	claimed, err := c.store.TransitionMessage(ctx, a.requestID, persistence.MessageTransition{
		To:            persistence.StateDispatched,
		From:          []persistence.LifecycleState{persistence.StateRerouted},
		MetadataPatch: map[string]any{"operator_action": string(a.kind)},
	})
	if err != nil {
		return c.failed(ctx, a, err)
	}
	if claimed == nil {
		return c.rejected(ctx, a, []persistence.LifecycleState{persistence.StateRerouted})
	}

	msg := claimed.Message
	var info RerouteInfo
	if ok, err := msg.ContextValue(RerouteKey, &info); err != nil || !ok || info.NewTarget == "" {
		if err == nil {
			err = errors.New("request has no manual_reroute target")
		}
		return c.retryFailed(ctx, a, err, nil)
	}
	a.payload = map[string]any{"new_target": info.NewTarget}

	routed := c.router.Route(ctx, router.Request{
		Target: info.NewTarget,
		Tool:   c.toolName,
		Args:   map[string]any{"prompt": msg.NormalizedText, "request_id": msg.ID},
		Source: "operator:" + a.operator,
		RouteContext: &router.RouteContext{
			RequestID:  msg.ID,
			SegmentID:  "retry",
			FanoutMode: "ordered",
			Attempt:    1,
		},
	})
	outcomes, _ := json.Marshal(map[string]any{
		"targets":  []string{info.NewTarget},
		"outcomes": map[string]router.Result{info.NewTarget: routed},
		"success":  routed.OK(),
	})
	if !routed.OK() {
		return c.retryFailed(ctx, a, errors.New(routed.Error), outcomes)
	}

	summary := fmt.Sprintf("Retried by %s via %s: %v", a.operator, info.NewTarget, routed.Result)
	done, err := c.store.TransitionMessage(ctx, a.requestID, persistence.MessageTransition{
		To:               persistence.StateCompleted,
		From:             []persistence.LifecycleState{persistence.StateDispatched},
		DispatchOutcomes: outcomes,
		ResponseSummary:  &summary,
	})
	if err == nil && done == nil {
		err = errors.New("request left dispatched while the retry was in flight")
	}
	if err != nil {
		return c.failed(ctx, a, err)
	}

	res := ActionResult{
		Success:       true,
		PreviousState: persistence.StateRerouted,
		NewState:      persistence.StateCompleted,
		Result:        routed.Result,
	}
	res.AuditID = c.audit.Record(ctx, audit.Entry{
		Action:    a.kind,
		RequestID: a.requestID,
		Operator:  a.operator,
		Reason:    a.reason,
		Payload:   a.payload,
		Outcome:   persistence.OutcomeSuccess,
		Details:   map[string]any{"duration_ms": routed.DurationMs},
	})
	return res
}

// retryFailed moves a claimed request to failed before auditing the failure.
func (c *Controls) retryFailed(ctx context.Context, a action, cause error, outcomes json.RawMessage) ActionResult {
	if _, err := c.store.TransitionMessage(context.WithoutCancel(ctx), a.requestID, persistence.MessageTransition{
		To:               persistence.StateFailed,
		From:             []persistence.LifecycleState{persistence.StateDispatched},
		DispatchOutcomes: outcomes,
		MetadataPatch:    map[string]any{"failure_reason": cause.Error()},
	}); err != nil {
		c.logger.Error("mark retried request failed", "request_id", a.requestID, "error", err)
	}
	return c.failed(ctx, a, cause)
}

func validate(a action) (ActionResult, bool) {
	if a.requestID == "" || a.operator == "" || a.reason == "" {
		return ActionResult{Error: CodeValidationError, Message: "request id, operator identity and reason are required"}, false
	}
	return ActionResult{}, true
}

// rejected re-reads a request whose guard matched no row. from is the
// allow-list guard, if the action used one.
func (c *Controls) rejected(ctx context.Context, a action, from []persistence.LifecycleState) ActionResult {
	current, err := c.store.GetMessage(ctx, a.requestID)
	if err != nil {
		return c.failed(ctx, a, err)
	}
	if current == nil {
		return ActionResult{Error: CodeNotFound, Message: "request " + a.requestID + " not found"}
	}
	state := current.LifecycleState
	if from != nil && !state.Terminal() {
		return ActionResult{Error: CodeNotRerouted, PreviousState: state,
			Message: fmt.Sprintf("request is %s, expected %s", state, from[0])}
	}
	return ActionResult{Error: CodeAlreadyTerminal, PreviousState: state,
		Message: fmt.Sprintf("request is already %s", state)}
}

// failed audits an error raised after the guard passed.
func (c *Controls) failed(ctx context.Context, a action, cause error) ActionResult {
	res := ActionResult{Error: string(a.kind) + "_failed", Message: cause.Error()}
	res.AuditID = c.audit.Record(ctx, audit.Entry{
		Action:    a.kind,
		RequestID: a.requestID,
		Operator:  a.operator,
		Reason:    a.reason,
		Payload:   a.payload,
		Outcome:   persistence.OutcomeFailed,
		Details:   map[string]string{"error": cause.Error()},
	})
	return res
}

func (c *Controls) finish(ctx context.Context, a action, res ActionResult) ActionResult {
	res.Action = a.kind
	res.RequestID = a.requestID
	c.metrics.RecordOperatorAction(ctx, string(a.kind), outcomeLabel(res))

	logger := c.logger.With("action", string(a.kind), "request_id", a.requestID, "operator", a.operator)
	if res.Success {
		logger.Info("operator action applied", "previous_state", res.PreviousState, "new_state", res.NewState)
	} else {
		logger.Warn("operator action not applied", "error", res.Error, "message", res.Message)
	}
	return res
}

func outcomeLabel(res ActionResult) string {
	if res.Success {
		return string(persistence.OutcomeSuccess)
	}
	return res.Error
}
