// Package router dispatches a single tool call to a registered butler under
// eligibility gating. Every call writes exactly one routing_log row.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	otelPkg "github.com/basket/switchboard/internal/otel"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/shared"
	"github.com/basket/switchboard/internal/transport"
)

const (
	// DefaultSource is logged as source_butler when the caller names none.
	DefaultSource = "switchboard"
	// TraceContextKey carries W3C trace-propagation metadata inside tool args.
	TraceContextKey = "_trace_context"
)

// Result codes.
const (
	CodeOK             = "ok"
	CodeNotFound       = "not_found"
	CodeStale          = "stale"
	CodeQuarantined    = "quarantined"
	CodeTransportError = "transport_error"
	CodeRegistryError  = "registry_error"
)

// RouteContext identifies the fanout segment a dispatch belongs to.
type RouteContext struct {
	RequestID  string `json:"request_id"`
	SegmentID  string `json:"segment_id"`
	FanoutMode string `json:"fanout_mode"`
	Attempt    int    `json:"attempt"`
}

type Request struct {
	Target           string         `json:"target"`
	Tool             string         `json:"tool"`
	Args             map[string]any `json:"args,omitempty"`
	AllowStale       bool           `json:"allow_stale,omitempty"`
	AllowQuarantined bool           `json:"allow_quarantined,omitempty"`
	Source           string         `json:"source,omitempty"`
	RouteContext     *RouteContext  `json:"route_context,omitempty"`
	// Timeout bounds the transport call; zero uses the router default.
	Timeout time.Duration `json:"-"`
}

// Result is either a tool result or an error string, never both.
type Result struct {
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code"`
	DurationMs int64  `json:"duration_ms"`
}

func (r Result) OK() bool { return r.Error == "" }

type Options struct {
	Logger         *slog.Logger
	Tracer         trace.Tracer
	Metrics        *otelPkg.Metrics
	DefaultTimeout time.Duration
}

type Router struct {
	store   *persistence.Store
	caller  transport.Caller
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	timeout time.Duration
}

func New(store *persistence.Store, caller transport.Caller, opts Options) *Router {
	r := &Router{
		store:   store,
		caller:  caller,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		timeout: opts.DefaultTimeout,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.tracer == nil {
		r.tracer = otelPkg.Noop().Tracer
	}
	if r.timeout <= 0 {
		r.timeout = 60 * time.Second
	}
	return r
}

// Route runs the eligibility checks, calls the butler and logs the outcome.
func (r *Router) Route(ctx context.Context, req Request) Result {
	started := time.Now()
	source := req.Source
	if source == "" {
		source = DefaultSource
	}

	attrs := []attribute.KeyValue{
		otelPkg.AttrTargetButler.String(req.Target),
		otelPkg.AttrSourceButler.String(source),
		otelPkg.AttrToolName.String(req.Tool),
	}
	spanName := otelPkg.SpanRoute
	if rc := req.RouteContext; rc != nil {
		spanName = otelPkg.SpanDispatch
		attrs = append(attrs,
			otelPkg.AttrRequestID.String(rc.RequestID),
			otelPkg.AttrSegmentID.String(rc.SegmentID),
			otelPkg.AttrFanoutMode.String(rc.FanoutMode),
			otelPkg.AttrAttempt.Int(rc.Attempt),
		)
	}
	ctx, span := otelPkg.StartClientSpan(ctx, r.tracer, spanName, attrs...)

	res, callErr := r.route(ctx, req)
	res.DurationMs = time.Since(started).Milliseconds()

	r.record(ctx, source, req, res)
	span.SetAttributes(otelPkg.AttrOutcome.String(res.Code))
	otelPkg.EndSpan(span, callErr)
	return res
}

func (r *Router) route(ctx context.Context, req Request) (Result, error) {
	rec, err := r.store.GetButler(ctx, req.Target)
	if err != nil {
		msg := fmt.Sprintf("lookup %s: %v", req.Target, err)
		return Result{Error: msg, Code: CodeRegistryError}, err
	}
	if rec == nil {
		msg := fmt.Sprintf("%s not found", req.Target)
		return Result{Error: msg, Code: CodeNotFound}, errors.New(msg)
	}

	now := r.store.Now()
	if !req.AllowStale && (rec.IsStale(now) || rec.EligibilityState == persistence.EligibilityStale) {
		msg := staleMessage(rec, now)
		return Result{Error: msg, Code: CodeStale}, errors.New(msg)
	}
	if !req.AllowQuarantined && rec.EligibilityState == persistence.EligibilityQuarantined {
		reason := rec.QuarantineReason
		if reason == "" {
			reason = "no reason recorded"
		}
		msg := fmt.Sprintf("butler %s is quarantined: %s", rec.Name, reason)
		return Result{Error: msg, Code: CodeQuarantined}, errors.New(msg)
	}

	args := make(map[string]any, len(req.Args)+1)
	maps.Copy(args, req.Args)
	if carrier := otelPkg.InjectTraceContext(ctx); len(carrier) > 0 {
		args[TraceContextKey] = carrier
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := r.caller.CallTool(callCtx, rec.EndpointURL, req.Tool, args)
	if err != nil {
		return Result{Error: transport.FormatError(err), Code: CodeTransportError}, err
	}

	if _, err := r.store.TouchButler(ctx, rec.Name); err != nil {
		r.logger.Warn("refresh last_seen_at after route failed", "butler", rec.Name, "error", err)
	}
	return Result{Result: out, Code: CodeOK}, nil
}

func staleMessage(rec *persistence.ButlerRecord, now time.Time) string {
	age, seen := rec.SinceLastSeen(now)
	if !seen {
		return fmt.Sprintf("butler %s is stale: never seen (ttl %ds)", rec.Name, rec.LivenessTTLSeconds)
	}
	if !rec.IsStale(now) {
		// Marked stale but seen recently, e.g. by an allow_stale route. Only a
		// heartbeat or re-registration restores it.
		return fmt.Sprintf("butler %s is marked stale until its next heartbeat (last seen %s ago)",
			rec.Name, age.Truncate(time.Second))
	}
	return fmt.Sprintf("butler %s is stale: last seen %s ago (ttl %ds)",
		rec.Name, age.Truncate(time.Second), rec.LivenessTTLSeconds)
}

// record writes the routing_log row and metrics. Failures here are logged only.
func (r *Router) record(ctx context.Context, source string, req Request, res Result) {
	entry := persistence.RoutingLogEntry{
		SourceButler: source,
		TargetButler: req.Target,
		ToolName:     req.Tool,
		Success:      res.OK(),
		DurationMs:   res.DurationMs,
		Error:        res.Error,
	}
	logCtx := context.WithoutCancel(ctx)
	if _, err := r.store.InsertRoutingLog(logCtx, entry); err != nil {
		r.logger.Error("routing log write failed", "target", req.Target, "tool", req.Tool, "error", err)
	}
	r.metrics.RecordRoute(ctx, req.Target, res.Code, time.Duration(res.DurationMs)*time.Millisecond)

	logger := r.logger.With("target", req.Target, "tool", req.Tool, "code", res.Code,
		"duration_ms", res.DurationMs, "trace_id", shared.TraceID(ctx))
	if rc := req.RouteContext; rc != nil {
		logger = logger.With("request_id", rc.RequestID, "segment_id", rc.SegmentID, "attempt", rc.Attempt)
	}
	if res.OK() {
		logger.Debug("route ok")
		return
	}
	logger.Warn("route failed", "error", res.Error)
}
