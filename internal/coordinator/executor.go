package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/switchboard/internal/bus"
	otelPkg "github.com/basket/switchboard/internal/otel"
	"github.com/basket/switchboard/internal/persistence"
	"github.com/basket/switchboard/internal/router"
	"github.com/basket/switchboard/internal/shared"
)

type ExecutorOptions struct {
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *otelPkg.Metrics
	// Source is logged as source_butler on every routed call.
	Source string
}

// Executor dispatches a Plan through the Router and writes one immutable
// fanout_execution_log row per call to Execute.
type Executor struct {
	router  Dispatcher
	store   *persistence.Store
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	source  string
}

func NewExecutor(d Dispatcher, store *persistence.Store, opts ExecutorOptions) *Executor {
	e := &Executor{
		router:  d,
		store:   store,
		logger:  opts.Logger,
		tracer:  opts.Tracer,
		metrics: opts.Metrics,
		source:  opts.Source,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.tracer == nil {
		e.tracer = otelPkg.Noop().Tracer
	}
	if e.source == "" {
		e.source = router.DefaultSource
	}
	return e
}

// Execute runs a plan and records the execution. The returned Execution is
// non-nil whenever dispatch happened, even if recording failed.
func (e *Executor) Execute(ctx context.Context, plan Plan) (*Execution, error) {
	plan.applyDefaults()
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	ctx, span := otelPkg.StartSpan(ctx, e.tracer, otelPkg.SpanFanout,
		otelPkg.AttrRequestID.String(plan.RequestID),
		otelPkg.AttrFanoutMode.String(string(plan.Mode)),
		otelPkg.AttrJoinPolicy.String(string(plan.Join)),
		otelPkg.AttrAbortPolicy.String(string(plan.Abort)),
		otelPkg.AttrTargets.Int(len(plan.Targets)),
		otelPkg.AttrAttempt.Int(plan.Attempt),
	)

	exec := &Execution{ID: shared.NewID(), Plan: plan}
	if plan.Mode == ModeOrdered {
		exec.Outcomes = e.runOrdered(ctx, plan)
	} else {
		exec.Outcomes = e.runParallel(ctx, plan)
	}
	exec.Success = joined(plan.Join, plan.Targets, exec.Outcomes)
	span.SetAttributes(attribute.Bool("switchboard.success", exec.Success))

	err := e.record(ctx, exec)
	otelPkg.EndSpan(span, err)
	if err != nil {
		return exec, err
	}

	e.metrics.RecordFanout(ctx, string(plan.Mode), exec.Success)
	e.store.Bus().Publish(bus.TopicFanoutCompleted, bus.FanoutCompletedEvent{
		ExecutionID: exec.ID,
		RequestID:   plan.RequestID,
		Mode:        string(plan.Mode),
		Targets:     len(plan.Targets),
		Success:     exec.Success,
		Attempt:     plan.Attempt,
	})
	e.logger.Info("fanout completed", "execution_id", exec.ID, "request_id", plan.RequestID,
		"mode", plan.Mode, "targets", len(plan.Targets), "success", exec.Success, "attempt", plan.Attempt)
	return exec, nil
}

// runParallel starts every dispatch at once. Abort policy cannot skip
// anything here since all calls are already in flight.
func (e *Executor) runParallel(ctx context.Context, plan Plan) map[string]TargetOutcome {
	results := make([]TargetOutcome, len(plan.Targets))
	var wg sync.WaitGroup
	for i, t := range plan.Targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.dispatch(ctx, plan, i, t)
		}()
	}
	wg.Wait()

	outcomes := make(map[string]TargetOutcome, len(plan.Targets))
	for i, t := range plan.Targets {
		outcomes[t.TargetButler] = results[i]
	}
	return outcomes
}

func (e *Executor) runOrdered(ctx context.Context, plan Plan) map[string]TargetOutcome {
	outcomes := make(map[string]TargetOutcome, len(plan.Targets))
	halted := false
	for i, t := range plan.Targets {
		if halted {
			outcomes[t.TargetButler] = TargetOutcome{Status: StatusSkipped, Attempt: plan.Attempt}
			continue
		}
		out := e.dispatch(ctx, plan, i, t)
		outcomes[t.TargetButler] = out
		if out.Status != StatusSuccess && plan.Abort == AbortAnyFailure {
			halted = true
		}
	}
	return outcomes
}

func (e *Executor) dispatch(ctx context.Context, plan Plan, index int, t Target) TargetOutcome {
	res := e.router.Route(ctx, router.Request{
		Target: t.TargetButler,
		Tool:   plan.ToolName,
		Args: map[string]any{
			"prompt":     t.Prompt,
			"request_id": plan.RequestID,
		},
		Source: e.source,
		RouteContext: &router.RouteContext{
			RequestID:  plan.RequestID,
			SegmentID:  segmentID(index),
			FanoutMode: string(plan.Mode),
			Attempt:    plan.Attempt,
		},
	})
	out := TargetOutcome{Code: res.Code, DurationMs: res.DurationMs, Attempt: plan.Attempt}
	if res.OK() {
		out.Status = StatusSuccess
		out.Result = res.Result
	} else {
		out.Status = StatusFailed
		out.Error = res.Error
	}
	return out
}

func segmentID(i int) string { return "seg-" + strconv.Itoa(i) }

func (e *Executor) record(ctx context.Context, exec *Execution) error {
	planPayload, err := json.Marshal(exec.Plan)
	if err != nil {
		return fmt.Errorf("encode plan payload: %w", err)
	}
	execPayload, err := json.Marshal(exec.Outcomes)
	if err != nil {
		return fmt.Errorf("encode execution payload: %w", err)
	}
	rec := &persistence.FanoutRecord{
		ID:               exec.ID,
		RequestID:        exec.Plan.RequestID,
		SourceChannel:    exec.Plan.SourceChannel,
		SourceID:         exec.Plan.SourceID,
		ToolName:         exec.Plan.ToolName,
		FanoutMode:       string(exec.Plan.Mode),
		JoinPolicy:       string(exec.Plan.Join),
		AbortPolicy:      string(exec.Plan.Abort),
		Attempt:          exec.Plan.Attempt,
		Success:          exec.Success,
		PlanPayload:      planPayload,
		ExecutionPayload: execPayload,
	}
	// Dispatch already happened; the row is written even if the caller's
	// context ended meanwhile.
	if err := e.store.InsertFanoutExecution(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Error("fanout record failed", "execution_id", exec.ID, "error", err)
		return err
	}
	return nil
}
