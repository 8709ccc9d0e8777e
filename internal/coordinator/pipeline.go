package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/basket/switchboard/internal/deadletter"
	"github.com/basket/switchboard/internal/lifecycle"
	"github.com/basket/switchboard/internal/persistence"
)

// DefaultTool is the tool every butler exposes for a routed segment.
const DefaultTool = "route.execute"

// summaryLimit caps each target's share of response_summary.
const summaryLimit = 500

// DeadLetterSink is satisfied by *deadletter.Service.
type DeadLetterSink interface {
	CaptureMessage(ctx context.Context, msg *persistence.Message, req deadletter.CaptureRequest) (string, error)
}

type PipelineOptions struct {
	Logger   *slog.Logger
	ToolName string
	Mode     Mode
	Join     JoinPolicy
	Abort    AbortPolicy
	Retry    RetryPolicy
}

// DispatchOutcomes is stored in message_inbox.dispatch_outcomes.
type DispatchOutcomes struct {
	Targets   []string                 `json:"targets"`
	Outcomes  map[string]TargetOutcome `json:"outcomes"`
	FanoutIDs []string                 `json:"fanout_ids"`
	Attempts  int                      `json:"attempts"`
	Success   bool                     `json:"success"`
}

// Outcome reports what Process did with one request.
type Outcome struct {
	RequestID    string                     `json:"request_id"`
	State        persistence.LifecycleState `json:"state"`
	Success      bool                       `json:"success"`
	Attempts     int                        `json:"attempts"`
	FanoutIDs    []string                   `json:"fanout_ids,omitempty"`
	Summary      string                     `json:"summary,omitempty"`
	Error        string                     `json:"error,omitempty"`
	DeadLetterID string                     `json:"dead_letter_id,omitempty"`
}

// Pipeline drives an accepted message through planning, fanout with retry,
// and completion or dead-letter capture.
type Pipeline struct {
	lifecycle   *lifecycle.Manager
	planner     Planner
	executor    *Executor
	deadletters DeadLetterSink
	logger      *slog.Logger
	opts        PipelineOptions
}

func NewPipeline(lc *lifecycle.Manager, planner Planner, exec *Executor, dl DeadLetterSink, opts PipelineOptions) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ToolName == "" {
		opts.ToolName = DefaultTool
	}
	if opts.Mode == "" {
		opts.Mode = ModeParallel
	}
	if opts.Join == "" {
		opts.Join = JoinAll
	}
	if opts.Abort == "" {
		opts.Abort = AbortContinue
	}
	opts.Retry = opts.Retry.withDefaults()
	return &Pipeline{
		lifecycle:   lc,
		planner:     planner,
		executor:    exec,
		deadletters: dl,
		logger:      opts.Logger,
		opts:        opts,
	}
}

// Ingest accepts an inbound request and processes it.
func (p *Pipeline) Ingest(ctx context.Context, in lifecycle.Inbound) (*Outcome, error) {
	msg, err := p.lifecycle.Accept(ctx, in)
	if err != nil {
		return nil, err
	}
	return p.Process(ctx, msg.ID)
}

// Process runs an accepted message to completed or failed. Errors are
// returned only when the lifecycle itself could not be advanced; dispatch
// failures are reported in the Outcome.
func (p *Pipeline) Process(ctx context.Context, requestID string) (*Outcome, error) {
	msg, err := p.lifecycle.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if msg.LifecycleState != persistence.StateAccepted {
		return nil, fmt.Errorf("%w: %s is %s, expected accepted", lifecycle.ErrInvalidTransition, requestID, msg.LifecycleState)
	}
	logger := p.logger.With("request_id", requestID, "trace_id", msg.TraceID)

	targets, err := p.planner.Plan(ctx, msg)
	if err == nil {
		err = validateTargets(targets)
		if err == nil && len(targets) == 0 {
			err = fmt.Errorf("%w: planner returned no targets", ErrInvalidPlan)
		}
	}
	if err != nil {
		logger.Warn("planning failed", "error", err)
		category := persistence.CategoryDownstreamFailure
		if errors.Is(err, ErrInvalidPlan) {
			category = persistence.CategoryValidationError
		}
		return p.fail(ctx, msg, &Outcome{RequestID: requestID}, "planning failed: "+err.Error(), category,
			map[string]string{"planner": err.Error()})
	}
	if _, err := p.lifecycle.MarkDecomposed(ctx, requestID, targets); err != nil {
		return nil, err
	}

	out, dispatched := p.dispatch(ctx, msg, targets)
	if _, err := p.lifecycle.MarkDispatched(ctx, requestID, dispatched); err != nil {
		return nil, err
	}

	if dispatched.Success {
		summary := summarize(targets, dispatched.Outcomes)
		if _, err := p.lifecycle.Complete(ctx, requestID, summary); err != nil {
			return nil, err
		}
		out.State = persistence.StateCompleted
		out.Success = true
		out.Summary = summary
		logger.Info("request completed", "attempts", out.Attempts)
		return out, nil
	}

	errs := make(map[string]string)
	for name, o := range dispatched.Outcomes {
		if o.Status != StatusSuccess {
			errs[name] = o.Error
		}
	}
	category := failureCategory(dispatched.Outcomes, out.Attempts, p.opts.Retry.MaxAttempts)
	return p.fail(ctx, msg, out, failureReason(targets, dispatched.Outcomes), category, errs)
}

// dispatch runs fanout attempts until the join policy is met, attempts are
// spent, or only non-retryable failures remain. Each attempt re-dispatches
// the targets that have not yet succeeded and writes its own fanout row.
func (p *Pipeline) dispatch(ctx context.Context, msg *persistence.Message, targets []Target) (*Outcome, DispatchOutcomes) {
	d := DispatchOutcomes{Outcomes: make(map[string]TargetOutcome, len(targets))}
	for _, t := range targets {
		d.Targets = append(d.Targets, t.TargetButler)
	}
	channel := ""
	_, _ = msg.ContextValue("channel", &channel)

	pending := targets
	attempt := 0
	operation := func() (bool, error) {
		attempt++
		exec, err := p.executor.Execute(ctx, Plan{
			RequestID:     msg.ID,
			SourceChannel: channel,
			SourceID:      msg.ID,
			ToolName:      p.opts.ToolName,
			Mode:          p.opts.Mode,
			Join:          p.opts.Join,
			Abort:         p.opts.Abort,
			Targets:       pending,
			Attempt:       attempt,
		})
		if exec == nil {
			return false, backoff.Permanent(err)
		}
		if err != nil {
			p.logger.Error("fanout not recorded", "request_id", msg.ID, "attempt", attempt, "error", err)
		}
		d.FanoutIDs = append(d.FanoutIDs, exec.ID)
		for name, o := range exec.Outcomes {
			d.Outcomes[name] = o
		}
		if joined(p.opts.Join, targets, d.Outcomes) {
			return true, nil
		}

		pending = exec.Failed()
		for _, t := range pending {
			if retryable(d.Outcomes[t.TargetButler]) {
				return false, fmt.Errorf("attempt %d: %d target(s) pending", attempt, len(pending))
			}
		}
		return false, backoff.Permanent(errors.New("no retryable targets"))
	}

	ok, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(p.opts.Retry.backOff()),
		backoff.WithMaxTries(uint(p.opts.Retry.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Info("retrying fanout", "request_id", msg.ID, "error", err, "backoff", next)
		}),
	)
	if err != nil && attempt == 0 {
		// Context ended before the first attempt could be recorded.
		for _, t := range targets {
			d.Outcomes[t.TargetButler] = TargetOutcome{Status: StatusFailed, Error: err.Error()}
		}
	}
	d.Attempts = attempt
	d.Success = ok

	return &Outcome{
		RequestID: msg.ID,
		State:     persistence.StateDispatched,
		Attempts:  attempt,
		FanoutIDs: d.FanoutIDs,
	}, d
}

func (p *Pipeline) fail(ctx context.Context, msg *persistence.Message, out *Outcome, reason string,
	category persistence.FailureCategory, details any) (*Outcome, error) {
	if _, err := p.lifecycle.Fail(ctx, msg.ID, reason); err != nil {
		return nil, err
	}
	out.State = persistence.StateFailed
	out.Error = reason

	req := deadletter.CaptureRequest{
		FailureReason:   reason,
		FailureCategory: category,
		ErrorDetails:    details,
	}
	if out.Attempts > 1 {
		req.RetryCount = out.Attempts - 1
		now := time.Now().UTC()
		req.LastRetryAt = &now
	}
	if p.deadletters != nil {
		id, err := p.deadletters.CaptureMessage(context.WithoutCancel(ctx), msg, req)
		if err != nil {
			p.logger.Error("dead letter capture failed", "request_id", msg.ID, "error", err)
		}
		out.DeadLetterID = id
	}
	p.logger.Warn("request failed", "request_id", msg.ID, "category", category, "reason", reason)
	return out, nil
}

func summarize(targets []Target, outcomes map[string]TargetOutcome) string {
	var b strings.Builder
	for _, t := range targets {
		o := outcomes[t.TargetButler]
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.TargetButler)
		b.WriteString(": ")
		if o.Status != StatusSuccess {
			b.WriteString(o.Status)
			continue
		}
		b.WriteString(truncate(resultText(o.Result), summaryLimit))
	}
	return b.String()
}

func failureReason(targets []Target, outcomes map[string]TargetOutcome) string {
	var parts []string
	for _, t := range targets {
		o := outcomes[t.TargetButler]
		switch o.Status {
		case StatusSuccess:
		case StatusSkipped:
			parts = append(parts, t.TargetButler+": skipped")
		default:
			parts = append(parts, t.TargetButler+": "+o.Error)
		}
	}
	return "dispatch failed: " + strings.Join(parts, "; ")
}

func resultText(v any) string {
	switch r := v.(type) {
	case nil:
		return "ok"
	case string:
		return r
	default:
		b, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprint(r)
		}
		return string(b)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
