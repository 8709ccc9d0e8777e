package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the switchboard metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RouteDuration          metric.Float64Histogram
	RouteErrors            metric.Int64Counter
	FanoutExecutions       metric.Int64Counter
	DeadLetterCaptures     metric.Int64Counter
	DeadLetterReplays      metric.Int64Counter
	OperatorActions        metric.Int64Counter
	EligibilityTransitions metric.Int64Counter
	RequestDuration        metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RouteDuration, err = meter.Float64Histogram("switchboard.route.duration",
		metric.WithDescription("Router call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RouteErrors, err = meter.Int64Counter("switchboard.route.errors",
		metric.WithDescription("Router calls that returned an error, by error code"),
	)
	if err != nil {
		return nil, err
	}

	m.FanoutExecutions, err = meter.Int64Counter("switchboard.fanout.executions",
		metric.WithDescription("Fanout executions written, by mode and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetterCaptures, err = meter.Int64Counter("switchboard.deadletter.captures",
		metric.WithDescription("Dead-letter captures by failure category"),
	)
	if err != nil {
		return nil, err
	}

	m.DeadLetterReplays, err = meter.Int64Counter("switchboard.deadletter.replays",
		metric.WithDescription("Dead-letter replay attempts by result"),
	)
	if err != nil {
		return nil, err
	}

	m.OperatorActions, err = meter.Int64Counter("switchboard.operator.actions",
		metric.WithDescription("Operator actions by type and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.EligibilityTransitions, err = meter.Int64Counter("switchboard.eligibility.transitions",
		metric.WithDescription("Butler eligibility transitions by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("switchboard.gateway.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordRoute(ctx context.Context, target, code string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrTargetButler.String(target), attribute.String("code", code))
	m.RouteDuration.Record(ctx, d.Seconds(), attrs)
	if code != "ok" {
		m.RouteErrors.Add(ctx, 1, attrs)
	}
}

func (m *Metrics) RecordFanout(ctx context.Context, mode string, success bool) {
	if m == nil {
		return
	}
	m.FanoutExecutions.Add(ctx, 1, metric.WithAttributes(AttrFanoutMode.String(mode), attribute.Bool("success", success)))
}

func (m *Metrics) RecordDeadLetterCapture(ctx context.Context, category string) {
	if m == nil {
		return
	}
	m.DeadLetterCaptures.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

func (m *Metrics) RecordDeadLetterReplay(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.DeadLetterReplays.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(result)))
}

func (m *Metrics) RecordOperatorAction(ctx context.Context, action, outcome string) {
	if m == nil {
		return
	}
	m.OperatorActions.Add(ctx, 1, metric.WithAttributes(AttrAction.String(action), AttrOutcome.String(outcome)))
}

func (m *Metrics) RecordEligibilityTransition(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.EligibilityTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordRequest(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("route", route), attribute.Int("status", status)))
}
