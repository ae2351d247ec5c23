package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Governance attribute keys.
var (
	AttrExecutionID = attribute.Key("governance.execution_id")
	AttrToolID      = attribute.Key("governance.tool_id")
	AttrCapability  = attribute.Key("governance.capability_code")
	AttrRiskClass   = attribute.Key("governance.risk_class")
	AttrDecision    = attribute.Key("governance.decision")
	AttrProfileID   = attribute.Key("governance.profile_id")
	AttrGate        = attribute.Key("governance.gate")
	AttrPassed      = attribute.Key("governance.passed")
	AttrAdvisory    = attribute.Key("governance.advisory")
	AttrAgent       = attribute.Key("governance.agent")
)

// Recorder counts governance outcomes. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	tracer      trace.Tracer
	decisions   metric.Int64Counter
	budgetHalts metric.Int64Counter
	quality     metric.Int64Counter
	routing     metric.Int64Counter
}

func NewRecorder(meter metric.Meter, tracer trace.Tracer) (*Recorder, error) {
	r := &Recorder{tracer: tracer}
	var err error

	r.decisions, err = meter.Int64Counter("governance.policy.decisions",
		metric.WithDescription("Policy Guard decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}
	r.budgetHalts, err = meter.Int64Counter("governance.budget.halts",
		metric.WithDescription("Executions halted by their loop budget"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}
	r.quality, err = meter.Int64Counter("governance.quality.results",
		metric.WithDescription("Quality gate results"),
		metric.WithUnit("{result}"),
	)
	if err != nil {
		return nil, err
	}
	r.routing, err = meter.Int64Counter("governance.routing.selections",
		metric.WithDescription("Agent selections made by the router"),
		metric.WithUnit("{selection}"),
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// StartCheck opens the span around one Policy Guard check. finish records
// the decision on the span and ends it.
func (r *Recorder) StartCheck(ctx context.Context, executionID, toolID string) (context.Context, func(decision string, err error)) {
	if r == nil || r.tracer == nil {
		return ctx, func(string, error) {}
	}
	ctx, span := r.tracer.Start(ctx, "governance.check",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrExecutionID.String(executionID), AttrToolID.String(toolID)),
	)
	return ctx, func(decision string, err error) {
		span.SetAttributes(AttrDecision.String(decision))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func (r *Recorder) RecordDecision(ctx context.Context, decision, riskClass string) {
	if r == nil {
		return
	}
	r.decisions.Add(ctx, 1, metric.WithAttributes(AttrDecision.String(decision), AttrRiskClass.String(riskClass)))
}

func (r *Recorder) RecordBudgetHalt(ctx context.Context, profileID string) {
	if r == nil {
		return
	}
	r.budgetHalts.Add(ctx, 1, metric.WithAttributes(AttrProfileID.String(profileID)))
}

func (r *Recorder) RecordQualityResult(ctx context.Context, gate string, passed, advisory bool) {
	if r == nil {
		return
	}
	r.quality.Add(ctx, 1, metric.WithAttributes(
		AttrGate.String(gate), AttrPassed.Bool(passed), AttrAdvisory.Bool(advisory)))
}

func (r *Recorder) RecordRouting(ctx context.Context, agent string) {
	if r == nil {
		return
	}
	r.routing.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent)))
}
