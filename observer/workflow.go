package observer

import (
	"context"
	"time"

	"github.com/nevindra/meander"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
)

// WorkflowObserver implements meander.Observer on OTEL instruments. Every
// callback increments metrics and emits a structured log record through the
// configured log provider. Callbacks carry no context, so telemetry is
// recorded against a background context and correlated by execution id
// attributes rather than trace propagation.
type WorkflowObserver struct {
	inst *Instruments
}

// NewWorkflowObserver returns an observer emitting telemetry through inst.
// Call Init first to configure the OTEL providers.
func NewWorkflowObserver(inst *Instruments) *WorkflowObserver {
	return &WorkflowObserver{inst: inst}
}

var _ meander.Observer = (*WorkflowObserver)(nil)

func (o *WorkflowObserver) OnNodeStart(executionID, nodeID string) {
	o.emit(otellog.SeverityInfo, "node started",
		otellog.String("workflow.execution_id", executionID),
		otellog.String("workflow.node_id", nodeID),
	)
}

func (o *WorkflowObserver) OnNodeComplete(executionID, nodeID string, result meander.NodeResult, elapsed time.Duration) {
	ctx := context.Background()
	durationMs := float64(elapsed.Milliseconds())

	o.inst.NodeExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrNodeID.String(nodeID),
		AttrNodeStatus.String(string(result.Status)),
	))
	o.inst.NodeDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrNodeID.String(nodeID),
	))

	o.emit(otellog.SeverityInfo, "node completed",
		otellog.String("workflow.execution_id", executionID),
		otellog.String("workflow.node_id", nodeID),
		otellog.String("workflow.node_status", string(result.Status)),
		otellog.Float64("duration_ms", durationMs),
	)
}

func (o *WorkflowObserver) OnAgentStart(executionID, agentID string) {
	o.emit(otellog.SeverityInfo, "agent call started",
		otellog.String("workflow.execution_id", executionID),
		otellog.String("workflow.agent_id", agentID),
	)
}

func (o *WorkflowObserver) OnAgentComplete(executionID, agentID string, elapsed time.Duration, err error) {
	ctx := context.Background()
	durationMs := float64(elapsed.Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
	}

	o.inst.AgentCalls.Add(ctx, 1, metric.WithAttributes(
		AttrAgentID.String(agentID),
		AttrAgentStatus.String(status),
	))
	o.inst.AgentDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAgentID.String(agentID),
	))

	severity := otellog.SeverityInfo
	attrs := []otellog.KeyValue{
		otellog.String("workflow.execution_id", executionID),
		otellog.String("workflow.agent_id", agentID),
		otellog.String("workflow.agent_status", status),
		otellog.Float64("duration_ms", durationMs),
	}
	if err != nil {
		severity = otellog.SeverityWarn
		attrs = append(attrs, otellog.String("error", err.Error()))
	}
	o.emit(severity, "agent call completed", attrs...)
}

func (o *WorkflowObserver) OnCheckpoint(executionID string, snap *meander.Snapshot) {
	o.inst.Checkpoints.Add(context.Background(), 1, metric.WithAttributes(
		AttrWorkflowID.String(snap.WorkflowID),
	))
	o.emit(otellog.SeverityDebug, "checkpoint written",
		otellog.String("workflow.execution_id", executionID),
		otellog.String("workflow.node_id", snap.CurrentNode),
		otellog.Int("workflow.step_count", len(snap.History.Steps)),
	)
}

func (o *WorkflowObserver) OnPlannerStart(executionID, planID string) {
	o.inst.PlannerRuns.Add(context.Background(), 1, metric.WithAttributes(
		AttrPlanID.String(planID),
	))
	o.emit(otellog.SeverityInfo, "planner started",
		otellog.String("workflow.execution_id", executionID),
		otellog.String("workflow.plan_id", planID),
	)
}

func (o *WorkflowObserver) OnPlannerComplete(executionID, planID string, success bool) {
	o.emit(otellog.SeverityInfo, "planner completed",
		otellog.String("workflow.execution_id", executionID),
		otellog.String("workflow.plan_id", planID),
		otellog.Bool("success", success),
	)
}

func (o *WorkflowObserver) OnEvent(executionID, name string, fields map[string]any) {
	ctx := context.Background()
	switch name {
	case meander.EventBacktrack:
		o.inst.Backtracks.Add(ctx, 1, metric.WithAttributes(
			AttrEventName.String(name),
		))
	case meander.EventStepCompleted:
		o.inst.PlanSteps.Add(ctx, 1)
	case meander.EventExecutionCompleted, meander.EventExecutionFailed:
		o.inst.ExecutionsEnded.Add(ctx, 1, metric.WithAttributes(
			AttrEventName.String(name),
		))
	}

	attrs := make([]otellog.KeyValue, 0, 2+len(fields))
	attrs = append(attrs,
		otellog.String("workflow.execution_id", executionID),
		otellog.String("workflow.event", name),
	)
	for k, v := range fields {
		attrs = append(attrs, toLogAttr(k, v))
	}
	o.emit(otellog.SeverityInfo, name, attrs...)
}

func (o *WorkflowObserver) emit(sev otellog.Severity, body string, attrs ...otellog.KeyValue) {
	var rec otellog.Record
	rec.SetSeverity(sev)
	rec.SetBody(otellog.StringValue(body))
	rec.AddAttributes(attrs...)
	o.inst.Logger.Emit(context.Background(), rec)
}

// toLogAttr converts a free-form event field to an OTEL log attribute.
func toLogAttr(k string, v any) otellog.KeyValue {
	switch val := v.(type) {
	case string:
		return otellog.String(k, val)
	case int:
		return otellog.Int(k, val)
	case int64:
		return otellog.Int64(k, val)
	case float64:
		return otellog.Float64(k, val)
	case bool:
		return otellog.Bool(k, val)
	default:
		return otellog.String(k, stringify(val))
	}
}

func stringify(v any) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return meander.Stringify(v)
}
