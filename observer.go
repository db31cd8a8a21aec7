package meander

import (
	"log/slog"
	"time"
)

// Event names emitted through Observer.OnEvent during an execution's
// lifecycle. Node, agent, checkpoint, and planner boundaries have dedicated
// callbacks; everything else flows through OnEvent.
const (
	EventExecutionStarted   = "execution.started"
	EventExecutionCompleted = "execution.completed"
	EventExecutionPaused    = "execution.paused"
	EventExecutionFailed    = "execution.failed"
	EventExecutionResumed   = "execution.resumed"
	EventBacktrack          = "execution.backtrack"
	EventPlanCreated        = "plan.created"
	EventPlanRevised        = "plan.revised"
	EventPlanCompleted      = "plan.completed"
	EventStepStarted        = "step.started"
	EventStepCompleted      = "step.completed"
)

// Observer receives execution lifecycle callbacks. Implementations must be
// safe for concurrent use: parallel nodes report child boundaries from
// worker goroutines. Compose observers with MultiObserver.
type Observer interface {
	OnNodeStart(executionID, nodeID string)
	OnNodeComplete(executionID, nodeID string, result NodeResult, elapsed time.Duration)
	OnAgentStart(executionID, agentID string)
	OnAgentComplete(executionID, agentID string, elapsed time.Duration, err error)
	OnCheckpoint(executionID string, snap *Snapshot)
	OnPlannerStart(executionID, planID string)
	OnPlannerComplete(executionID, planID string, success bool)
	// OnEvent reports a named lifecycle event with free-form fields.
	OnEvent(executionID, name string, fields map[string]any)
}

// NopObserver ignores every callback. It is the default when no observer is
// supplied.
type NopObserver struct{}

var _ Observer = NopObserver{}

func (NopObserver) OnNodeStart(string, string)                                 {}
func (NopObserver) OnNodeComplete(string, string, NodeResult, time.Duration)   {}
func (NopObserver) OnAgentStart(string, string)                                {}
func (NopObserver) OnAgentComplete(string, string, time.Duration, error)       {}
func (NopObserver) OnCheckpoint(string, *Snapshot)                             {}
func (NopObserver) OnPlannerStart(string, string)                              {}
func (NopObserver) OnPlannerComplete(string, string, bool)                     {}
func (NopObserver) OnEvent(string, string, map[string]any)                     {}

// MultiObserver fans every callback out to each member in order.
type MultiObserver []Observer

var _ Observer = MultiObserver(nil)

func (m MultiObserver) OnNodeStart(executionID, nodeID string) {
	for _, o := range m {
		o.OnNodeStart(executionID, nodeID)
	}
}

func (m MultiObserver) OnNodeComplete(executionID, nodeID string, result NodeResult, elapsed time.Duration) {
	for _, o := range m {
		o.OnNodeComplete(executionID, nodeID, result, elapsed)
	}
}

func (m MultiObserver) OnAgentStart(executionID, agentID string) {
	for _, o := range m {
		o.OnAgentStart(executionID, agentID)
	}
}

func (m MultiObserver) OnAgentComplete(executionID, agentID string, elapsed time.Duration, err error) {
	for _, o := range m {
		o.OnAgentComplete(executionID, agentID, elapsed, err)
	}
}

func (m MultiObserver) OnCheckpoint(executionID string, snap *Snapshot) {
	for _, o := range m {
		o.OnCheckpoint(executionID, snap)
	}
}

func (m MultiObserver) OnPlannerStart(executionID, planID string) {
	for _, o := range m {
		o.OnPlannerStart(executionID, planID)
	}
}

func (m MultiObserver) OnPlannerComplete(executionID, planID string, success bool) {
	for _, o := range m {
		o.OnPlannerComplete(executionID, planID, success)
	}
}

func (m MultiObserver) OnEvent(executionID, name string, fields map[string]any) {
	for _, o := range m {
		o.OnEvent(executionID, name, fields)
	}
}

// LogObserver writes every callback to a structured logger at Info level.
type LogObserver struct {
	logger *slog.Logger
}

var _ Observer = (*LogObserver)(nil)

// NewLogObserver creates an observer logging to l.
func NewLogObserver(l *slog.Logger) *LogObserver {
	if l == nil {
		l = nopLogger
	}
	return &LogObserver{logger: l}
}

func (o *LogObserver) OnNodeStart(executionID, nodeID string) {
	o.logger.Info("node started", "execution", executionID, "node", nodeID)
}

func (o *LogObserver) OnNodeComplete(executionID, nodeID string, result NodeResult, elapsed time.Duration) {
	o.logger.Info("node completed",
		"execution", executionID,
		"node", nodeID,
		"status", result.Status,
		"elapsed_ms", elapsed.Milliseconds())
}

func (o *LogObserver) OnAgentStart(executionID, agentID string) {
	o.logger.Info("agent started", "execution", executionID, "agent", agentID)
}

func (o *LogObserver) OnAgentComplete(executionID, agentID string, elapsed time.Duration, err error) {
	if err != nil {
		o.logger.Warn("agent failed",
			"execution", executionID,
			"agent", agentID,
			"elapsed_ms", elapsed.Milliseconds(),
			"error", err)
		return
	}
	o.logger.Info("agent completed",
		"execution", executionID,
		"agent", agentID,
		"elapsed_ms", elapsed.Milliseconds())
}

func (o *LogObserver) OnCheckpoint(executionID string, snap *Snapshot) {
	o.logger.Info("checkpoint written",
		"execution", executionID,
		"node", snap.CurrentNode,
		"steps", len(snap.History.Steps))
}

func (o *LogObserver) OnPlannerStart(executionID, planID string) {
	o.logger.Info("planner started", "execution", executionID, "plan", planID)
}

func (o *LogObserver) OnPlannerComplete(executionID, planID string, success bool) {
	o.logger.Info("planner completed", "execution", executionID, "plan", planID, "success", success)
}

func (o *LogObserver) OnEvent(executionID, name string, fields map[string]any) {
	attrs := make([]any, 0, 2+2*len(fields))
	attrs = append(attrs, "execution", executionID)
	for k, v := range fields {
		attrs = append(attrs, k, v)
	}
	o.logger.Info(name, attrs...)
}
