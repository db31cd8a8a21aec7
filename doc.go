// Package meander is a multi-tenant orchestration engine for workflows of
// AI-agent-driven steps.
//
// A Workflow is an immutable directed graph of nodes: standard agent
// calls, parallel fan-outs, fork/joins, loops, action dispatches, generic
// handler nodes, and terminal End nodes. The WorkflowExecutor drives one
// execution from the start node to a terminal node, evaluating transition
// rules after every step, scoring agent output against rubrics, pausing
// for human review, and checkpointing a durable snapshot after each step.
//
// Persistence and recovery are capability interfaces: WorkflowRepository
// and SnapshotRepository store definitions and checkpoints, and a
// LeaseManager grants each execution to exactly one server node. The
// Heartbeat job keeps owned leases fresh; the Sweeper claims executions
// whose heartbeat has gone stale and resumes them from their latest
// snapshot. store/postgres and store/sqlite implement all four
// capabilities.
//
// Agents are consumed through the Agent interface and resolved by an
// AgentRegistry; WithRetry and WithRateLimit decorate any Agent. Observers
// receive lifecycle callbacks; the observer package wires OpenTelemetry
// traces, metrics, and logs.
package meander
