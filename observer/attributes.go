package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for workflow observability spans and metrics.
var (
	AttrExecutionID = attribute.Key("workflow.execution_id")
	AttrWorkflowID  = attribute.Key("workflow.id")
	AttrTenantID    = attribute.Key("workflow.tenant_id")

	AttrNodeID     = attribute.Key("workflow.node_id")
	AttrNodeStatus = attribute.Key("workflow.node_status")

	AttrAgentID     = attribute.Key("workflow.agent_id")
	AttrAgentStatus = attribute.Key("workflow.agent_status")

	AttrPlanID    = attribute.Key("workflow.plan_id")
	AttrStepCount = attribute.Key("workflow.step_count")

	AttrEventName = attribute.Key("workflow.event")
)
