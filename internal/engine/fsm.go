package engine

import (
	"github.com/dcastano/stepgate/pkg/schema"
)

// ValidWorkflowTransitions defines the allowed state transitions for runs.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:   {schema.WorkflowStatusActive},
	schema.WorkflowStatusActive:    {schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
}

// ValidNodeTransitions defines the allowed state transitions for nodes.
// Blocked is the only non-terminal resting state reachable from running: a
// blocked node moves to done once evidence satisfies the gate, or back to
// running is never needed because completion re-evaluates in place.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending: {schema.NodeStatusReady, schema.NodeStatusSkipped},
	schema.NodeStatusReady:   {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning: {schema.NodeStatusDone, schema.NodeStatusBlocked, schema.NodeStatusFailed, schema.NodeStatusReady},
	schema.NodeStatusBlocked: {schema.NodeStatusDone, schema.NodeStatusFailed, schema.NodeStatusBlocked},
	schema.NodeStatusDone:    {},
	schema.NodeStatusFailed:  {},
	schema.NodeStatusSkipped: {},
}

// checkWorkflowTransition validates a run status transition.
func checkWorkflowTransition(workflowID string, from, to schema.WorkflowStatus) error {
	for _, allowed := range ValidWorkflowTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid workflow transition: %s -> %s", from, to).
		WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
}

// checkNodeTransition validates a node status transition.
func checkNodeTransition(nodeID string, from, to schema.NodeStatus) error {
	for _, allowed := range ValidNodeTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid node transition: %s -> %s", from, to).
		WithNode(nodeID).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}
