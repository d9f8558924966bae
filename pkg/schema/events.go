package schema

import "time"

// Event type constants for the lifecycle bus.
const (
	EventWorkflowStarted   = "workflow:started"
	EventWorkflowCompleted = "workflow:completed"
	EventWorkflowFailed    = "workflow:failed"
	EventWorkflowCleared   = "workflow:cleared"

	EventNodeReady       = "node:ready"
	EventNodeStarted     = "node:started"
	EventNodeCompleted   = "node:completed"
	EventNodeBlocked     = "node:blocked"
	EventNodeBypassGates = "node:bypass_gates"
	EventNodeFailed      = "node:failed"
	EventNodeRetrying    = "node:retrying"
	EventNodeSkipped     = "node:skipped"

	EventDecisionEvaluated = "decision:evaluated"
	EventProgressUpdated   = "progress:updated"
)

// WildcardType subscribes a handler to every event type.
const WildcardType = "*"

// Event is a single lifecycle event published on the bus.
type Event struct {
	Type       string    `json:"type"`
	WorkflowID string    `json:"workflow_id"`
	NodeID     string    `json:"node_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Sequence   int64     `json:"sequence"`
}

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusActive    WorkflowStatus = "active"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// NodeStatus represents the lifecycle state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending NodeStatus = "pending"
	NodeStatusReady   NodeStatus = "ready"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusDone    NodeStatus = "done"
	NodeStatusFailed  NodeStatus = "failed"
	NodeStatusBlocked NodeStatus = "blocked"
	NodeStatusSkipped NodeStatus = "skipped"
)

// IsTerminal reports whether the status is terminal. Blocked is not terminal:
// a blocked node returns toward done once gate evidence arrives.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusDone || s == NodeStatusFailed || s == NodeStatusSkipped
}

// IsTerminalSuccess reports whether the status counts as terminal success for
// dependent readiness (done or skipped).
func (s NodeStatus) IsTerminalSuccess() bool {
	return s == NodeStatusDone || s == NodeStatusSkipped
}
