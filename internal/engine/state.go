package engine

import (
	"time"

	"github.com/dcastano/stepgate/pkg/schema"
)

// NodeState is the mutable per-run state of a single node.
type NodeState struct {
	NodeID     string             `json:"node_id"`
	Status     schema.NodeStatus  `json:"status"`
	RetryCount int                `json:"retry_count"`
	Result     map[string]any     `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	GateResult *schema.GateResult `json:"gate_result,omitempty"` // last blocking result
	Bypassed   bool               `json:"bypassed,omitempty"`    // gates were explicitly bypassed
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// Run is the mutable state of a single workflow instance. All access goes
// through the owning Executor, which serializes mutations.
type Run struct {
	WorkflowID string                `json:"workflow_id"`
	GraphID    string                `json:"graph_id"`
	Status     schema.WorkflowStatus `json:"status"`
	Inputs     map[string]any        `json:"inputs,omitempty"`
	Nodes      map[string]*NodeState `json:"nodes"`
	// decisions maps a completed decision node to the target of its matched
	// edge. Unmatched branch targets are skipped during readiness recompute.
	Decisions   map[string]string `json:"decisions,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`

	// finishEmitted guards the terminal workflow event: exactly one of
	// workflow:completed or workflow:failed per run.
	finishEmitted bool
}

// newRun creates a pending Run for the graph with every node pending.
func newRun(workflowID string, g *Graph, inputs map[string]any) *Run {
	nodes := make(map[string]*NodeState, len(g.Nodes))
	for id := range g.Nodes {
		nodes[id] = &NodeState{NodeID: id, Status: schema.NodeStatusPending}
	}
	return &Run{
		WorkflowID: workflowID,
		GraphID:    g.Definition.ID,
		Status:     schema.WorkflowStatusPending,
		Inputs:     inputs,
		Nodes:      nodes,
		Decisions:  make(map[string]string),
	}
}

// Results assembles the node ID → result map for condition environments.
// Only done nodes contribute.
func (r *Run) Results() map[string]any {
	results := make(map[string]any, len(r.Nodes))
	for id, node := range r.Nodes {
		if node.Status == schema.NodeStatusDone && node.Result != nil {
			results[id] = node.Result
		}
	}
	return results
}

// StatusSnapshot is a point-in-time copy of a run. It doubles as the
// persistence format: a run restores from its latest snapshot alone, with no
// event replay.
type StatusSnapshot struct {
	WorkflowID  string                `json:"workflow_id"`
	GraphID     string                `json:"graph_id"`
	Status      schema.WorkflowStatus `json:"status"`
	Inputs      map[string]any        `json:"inputs,omitempty"`
	Nodes       map[string]NodeState  `json:"nodes"`
	Decisions   map[string]string     `json:"decisions,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}
