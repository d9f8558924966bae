package schema

import (
	"encoding/json"
	"time"
)

// NodeKind enumerates the kinds of nodes in a workflow graph.
// The set is closed: executor dispatch is an exhaustive switch, not subclassing.
type NodeKind string

const (
	NodeKindTask     NodeKind = "task"
	NodeKindDecision NodeKind = "decision"
	NodeKindJoin     NodeKind = "join"
)

// GraphDefinition is the JSON-serializable workflow graph format.
// Drivers provide this via stepgate.load (register) or stepgate.run (inline).
type GraphDefinition struct {
	ID          string          `json:"id"`
	EntryNodeID string          `json:"entry_node_id"`
	Nodes       []NodeDefinition `json:"nodes"`
	Edges       []EdgeDefinition `json:"edges"`
	Defaults    GraphDefaults   `json:"defaults,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"` // JSON Schema for run inputs
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// NodeDefinition describes a single node in a workflow graph.
type NodeDefinition struct {
	ID            string          `json:"id"`
	Kind          NodeKind        `json:"kind,omitempty"` // task, decision, join (default: task)
	Label         string          `json:"label,omitempty"`
	Phase         string          `json:"phase,omitempty"` // free-form lifecycle tag: analysis, plan, impl, test, review
	GateRequired  *bool           `json:"gate_required,omitempty"` // default: true for task nodes
	Payload       json.RawMessage `json:"payload,omitempty"`       // opaque data for the external driver
	EstimatedCost float64         `json:"estimated_cost,omitempty"`
	Priority      int             `json:"priority,omitempty"`
	MaxRetries    *int            `json:"max_retries,omitempty"` // overrides Defaults.MaxRetries
	Timeout       string          `json:"timeout,omitempty"`     // overrides Defaults.NodeTimeout (e.g. "30s")
}

// EdgeDefinition describes a directed edge between two nodes.
// Edges without a condition are unconditional.
type EdgeDefinition struct {
	From      string     `json:"from"`
	To        string     `json:"to"`
	Condition *Condition `json:"condition,omitempty"`
}

// Condition is a predicate over the accumulated result map, evaluated when the
// source decision node completes. Engine selects the expression language.
type Condition struct {
	Engine     string `json:"engine,omitempty"` // cel (default), expr, jq
	Expression string `json:"expression"`
}

// GraphDefaults holds per-graph execution settings applied to nodes that do not
// override them.
type GraphDefaults struct {
	NodeTimeout string `json:"node_timeout,omitempty"` // e.g. "5m"
	MaxRetries  int    `json:"max_retries,omitempty"`
}

// Gated reports whether the node requires gate evidence before completion.
// Task nodes default to true; decision and join nodes default to false.
func (n *NodeDefinition) Gated() bool {
	if n.GateRequired != nil {
		return *n.GateRequired
	}
	return n.Kind == NodeKindTask || n.Kind == ""
}

// RetryBudget resolves the node's retry budget against the graph defaults.
func (n *NodeDefinition) RetryBudget(defaults GraphDefaults) int {
	if n.MaxRetries != nil {
		return *n.MaxRetries
	}
	return defaults.MaxRetries
}

// NodeTimeout resolves the node's timeout against the graph defaults.
// Returns zero when neither the node nor the defaults specify one.
func (n *NodeDefinition) NodeTimeout(defaults GraphDefaults) time.Duration {
	raw := n.Timeout
	if raw == "" {
		raw = defaults.NodeTimeout
	}
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}
