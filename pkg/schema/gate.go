package schema

import "time"

// EvidenceCategory names a kind of proof consulted by the gating policy.
// The vocabulary is open-ended; "guard" and "test" are the built-in categories.
type EvidenceCategory string

const (
	EvidenceGuard EvidenceCategory = "guard"
	EvidenceTest  EvidenceCategory = "test"
)

// Evidence is a single pass/fail record supplied by an external validator
// (guard subsystem, test runner) for a named category.
type Evidence struct {
	Category   EvidenceCategory `json:"category"`
	Passed     bool             `json:"passed"`
	Detail     string           `json:"detail,omitempty"`
	RecordedAt time.Time        `json:"recorded_at,omitempty"`
}

// EvidenceSet is the evidence context for one node completion attempt,
// keyed by category.
type EvidenceSet map[EvidenceCategory]Evidence

// ToolCall is a machine-actionable remediation suggestion attached to a
// blocking GateResult.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Reason string         `json:"reason,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
}

// GateResult is the outcome of evaluating the gating policy for a node
// attempting completion. It is ephemeral: only the most recent blocking
// result is retained on the progress snapshot as LastBlocked.
type GateResult struct {
	NodeID          string             `json:"node_id"`
	Passed          bool               `json:"passed"`
	MissingEvidence []EvidenceCategory `json:"missing_evidence,omitempty"`
	FailingEvidence []EvidenceCategory `json:"failing_evidence,omitempty"`
	NextToolCalls   []ToolCall         `json:"next_tool_calls,omitempty"`
}

// BlockerEntry describes one blocked node for progress consumers: the reason
// plus the machine-actionable remediation derived from its last gate result.
type BlockerEntry struct {
	NodeID          string             `json:"node_id"`
	Label           string             `json:"label,omitempty"`
	Phase           string             `json:"phase,omitempty"`
	Priority        int                `json:"priority"`
	Reason          string             `json:"reason"`
	MissingEvidence []EvidenceCategory `json:"missing_evidence,omitempty"`
	FailingEvidence []EvidenceCategory `json:"failing_evidence,omitempty"`
	NextToolCalls   []ToolCall         `json:"next_tool_calls,omitempty"`
}
