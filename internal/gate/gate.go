// Package gate implements the completion gating policy: a node that requires
// gates may only complete when every required evidence category is present
// and passing. Evaluation is pure; the executor owns the resulting state
// transition.
package gate

import (
	"fmt"

	"github.com/dcastano/stepgate/pkg/schema"
)

// Remediation builds the machine-actionable tool call that would produce the
// missing or failing evidence for a node.
type Remediation func(node *schema.NodeDefinition) schema.ToolCall

// Policy holds the required evidence categories and their remediations.
// The category vocabulary is open: Require adds project-specific categories
// alongside the built-in guard and test checks.
type Policy struct {
	required []schema.EvidenceCategory
	remedies map[schema.EvidenceCategory]Remediation
}

// NewPolicy creates a policy requiring the built-in guard and test evidence.
func NewPolicy() *Policy {
	p := &Policy{
		remedies: make(map[schema.EvidenceCategory]Remediation),
	}
	p.Require(schema.EvidenceGuard, func(node *schema.NodeDefinition) schema.ToolCall {
		return schema.ToolCall{
			Tool:   "guard.validate",
			Reason: fmt.Sprintf("guard validation has not passed for node %s", node.ID),
			Args:   map[string]any{"node_id": node.ID},
		}
	})
	p.Require(schema.EvidenceTest, func(node *schema.NodeDefinition) schema.ToolCall {
		return schema.ToolCall{
			Tool:   "test.run",
			Reason: fmt.Sprintf("tests have not passed for node %s", node.ID),
			Args:   map[string]any{"node_id": node.ID},
		}
	})
	return p
}

// NewEmptyPolicy creates a policy with no required categories. Useful as a
// base for fully custom gates.
func NewEmptyPolicy() *Policy {
	return &Policy{remedies: make(map[schema.EvidenceCategory]Remediation)}
}

// Require adds an evidence category to the policy. The remediation may be nil
// when no automatic next step exists for the category. Requiring an existing
// category replaces its remediation.
func (p *Policy) Require(category schema.EvidenceCategory, remedy Remediation) {
	for _, existing := range p.required {
		if existing == category {
			p.remedies[category] = remedy
			return
		}
	}
	p.required = append(p.required, category)
	p.remedies[category] = remedy
}

// Required returns the required categories in registration order.
func (p *Policy) Required() []schema.EvidenceCategory {
	out := make([]schema.EvidenceCategory, len(p.required))
	copy(out, p.required)
	return out
}

// Evaluate checks the evidence set against the policy for one node.
// Categories are reported in registration order: absent ones as missing,
// present-but-failed ones as failing. The result passes only when neither
// list has entries, and carries one remediation tool call per shortfall.
func (p *Policy) Evaluate(node *schema.NodeDefinition, evidence schema.EvidenceSet) *schema.GateResult {
	result := &schema.GateResult{NodeID: node.ID}

	for _, category := range p.required {
		record, present := evidence[category]
		switch {
		case !present:
			result.MissingEvidence = append(result.MissingEvidence, category)
		case !record.Passed:
			result.FailingEvidence = append(result.FailingEvidence, category)
		default:
			continue
		}
		if remedy := p.remedies[category]; remedy != nil {
			result.NextToolCalls = append(result.NextToolCalls, remedy(node))
		}
	}

	result.Passed = len(result.MissingEvidence) == 0 && len(result.FailingEvidence) == 0
	return result
}
