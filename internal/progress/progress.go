// Package progress derives human- and agent-facing progress views from the
// lifecycle event stream. The aggregator holds no executor reference: it
// rebuilds node status purely from bus events, so any component that can see
// the bus can host one.
package progress

import (
	"sort"
	"sync"
	"time"

	"github.com/dcastano/stepgate/internal/bus"
	"github.com/dcastano/stepgate/internal/engine"
	"github.com/dcastano/stepgate/pkg/schema"
)

// PhaseProgress summarizes one phase of the graph.
type PhaseProgress struct {
	Total int `json:"total"`
	Done  int `json:"done"` // done or skipped
}

// Snapshot is a point-in-time progress summary.
type Snapshot struct {
	WorkflowID      string                    `json:"workflow_id"`
	GraphID         string                    `json:"graph_id"`
	Total           int                       `json:"total"`
	Counts          map[schema.NodeStatus]int `json:"counts"`
	PercentComplete float64                   `json:"percent_complete"`
	Phases          map[string]PhaseProgress  `json:"phases,omitempty"`
	LastBlocked     *schema.GateResult        `json:"last_blocked,omitempty"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// blockedState remembers a node's most recent blocking gate result and when
// it happened, for blocker ordering.
type blockedState struct {
	result *schema.GateResult
	seq    int64
}

// Aggregator consumes lifecycle events for one graph and answers progress
// and blocker queries. Attach is idempotent; Detach releases the
// subscription.
type Aggregator struct {
	graph *engine.Graph
	bus   *bus.Bus

	mu          sync.Mutex
	workflowID  string
	statuses    map[string]schema.NodeStatus
	blocked     map[string]blockedState
	lastBlocked *schema.GateResult
	updatedAt   time.Time
	subID       uint64
	attached    bool
}

// New creates an aggregator for the graph. Call Attach to start consuming.
func New(g *engine.Graph, b *bus.Bus) *Aggregator {
	a := &Aggregator{
		graph: g,
		bus:   b,
	}
	a.reset()
	return a
}

// Attach subscribes the aggregator to the bus. Attaching twice is a no-op.
func (a *Aggregator) Attach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.attached {
		return
	}
	a.subID = a.bus.Subscribe(schema.WildcardType, a.handle)
	a.attached = true
}

// Detach unsubscribes the aggregator. State is kept; Attach resumes.
func (a *Aggregator) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.attached {
		return
	}
	a.bus.Unsubscribe(a.subID)
	a.attached = false
}

// Clear drops all accumulated run state, as if no events were seen, and
// announces the reset with one final progress update.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	workflowID := a.workflowID
	a.reset()
	update := a.progressPayload()
	a.mu.Unlock()

	a.bus.Publish(schema.Event{
		Type:       schema.EventProgressUpdated,
		WorkflowID: workflowID,
		Payload:    update,
	})
}

// Restore seeds the aggregator from a persisted run snapshot, so progress
// and blocker queries answer for a rehydrated run before any new event
// arrives. Blocking order is not recorded in snapshots; blocked nodes get
// their topological order as recency, and the highest-priority one stands in
// as the last blocked.
func (a *Aggregator) Restore(snap *engine.StatusSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reset()
	if snap == nil {
		return
	}

	a.workflowID = snap.WorkflowID
	a.updatedAt = snap.StartedAt
	if snap.CompletedAt != nil {
		a.updatedAt = *snap.CompletedAt
	}

	seq := int64(0)
	bestID := ""
	for _, id := range a.graph.Sorted {
		state, ok := snap.Nodes[id]
		if !ok {
			continue
		}
		a.statuses[id] = state.Status
		if state.Status != schema.NodeStatusBlocked || state.GateResult == nil {
			continue
		}
		seq++
		a.blocked[id] = blockedState{result: state.GateResult, seq: seq}
		if bestID == "" || a.graph.Nodes[id].Priority > a.graph.Nodes[bestID].Priority {
			bestID = id
			a.lastBlocked = state.GateResult
		}
	}
}

// reset reinitializes per-run state. Caller holds a.mu (or owns a exclusively).
func (a *Aggregator) reset() {
	a.statuses = make(map[string]schema.NodeStatus, len(a.graph.Nodes))
	for id := range a.graph.Nodes {
		a.statuses[id] = schema.NodeStatusPending
	}
	a.blocked = make(map[string]blockedState)
	a.lastBlocked = nil
	a.workflowID = ""
	a.updatedAt = time.Time{}
}

// handle applies one lifecycle event. Unknown nodes and event types are
// ignored: the aggregator tracks exactly the graph it was built for.
func (a *Aggregator) handle(event schema.Event) {
	a.mu.Lock()

	switch event.Type {
	case schema.EventWorkflowCleared:
		a.reset()
		a.mu.Unlock()
		return
	case schema.EventWorkflowStarted:
		a.workflowID = event.WorkflowID
		a.updatedAt = event.Timestamp
		a.mu.Unlock()
		return
	case schema.EventProgressUpdated:
		// Our own output; consuming it would loop.
		a.mu.Unlock()
		return
	}

	status, tracked := statusForEvent(event.Type)
	if !tracked {
		a.mu.Unlock()
		return
	}
	if _, known := a.statuses[event.NodeID]; !known {
		a.mu.Unlock()
		return
	}

	a.statuses[event.NodeID] = status
	a.updatedAt = event.Timestamp

	if event.Type == schema.EventNodeBlocked {
		if result, ok := event.Payload.(*schema.GateResult); ok {
			a.blocked[event.NodeID] = blockedState{result: result, seq: event.Sequence}
			a.lastBlocked = result
		}
	} else if status != schema.NodeStatusBlocked {
		delete(a.blocked, event.NodeID)
	}

	update := a.progressPayload()
	workflowID := a.workflowID
	a.mu.Unlock()

	// Publish outside the lock: the bus delivers synchronously and another
	// subscriber may query this aggregator from its handler.
	a.bus.Publish(schema.Event{
		Type:       schema.EventProgressUpdated,
		WorkflowID: workflowID,
		Payload:    update,
	})
}

// statusForEvent maps a node lifecycle event to the status it implies.
func statusForEvent(eventType string) (schema.NodeStatus, bool) {
	switch eventType {
	case schema.EventNodeReady, schema.EventNodeRetrying:
		return schema.NodeStatusReady, true
	case schema.EventNodeStarted:
		return schema.NodeStatusRunning, true
	case schema.EventNodeCompleted:
		return schema.NodeStatusDone, true
	case schema.EventNodeBlocked:
		return schema.NodeStatusBlocked, true
	case schema.EventNodeFailed:
		return schema.NodeStatusFailed, true
	case schema.EventNodeSkipped:
		return schema.NodeStatusSkipped, true
	default:
		return "", false
	}
}

// progressPayload builds the metadata-only progress:updated payload.
// Caller holds a.mu.
func (a *Aggregator) progressPayload() map[string]any {
	done := 0
	for _, status := range a.statuses {
		if status.IsTerminalSuccess() {
			done++
		}
	}
	total := len(a.statuses)
	percent := 0.0
	if total > 0 {
		percent = float64(done) / float64(total) * 100
	}
	return map[string]any{
		"done":         done,
		"total":        total,
		"percent":      percent,
		"has_blockers": len(a.blocked) > 0,
	}
}

// Snapshot returns the current progress summary. Percent counts done and
// skipped nodes: a skipped branch is resolved work, not missing work.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	counts := make(map[schema.NodeStatus]int)
	phases := make(map[string]PhaseProgress)
	done := 0

	for id, status := range a.statuses {
		counts[status]++
		if status.IsTerminalSuccess() {
			done++
		}
		if phase := a.graph.Nodes[id].Phase; phase != "" {
			p := phases[phase]
			p.Total++
			if status.IsTerminalSuccess() {
				p.Done++
			}
			phases[phase] = p
		}
	}

	total := len(a.statuses)
	percent := 0.0
	if total > 0 {
		percent = float64(done) / float64(total) * 100
	}
	if len(phases) == 0 {
		phases = nil
	}

	return Snapshot{
		WorkflowID:      a.workflowID,
		GraphID:         a.graph.Definition.ID,
		Total:           total,
		Counts:          counts,
		PercentComplete: percent,
		Phases:          phases,
		LastBlocked:     a.lastBlocked,
		UpdatedAt:       a.updatedAt,
	}
}

// Blockers lists the currently blocked nodes: the most recently blocked node
// first, then the rest by descending priority, most recently blocked first
// within a priority. Each entry carries the remediation from the node's last
// gate result.
func (a *Aggregator) Blockers() []schema.BlockerEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := make([]schema.BlockerEntry, 0, len(a.blocked))
	seqs := make(map[string]int64, len(a.blocked))

	for id, state := range a.blocked {
		def := a.graph.Nodes[id]
		entry := schema.BlockerEntry{
			NodeID:   id,
			Label:    def.Label,
			Phase:    def.Phase,
			Priority: def.Priority,
			Reason:   "completion gate not satisfied",
		}
		if state.result != nil {
			entry.MissingEvidence = state.result.MissingEvidence
			entry.FailingEvidence = state.result.FailingEvidence
			entry.NextToolCalls = state.result.NextToolCalls
		}
		entries = append(entries, entry)
		seqs[id] = state.seq
	}

	lastID := ""
	if a.lastBlocked != nil {
		lastID = a.lastBlocked.NodeID
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if (entries[i].NodeID == lastID) != (entries[j].NodeID == lastID) {
			return entries[i].NodeID == lastID
		}
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return seqs[entries[i].NodeID] > seqs[entries[j].NodeID]
	})
	return entries
}
