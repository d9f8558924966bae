package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dcastano/stepgate/internal/bus"
	"github.com/dcastano/stepgate/internal/expressions"
	"github.com/dcastano/stepgate/pkg/schema"
)

// GatePolicy decides whether a node's completion evidence satisfies its gate.
// Satisfied by gate.Policy and test fakes.
type GatePolicy interface {
	Evaluate(node *schema.NodeDefinition, evidence schema.EvidenceSet) *schema.GateResult
}

// Persister receives run snapshots after every state mutation. Persistence is
// best-effort: a store failure is logged, never surfaced to the driver.
// Satisfied by *store.LibSQLStore.
type Persister interface {
	SaveRun(ctx context.Context, snap *StatusSnapshot) error
}

// Executor advances a single workflow run. It performs no node work itself:
// external drivers call StartNode, CompleteNode, and FailNode, and the
// executor moves the graph state machine and publishes lifecycle events.
//
// One executor owns one run. All mutating calls are serialized on an internal
// mutex; concurrent drivers are safe but their calls apply in lock order.
type Executor struct {
	graph *Graph
	run   *Run
	bus   *bus.Bus
	gate  GatePolicy
	exprs *expressions.Registry
	store Persister
	log   *slog.Logger

	mu sync.Mutex
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithWorkflowID overrides the generated run identifier.
func WithWorkflowID(id string) ExecutorOption {
	return func(e *Executor) {
		if id != "" {
			e.run.WorkflowID = id
		}
	}
}

// WithGatePolicy sets the gating policy. Without one, every completion passes.
func WithGatePolicy(policy GatePolicy) ExecutorOption {
	return func(e *Executor) { e.gate = policy }
}

// WithPersister enables best-effort run persistence.
func WithPersister(p Persister) ExecutorOption {
	return func(e *Executor) { e.store = p }
}

// WithLogger sets the executor's logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.log = logger
		}
	}
}

// NewExecutor creates an executor for one run of the given graph.
func NewExecutor(g *Graph, b *bus.Bus, exprs *expressions.Registry, inputs map[string]any, opts ...ExecutorOption) *Executor {
	e := &Executor{
		graph: g,
		run:   newRun(uuid.NewString(), g, inputs),
		bus:   b,
		exprs: exprs,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(slog.String("workflow_id", e.run.WorkflowID))
	return e
}

// NewExecutorFromSnapshot rebuilds an executor from a persisted snapshot.
// The graph must be the same definition the snapshot was taken against.
// No events are replayed: the snapshot alone restores the run.
func NewExecutorFromSnapshot(g *Graph, b *bus.Bus, exprs *expressions.Registry, snap *StatusSnapshot, opts ...ExecutorOption) (*Executor, error) {
	if snap == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "snapshot is nil")
	}
	if snap.GraphID != g.Definition.ID {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"snapshot is for graph %s, executor has %s", snap.GraphID, g.Definition.ID)
	}

	run := newRun(snap.WorkflowID, g, snap.Inputs)
	run.Status = snap.Status
	run.StartedAt = snap.StartedAt
	run.CompletedAt = snap.CompletedAt
	run.finishEmitted = snap.Status == schema.WorkflowStatusCompleted || snap.Status == schema.WorkflowStatusFailed
	for id, target := range snap.Decisions {
		run.Decisions[id] = target
	}
	for id, state := range snap.Nodes {
		if _, known := g.Nodes[id]; !known {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"snapshot references unknown node %s", id).WithNode(id)
		}
		restored := state
		run.Nodes[id] = &restored
	}

	e := &Executor{
		graph: g,
		run:   run,
		bus:   b,
		exprs: exprs,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With(slog.String("workflow_id", e.run.WorkflowID))
	return e, nil
}

// WorkflowID returns the run identifier.
func (e *Executor) WorkflowID() string {
	return e.run.WorkflowID
}

// Graph returns the graph this executor runs.
func (e *Executor) Graph() *Graph {
	return e.graph
}

// Start activates the run: roots become ready and workflow:started is
// published. Starting an already started run is an invalid transition.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := checkWorkflowTransition(e.run.WorkflowID, e.run.Status, schema.WorkflowStatusActive); err != nil {
		return err
	}
	e.run.Status = schema.WorkflowStatusActive
	e.run.StartedAt = time.Now().UTC()

	e.publish(schema.EventWorkflowStarted, "", map[string]any{
		"graph_id": e.run.GraphID,
	})
	e.recomputeReadiness()
	e.persist(ctx)
	return nil
}

// ReadyNodes returns the nodes currently ready to start, highest Priority
// first, definition order breaking ties.
func (e *Executor) ReadyNodes() []*schema.NodeDefinition {
	e.mu.Lock()
	defer e.mu.Unlock()

	ready := make([]*schema.NodeDefinition, 0, 4)
	for _, id := range e.graph.Sorted {
		if e.run.Nodes[id].Status == schema.NodeStatusReady {
			ready = append(ready, e.graph.Nodes[id])
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return e.graph.Order[ready[i].ID] < e.graph.Order[ready[j].ID]
	})
	return ready
}

// StartNode marks a ready node as running. The driver owns the actual work.
func (e *Executor) StartNode(ctx context.Context, nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, err := e.nodeState(nodeID)
	if err != nil {
		return err
	}
	if node.Status == schema.NodeStatusRunning {
		// At-least-once drivers may repeat start; keep the first one.
		return nil
	}
	if err := checkNodeTransition(nodeID, node.Status, schema.NodeStatusRunning); err != nil {
		return err
	}

	now := time.Now().UTC()
	node.Status = schema.NodeStatusRunning
	node.StartedAt = &now

	e.publish(schema.EventNodeStarted, nodeID, nil)
	e.persist(ctx)
	return nil
}

// CompleteNode reports a node's work as finished. For gated nodes the
// evidence is evaluated first: an unsatisfied gate blocks the node instead of
// completing it, and the returned GateResult carries the remediation. A
// blocked node may be re-completed with fresh evidence. bypass skips the gate
// and is recorded on the node and announced on the bus.
//
// Completing a decision node evaluates its outgoing edge conditions against
// {results, inputs, workflow}; exactly one edge must match or the node fails
// with DECISION_AMBIGUOUS and its dependents are skipped.
func (e *Executor) CompleteNode(ctx context.Context, nodeID string, result map[string]any, evidence schema.EvidenceSet, bypass bool) (*schema.GateResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, err := e.nodeState(nodeID)
	if err != nil {
		return nil, err
	}
	if err := checkNodeTransition(nodeID, node.Status, schema.NodeStatusDone); err != nil {
		return nil, err
	}
	def := e.graph.Nodes[nodeID]

	if def.Gated() && !bypass && e.gate != nil {
		gateResult := e.gate.Evaluate(def, evidence)
		if !gateResult.Passed {
			node.Status = schema.NodeStatusBlocked
			node.GateResult = gateResult
			e.publish(schema.EventNodeBlocked, nodeID, gateResult)
			e.persist(ctx)
			return gateResult, nil
		}
	}
	if def.Gated() && bypass {
		node.Bypassed = true
		e.publish(schema.EventNodeBypassGates, nodeID, nil)
	}

	// Decisions route before completing, so an ambiguous decision fails
	// without ever reporting done.
	var chosen string
	if def.Kind == schema.NodeKindDecision {
		chosen, err = e.evaluateDecision(ctx, def, result)
		if err != nil {
			e.failNodeLocked(ctx, node, err.Error())
			return nil, err
		}
	}

	now := time.Now().UTC()
	node.Status = schema.NodeStatusDone
	node.Result = result
	node.GateResult = nil
	node.FinishedAt = &now

	e.publish(schema.EventNodeCompleted, nodeID, result)
	if def.Kind == schema.NodeKindDecision {
		e.run.Decisions[nodeID] = chosen
		e.publish(schema.EventDecisionEvaluated, nodeID, map[string]any{"chosen": chosen})
	}

	e.recomputeReadiness()
	e.checkFinished()
	e.persist(ctx)
	return &schema.GateResult{NodeID: nodeID, Passed: true}, nil
}

// FailNode reports a node's work as failed. While the node has retry budget
// left it returns to ready and node:retrying is published; once the budget is
// exhausted the node fails permanently and downstream nodes that can no
// longer be reached are skipped.
func (e *Executor) FailNode(ctx context.Context, nodeID string, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, err := e.nodeState(nodeID)
	if err != nil {
		return err
	}
	switch node.Status {
	case schema.NodeStatusRunning:
		// fall through to the retry budget below
	case schema.NodeStatusBlocked:
		// Failing a blocked node means the driver gave up on satisfying the
		// gate. The work already ran, so the retry budget does not apply.
		e.failNodeLocked(ctx, node, reason)
		return nil
	default:
		return checkNodeTransition(nodeID, node.Status, schema.NodeStatusFailed)
	}

	node.RetryCount++
	budget := e.graph.Nodes[nodeID].RetryBudget(e.graph.Definition.Defaults)
	if node.RetryCount <= budget {
		node.Status = schema.NodeStatusReady
		node.StartedAt = nil
		e.publish(schema.EventNodeRetrying, nodeID, map[string]any{
			"attempt": node.RetryCount,
			"budget":  budget,
			"reason":  reason,
		})
		e.persist(ctx)
		return nil
	}

	e.failNodeLocked(ctx, node, reason)
	return nil
}

// failNodeLocked marks a node permanently failed and cascades skips.
// Caller holds e.mu.
func (e *Executor) failNodeLocked(ctx context.Context, node *NodeState, reason string) {
	now := time.Now().UTC()
	node.Status = schema.NodeStatusFailed
	node.Error = reason
	node.FinishedAt = &now

	e.publish(schema.EventNodeFailed, node.NodeID, map[string]any{"reason": reason})
	e.recomputeReadiness()
	e.checkFinished()
	e.persist(ctx)
}

// Status returns a point-in-time copy of the run.
func (e *Executor) Status() StatusSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Reset discards all run state, returning every node to pending, and
// publishes workflow:cleared. The run keeps its identifier.
func (e *Executor) Reset(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fresh := newRun(e.run.WorkflowID, e.graph, e.run.Inputs)
	e.run = fresh
	e.publish(schema.EventWorkflowCleared, "", nil)
	e.persist(ctx)
}

// evaluateDecision finds the single outgoing edge whose condition holds.
// Unconditional edges from a decision node always match, acting as a default
// branch; a graph that wants fall-through semantics should make its
// conditions mutually exclusive. Caller holds e.mu.
func (e *Executor) evaluateDecision(ctx context.Context, def *schema.NodeDefinition, result map[string]any) (string, error) {
	env := map[string]any{
		"results": e.resultsWith(def.ID, result),
		"inputs":  e.run.Inputs,
		"workflow": map[string]any{
			"workflow_id": e.run.WorkflowID,
			"graph_id":    e.run.GraphID,
		},
	}

	var matched []string
	for _, edge := range e.graph.OutEdges[def.ID] {
		ok, err := e.exprs.EvaluateCondition(ctx, edge.Condition, env)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeDecisionAmbiguous,
				"decision %s: condition on edge to %s failed: %s", def.ID, edge.To, err.Error()).
				WithNode(def.ID).WithCause(err)
		}
		if ok {
			matched = append(matched, edge.To)
		}
	}

	if len(matched) != 1 {
		return "", schema.NewErrorf(schema.ErrCodeDecisionAmbiguous,
			"decision %s matched %d branches, want exactly 1", def.ID, len(matched)).
			WithNode(def.ID).
			WithDetails(map[string]any{"matched": matched})
	}
	return matched[0], nil
}

// resultsWith returns the accumulated results including the in-flight result
// of the completing node, so decision conditions can read their own output.
func (e *Executor) resultsWith(nodeID string, result map[string]any) map[string]any {
	results := e.run.Results()
	if result != nil {
		results[nodeID] = result
	}
	return results
}

// recomputeReadiness walks the graph in topological order and settles every
// pending node whose incoming edges are all resolved. A node with at least
// one live edge (predecessor done, and for decision predecessors, on the
// chosen branch) becomes ready; a node with resolved edges but no live one is
// unreachable and becomes skipped. A permanently failed predecessor poisons
// its dependents: they skip even when another predecessor succeeded, so a
// failure cascades through everything downstream of it. Topological order
// makes skips cascade in a single pass. Caller holds e.mu.
func (e *Executor) recomputeReadiness() {
	if e.run.Status != schema.WorkflowStatusActive {
		return
	}

	for _, id := range e.graph.Sorted {
		node := e.run.Nodes[id]
		if node.Status != schema.NodeStatusPending {
			continue
		}

		resolved := true
		live := 0
		failedPred := false
		for _, edge := range e.graph.InEdges[id] {
			pred := e.run.Nodes[edge.From]
			if !pred.Status.IsTerminal() {
				resolved = false
				break
			}
			if pred.Status == schema.NodeStatusFailed {
				failedPred = true
			}
			if pred.Status == schema.NodeStatusDone && e.edgeLive(edge) {
				live++
			}
		}
		if !resolved {
			continue
		}

		if !failedPred && (live > 0 || len(e.graph.InEdges[id]) == 0) {
			node.Status = schema.NodeStatusReady
			e.publish(schema.EventNodeReady, id, nil)
		} else {
			node.Status = schema.NodeStatusSkipped
			e.publish(schema.EventNodeSkipped, id, nil)
		}
	}
}

// edgeLive reports whether a resolved edge carries execution forward. Edges
// out of a decision node are live only on the chosen branch.
func (e *Executor) edgeLive(edge schema.EdgeDefinition) bool {
	if e.graph.Nodes[edge.From].Kind != schema.NodeKindDecision {
		return true
	}
	return e.run.Decisions[edge.From] == edge.To
}

// checkFinished ends the run once every node is terminal. Exactly one
// terminal workflow event is published per run: workflow:failed when any
// node failed, workflow:completed otherwise. Caller holds e.mu.
func (e *Executor) checkFinished() {
	if e.run.finishEmitted {
		return
	}

	anyFailed := false
	for _, node := range e.run.Nodes {
		if !node.Status.IsTerminal() {
			return
		}
		if node.Status == schema.NodeStatusFailed {
			anyFailed = true
		}
	}

	now := time.Now().UTC()
	e.run.CompletedAt = &now
	e.run.finishEmitted = true
	if anyFailed {
		e.run.Status = schema.WorkflowStatusFailed
		e.publish(schema.EventWorkflowFailed, "", nil)
	} else {
		e.run.Status = schema.WorkflowStatusCompleted
		e.publish(schema.EventWorkflowCompleted, "", nil)
	}
}

// nodeState resolves a node's run state. Caller holds e.mu.
func (e *Executor) nodeState(nodeID string) (*NodeState, error) {
	node, ok := e.run.Nodes[nodeID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "unknown node: %s", nodeID).WithNode(nodeID)
	}
	return node, nil
}

// publish emits a lifecycle event stamped with this run's identifier.
// Caller holds e.mu; the bus runs handlers without re-entering the executor's
// lock unless a handler calls back in, which is the handler's own deadlock.
func (e *Executor) publish(eventType, nodeID string, payload any) {
	e.bus.Publish(schema.Event{
		Type:       eventType,
		WorkflowID: e.run.WorkflowID,
		NodeID:     nodeID,
		Payload:    payload,
	})
}

// persist saves a snapshot when a store is configured. Failures are logged
// and swallowed: the in-memory run remains authoritative. Caller holds e.mu.
func (e *Executor) persist(ctx context.Context) {
	if e.store == nil {
		return
	}
	snap := e.snapshotLocked()
	if err := e.store.SaveRun(ctx, &snap); err != nil {
		e.log.Warn("persist run snapshot failed", slog.String("error", err.Error()))
	}
}

// snapshotLocked copies the run. Caller holds e.mu.
func (e *Executor) snapshotLocked() StatusSnapshot {
	nodes := make(map[string]NodeState, len(e.run.Nodes))
	for id, node := range e.run.Nodes {
		nodes[id] = *node
	}
	decisions := make(map[string]string, len(e.run.Decisions))
	for id, target := range e.run.Decisions {
		decisions[id] = target
	}
	return StatusSnapshot{
		WorkflowID:  e.run.WorkflowID,
		GraphID:     e.run.GraphID,
		Status:      e.run.Status,
		Inputs:      e.run.Inputs,
		Nodes:       nodes,
		Decisions:   decisions,
		StartedAt:   e.run.StartedAt,
		CompletedAt: e.run.CompletedAt,
	}
}
