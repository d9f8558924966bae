package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcastano/stepgate/internal/bus"
	"github.com/dcastano/stepgate/internal/expressions"
	"github.com/dcastano/stepgate/internal/gate"
	"github.com/dcastano/stepgate/pkg/schema"
)

// recorder captures every bus event for assertions.
type recorder struct {
	mu     sync.Mutex
	events []schema.Event
}

func record(b *bus.Bus) *recorder {
	r := &recorder{}
	b.Subscribe(schema.WildcardType, func(event schema.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, event)
	})
	return r
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

func (r *recorder) has(eventType, nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == eventType && e.NodeID == nodeID {
			return true
		}
	}
	return false
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }

func mustGraph(t *testing.T, def *schema.GraphDefinition) *Graph {
	t.Helper()
	g, err := BuildGraph(def)
	require.NoError(t, err)
	return g
}

func mustRegistry(t *testing.T) *expressions.Registry {
	t.Helper()
	r, err := expressions.NewRegistry()
	require.NoError(t, err)
	return r
}

func passEvidence() schema.EvidenceSet {
	return schema.EvidenceSet{
		schema.EvidenceGuard: {Category: schema.EvidenceGuard, Passed: true},
		schema.EvidenceTest:  {Category: schema.EvidenceTest, Passed: true},
	}
}

// linearDef is a three node chain with gating disabled.
func linearDef() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		ID: "linear",
		Nodes: []schema.NodeDefinition{
			{ID: "a", GateRequired: boolPtr(false)},
			{ID: "b", GateRequired: boolPtr(false)},
			{ID: "c", GateRequired: boolPtr(false)},
		},
		Edges: []schema.EdgeDefinition{
			{From: "a", To: "b"},
			{From: "b", To: "c"},
		},
	}
}

func driveToDone(t *testing.T, e *Executor, nodeID string) {
	t.Helper()
	require.NoError(t, e.StartNode(context.Background(), nodeID))
	res, err := e.CompleteNode(context.Background(), nodeID, nil, nil, false)
	require.NoError(t, err)
	require.True(t, res.Passed)
}

func TestExecutor_LinearChainCompletes(t *testing.T) {
	b := bus.New()
	rec := record(b)
	e := NewExecutor(mustGraph(t, linearDef()), b, mustRegistry(t), nil)

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, 1, rec.count(schema.EventWorkflowStarted))
	assert.True(t, rec.has(schema.EventNodeReady, "a"))

	for _, id := range []string{"a", "b", "c"} {
		ready := e.ReadyNodes()
		require.Len(t, ready, 1)
		require.Equal(t, id, ready[0].ID)
		driveToDone(t, e, id)
	}

	snap := e.Status()
	assert.Equal(t, schema.WorkflowStatusCompleted, snap.Status)
	assert.NotNil(t, snap.CompletedAt)
	assert.Equal(t, 1, rec.count(schema.EventWorkflowCompleted))
	assert.Equal(t, 0, rec.count(schema.EventWorkflowFailed))
}

func TestExecutor_StartTwiceIsInvalid(t *testing.T) {
	b := bus.New()
	e := NewExecutor(mustGraph(t, linearDef()), b, mustRegistry(t), nil)

	require.NoError(t, e.Start(context.Background()))
	err := e.Start(context.Background())
	require.Error(t, err)

	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, sgErr.Code)
}

func TestExecutor_RepeatedStartIsNoOp(t *testing.T) {
	b := bus.New()
	e := NewExecutor(mustGraph(t, linearDef()), b, mustRegistry(t), nil)
	ctx := context.Background()
	require.NoError(t, e.Start(ctx))

	rec := record(b)
	require.NoError(t, e.StartNode(ctx, "a"))
	// At-least-once drivers repeat start; the second call keeps the first
	// start's state and emits nothing.
	require.NoError(t, e.StartNode(ctx, "a"))
	assert.Equal(t, 1, rec.count(schema.EventNodeStarted))
	assert.Equal(t, schema.NodeStatusRunning, e.Status().Nodes["a"].Status)
}

func TestExecutor_TransitionGuards(t *testing.T) {
	b := bus.New()
	e := NewExecutor(mustGraph(t, linearDef()), b, mustRegistry(t), nil)
	require.NoError(t, e.Start(context.Background()))

	// b is still pending: starting or completing it is invalid.
	err := e.StartNode(context.Background(), "b")
	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, sgErr.Code)

	_, err = e.CompleteNode(context.Background(), "b", nil, nil, false)
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, sgErr.Code)

	// Completing a ready node without starting it is also invalid.
	_, err = e.CompleteNode(context.Background(), "a", nil, nil, false)
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, sgErr.Code)

	// Unknown nodes are NOT_FOUND, not a transition error.
	err = e.StartNode(context.Background(), "ghost")
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeNotFound, sgErr.Code)
}

func TestExecutor_GateBlocksAndUnblocks(t *testing.T) {
	def := &schema.GraphDefinition{
		ID:    "gated",
		Nodes: []schema.NodeDefinition{{ID: "impl"}},
	}
	b := bus.New()
	rec := record(b)
	e := NewExecutor(mustGraph(t, def), b, mustRegistry(t), nil,
		WithGatePolicy(gate.NewPolicy()))

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.StartNode(context.Background(), "impl"))

	// No evidence: blocked, with remediation attached.
	res, err := e.CompleteNode(context.Background(), "impl", nil, nil, false)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.NotEmpty(t, res.MissingEvidence)
	assert.NotEmpty(t, res.NextToolCalls)
	assert.True(t, rec.has(schema.EventNodeBlocked, "impl"))

	snap := e.Status()
	assert.Equal(t, schema.NodeStatusBlocked, snap.Nodes["impl"].Status)
	require.NotNil(t, snap.Nodes["impl"].GateResult)

	// Partial evidence: still blocked.
	res, err = e.CompleteNode(context.Background(), "impl", nil, schema.EvidenceSet{
		schema.EvidenceGuard: {Category: schema.EvidenceGuard, Passed: true},
	}, false)
	require.NoError(t, err)
	assert.False(t, res.Passed)

	// Full evidence: the blocked node completes in place.
	res, err = e.CompleteNode(context.Background(), "impl", map[string]any{"ok": true}, passEvidence(), false)
	require.NoError(t, err)
	assert.True(t, res.Passed)

	snap = e.Status()
	assert.Equal(t, schema.NodeStatusDone, snap.Nodes["impl"].Status)
	assert.Nil(t, snap.Nodes["impl"].GateResult, "gate result cleared on completion")
	assert.Equal(t, schema.WorkflowStatusCompleted, snap.Status)
}

func TestExecutor_BypassGates(t *testing.T) {
	def := &schema.GraphDefinition{
		ID:    "gated",
		Nodes: []schema.NodeDefinition{{ID: "impl"}},
	}
	b := bus.New()
	rec := record(b)
	e := NewExecutor(mustGraph(t, def), b, mustRegistry(t), nil,
		WithGatePolicy(gate.NewPolicy()))

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.StartNode(context.Background(), "impl"))

	res, err := e.CompleteNode(context.Background(), "impl", nil, nil, true)
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.True(t, rec.has(schema.EventNodeBypassGates, "impl"))

	snap := e.Status()
	assert.True(t, snap.Nodes["impl"].Bypassed)
	assert.Equal(t, schema.NodeStatusDone, snap.Nodes["impl"].Status)
}

// decisionDef builds: entry -> d; d routes to x or y; both feed join j.
func decisionDef() *schema.GraphDefinition {
	return &schema.GraphDefinition{
		ID: "routed",
		Nodes: []schema.NodeDefinition{
			{ID: "entry", GateRequired: boolPtr(false)},
			{ID: "d", Kind: schema.NodeKindDecision},
			{ID: "x", GateRequired: boolPtr(false)},
			{ID: "y", GateRequired: boolPtr(false)},
			{ID: "under_x", GateRequired: boolPtr(false)},
			{ID: "j", Kind: schema.NodeKindJoin},
		},
		Edges: []schema.EdgeDefinition{
			{From: "entry", To: "d"},
			{From: "d", To: "x", Condition: &schema.Condition{Expression: `results.d.severity == "high"`}},
			{From: "d", To: "y", Condition: &schema.Condition{Expression: `results.d.severity == "low"`}},
			{From: "x", To: "under_x"},
			{From: "under_x", To: "j"},
			{From: "y", To: "j"},
		},
	}
}

func TestExecutor_DecisionRoutesAndSkipsUntakenBranch(t *testing.T) {
	b := bus.New()
	rec := record(b)
	e := NewExecutor(mustGraph(t, decisionDef()), b, mustRegistry(t), nil)

	require.NoError(t, e.Start(context.Background()))
	driveToDone(t, e, "entry")

	require.NoError(t, e.StartNode(context.Background(), "d"))
	res, err := e.CompleteNode(context.Background(), "d", map[string]any{"severity": "low"}, nil, false)
	require.NoError(t, err)
	require.True(t, res.Passed)

	assert.True(t, rec.has(schema.EventDecisionEvaluated, "d"))
	assert.True(t, rec.has(schema.EventNodeSkipped, "x"), "untaken branch skipped")
	assert.True(t, rec.has(schema.EventNodeSkipped, "under_x"), "skip cascades down the untaken branch")
	assert.True(t, rec.has(schema.EventNodeReady, "y"))

	driveToDone(t, e, "y")

	// Join becomes ready once every predecessor is terminal with y done.
	ready := e.ReadyNodes()
	require.Len(t, ready, 1)
	assert.Equal(t, "j", ready[0].ID)

	driveToDone(t, e, "j")
	assert.Equal(t, schema.WorkflowStatusCompleted, e.Status().Status)
	assert.Equal(t, 1, rec.count(schema.EventWorkflowCompleted))
}

func TestExecutor_DecisionAmbiguityFailsNode(t *testing.T) {
	def := &schema.GraphDefinition{
		ID: "ambiguous",
		Nodes: []schema.NodeDefinition{
			{ID: "d", Kind: schema.NodeKindDecision},
			{ID: "x", GateRequired: boolPtr(false)},
			{ID: "y", GateRequired: boolPtr(false)},
		},
		Edges: []schema.EdgeDefinition{
			{From: "d", To: "x", Condition: &schema.Condition{Expression: "true"}},
			{From: "d", To: "y", Condition: &schema.Condition{Expression: "true"}},
		},
	}
	b := bus.New()
	rec := record(b)
	e := NewExecutor(mustGraph(t, def), b, mustRegistry(t), nil)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.StartNode(context.Background(), "d"))

	_, err := e.CompleteNode(context.Background(), "d", nil, nil, false)
	require.Error(t, err)

	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeDecisionAmbiguous, sgErr.Code)

	snap := e.Status()
	assert.Equal(t, schema.NodeStatusFailed, snap.Nodes["d"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, snap.Nodes["x"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, snap.Nodes["y"].Status)
	assert.Equal(t, schema.WorkflowStatusFailed, snap.Status)
	assert.Equal(t, 1, rec.count(schema.EventWorkflowFailed))
	assert.Equal(t, 0, rec.count(schema.EventWorkflowCompleted))
}

func TestExecutor_RetryBudgetThenFail(t *testing.T) {
	def := &schema.GraphDefinition{
		ID: "retrying",
		Nodes: []schema.NodeDefinition{
			{ID: "flaky", GateRequired: boolPtr(false), MaxRetries: intPtr(2)},
			{ID: "after", GateRequired: boolPtr(false)},
		},
		Edges: []schema.EdgeDefinition{{From: "flaky", To: "after"}},
	}
	b := bus.New()
	rec := record(b)
	e := NewExecutor(mustGraph(t, def), b, mustRegistry(t), nil)

	require.NoError(t, e.Start(context.Background()))

	// Two failures stay inside the budget: the node returns to ready.
	for attempt := 1; attempt <= 2; attempt++ {
		require.NoError(t, e.StartNode(context.Background(), "flaky"))
		require.NoError(t, e.FailNode(context.Background(), "flaky", "boom"))

		snap := e.Status()
		assert.Equal(t, schema.NodeStatusReady, snap.Nodes["flaky"].Status)
		assert.Equal(t, attempt, snap.Nodes["flaky"].RetryCount)
	}
	assert.Equal(t, 2, rec.count(schema.EventNodeRetrying))

	// Third failure exhausts the budget: permanent failure, dependent skipped.
	require.NoError(t, e.StartNode(context.Background(), "flaky"))
	require.NoError(t, e.FailNode(context.Background(), "flaky", "boom"))

	snap := e.Status()
	assert.Equal(t, schema.NodeStatusFailed, snap.Nodes["flaky"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, snap.Nodes["after"].Status)
	assert.Equal(t, schema.WorkflowStatusFailed, snap.Status)
	assert.True(t, rec.has(schema.EventNodeFailed, "flaky"))
}

func TestExecutor_FailNonRunningNodeIsInvalid(t *testing.T) {
	b := bus.New()
	e := NewExecutor(mustGraph(t, linearDef()), b, mustRegistry(t), nil)
	require.NoError(t, e.Start(context.Background()))

	err := e.FailNode(context.Background(), "a", "not started")
	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, sgErr.Code)
}

func TestExecutor_JoinSkipsWhenAnyPredecessorFails(t *testing.T) {
	// One branch fails permanently, the other succeeds: the join must not
	// run on partial inputs, and everything downstream of it skips too.
	def := &schema.GraphDefinition{
		ID: "partial",
		Nodes: []schema.NodeDefinition{
			{ID: "left", GateRequired: boolPtr(false)},
			{ID: "right", GateRequired: boolPtr(false)},
			{ID: "j", Kind: schema.NodeKindJoin},
			{ID: "publish", GateRequired: boolPtr(false)},
		},
		Edges: []schema.EdgeDefinition{
			{From: "left", To: "j"},
			{From: "right", To: "j"},
			{From: "j", To: "publish"},
		},
	}
	b := bus.New()
	e := NewExecutor(mustGraph(t, def), b, mustRegistry(t), nil)
	require.NoError(t, e.Start(context.Background()))

	require.NoError(t, e.StartNode(context.Background(), "left"))
	require.NoError(t, e.FailNode(context.Background(), "left", "boom"))
	driveToDone(t, e, "right")

	snap := e.Status()
	assert.Equal(t, schema.NodeStatusSkipped, snap.Nodes["j"].Status,
		"join with a failed predecessor is unreachable")
	assert.Equal(t, schema.NodeStatusSkipped, snap.Nodes["publish"].Status,
		"skip cascades through the join's dependents")
	assert.Equal(t, schema.WorkflowStatusFailed, snap.Status,
		"a run with any failed node finishes failed")
}

func TestExecutor_ReadyNodesOrderedByPriority(t *testing.T) {
	def := &schema.GraphDefinition{
		ID: "prio",
		Nodes: []schema.NodeDefinition{
			{ID: "low", GateRequired: boolPtr(false), Priority: 1},
			{ID: "high", GateRequired: boolPtr(false), Priority: 10},
			{ID: "mid_a", GateRequired: boolPtr(false), Priority: 5},
			{ID: "mid_b", GateRequired: boolPtr(false), Priority: 5},
		},
	}
	b := bus.New()
	e := NewExecutor(mustGraph(t, def), b, mustRegistry(t), nil)
	require.NoError(t, e.Start(context.Background()))

	ready := e.ReadyNodes()
	require.Len(t, ready, 4)
	assert.Equal(t, "high", ready[0].ID)
	assert.Equal(t, "mid_a", ready[1].ID, "equal priority breaks by definition order")
	assert.Equal(t, "mid_b", ready[2].ID)
	assert.Equal(t, "low", ready[3].ID)
}

func TestExecutor_SnapshotRestoreContinuesRun(t *testing.T) {
	g := mustGraph(t, linearDef())
	registry := mustRegistry(t)

	b := bus.New()
	e := NewExecutor(g, b, registry, map[string]any{"env": "prod"})
	require.NoError(t, e.Start(context.Background()))
	driveToDone(t, e, "a")

	snap := e.Status()

	// Rebuild on a fresh bus from the snapshot alone.
	b2 := bus.New()
	rec := record(b2)
	restored, err := NewExecutorFromSnapshot(g, b2, registry, &snap)
	require.NoError(t, err)
	assert.Equal(t, e.WorkflowID(), restored.WorkflowID())

	rsnap := restored.Status()
	assert.Equal(t, schema.NodeStatusDone, rsnap.Nodes["a"].Status)
	assert.Equal(t, schema.NodeStatusReady, rsnap.Nodes["b"].Status)
	assert.Equal(t, "prod", rsnap.Inputs["env"])

	driveToDone(t, restored, "b")
	driveToDone(t, restored, "c")
	assert.Equal(t, schema.WorkflowStatusCompleted, restored.Status().Status)
	assert.Equal(t, 1, rec.count(schema.EventWorkflowCompleted))
}

func TestExecutor_SnapshotRestoreRejectsWrongGraph(t *testing.T) {
	g := mustGraph(t, linearDef())
	registry := mustRegistry(t)
	snap := &StatusSnapshot{WorkflowID: "wf", GraphID: "other"}

	_, err := NewExecutorFromSnapshot(g, bus.New(), registry, snap)
	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeValidation, sgErr.Code)
}

func TestExecutor_ResetClearsRun(t *testing.T) {
	b := bus.New()
	rec := record(b)
	e := NewExecutor(mustGraph(t, linearDef()), b, mustRegistry(t), nil)
	require.NoError(t, e.Start(context.Background()))
	driveToDone(t, e, "a")

	e.Reset(context.Background())
	assert.Equal(t, 1, rec.count(schema.EventWorkflowCleared))

	snap := e.Status()
	assert.Equal(t, schema.WorkflowStatusPending, snap.Status)
	for _, node := range snap.Nodes {
		assert.Equal(t, schema.NodeStatusPending, node.Status)
	}
}
