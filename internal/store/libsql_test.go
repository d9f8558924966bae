package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcastano/stepgate/internal/engine"
	"github.com/dcastano/stepgate/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "stepgate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestGraphRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &schema.GraphDefinition{
		ID: "pipeline",
		Nodes: []schema.NodeDefinition{
			{ID: "a", Kind: schema.NodeKindTask, Phase: "impl", Priority: 3},
			{ID: "b", Kind: schema.NodeKindTask},
		},
		Edges:    []schema.EdgeDefinition{{From: "a", To: "b"}},
		Defaults: schema.GraphDefaults{MaxRetries: 2},
	}
	require.NoError(t, s.SaveGraph(ctx, def))

	got, err := s.GetGraph(ctx, "pipeline")
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	require.Len(t, got.Nodes, 2)
	assert.Equal(t, "impl", got.Nodes[0].Phase)
	assert.Equal(t, 2, got.Defaults.MaxRetries)

	// Upsert replaces the definition.
	def.Nodes = append(def.Nodes, schema.NodeDefinition{ID: "c"})
	require.NoError(t, s.SaveGraph(ctx, def))
	got, err = s.GetGraph(ctx, "pipeline")
	require.NoError(t, err)
	assert.Len(t, got.Nodes, 3)

	list, err := s.ListGraphs(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteGraph(ctx, "pipeline"))
	_, err = s.GetGraph(ctx, "pipeline")
	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeNotFound, sgErr.Code)
}

func TestRunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	nodeStarted := started.Add(time.Second)
	snap := &engine.StatusSnapshot{
		WorkflowID: "wf-1",
		GraphID:    "pipeline",
		Status:     schema.WorkflowStatusActive,
		Inputs:     map[string]any{"env": "prod"},
		Decisions:  map[string]string{"route": "fast"},
		StartedAt:  started,
		Nodes: map[string]engine.NodeState{
			"a": {
				NodeID:     "a",
				Status:     schema.NodeStatusDone,
				Result:     map[string]any{"ok": true},
				StartedAt:  &nodeStarted,
				FinishedAt: &nodeStarted,
			},
			"b": {
				NodeID:     "b",
				Status:     schema.NodeStatusBlocked,
				RetryCount: 1,
				GateResult: &schema.GateResult{
					NodeID:          "b",
					MissingEvidence: []schema.EvidenceCategory{schema.EvidenceTest},
				},
			},
			"c": {NodeID: "c", Status: schema.NodeStatusPending},
		},
	}
	require.NoError(t, s.SaveRun(ctx, snap))

	got, err := s.GetRun(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusActive, got.Status)
	assert.Equal(t, "prod", got.Inputs["env"])
	assert.Equal(t, "fast", got.Decisions["route"])
	require.Len(t, got.Nodes, 3)

	assert.Equal(t, schema.NodeStatusDone, got.Nodes["a"].Status)
	assert.Equal(t, true, got.Nodes["a"].Result["ok"])
	require.NotNil(t, got.Nodes["a"].StartedAt)

	require.NotNil(t, got.Nodes["b"].GateResult)
	assert.Equal(t, []schema.EvidenceCategory{schema.EvidenceTest}, got.Nodes["b"].GateResult.MissingEvidence)
	assert.Equal(t, 1, got.Nodes["b"].RetryCount)

	// Saving again replaces node rows rather than accumulating them.
	delete(snap.Nodes, "c")
	snap.Status = schema.WorkflowStatusCompleted
	require.NoError(t, s.SaveRun(ctx, snap))
	got, err = s.GetRun(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, got.Status)
	assert.Len(t, got.Nodes, 2)
}

func TestListRuns_Filtering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, r := range []struct {
		id, graph string
		status    schema.WorkflowStatus
	}{
		{"wf-1", "g1", schema.WorkflowStatusActive},
		{"wf-2", "g1", schema.WorkflowStatusCompleted},
		{"wf-3", "g2", schema.WorkflowStatusActive},
	} {
		require.NoError(t, s.SaveRun(ctx, &engine.StatusSnapshot{
			WorkflowID: r.id, GraphID: r.graph, Status: r.status,
			Nodes: map[string]engine.NodeState{},
		}))
	}

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	g1, err := s.ListRuns(ctx, RunFilter{GraphID: "g1"})
	require.NoError(t, err)
	assert.Len(t, g1, 2)

	active, err := s.ListRuns(ctx, RunFilter{Status: schema.WorkflowStatusActive, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestScheduledJobCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	job := &ScheduledJob{
		ID:        "job-1",
		GraphID:   "pipeline",
		CronExpr:  "0 * * * *",
		Inputs:    map[string]any{"env": "dev"},
		Enabled:   true,
		NextRunAt: &next,
	}
	require.NoError(t, s.CreateScheduledJob(ctx, job))

	got, err := s.GetScheduledJob(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, "dev", got.Inputs["env"])
	require.NotNil(t, got.NextRunAt)

	disabled := false
	require.NoError(t, s.UpdateScheduledJob(ctx, "job-1", ScheduledJobUpdate{Enabled: &disabled}))

	enabled, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{EnabledOnly: true})
	require.NoError(t, err)
	assert.Empty(t, enabled)

	require.NoError(t, s.DeleteScheduledJob(ctx, "job-1"))
	err = s.DeleteScheduledJob(ctx, "job-1")
	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeNotFound, sgErr.Code)
}
