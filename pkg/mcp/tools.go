package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dcastano/stepgate/internal/logging"
	"github.com/dcastano/stepgate/internal/store"
	"github.com/dcastano/stepgate/pkg/schema"
)

// tools returns the registered MCP tools as ServerTool entries.
func (s *StepgateServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: loadTool(), Handler: s.handleLoad},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: readyTool(), Handler: s.handleReady},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: completeTool(), Handler: s.handleComplete},
		{Tool: failTool(), Handler: s.handleFail},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: blockersTool(), Handler: s.handleBlockers},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: pruneTool(), Handler: s.handlePrune},
	}
}

// --- Tool definitions ---

func loadTool() mcp.Tool {
	return mcp.NewTool("stepgate.load",
		mcp.WithDescription("Register a workflow graph definition. The graph is validated (schema, duplicate IDs, dangling edges, cycles) and persisted for later runs"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Graph definition: id, entry_node_id, nodes, edges, defaults")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("stepgate.run",
		mcp.WithDescription("Instantiate and start a run of a registered graph. Returns the workflow ID and the initially ready nodes"),
		mcp.WithString("graph_id", mcp.Required(), mcp.Description("ID of the registered graph")),
		mcp.WithObject("inputs", mcp.Description("Run input values, visible to branch conditions as 'inputs'")),
	)
}

func readyTool() mcp.Tool {
	return mcp.NewTool("stepgate.ready",
		mcp.WithDescription("List nodes that are ready to be started, ordered by priority then definition order"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("stepgate.start",
		mcp.WithDescription("Mark a ready node as running. The caller performs the node's actual work externally"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node to start")),
	)
}

func completeTool() mcp.Tool {
	return mcp.NewTool("stepgate.complete",
		mcp.WithDescription("Report a node's work as finished. Gated nodes require passing evidence; a blocking gate returns missing/failing categories and remediation tool calls instead of completing"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node to complete")),
		mcp.WithObject("result", mcp.Description("Node result map, visible to downstream branch conditions")),
		mcp.WithArray("evidence", mcp.Description("Evidence records: [{category, passed, detail}]")),
		mcp.WithBoolean("bypass_gates", mcp.Description("Skip gate evaluation for this completion (audited)")),
	)
}

func failTool() mcp.Tool {
	return mcp.NewTool("stepgate.fail",
		mcp.WithDescription("Report a node's work as failed. The node retries while budget remains, then fails permanently and unreachable downstream nodes are skipped"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the node that failed")),
		mcp.WithString("reason", mcp.Description("Failure reason")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepgate.status",
		mcp.WithDescription("Get run status: workflow state, per-node states, decisions taken, and progress summary"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func blockersTool() mcp.Tool {
	return mcp.NewTool("stepgate.blockers",
		mcp.WithDescription("List currently blocked nodes with their missing/failing evidence and remediation tool calls: the most recently blocked node first, then by priority"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("stepgate.runs",
		mcp.WithDescription("List persisted runs, newest first, optionally filtered by graph and workflow status"),
		mcp.WithString("graph_id", mcp.Description("Only runs of this graph")),
		mcp.WithString("status", mcp.Description("Only runs in this status: pending, active, completed, failed")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of rows to return")),
	)
}

func pruneTool() mcp.Tool {
	return mcp.NewTool("stepgate.prune",
		mcp.WithDescription("Delete a persisted run or a registered graph, and optionally compact the database afterwards"),
		mcp.WithString("workflow_id", mcp.Description("ID of the run to delete")),
		mcp.WithString("graph_id", mcp.Description("ID of the graph to delete")),
		mcp.WithBoolean("vacuum", mcp.Description("Compact the database after deleting")),
	)
}

// --- Handlers ---

// handleLoad validates and registers a graph definition.
func (s *StepgateServer) handleLoad(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	def, err := s.validator.ValidateRaw(defBytes)
	if err != nil {
		return toolError(err), nil
	}

	g, err := s.RegisterGraph(ctx, def)
	if err != nil {
		return toolError(err), nil
	}

	criticalPath, cost := g.CriticalPath()
	return marshalResult(map[string]any{
		"graph_id":      def.ID,
		"nodes":         len(def.Nodes),
		"edges":         len(def.Edges),
		"levels":        len(g.Levels),
		"critical_path": criticalPath,
		"critical_cost": cost,
	})
}

// handleRun instantiates a run of a registered graph.
func (s *StepgateServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graphID, err := req.RequireString("graph_id")
	if err != nil {
		return mcp.NewToolResultError("graph_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	workflowID, runErr := s.RunGraph(ctx, graphID, inputs)
	if runErr != nil {
		return toolError(runErr), nil
	}

	h, hErr := s.handleFor(ctx, workflowID)
	if hErr != nil {
		return toolError(hErr), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"graph_id":    graphID,
		"ready":       readyIDs(h),
	})
}

// handleReady lists startable nodes.
func (s *StepgateServer) handleReady(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, errResult := s.resolveRun(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	nodes := h.exec.ReadyNodes()
	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		entry := map[string]any{
			"node_id":  n.ID,
			"kind":     nodeKind(n),
			"priority": n.Priority,
		}
		if n.Label != "" {
			entry["label"] = n.Label
		}
		if n.Phase != "" {
			entry["phase"] = n.Phase
		}
		if len(n.Payload) > 0 {
			entry["payload"] = json.RawMessage(n.Payload)
		}
		out = append(out, entry)
	}
	return marshalResult(map[string]any{
		"workflow_id": h.exec.WorkflowID(),
		"ready":       out,
	})
}

// handleStart transitions a ready node to running.
func (s *StepgateServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, errResult := s.resolveRun(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}

	ctx = logging.WithNodeID(ctx, nodeID)
	if err := h.exec.StartNode(ctx, nodeID); err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": h.exec.WorkflowID(),
		"node_id":     nodeID,
		"status":      schema.NodeStatusRunning,
	})
}

// handleComplete reports external work as finished, subject to the gate.
func (s *StepgateServer) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, errResult := s.resolveRun(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}

	result := mcp.ParseStringMap(req, "result", nil)
	bypass := req.GetBool("bypass_gates", false)
	evidence, evErr := parseEvidence(req)
	if evErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid evidence: %v", evErr)), nil
	}

	ctx = logging.WithNodeID(ctx, nodeID)
	gateResult, completeErr := h.exec.CompleteNode(ctx, nodeID, result, evidence, bypass)
	if completeErr != nil {
		return toolError(completeErr), nil
	}

	status := h.exec.Status()
	out := map[string]any{
		"workflow_id":     h.exec.WorkflowID(),
		"node_id":         nodeID,
		"node_status":     status.Nodes[nodeID].Status,
		"workflow_status": status.Status,
	}
	if gateResult != nil && !gateResult.Passed {
		out["gate_result"] = gateResult
	}
	if chosen, ok := status.Decisions[nodeID]; ok {
		out["chosen"] = chosen
	}
	return marshalResult(out)
}

// handleFail reports external work as failed.
func (s *StepgateServer) handleFail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, errResult := s.resolveRun(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	reason := req.GetString("reason", "")

	ctx = logging.WithNodeID(ctx, nodeID)
	if err := h.exec.FailNode(ctx, nodeID, reason); err != nil {
		return toolError(err), nil
	}

	status := h.exec.Status()
	return marshalResult(map[string]any{
		"workflow_id":     h.exec.WorkflowID(),
		"node_id":         nodeID,
		"node_status":     status.Nodes[nodeID].Status,
		"retry_count":     status.Nodes[nodeID].RetryCount,
		"workflow_status": status.Status,
	})
}

// handleStatus returns the full run snapshot plus the progress summary.
func (s *StepgateServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, errResult := s.resolveRun(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	return marshalResult(map[string]any{
		"run":      h.exec.Status(),
		"progress": h.agg.Snapshot(),
	})
}

// handleBlockers lists blocked nodes with remediation.
func (s *StepgateServer) handleBlockers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h, errResult := s.resolveRun(ctx, req)
	if errResult != nil {
		return errResult, nil
	}

	return marshalResult(map[string]any{
		"workflow_id": h.exec.WorkflowID(),
		"blockers":    h.agg.Blockers(),
	})
}

// handleRuns lists persisted runs from the store.
func (s *StepgateServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		GraphID: req.GetString("graph_id", ""),
		Status:  schema.WorkflowStatus(req.GetString("status", "")),
		Limit:   req.GetInt("limit", 0),
	}

	summaries, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{
		"runs":  summaries,
		"count": len(summaries),
	})
}

// handlePrune deletes persisted state and optionally compacts the database.
func (s *StepgateServer) handlePrune(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	graphID := req.GetString("graph_id", "")
	vacuum := req.GetBool("vacuum", false)
	if workflowID == "" && graphID == "" && !vacuum {
		return mcp.NewToolResultError("workflow_id, graph_id, or vacuum is required"), nil
	}

	out := map[string]any{}
	if workflowID != "" {
		if err := s.store.DeleteRun(ctx, workflowID); err != nil {
			return toolError(err), nil
		}
		s.dropRun(workflowID)
		out["deleted_run"] = workflowID
	}
	if graphID != "" {
		if err := s.store.DeleteGraph(ctx, graphID); err != nil {
			return toolError(err), nil
		}
		s.dropGraph(graphID)
		out["deleted_graph"] = graphID
	}
	if vacuum {
		if err := s.store.Vacuum(ctx); err != nil {
			return toolError(err), nil
		}
	}
	out["vacuumed"] = vacuum
	return marshalResult(out)
}

// --- Internal helpers ---

// resolveRun extracts workflow_id and resolves the run handle, returning a
// non-nil tool error result on failure.
func (s *StepgateServer) resolveRun(ctx context.Context, req mcp.CallToolRequest) (*runHandle, *mcp.CallToolResult) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return nil, mcp.NewToolResultError("workflow_id is required")
	}
	h, err := s.handleFor(logging.WithWorkflowID(ctx, workflowID), workflowID)
	if err != nil {
		return nil, toolError(err)
	}
	return h, nil
}

// parseEvidence decodes the evidence argument into an EvidenceSet keyed by
// category. Later records for the same category win.
func parseEvidence(req mcp.CallToolRequest) (schema.EvidenceSet, error) {
	raw, ok := req.GetArguments()["evidence"]
	if !ok || raw == nil {
		return nil, nil
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var records []schema.Evidence
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	set := make(schema.EvidenceSet, len(records))
	for _, rec := range records {
		if rec.Category == "" {
			return nil, fmt.Errorf("evidence record missing category")
		}
		set[rec.Category] = rec
	}
	return set, nil
}

func readyIDs(h *runHandle) []string {
	nodes := h.exec.ReadyNodes()
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}

func nodeKind(n *schema.NodeDefinition) schema.NodeKind {
	if n.Kind == "" {
		return schema.NodeKindTask
	}
	return n.Kind
}

// toolError renders an error as a tool result, preserving the structured
// code and details for StepgateErrors.
func toolError(err error) *mcp.CallToolResult {
	var sgErr *schema.StepgateError
	if errors.As(err, &sgErr) {
		data, mErr := json.Marshal(sgErr)
		if mErr == nil {
			return mcp.NewToolResultError(string(data))
		}
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
