// Package mcp exposes the orchestration core as an MCP stdio server. The
// server is a thin transport: every tool maps onto an in-process operation,
// and the core stays fully usable without it.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/dcastano/stepgate/internal/bus"
	"github.com/dcastano/stepgate/internal/engine"
	"github.com/dcastano/stepgate/internal/expressions"
	"github.com/dcastano/stepgate/internal/logging"
	"github.com/dcastano/stepgate/internal/progress"
	"github.com/dcastano/stepgate/internal/store"
	"github.com/dcastano/stepgate/internal/validation"
	"github.com/dcastano/stepgate/pkg/schema"
)

// StepgateServerDeps holds the dependencies for creating a StepgateServer.
type StepgateServerDeps struct {
	Store       store.Store
	Validator   *validation.GraphValidator
	Expressions *expressions.Registry
	Gate        engine.GatePolicy
	Logger      *slog.Logger
}

// runHandle bundles the live pieces of one workflow run.
type runHandle struct {
	graph *engine.Graph
	bus   *bus.Bus
	exec  *engine.Executor
	agg   *progress.Aggregator
}

// StepgateServer wraps an MCP server with stepgate tool handlers. It also
// hosts the live run registry, so it satisfies the scheduler's
// WorkflowRunner interface.
type StepgateServer struct {
	store     store.Store
	validator *validation.GraphValidator
	exprs     *expressions.Registry
	gate      engine.GatePolicy
	logger    *slog.Logger
	notifier  *Notifier
	mcpServer *server.MCPServer

	mu     sync.Mutex
	graphs map[string]*engine.Graph
	runs   map[string]*runHandle
}

// NewStepgateServer creates a StepgateServer with all tools registered.
func NewStepgateServer(deps StepgateServerDeps) *StepgateServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &StepgateServer{
		store:     deps.Store,
		validator: deps.Validator,
		exprs:     deps.Expressions,
		gate:      deps.Gate,
		logger:    logger,
		graphs:    make(map[string]*engine.Graph),
		runs:      make(map[string]*runHandle),
	}

	mcpSrv := server.NewMCPServer(
		"stepgate",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepgate orchestrates gated workflow graphs. Use stepgate.load to register a graph, stepgate.run to instantiate it, stepgate.ready to list actionable nodes, stepgate.start/complete/fail to drive node execution (complete requires gate evidence), stepgate.status for run state, and stepgate.blockers for gate remediation steps. stepgate.runs lists persisted runs; stepgate.prune deletes old runs or graphs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewNotifier(mcpSrv, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *StepgateServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *StepgateServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// RegisterGraph validates, persists, and caches a graph definition.
func (s *StepgateServer) RegisterGraph(ctx context.Context, def *schema.GraphDefinition) (*engine.Graph, error) {
	if err := s.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	g, err := engine.BuildGraph(def)
	if err != nil {
		return nil, err
	}
	if err := s.store.SaveGraph(ctx, def); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.graphs[def.ID] = g
	s.mu.Unlock()

	s.logger.InfoContext(logging.WithGraphID(ctx, def.ID), "graph registered",
		slog.String("graph_id", def.ID),
		slog.Int("nodes", len(def.Nodes)),
		slog.Int("edges", len(def.Edges)),
	)
	return g, nil
}

// RunGraph instantiates and starts a run of a registered graph. It
// satisfies scheduler.WorkflowRunner.
func (s *StepgateServer) RunGraph(ctx context.Context, graphID string, inputs map[string]any) (string, error) {
	g, err := s.graphFor(ctx, graphID)
	if err != nil {
		return "", err
	}
	if err := s.validator.ValidateInputs(inputs, g.Definition.InputSchema); err != nil {
		return "", err
	}

	h, err := s.newRunHandle(g, nil, inputs)
	if err != nil {
		return "", err
	}
	ctx = logging.WithGraphID(logging.WithWorkflowID(ctx, h.exec.WorkflowID()), graphID)
	if err := h.exec.Start(ctx); err != nil {
		h.agg.Detach()
		return "", err
	}

	s.mu.Lock()
	s.runs[h.exec.WorkflowID()] = h
	s.mu.Unlock()

	return h.exec.WorkflowID(), nil
}

// newRunHandle wires a fresh bus, executor, and aggregator for one run.
// When snap is non-nil the executor is restored from it.
func (s *StepgateServer) newRunHandle(g *engine.Graph, snap *engine.StatusSnapshot, inputs map[string]any) (*runHandle, error) {
	b := bus.New(bus.WithLogger(s.logger))
	s.notifier.Attach(b)

	opts := []engine.ExecutorOption{
		engine.WithGatePolicy(s.gate),
		engine.WithPersister(s.store),
		engine.WithLogger(s.logger),
	}

	var exec *engine.Executor
	if snap != nil {
		restored, err := engine.NewExecutorFromSnapshot(g, b, s.exprs, snap, opts...)
		if err != nil {
			return nil, err
		}
		exec = restored
	} else {
		exec = engine.NewExecutor(g, b, s.exprs, inputs, opts...)
	}

	agg := progress.New(g, b)
	if snap != nil {
		agg.Restore(snap)
	}
	agg.Attach()

	return &runHandle{graph: g, bus: b, exec: exec, agg: agg}, nil
}

// dropRun evicts a run from the live registry, releasing its aggregator
// subscription. The persisted snapshot is the store's concern.
func (s *StepgateServer) dropRun(workflowID string) {
	s.mu.Lock()
	h, ok := s.runs[workflowID]
	delete(s.runs, workflowID)
	s.mu.Unlock()
	if ok {
		h.agg.Detach()
	}
}

// dropGraph evicts a graph from the in-memory cache.
func (s *StepgateServer) dropGraph(graphID string) {
	s.mu.Lock()
	delete(s.graphs, graphID)
	s.mu.Unlock()
}

// graphFor resolves a graph from the in-memory cache, falling back to the
// store for graphs registered in a previous process.
func (s *StepgateServer) graphFor(ctx context.Context, graphID string) (*engine.Graph, error) {
	s.mu.Lock()
	g, ok := s.graphs[graphID]
	s.mu.Unlock()
	if ok {
		return g, nil
	}

	def, err := s.store.GetGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	g, err = engine.BuildGraph(def)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.graphs[graphID] = g
	s.mu.Unlock()
	return g, nil
}

// handleFor resolves a live run, rehydrating it from the latest persisted
// snapshot when the run is not in memory.
func (s *StepgateServer) handleFor(ctx context.Context, workflowID string) (*runHandle, error) {
	s.mu.Lock()
	h, ok := s.runs[workflowID]
	s.mu.Unlock()
	if ok {
		return h, nil
	}

	snap, err := s.store.GetRun(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	g, err := s.graphFor(ctx, snap.GraphID)
	if err != nil {
		return nil, err
	}

	h, err = s.newRunHandle(g, snap, nil)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[workflowID]; ok {
		// Lost a rehydration race; keep the established handle.
		h.agg.Detach()
		return existing, nil
	}
	s.runs[workflowID] = h

	s.logger.Info("run rehydrated from snapshot",
		slog.String("workflow_id", workflowID),
		slog.String("graph_id", snap.GraphID),
	)
	return h, nil
}
