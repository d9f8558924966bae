// Package engine contains the workflow graph model and the incremental
// executor. The engine never runs node work itself: external drivers report
// node starts, completions, and failures, and the executor advances the graph
// state machine in response.
package engine

import (
	"github.com/dcastano/stepgate/pkg/schema"
)

// Graph is the compiled in-memory representation of a GraphDefinition.
// Built once per definition by BuildGraph and shared read-only across runs.
type Graph struct {
	Definition *schema.GraphDefinition

	Nodes    map[string]*schema.NodeDefinition // node ID → definition
	Order    map[string]int                    // node ID → definition index, for deterministic ties
	Preds    map[string][]string               // node ID → predecessor IDs
	Succs    map[string][]string               // node ID → successor IDs
	InEdges  map[string][]schema.EdgeDefinition
	OutEdges map[string][]schema.EdgeDefinition // definition order, drives decision evaluation

	Sorted []string   // topological order (depth-first post-order)
	Levels [][]string // parallel execution levels
}

// validNodeKinds is the set of recognized node kinds. Empty defaults to task.
var validNodeKinds = map[schema.NodeKind]bool{
	schema.NodeKindTask:     true,
	schema.NodeKindDecision: true,
	schema.NodeKindJoin:     true,
}

// BuildGraph validates a GraphDefinition and compiles it into a Graph.
// Structural rules enforced here:
//   - node IDs are non-empty and unique; kinds are from the closed set
//   - every edge references existing nodes; no self or duplicate edges
//   - conditional edges originate only from decision nodes
//   - decision nodes have at least two outgoing edges
//   - join nodes have at least two predecessors
//   - the entry node, when named, exists and has no incoming edges
//   - the graph is acyclic
func BuildGraph(def *schema.GraphDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph has no nodes")
	}

	g := &Graph{
		Definition: def,
		Nodes:      make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		Order:      make(map[string]int, len(def.Nodes)),
		Preds:      make(map[string][]string, len(def.Nodes)),
		Succs:      make(map[string][]string, len(def.Nodes)),
		InEdges:    make(map[string][]schema.EdgeDefinition),
		OutEdges:   make(map[string][]schema.EdgeDefinition),
	}

	// First pass: register nodes and check for duplicates.
	for i := range def.Nodes {
		node := &def.Nodes[i]

		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		if node.Kind == "" {
			node.Kind = schema.NodeKindTask
		}
		if !validNodeKinds[node.Kind] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"node %s has unknown kind: %s", node.ID, node.Kind)
		}

		g.Nodes[node.ID] = node
		g.Order[node.ID] = i
	}

	// Second pass: build adjacency lists and validate edges.
	type edgeKey struct{ from, to string }
	seenEdges := make(map[edgeKey]bool, len(def.Edges))

	for i := range def.Edges {
		edge := def.Edges[i]

		if _, exists := g.Nodes[edge.From]; !exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge references non-existent node: %s", edge.From)
		}
		if _, exists := g.Nodes[edge.To]; !exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"edge references non-existent node: %s", edge.To)
		}
		if edge.From == edge.To {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
				"node %s has an edge to itself", edge.From)
		}

		key := edgeKey{edge.From, edge.To}
		if seenEdges[key] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate edge: %s -> %s", edge.From, edge.To)
		}
		seenEdges[key] = true

		if edge.Condition != nil {
			if g.Nodes[edge.From].Kind != schema.NodeKindDecision {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"conditional edge %s -> %s originates from non-decision node", edge.From, edge.To)
			}
			if edge.Condition.Expression == "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"edge %s -> %s has a condition with empty expression", edge.From, edge.To)
			}
		}

		g.Succs[edge.From] = append(g.Succs[edge.From], edge.To)
		g.Preds[edge.To] = append(g.Preds[edge.To], edge.From)
		g.OutEdges[edge.From] = append(g.OutEdges[edge.From], edge)
		g.InEdges[edge.To] = append(g.InEdges[edge.To], edge)
	}

	// Third pass: kind-specific structural constraints.
	for _, node := range g.Nodes {
		switch node.Kind {
		case schema.NodeKindDecision:
			if len(g.OutEdges[node.ID]) < 2 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"decision node %s needs at least two outgoing edges, has %d",
					node.ID, len(g.OutEdges[node.ID]))
			}
		case schema.NodeKindJoin:
			if len(g.Preds[node.ID]) < 2 {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"join node %s needs at least two predecessors, has %d",
					node.ID, len(g.Preds[node.ID]))
			}
		}
	}

	if def.EntryNodeID != "" {
		if _, exists := g.Nodes[def.EntryNodeID]; !exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"entry node %s does not exist", def.EntryNodeID)
		}
		if len(g.Preds[def.EntryNodeID]) > 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"entry node %s has incoming edges", def.EntryNodeID)
		}
	}

	sorted, err := topoSort(g)
	if err != nil {
		return nil, err
	}
	g.Sorted = sorted
	g.Levels = computeLevels(g)

	return g, nil
}

// Roots returns the nodes with no incoming edges, in definition order.
func (g *Graph) Roots() []string {
	roots := make([]string, 0, 2)
	for _, id := range g.byDefinitionOrder() {
		if len(g.Preds[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// byDefinitionOrder returns all node IDs sorted by their definition index.
func (g *Graph) byDefinitionOrder() []string {
	ids := make([]string, len(g.Definition.Nodes))
	for i := range g.Definition.Nodes {
		ids[i] = g.Definition.Nodes[i].ID
	}
	return ids
}
