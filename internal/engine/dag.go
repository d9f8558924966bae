package engine

import (
	"strings"

	"github.com/dcastano/stepgate/pkg/schema"
)

// topoSort produces a topological order via depth-first post-order traversal,
// visiting roots and successors in definition order so the result is
// deterministic for a given definition. A back edge is reported as a cycle
// error naming the offending path.
func topoSort(g *Graph) ([]string, error) {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // finished
	)

	color := make(map[string]int, len(g.Nodes))
	postOrder := make([]string, 0, len(g.Nodes))
	path := make([]string, 0, len(g.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return schema.NewErrorf(schema.ErrCodeCycleDetected,
				"graph contains a cycle: %s", cyclePath(path, id))
		}

		color[id] = gray
		path = append(path, id)

		for _, succ := range g.Succs[id] {
			if err := visit(succ); err != nil {
				return err
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		postOrder = append(postOrder, id)
		return nil
	}

	// Start from every node, not only roots: a fully cyclic subgraph has no
	// root and would otherwise go unvisited.
	for _, id := range g.byDefinitionOrder() {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	// Reverse the post-order to get dependencies-first.
	sorted := make([]string, len(postOrder))
	for i, id := range postOrder {
		sorted[len(postOrder)-1-i] = id
	}
	return sorted, nil
}

// cyclePath renders the portion of the DFS path that forms the cycle.
func cyclePath(path []string, repeat string) string {
	start := 0
	for i, id := range path {
		if id == repeat {
			start = i
			break
		}
	}
	return strings.Join(append(append([]string{}, path[start:]...), repeat), " -> ")
}

// computeLevels groups nodes into parallel execution levels: every node's
// predecessors sit in strictly earlier levels.
func computeLevels(g *Graph) [][]string {
	depth := make(map[string]int, len(g.Nodes))

	for _, id := range g.Sorted {
		maxPred := -1
		for _, pred := range g.Preds[id] {
			if depth[pred] > maxPred {
				maxPred = depth[pred]
			}
		}
		depth[id] = maxPred + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// CriticalPath returns the path through the graph that maximizes cumulative
// EstimatedCost, and that cost. Ties break toward the earlier-defined
// predecessor so repeated calls agree. Returns nil for an empty graph.
func (g *Graph) CriticalPath() ([]string, float64) {
	if len(g.Sorted) == 0 {
		return nil, 0
	}

	cost := make(map[string]float64, len(g.Nodes))
	via := make(map[string]string, len(g.Nodes))

	for _, id := range g.Sorted {
		best := 0.0
		bestPred := ""
		for _, pred := range g.Preds[id] {
			c := cost[pred]
			if c > best || (c == best && (bestPred == "" || g.Order[pred] < g.Order[bestPred])) {
				best = c
				bestPred = pred
			}
		}
		cost[id] = best + g.Nodes[id].EstimatedCost
		via[id] = bestPred
	}

	endID := ""
	for _, id := range g.Sorted {
		if endID == "" || cost[id] > cost[endID] {
			endID = id
		}
	}

	// Walk back from the terminal node of the heaviest path.
	var reversed []string
	for id := endID; id != ""; id = via[id] {
		reversed = append(reversed, id)
	}
	path := make([]string, len(reversed))
	for i, id := range reversed {
		path[len(reversed)-1-i] = id
	}
	return path, cost[endID]
}
