package executor

import (
	"fmt"
	"sort"

	"github.com/vk/osforge/internal/buildgraph"
)

// NodeOutcome is one node's final state plus its error when terminal with
// failure or skip cause.
type NodeOutcome struct {
	NodeID string
	Module string
	Kind   buildgraph.NodeKind
	Err    error
}

// Result enumerates every node's outcome for one execution, with stable
// ordering by node ID so rendered output is reproducible.
type Result struct {
	Done    []NodeOutcome
	Failed  []NodeOutcome
	Skipped []NodeOutcome
}

func collectResult(graph *buildgraph.Graph) *Result {
	ids := make([]string, 0, len(graph.Nodes))
	for id := range graph.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	res := &Result{}
	for _, id := range ids {
		node := graph.Nodes[id]
		outcome := NodeOutcome{NodeID: node.ID, Module: node.Module, Kind: node.Kind, Err: node.Err}
		switch node.State() {
		case buildgraph.Done:
			res.Done = append(res.Done, outcome)
		case buildgraph.Failed:
			res.Failed = append(res.Failed, outcome)
		default:
			// Skipped, or never scheduled under fail-fast / cancellation.
			res.Skipped = append(res.Skipped, outcome)
		}
	}
	return res
}

// FirstErr returns the first failure in node-ID order, or nil when the
// whole graph completed.
func (r *Result) FirstErr() error {
	if len(r.Failed) == 0 {
		return nil
	}
	f := r.Failed[0]
	return fmt.Errorf("node %s (module %s): %w", f.NodeID, f.Module, f.Err)
}

// Ok reports whether every node finished Done.
func (r *Result) Ok() bool {
	return len(r.Failed) == 0 && len(r.Skipped) == 0
}
