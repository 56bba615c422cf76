// Package buildgraph models one build invocation as a directed acyclic
// graph of steps and constructs the per-module subgraphs from descriptors.
package buildgraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrCycle is returned when graph construction would produce a circular
// dependency. The per-kind construction is acyclic by shape, so a cycle
// indicates a descriptor-authoring bug in package cross-references.
var ErrCycle = errors.New("dependency cycle")

// NodeKind identifies what a graph node does.
type NodeKind string

const (
	DeviceConfig    NodeKind = "deviceconfig"
	CompileUnit     NodeKind = "compile"
	LinkArtifact    NodeKind = "link"
	StripArtifact   NodeKind = "strip"
	SignArtifact    NodeKind = "sign"
	PackageArtifact NodeKind = "package"
	BoardMetadata   NodeKind = "boardmeta"
	InstallArtifact NodeKind = "install"
)

// State is a node's position in its lifecycle. A node transitions
// Pending→Running→{Done|Failed} exactly once per invocation; Skipped is
// terminal for nodes inside a failure cone.
type State int32

const (
	Pending State = iota
	Running
	Done
	Failed
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Done:
		return "done"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Action is the work a node performs when executed.
type Action func(ctx context.Context) error

// Node is one build step.
type Node struct {
	ID     string
	Kind   NodeKind
	Module string
	// Output is the path the action produces, empty for ledger-only steps.
	Output string
	Action Action

	Deps       map[string]*Node
	Dependents map[string]*Node

	// Err holds the failure or skip cause once the node is terminal.
	Err error

	state    atomic.Int32
	depCount atomic.Int32
	skipOnce sync.Once
}

func newNode(id string, kind NodeKind, module, output string, action Action) *Node {
	return &Node{
		ID:         id,
		Kind:       kind,
		Module:     module,
		Output:     output,
		Action:     action,
		Deps:       make(map[string]*Node),
		Dependents: make(map[string]*Node),
	}
}

// State returns the node's current lifecycle state.
func (n *Node) State() State {
	return State(n.state.Load())
}

// Start attempts the Pending→Running transition. It returns false when the
// node already left Pending (run by another worker or skipped).
func (n *Node) Start() bool {
	return n.state.CompareAndSwap(int32(Pending), int32(Running))
}

// Finish records the terminal state of a Running node.
func (n *Node) Finish(err error) {
	if err != nil {
		n.Err = err
		n.state.Store(int32(Failed))
		return
	}
	n.state.Store(int32(Done))
}

// Skip marks the node Skipped with the given cause. It reports whether this
// call performed the transition; a node is only ever skipped once.
func (n *Node) Skip(cause error) bool {
	skipped := false
	n.skipOnce.Do(func() {
		n.Err = cause
		n.state.Store(int32(Skipped))
		skipped = true
	})
	return skipped
}

// PendingDeps returns the number of dependencies not yet Done.
func (n *Node) PendingDeps() int32 {
	return n.depCount.Load()
}

// DepDone records one completed dependency and returns the remaining count.
func (n *Node) DepDone() int32 {
	return n.depCount.Add(-1)
}

// Graph is the complete step set for one build invocation.
type Graph struct {
	Nodes map[string]*Node
}

// NewGraph returns an initialized, empty Graph.
func NewGraph() *Graph {
	return &Graph{Nodes: make(map[string]*Node)}
}

// AddNode creates a node and registers it under its ID. A node with the
// same ID is replaced.
func (g *Graph) AddNode(id string, kind NodeKind, module, output string, action Action) *Node {
	n := newNode(id, kind, module, output, action)
	g.Nodes[id] = n
	return n
}

// AddEdge records that `to` depends on `from`.
func (g *Graph) AddEdge(from, to *Node) {
	to.Deps[from.ID] = from
	from.Dependents[to.ID] = to
}

// Finalize seeds each node's dependency counter and validates acyclicity.
// Must run after all edges are in place and before execution.
func (g *Graph) Finalize() error {
	for _, n := range g.Nodes {
		n.depCount.Store(int32(len(n.Deps)))
	}
	return g.detectCycles()
}

// detectCycles checks for circular dependencies using DFS.
func (g *Graph) detectCycles() error {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(n *Node) error
	visit = func(n *Node) error {
		visiting[n.ID] = true
		for _, dep := range n.Deps {
			if visiting[dep.ID] {
				return fmt.Errorf("%w involving '%s'", ErrCycle, dep.ID)
			}
			if !visited[dep.ID] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		delete(visiting, n.ID)
		visited[n.ID] = true
		return nil
	}

	for _, n := range g.Nodes {
		if !visited[n.ID] {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}
