// Package executor walks a build graph with a bounded worker pool, running
// independent nodes concurrently and skipping the dependency cone of every
// failure.
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/vk/osforge/internal/buildgraph"
	"github.com/vk/osforge/internal/ctxlog"
)

// Options tune one execution.
type Options struct {
	// FailFast stops scheduling new node starts once any node has failed.
	// Already-running nodes finish; nothing is forcibly interrupted.
	FailFast bool
}

// Executor runs one graph once.
type Executor struct {
	graph      *buildgraph.Graph
	numWorkers int
	opts       Options

	wg     sync.WaitGroup
	failed atomic.Bool
}

// New returns an Executor over the graph with the given worker-pool size.
func New(graph *buildgraph.Graph, workers int, opts Options) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{graph: graph, numWorkers: workers, opts: opts}
}

// Run executes the graph and returns the per-node outcome. Run never
// returns early: every node ends Done, Failed or Skipped.
func (e *Executor) Run(ctx context.Context) *Result {
	logger := ctxlog.FromContext(ctx)

	readyChan := make(chan *buildgraph.Node, len(e.graph.Nodes))
	rootCount := 0
	for _, node := range e.graph.Nodes {
		if node.PendingDeps() == 0 {
			readyChan <- node
			rootCount++
		}
	}
	logger.Debug("Executor initialized.", "nodes", len(e.graph.Nodes), "roots", rootCount, "workers", e.numWorkers)

	e.wg.Add(len(e.graph.Nodes))
	for i := 0; i < e.numWorkers; i++ {
		go e.worker(ctx, readyChan, i)
	}
	e.wg.Wait()
	close(readyChan)

	return collectResult(e.graph)
}

// worker is the processing loop of one pool member.
func (e *Executor) worker(ctx context.Context, readyChan chan *buildgraph.Node, workerID int) {
	logger := ctxlog.FromContext(ctx)

	for node := range readyChan {
		workerLogger := logger.With("workerID", workerID, "nodeID", node.ID)

		if ctx.Err() != nil {
			if node.Skip(ctx.Err()) {
				workerLogger.Warn("Context canceled, skipping node.")
				e.wg.Done()
				e.skipDependents(ctx, node)
			}
			continue
		}
		if e.opts.FailFast && e.failed.Load() {
			if node.Skip(fmt.Errorf("fail-fast: not started after earlier failure")) {
				workerLogger.Warn("Fail-fast active, node not started.")
				e.wg.Done()
				e.skipDependents(ctx, node)
			}
			continue
		}
		if !node.Start() {
			// Already terminal via a skip path; accounted for there.
			continue
		}

		workerLogger.Debug("Node started.", "kind", node.Kind)
		err := node.Action(ctx)
		if err != nil {
			workerLogger.Error("Node failed.", "error", err)
			node.Finish(err)
			e.failed.Store(true)
			e.skipDependents(ctx, node)
			e.wg.Done()
			continue
		}

		workerLogger.Debug("Node done.")
		node.Finish(nil)
		for _, dependent := range node.Dependents {
			if dependent.DepDone() == 0 {
				readyChan <- dependent
			}
		}
		e.wg.Done()
	}
}

// skipDependents marks the entire dependency cone of a terminal node as
// Skipped. Nodes outside the cone are untouched; sibling modules keep
// building.
func (e *Executor) skipDependents(ctx context.Context, node *buildgraph.Node) {
	logger := ctxlog.FromContext(ctx)
	for _, dependent := range node.Dependents {
		if dependent.Skip(fmt.Errorf("upstream %s %s", node.ID, node.State())) {
			logger.Warn("Skipping dependent node.", "nodeID", dependent.ID, "dependency", node.ID)
			e.wg.Done()
			e.skipDependents(ctx, dependent)
		}
	}
}
