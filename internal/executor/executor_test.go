package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/osforge/internal/buildgraph"
)

func noop(ctx context.Context) error { return nil }

func failWith(err error) buildgraph.Action {
	return func(ctx context.Context) error { return err }
}

func TestRun_AllDone(t *testing.T) {
	g := buildgraph.NewGraph()
	a := g.AddNode("compile.m.a.c", buildgraph.CompileUnit, "m", "", noop)
	b := g.AddNode("compile.m.b.c", buildgraph.CompileUnit, "m", "", noop)
	link := g.AddNode("link.m", buildgraph.LinkArtifact, "m", "", noop)
	g.AddEdge(a, link)
	g.AddEdge(b, link)
	require.NoError(t, g.Finalize())

	res := New(g, 4, Options{}).Run(context.Background())
	assert.True(t, res.Ok())
	assert.Len(t, res.Done, 3)
	assert.NoError(t, res.FirstErr())
}

func TestRun_LinkWaitsForAllCompiles(t *testing.T) {
	var compiled atomic.Int32

	g := buildgraph.NewGraph()
	slow := g.AddNode("compile.m.slow.c", buildgraph.CompileUnit, "m", "", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		compiled.Add(1)
		return nil
	})
	fast := g.AddNode("compile.m.fast.c", buildgraph.CompileUnit, "m", "", func(ctx context.Context) error {
		compiled.Add(1)
		return nil
	})
	var seenAtLink int32
	link := g.AddNode("link.m", buildgraph.LinkArtifact, "m", "", func(ctx context.Context) error {
		seenAtLink = compiled.Load()
		return nil
	})
	g.AddEdge(slow, link)
	g.AddEdge(fast, link)
	require.NoError(t, g.Finalize())

	res := New(g, 4, Options{}).Run(context.Background())
	require.True(t, res.Ok())
	assert.Equal(t, int32(2), seenAtLink, "link must be a barrier over every sibling compile")
}

func TestRun_FailureSkipsOnlyDependencyCone(t *testing.T) {
	boom := errors.New("undefined reference")

	g := buildgraph.NewGraph()
	// Module A fails at link; module B is untouched.
	aCompile := g.AddNode("compile.a.main.c", buildgraph.CompileUnit, "a", "", noop)
	aLink := g.AddNode("link.a", buildgraph.LinkArtifact, "a", "", failWith(boom))
	aStrip := g.AddNode("strip.a", buildgraph.StripArtifact, "a", "", noop)
	aInstall := g.AddNode("install.a", buildgraph.InstallArtifact, "a", "", noop)
	g.AddEdge(aCompile, aLink)
	g.AddEdge(aLink, aStrip)
	g.AddEdge(aStrip, aInstall)

	bCompile := g.AddNode("compile.b.main.c", buildgraph.CompileUnit, "b", "", noop)
	bLink := g.AddNode("link.b", buildgraph.LinkArtifact, "b", "", noop)
	g.AddEdge(bCompile, bLink)
	require.NoError(t, g.Finalize())

	res := New(g, 4, Options{}).Run(context.Background())

	require.Len(t, res.Failed, 1)
	assert.Equal(t, "link.a", res.Failed[0].NodeID)
	assert.ErrorIs(t, res.FirstErr(), boom)

	skipped := map[string]bool{}
	for _, s := range res.Skipped {
		skipped[s.NodeID] = true
	}
	assert.True(t, skipped["strip.a"])
	assert.True(t, skipped["install.a"])
	assert.Len(t, res.Skipped, 2, "nodes outside the failure cone must run")

	assert.Equal(t, buildgraph.Done, bLink.State())
}

func TestRun_FailFastStopsNewStarts(t *testing.T) {
	var started atomic.Int32
	gateRunning := make(chan struct{})

	g := buildgraph.NewGraph()
	// The failure only lands once gate is already running, and gate keeps
	// running well past it; its dependent therefore only becomes ready
	// once fail-fast is in force.
	g.AddNode("fail.now", buildgraph.CompileUnit, "a", "", func(ctx context.Context) error {
		<-gateRunning
		return errors.New("boom")
	})
	gate := g.AddNode("gate", buildgraph.CompileUnit, "b", "", func(ctx context.Context) error {
		close(gateRunning)
		time.Sleep(50 * time.Millisecond)
		return nil
	})
	later := g.AddNode("later", buildgraph.CompileUnit, "b", "", func(ctx context.Context) error {
		started.Add(1)
		return nil
	})
	g.AddEdge(gate, later)
	require.NoError(t, g.Finalize())

	res := New(g, 2, Options{FailFast: true}).Run(context.Background())

	require.Len(t, res.Failed, 1)
	assert.Equal(t, buildgraph.Done, gate.State(), "already-running nodes finish under fail-fast")
	assert.Equal(t, int32(0), started.Load(), "fail-fast must not start new nodes after a failure")
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "later", res.Skipped[0].NodeID)
}

func TestRun_WithoutFailFastSiblingsContinue(t *testing.T) {
	var started atomic.Int32

	g := buildgraph.NewGraph()
	g.AddNode("fail.now", buildgraph.CompileUnit, "a", "", failWith(errors.New("boom")))
	for _, id := range []string{"sib.1", "sib.2"} {
		g.AddNode(id, buildgraph.CompileUnit, "b", "", func(ctx context.Context) error {
			started.Add(1)
			return nil
		})
	}
	require.NoError(t, g.Finalize())

	res := New(g, 1, Options{}).Run(context.Background())
	assert.Equal(t, int32(2), started.Load())
	assert.Len(t, res.Done, 2)
	assert.Len(t, res.Failed, 1)
}

func TestRun_ConcurrentRoots(t *testing.T) {
	const n = 32
	var mu sync.Mutex
	running, peak := 0, 0

	g := buildgraph.NewGraph()
	for i := 0; i < n; i++ {
		g.AddNode(string(rune('a'+i%26))+string(rune('0'+i/26)), buildgraph.CompileUnit, "m", "",
			func(ctx context.Context) error {
				mu.Lock()
				running++
				if running > peak {
					peak = running
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
	}
	require.NoError(t, g.Finalize())

	res := New(g, 8, Options{}).Run(context.Background())
	require.True(t, res.Ok())
	assert.Greater(t, peak, 1, "independent nodes should overlap")
	assert.LessOrEqual(t, peak, 8, "the pool bound must hold")
}

func TestRun_CanceledContextSkips(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := buildgraph.NewGraph()
	g.AddNode("never.runs", buildgraph.CompileUnit, "m", "", noop)
	require.NoError(t, g.Finalize())

	res := New(g, 2, Options{}).Run(ctx)
	assert.Empty(t, res.Done)
	assert.Len(t, res.Skipped, 1)
}
