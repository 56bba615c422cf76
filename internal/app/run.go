package app

import (
	"context"
	"fmt"

	"github.com/vk/osforge/internal/buildgraph"
	"github.com/vk/osforge/internal/ctxlog"
	"github.com/vk/osforge/internal/executor"
	"github.com/vk/osforge/internal/install"
	"github.com/vk/osforge/internal/sign"
	"github.com/vk/osforge/internal/toolchain"
	"github.com/vk/osforge/internal/variant"
)

// Run executes the build for the configured device and variant.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	resolver := variant.NewResolver(a.config.OutDir, a.set.Devices)
	vctx, err := resolver.Resolve(a.config.Device, a.config.BuildVariant)
	if err != nil {
		// No partial graph is ever built for an unknown device.
		return err
	}
	a.logger.Info("Variant resolved.",
		"device", vctx.Device, "variant", vctx.BuildVariant, "arch", vctx.Arch, "product", vctx.Roots.Product)

	modules, err := a.selectModules()
	if err != nil {
		return err
	}
	if len(modules) == 0 {
		a.logger.Warn("No modules selected, nothing to build.")
		return nil
	}

	policy := install.ConflictFail
	if a.config.Overwrite {
		policy = install.ConflictOverwrite
	}
	ledger := install.NewLedger(policy)
	tools := toolchain.New(a.config.CC, a.config.CXX, a.config.StripTool)
	signer := sign.NewSigner(vctx.SigningKeyring)

	builder := buildgraph.NewBuilder(vctx, tools, signer, ledger)
	graph, err := builder.Build(ctx, modules)
	if err != nil {
		return fmt.Errorf("failed to build dependency graph: %w", err)
	}
	a.logger.Debug("Dependency graph built.", "node_count", len(graph.Nodes))

	a.logger.Info("Starting concurrent execution.", "workers", a.config.Workers, "nodes", len(graph.Nodes))
	result := executor.New(graph, a.config.Workers, executor.Options{FailFast: a.config.FailFast}).Run(ctx)

	if err := builder.SaveState(); err != nil {
		a.logger.Warn("Failed to persist dependency state.", "error", err)
	}

	a.render(result, ledger)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("build failed: %w", err)
	}
	a.logger.Info("Build finished.")
	return nil
}

// render logs the per-invocation outcome: counts, every failure with its
// originating node, every skip with its cause, and the install ledger.
func (a *App) render(result *executor.Result, ledger *install.Ledger) {
	a.logger.Info("Execution complete.",
		"done", len(result.Done), "failed", len(result.Failed), "skipped", len(result.Skipped))

	for _, f := range result.Failed {
		a.logger.Error("Step failed.", "node", f.NodeID, "module", f.Module, "error", f.Err)
	}
	for _, s := range result.Skipped {
		a.logger.Warn("Step skipped.", "node", s.NodeID, "module", s.Module, "cause", s.Err)
	}
	for _, e := range ledger.Entries() {
		a.logger.Info("Ledger entry.", "module", e.Module, "kind", e.Kind, "path", e.Path)
	}
}
