// Package app wires one build invocation together: descriptor loading,
// variant resolution, graph construction, execution and result rendering.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/vk/osforge/internal/ctxlog"
	"github.com/vk/osforge/internal/descriptor"
)

// App encapsulates one build invocation's dependencies and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config
	set    *descriptor.Set
}

// New constructs a fully initialized App with its own isolated logger and
// descriptor set. A failure to load descriptors is a fatal startup error
// and panics; the CLI entrypoint recovers it into a clean exit.
func New(outW io.Writer, config *Config) *App {
	logger := newLogger(config.LogLevel, config.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	evalVars := map[string]string{
		"device":  config.Device,
		"variant": config.BuildVariant,
	}
	set, err := descriptor.NewLoader().Load(ctx, evalVars, config.DescriptorPath)
	if err != nil {
		panic(fmt.Errorf("failed to load descriptors: %w", err))
	}
	logger.Debug("Descriptors loaded.", "modules", len(set.Modules), "devices", len(set.Devices))

	return &App{
		outW:   outW,
		logger: logger,
		config: config,
		set:    set,
	}
}

// selectModules returns the modules this invocation builds, honoring the
// optional -module restriction.
func (a *App) selectModules() ([]*descriptor.Module, error) {
	if len(a.config.Modules) == 0 {
		return a.set.Modules, nil
	}
	byName := make(map[string]*descriptor.Module, len(a.set.Modules))
	for _, m := range a.set.Modules {
		byName[m.Name] = m
	}
	selected := make([]*descriptor.Module, 0, len(a.config.Modules))
	for _, name := range a.config.Modules {
		m, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("no module named %q in the loaded descriptors", name)
		}
		selected = append(selected, m)
	}
	return selected, nil
}
