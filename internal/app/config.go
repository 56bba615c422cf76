package app

import (
	"errors"
	"runtime"
)

// Config holds everything one build invocation needs. There is no ambient
// build state: each App owns its config, variant context and ledger.
type Config struct {
	// DescriptorPath is an .hcl file or a directory of them.
	DescriptorPath string
	// Device selects the variant configuration; unknown devices are fatal.
	Device string
	// BuildVariant is the build-type identifier, e.g. debug or release.
	BuildVariant string
	// OutDir roots the per-variant output tree.
	OutDir string
	// Modules optionally restricts the build to the named modules.
	Modules []string

	// Toolchain binaries, overridable for cross builds.
	CC        string
	CXX       string
	StripTool string

	LogFormat string
	LogLevel  string

	// Workers bounds the executor pool; a host property, not per-module.
	Workers int
	// FailFast stops scheduling new nodes after the first failure.
	FailFast bool
	// Overwrite resolves install-path conflicts by letting the later
	// module win instead of failing.
	Overwrite bool
}

// NewConfig validates and defaults a Config.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.DescriptorPath == "" {
		return nil, errors.New("DescriptorPath is a required configuration field and cannot be empty")
	}
	if cfg.Device == "" {
		return nil, errors.New("Device is a required configuration field and cannot be empty")
	}
	if cfg.BuildVariant == "" {
		cfg.BuildVariant = "release"
	}
	if cfg.OutDir == "" {
		cfg.OutDir = "out"
	}
	if cfg.CC == "" {
		cfg.CC = "gcc"
	}
	if cfg.CXX == "" {
		cfg.CXX = "g++"
	}
	if cfg.StripTool == "" {
		cfg.StripTool = "strip"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return &cfg, nil
}
