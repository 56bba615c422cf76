// Package descriptor defines the module and device descriptor surface and
// loads it from HCL files. Everything downstream of the loader works on
// plain structs and is agnostic to the descriptor format.
package descriptor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/osforge/internal/ctxlog"
)

// Set is the merged result of loading one or more descriptor paths.
type Set struct {
	// Modules preserves file order so repeated builds see identical graphs.
	Modules []*Module
	Devices map[string]*Device
}

// fileRoot decodes all recognized top-level blocks from one file.
type fileRoot struct {
	Modules []*Module `hcl:"module,block"`
	Devices []*Device `hcl:"device,block"`
	Remain  hcl.Body  `hcl:",remain"`
}

// Loader parses descriptor files from disk.
type Loader struct{}

// NewLoader creates a new descriptor loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .hcl file reachable from the given paths and merges the
// result into a single Set. Descriptor expressions may reference the active
// `device`, `variant` and `arch` as plain strings.
func (l *Loader) Load(ctx context.Context, evalVars map[string]string, paths ...string) (*Set, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := l.findDescriptorFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.Debug("Discovered descriptor files.", "count", len(files))

	evalCtx := &hcl.EvalContext{Variables: map[string]cty.Value{}}
	for name, val := range evalVars {
		evalCtx.Variables[name] = cty.StringVal(val)
	}

	set := &Set{Devices: make(map[string]*Device)}
	seen := make(map[string]int)

	parser := hclparse.NewParser()
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse descriptor file %s: %w", file, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode descriptor file %s: %w", file, diags)
		}

		for _, m := range root.Modules {
			if err := m.Validate(); err != nil {
				return nil, fmt.Errorf("%s: %w", file, err)
			}
			if idx, ok := seen[m.Name]; ok {
				logger.Warn("Duplicate module definition found, it will be overwritten.", "module", m.Name)
				set.Modules[idx] = m
				continue
			}
			seen[m.Name] = len(set.Modules)
			set.Modules = append(set.Modules, m)
		}
		for _, d := range root.Devices {
			if _, ok := set.Devices[d.Name]; ok {
				logger.Warn("Duplicate device definition found, it will be overwritten.", "device", d.Name)
			}
			set.Devices[d.Name] = d
		}
	}

	logger.Debug("Descriptors loaded.", "modules", len(set.Modules), "devices", len(set.Devices))
	return set, nil
}

// findDescriptorFiles expands each path into the sorted list of .hcl files
// beneath it. A path may be a single file or a directory.
func (l *Loader) findDescriptorFiles(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("descriptor path %s: %w", path, err)
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(p, ".hcl") {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking descriptor path %s: %w", path, err)
		}
	}
	return files, nil
}
