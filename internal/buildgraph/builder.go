package buildgraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/vk/osforge/internal/ctxlog"
	"github.com/vk/osforge/internal/deptrack"
	"github.com/vk/osforge/internal/descriptor"
	"github.com/vk/osforge/internal/install"
	"github.com/vk/osforge/internal/toolchain"
	"github.com/vk/osforge/internal/variant"
)

// Signer produces a detached signature over an artifact's bytes.
type Signer interface {
	Sign(artifactPath, sigPath string) error
}

// Builder turns module descriptors into executable build graphs for one
// resolved variant. A Builder owns the dependency trackers it opens; call
// SaveState after execution to persist them.
type Builder struct {
	variant *variant.Context
	tools   toolchain.Toolchain
	signer  Signer
	ledger  *install.Ledger

	trackers map[string]*deptrack.Tracker
}

// NewBuilder wires a Builder over the resolved variant, the external
// toolchain, the image signer and the invocation's install ledger.
func NewBuilder(v *variant.Context, tools toolchain.Toolchain, signer Signer, ledger *install.Ledger) *Builder {
	return &Builder{
		variant:  v,
		tools:    tools,
		signer:   signer,
		ledger:   ledger,
		trackers: make(map[string]*deptrack.Tracker),
	}
}

// Build constructs one graph covering every given module. Modules are
// independent subgraphs except for package→shared-library install edges,
// which are explicit composition rather than nested invocations.
func (b *Builder) Build(ctx context.Context, modules []*descriptor.Module) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)
	graph := NewGraph()

	for _, m := range modules {
		var err error
		switch m.Kind {
		case descriptor.Executable, descriptor.SharedLibrary:
			_, err = b.buildBinary(ctx, graph, m, false)
			if err == nil && m.Recovery {
				_, err = b.buildBinary(ctx, graph, m, true)
			}
		case descriptor.BootableImage:
			err = b.buildImage(ctx, graph, m)
		case descriptor.Package:
			err = b.buildPackage(ctx, graph, m)
		default:
			err = fmt.Errorf("module %q: unknown kind %q", m.Name, m.Kind)
		}
		if err != nil {
			return nil, err
		}
	}

	b.linkPackageEdges(graph, modules)
	if err := graph.Finalize(); err != nil {
		return nil, err
	}
	logger.Debug("Build graph constructed.", "nodes", len(graph.Nodes), "modules", len(modules))
	return graph, nil
}

// SaveState persists every dependency tracker opened during Build. Records
// survive independently of link or install outcomes, so partial builds
// still skip their finished compiles next time.
func (b *Builder) SaveState() error {
	var errs []error
	for _, tr := range b.trackers {
		errs = append(errs, tr.Save())
	}
	return errors.Join(errs...)
}

// buildBinary emits the compile→link→strip→install chain shared by
// executables and shared libraries. With recovery set it builds the fully
// independent recovery subgraph: disjoint intermediates, recovery flags,
// recovery install destination.
func (b *Builder) buildBinary(ctx context.Context, g *Graph, m *descriptor.Module, recovery bool) (*Node, error) {
	interDir := b.variant.IntermediatesDir(m.Kind, m.Name)
	prefix := ""
	cflags := m.Cflags
	if recovery {
		interDir = b.variant.RecoveryIntermediatesDir(m.Name)
		prefix = "recovery-"
		cflags = append(append([]string{}, m.Cflags...), "-DRECOVERY_BUILD")
	}

	tracker, err := b.openTracker(interDir)
	if err != nil {
		return nil, err
	}

	compiles, err := b.compileNodes(g, m, prefix, interDir, m.IncludeDirs, cflags, tracker)
	if err != nil {
		return nil, err
	}

	linked := filepath.Join(interDir, "LINKED", linkedName(m))
	link := g.AddNode(prefix+"link."+m.Name, LinkArtifact, m.Name, linked,
		b.linkAction(m, compilesOutputs(compiles), linked))
	for _, c := range compiles {
		g.AddEdge(c, link)
	}

	stripped := linked + ".stripped"
	strip := g.AddNode(prefix+"strip."+m.Name, StripArtifact, m.Name, stripped,
		func(ctx context.Context) error { return b.tools.Strip(ctx, linked, stripped) })
	g.AddEdge(link, strip)

	dst := b.variant.InstallPath(m)
	if recovery {
		dst = b.variant.RecoveryInstallPath(m.Name)
	}
	kind := m.Kind
	inst := g.AddNode(prefix+"install."+m.Name, InstallArtifact, m.Name, dst,
		func(ctx context.Context) error {
			return install.Binary(ctx, b.ledger, m.Name, stripped, dst, kind)
		})
	g.AddEdge(strip, inst)

	return strip, nil
}

// buildImage emits the bootable-image chain: device config generation feeds
// every compile, the stripped image is signed before anything is installed,
// and the board metadata record lands beside the installed image.
func (b *Builder) buildImage(ctx context.Context, g *Graph, m *descriptor.Module) error {
	interDir := b.variant.IntermediatesDir(m.Kind, m.Name)
	tracker, err := b.openTracker(interDir)
	if err != nil {
		return err
	}

	genDir := filepath.Join(interDir, "gen")
	confHeader := filepath.Join(genDir, "device_config.h")
	devcfg := g.AddNode("deviceconfig."+m.Name, DeviceConfig, m.Name, confHeader,
		b.deviceConfigAction(confHeader))

	includeDirs := append(append([]string{}, m.IncludeDirs...), genDir)
	compiles, err := b.compileNodes(g, m, "", interDir, includeDirs, m.Cflags, tracker)
	if err != nil {
		return err
	}
	for _, c := range compiles {
		g.AddEdge(devcfg, c)
	}

	linked := filepath.Join(interDir, "LINKED", m.Name)
	link := g.AddNode("link."+m.Name, LinkArtifact, m.Name, linked,
		b.linkAction(m, compilesOutputs(compiles), linked))
	for _, c := range compiles {
		g.AddEdge(c, link)
	}

	stripped := linked + ".stripped"
	strip := g.AddNode("strip."+m.Name, StripArtifact, m.Name, stripped,
		func(ctx context.Context) error { return b.tools.Strip(ctx, linked, stripped) })
	g.AddEdge(link, strip)

	sigPath := stripped + ".sig"
	signNode := g.AddNode("sign."+m.Name, SignArtifact, m.Name, sigPath,
		func(ctx context.Context) error { return b.signer.Sign(stripped, sigPath) })
	g.AddEdge(strip, signNode)

	dst := b.variant.ImagePath(m.Name)
	board := g.AddNode("boardmeta."+m.Name, BoardMetadata, m.Name, dst+".board",
		func(ctx context.Context) error {
			return install.WriteBoardMetadata(dst+".board", b.variant.Device, time.Now())
		})
	g.AddEdge(signNode, board)

	inst := g.AddNode("install."+m.Name, InstallArtifact, m.Name, dst,
		func(ctx context.Context) error {
			return install.Image(ctx, b.ledger, m.Name, stripped, sigPath, dst)
		})
	g.AddEdge(signNode, inst)

	return nil
}

// buildPackage emits the package chain: build the bundle's own executable
// body, stage the tree with dependency symlinks and manifest, archive it
// with symlinks preserved, then install the archive.
func (b *Builder) buildPackage(ctx context.Context, g *Graph, m *descriptor.Module) error {
	interDir := b.variant.IntermediatesDir(m.Kind, m.Name)
	tracker, err := b.openTracker(interDir)
	if err != nil {
		return err
	}

	compiles, err := b.compileNodes(g, m, "", interDir, m.IncludeDirs, m.Cflags, tracker)
	if err != nil {
		return err
	}

	linked := filepath.Join(interDir, "LINKED", m.Name)
	link := g.AddNode("link."+m.Name, LinkArtifact, m.Name, linked,
		b.linkAction(m, compilesOutputs(compiles), linked))
	for _, c := range compiles {
		g.AddEdge(c, link)
	}

	stripped := linked + ".stripped"
	strip := g.AddNode("strip."+m.Name, StripArtifact, m.Name, stripped,
		func(ctx context.Context) error { return b.tools.Strip(ctx, linked, stripped) })
	g.AddEdge(link, strip)

	stagingDir := filepath.Join(interDir, "staging")
	archive := filepath.Join(interDir, "LINKED", fmt.Sprintf("%s-%s.tar.gz", m.Name, m.Version))
	spec := install.PackageSpec{
		Name:       m.Name,
		Version:    m.Version,
		Binary:     stripped,
		SharedLibs: m.SharedLibs,
		Slots:      b.variant.LibSlots(),
	}
	pkg := g.AddNode("package."+m.Name, PackageArtifact, m.Name, archive,
		func(ctx context.Context) error {
			// Stale staging trees from earlier invocations would leak
			// removed dependencies into the archive.
			if err := os.RemoveAll(stagingDir); err != nil {
				return err
			}
			if err := install.StagePackage(ctx, stagingDir, spec, b.resolveLib); err != nil {
				return err
			}
			return install.ArchiveTree(stagingDir, archive)
		})
	g.AddEdge(strip, pkg)

	dst := b.variant.InstallPath(m)
	inst := g.AddNode("install."+m.Name, InstallArtifact, m.Name, dst,
		func(ctx context.Context) error {
			if err := install.CopyFile(archive, dst, 0o644); err != nil {
				return err
			}
			if err := b.ledger.Append(ctx, m.Name, dst, descriptor.Package); err != nil {
				return err
			}
			ctxlog.FromContext(ctx).Info("Installed package.", "module", m.Name, "path", dst)
			return nil
		})
	g.AddEdge(pkg, inst)

	return nil
}

// compileNodes emits one CompileUnit node per source, namespaced under the
// module's intermediates directory.
func (b *Builder) compileNodes(g *Graph, m *descriptor.Module, prefix, interDir string, includeDirs, cflags []string, tracker *deptrack.Tracker) ([]*Node, error) {
	nodes := make([]*Node, 0, len(m.Srcs))
	for _, src := range m.Srcs {
		obj := objectPath(interDir, src)
		step := toolchain.CompileStep{
			Source:      src,
			Object:      obj,
			Depfile:     obj + ".d",
			IncludeDirs: includeDirs,
			Flags:       cflags,
			Cpp:         m.Cpp,
		}
		id := fmt.Sprintf("%scompile.%s.%s", prefix, m.Name, src)
		nodes = append(nodes, g.AddNode(id, CompileUnit, m.Name, obj, b.compileAction(tracker, step)))
	}
	return nodes, nil
}

// compileAction compiles one unit unless the tracker proves it fresh, then
// records the headers the compiler reported via the emitted depfile.
func (b *Builder) compileAction(tracker *deptrack.Tracker, step toolchain.CompileStep) Action {
	fingerprint := step.Fingerprint()
	return func(ctx context.Context) error {
		if !tracker.IsStale(step.Source, fingerprint) {
			if _, err := os.Stat(step.Object); err == nil {
				ctxlog.FromContext(ctx).Debug("Compile unit up to date.", "source", step.Source)
				return nil
			}
		}
		if err := b.tools.Compile(ctx, step); err != nil {
			return err
		}
		deps, err := deptrack.ParseDepFile(step.Depfile)
		if err != nil {
			return err
		}
		headers := make([]string, 0, len(deps))
		for _, d := range deps {
			if d != step.Source {
				headers = append(headers, d)
			}
		}
		tracker.Record(step.Source, fingerprint, headers)
		return nil
	}
}

func (b *Builder) linkAction(m *descriptor.Module, objects []string, output string) Action {
	step := toolchain.LinkStep{
		Objects: objects,
		Output:  output,
		Flags:   m.Ldflags,
		Shared:  m.Kind == descriptor.SharedLibrary,
		Cpp:     m.Cpp,
	}
	return func(ctx context.Context) error {
		return b.tools.Link(ctx, step)
	}
}

// deviceConfigAction materializes the per-device configuration header every
// compile of the image module consumes.
func (b *Builder) deviceConfigAction(path string) Action {
	return func(ctx context.Context) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "#ifndef OSFORGE_DEVICE_CONFIG_H\n#define OSFORGE_DEVICE_CONFIG_H\n\n")
		fmt.Fprintf(&sb, "#define DEVICE_NAME %q\n", b.variant.Device)
		fmt.Fprintf(&sb, "#define DEVICE_ARCH %q\n", b.variant.Arch)
		fmt.Fprintf(&sb, "#define BUILD_VARIANT %q\n", b.variant.BuildVariant)
		fmt.Fprintf(&sb, "\n#endif\n")
		return os.WriteFile(path, []byte(sb.String()), 0o644)
	}
}

// resolveLib locates the canonical installed path of a declared
// shared-library dependency: the ledger first (built this invocation), then
// the on-disk install roots.
func (b *Builder) resolveLib(name string) (string, error) {
	if path, ok := b.ledger.LibraryPath(name); ok {
		return path, nil
	}
	for _, root := range []string{b.variant.Roots.System, b.variant.Roots.Vendor} {
		for _, slot := range b.variant.LibSlots() {
			path := filepath.Join(root, slot, name+".so")
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", install.ErrUnresolvedPackageDependency, name)
}

// linkPackageEdges turns a package's declared dependency on a shared
// library built in the same invocation into a graph edge from that
// library's install node, so staging always sees the installed artifact.
func (b *Builder) linkPackageEdges(g *Graph, modules []*descriptor.Module) {
	for _, m := range modules {
		if m.Kind != descriptor.Package {
			continue
		}
		pkg := g.Nodes["package."+m.Name]
		for _, lib := range m.SharedLibs {
			if libInstall, ok := g.Nodes["install."+lib]; ok {
				g.AddEdge(libInstall, pkg)
			}
		}
	}
}

// openTracker returns the dependency tracker for one intermediates
// namespace, opening it at most once per Build.
func (b *Builder) openTracker(interDir string) (*deptrack.Tracker, error) {
	statePath := filepath.Join(interDir, "deps.json")
	if tr, ok := b.trackers[statePath]; ok {
		return tr, nil
	}
	tr, err := deptrack.Open(statePath)
	if err != nil {
		return nil, err
	}
	b.trackers[statePath] = tr
	return tr, nil
}

// objectPath derives the per-unit object path under the module's
// intermediates directory, preserving the source's cleaned relative layout
// so same-named files in different directories never collide. Sources that
// escape the tree (absolute, or still dot-dot-prefixed after cleaning) get
// a content-addressed name instead, so no two distinct source paths can
// ever alias one object.
func objectPath(interDir, src string) string {
	cleaned := filepath.ToSlash(filepath.Clean(src))
	if !strings.HasPrefix(cleaned, "/") && !strings.HasPrefix(cleaned, "../") && cleaned != ".." {
		return filepath.Join(interDir, cleaned+".o")
	}
	sum := sha256.Sum256([]byte(cleaned))
	return filepath.Join(interDir, fmt.Sprintf("%s.%s.o", path.Base(cleaned), hex.EncodeToString(sum[:6])))
}

func compilesOutputs(nodes []*Node) []string {
	outs := make([]string, 0, len(nodes))
	for _, n := range nodes {
		outs = append(outs, n.Output)
	}
	return outs
}

func linkedName(m *descriptor.Module) string {
	if m.Kind == descriptor.SharedLibrary {
		return m.Name + ".so"
	}
	return m.Name
}
