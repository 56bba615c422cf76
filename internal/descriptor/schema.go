package descriptor

import "fmt"

// Kind identifies what a module builds and therefore which subgraph shape
// the graph builder emits for it.
type Kind string

const (
	Executable    Kind = "executable"
	SharedLibrary Kind = "shared_library"
	BootableImage Kind = "bootable_image"
	Package       Kind = "package"
)

// Class returns the intermediate-object class directory for the kind,
// mirroring the obj/<CLASS>/ layout of the output tree.
func (k Kind) Class() string {
	switch k {
	case Executable:
		return "EXECUTABLES"
	case SharedLibrary:
		return "SHARED_LIBRARIES"
	case BootableImage:
		return "BOOTABLE_IMAGES"
	case Package:
		return "PACKAGING"
	}
	return "UNKNOWN"
}

func (k Kind) valid() bool {
	switch k {
	case Executable, SharedLibrary, BootableImage, Package:
		return true
	}
	return false
}

// Module represents a `module` block from a descriptor file. It is the
// complete build instruction set for one buildable unit; name, kind and the
// active variant together identify one build-graph instance.
type Module struct {
	// KindLabel is the raw block label; gohcl can only decode labels into
	// plain strings. Validate converts it into Kind.
	KindLabel string `hcl:"kind,label"`
	Name      string `hcl:"name,label"`

	Kind Kind

	// Srcs keeps authoring order. Order does not affect correctness but
	// object paths are derived from it, so it must be stable.
	Srcs        []string `hcl:"srcs"`
	IncludeDirs []string `hcl:"include_dirs,optional"`
	Cflags      []string `hcl:"cflags,optional"`
	Ldflags     []string `hcl:"ldflags,optional"`

	// Proprietary selects the vendor tree over the system tree.
	Proprietary bool `hcl:"proprietary,optional"`
	// Recovery requests a second, fully independent recovery build.
	// Executable kind only.
	Recovery bool `hcl:"recovery,optional"`
	// Cpp selects the C++ compiler driver for every unit in the module.
	Cpp bool `hcl:"cpp,optional"`

	// InstallPath overrides the resolved install destination unconditionally.
	InstallPath string `hcl:"install_path,optional"`

	// SharedLibs and Version apply to Package kind.
	SharedLibs []string `hcl:"shared_libs,optional"`
	Version    string   `hcl:"version,optional"`
}

// Validate rejects descriptors the graph builder cannot act on. It also
// finishes decoding: the kind label becomes the typed Kind.
func (m *Module) Validate() error {
	if m.KindLabel != "" {
		m.Kind = Kind(m.KindLabel)
	}
	if m.Name == "" {
		return fmt.Errorf("module has no name")
	}
	if !m.Kind.valid() {
		return fmt.Errorf("module %q: unknown kind %q", m.Name, m.Kind)
	}
	if len(m.Srcs) == 0 {
		return fmt.Errorf("module %q: srcs must not be empty", m.Name)
	}
	if m.Recovery && m.Kind != Executable {
		return fmt.Errorf("module %q: recovery is only valid for executables", m.Name)
	}
	if m.Kind == Package && m.Version == "" {
		return fmt.Errorf("module %q: packages must declare a version", m.Name)
	}
	if m.Kind != Package && len(m.SharedLibs) > 0 {
		return fmt.Errorf("module %q: shared_libs is only valid for packages", m.Name)
	}
	return nil
}

// Device represents a `device` block: the per-device configuration the
// variant resolver needs before any graph is built.
type Device struct {
	Name string `hcl:"name,label"`
	Arch string `hcl:"arch"`
	// SigningKeyring points at the private keyring used for bootable-image
	// signatures. Empty means the application-level default.
	SigningKeyring string `hcl:"signing_keyring,optional"`
}
