// Package variant resolves the active (device, build variant, ownership,
// artifact kind) combination into concrete install roots and paths. The
// root table is a pure function of the device configuration; every build
// invocation owns its resolved Context.
package variant

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vk/osforge/internal/descriptor"
)

// ErrUnknownDevice is returned when no configuration exists for the
// requested device. This is fatal before any graph is built.
var ErrUnknownDevice = errors.New("unknown device")

// Roots is the per-variant output tree.
type Roots struct {
	// Product is out/target/product/<device>; everything else nests in it.
	Product  string
	System   string
	Vendor   string
	Recovery string
	// Obj nests the build variant, so debug and release builds of the same
	// device never share intermediate objects or dependency state.
	Obj string
	Pkg string
}

// Context is the resolved build variant: the identity tuple plus the root
// table and signing material location derived from it.
type Context struct {
	Device       string
	BuildVariant string
	Arch         string
	Roots        Roots

	// SigningKeyring is the private keyring used for bootable-image
	// signatures on this device.
	SigningKeyring string
}

// Resolver maps device names onto Contexts.
type Resolver struct {
	outDir  string
	devices map[string]*descriptor.Device
}

// NewResolver builds a resolver over the known device table.
func NewResolver(outDir string, devices map[string]*descriptor.Device) *Resolver {
	return &Resolver{outDir: outDir, devices: devices}
}

// Resolve returns the Context for one (device, build variant) pair, or
// ErrUnknownDevice when the device table has no entry.
func (r *Resolver) Resolve(device, buildVariant string) (*Context, error) {
	dev, ok := r.devices[device]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDevice, device)
	}

	product := filepath.Join(r.outDir, "target", "product", device)
	roots := Roots{
		Product:  product,
		System:   filepath.Join(product, "rootfs"),
		Vendor:   filepath.Join(product, "vendor"),
		Recovery: filepath.Join(product, "recovery"),
		Obj:      filepath.Join(product, "obj", buildVariant),
		Pkg:      filepath.Join(product, "pkg"),
	}

	keyring := dev.SigningKeyring
	if keyring == "" {
		keyring = filepath.Join(roots.Obj, "ETC", "signing", "build.keyring")
	}

	return &Context{
		Device:         device,
		BuildVariant:   buildVariant,
		Arch:           dev.Arch,
		Roots:          roots,
		SigningKeyring: keyring,
	}, nil
}

// InstallPath resolves the install destination for a module's primary
// artifact. An explicit install_path override wins unconditionally for the
// ownership-sensitive kinds; bootable images ignore ownership and always
// land at the fixed per-device image path.
func (c *Context) InstallPath(m *descriptor.Module) string {
	if m.Kind == descriptor.BootableImage {
		return c.ImagePath(m.Name)
	}
	if m.InstallPath != "" {
		return m.InstallPath
	}
	switch m.Kind {
	case descriptor.SharedLibrary:
		return filepath.Join(c.libraryDir(m.Proprietary), m.Name+".so")
	case descriptor.Package:
		return filepath.Join(c.Roots.Pkg, fmt.Sprintf("%s-%s.tar.gz", m.Name, m.Version))
	default:
		return filepath.Join(c.ownershipRoot(m.Proprietary), "bin", m.Name)
	}
}

// RecoveryInstallPath is the destination of the recovery duplicate of an
// executable.
func (c *Context) RecoveryInstallPath(name string) string {
	return filepath.Join(c.Roots.Recovery, "sbin", name)
}

// ImagePath is the fixed per-device output path of a bootable image.
func (c *Context) ImagePath(name string) string {
	return filepath.Join(c.Roots.Product, fmt.Sprintf("%s_%s.bin", c.Device, name))
}

// IntermediatesDir namespaces intermediate objects by class and module so
// concurrently building modules never collide, even when they share source
// file names.
func (c *Context) IntermediatesDir(kind descriptor.Kind, module string) string {
	return filepath.Join(c.Roots.Obj, kind.Class(), module+"_intermediates")
}

// RecoveryIntermediatesDir is the disjoint namespace for the recovery
// rebuild of an executable. Objects are never shared with the primary
// build because recovery compiles see different preprocessor state.
func (c *Context) RecoveryIntermediatesDir(module string) string {
	return filepath.Join(c.Roots.Obj, descriptor.Executable.Class(), module+"_recovery_intermediates")
}

// LibSlot is the canonical library directory name for the device
// architecture.
func (c *Context) LibSlot() string {
	if strings.Contains(c.Arch, "64") {
		return "lib64"
	}
	return "lib"
}

// LibSlots lists every architecture slot a package stages libraries into.
func (c *Context) LibSlots() []string {
	return []string{"lib", "lib64"}
}

func (c *Context) ownershipRoot(proprietary bool) string {
	if proprietary {
		return c.Roots.Vendor
	}
	return c.Roots.System
}

func (c *Context) libraryDir(proprietary bool) string {
	return filepath.Join(c.ownershipRoot(proprietary), c.LibSlot())
}
