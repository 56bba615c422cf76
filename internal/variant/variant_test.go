package variant

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/osforge/internal/descriptor"
)

func testResolver() *Resolver {
	return NewResolver("out", map[string]*descriptor.Device{
		"falcon": {Name: "falcon", Arch: "arm64"},
		"wren":   {Name: "wren", Arch: "armv7"},
	})
}

func TestResolve_UnknownDevice(t *testing.T) {
	_, err := testResolver().Resolve("ghost", "release")
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestResolve_Roots(t *testing.T) {
	ctx, err := testResolver().Resolve("falcon", "release")
	require.NoError(t, err)

	product := filepath.Join("out", "target", "product", "falcon")
	assert.Equal(t, product, ctx.Roots.Product)
	assert.Equal(t, filepath.Join(product, "rootfs"), ctx.Roots.System)
	assert.Equal(t, filepath.Join(product, "vendor"), ctx.Roots.Vendor)
	assert.Equal(t, filepath.Join(product, "recovery"), ctx.Roots.Recovery)
}

func TestInstallPath(t *testing.T) {
	ctx, err := testResolver().Resolve("falcon", "release")
	require.NoError(t, err)

	t.Run("first-party executable goes to system", func(t *testing.T) {
		m := &descriptor.Module{Name: "updater", Kind: descriptor.Executable}
		assert.Equal(t, filepath.Join(ctx.Roots.System, "bin", "updater"), ctx.InstallPath(m))
	})

	t.Run("proprietary executable goes to vendor", func(t *testing.T) {
		m := &descriptor.Module{Name: "blobd", Kind: descriptor.Executable, Proprietary: true}
		assert.Equal(t, filepath.Join(ctx.Roots.Vendor, "bin", "blobd"), ctx.InstallPath(m))
	})

	t.Run("override wins unconditionally", func(t *testing.T) {
		m := &descriptor.Module{
			Name: "initd", Kind: descriptor.Executable,
			Proprietary: true, InstallPath: "/custom/place/initd",
		}
		assert.Equal(t, "/custom/place/initd", ctx.InstallPath(m))
	})

	t.Run("shared library lands in the arch slot", func(t *testing.T) {
		m := &descriptor.Module{Name: "libfoo", Kind: descriptor.SharedLibrary}
		assert.Equal(t, filepath.Join(ctx.Roots.System, "lib64", "libfoo.so"), ctx.InstallPath(m))
	})

	t.Run("bootable image ignores ownership and override", func(t *testing.T) {
		m := &descriptor.Module{
			Name: "boot", Kind: descriptor.BootableImage,
			Proprietary: true, InstallPath: "/ignored",
		}
		assert.Equal(t, filepath.Join(ctx.Roots.Product, "falcon_boot.bin"), ctx.InstallPath(m))
	})

	t.Run("package archive is versioned", func(t *testing.T) {
		m := &descriptor.Module{Name: "toolbox", Kind: descriptor.Package, Version: "1.2"}
		assert.Equal(t, filepath.Join(ctx.Roots.Pkg, "toolbox-1.2.tar.gz"), ctx.InstallPath(m))
	})
}

func TestRecoveryPathsAreDisjoint(t *testing.T) {
	ctx, err := testResolver().Resolve("falcon", "release")
	require.NoError(t, err)

	primary := ctx.IntermediatesDir(descriptor.Executable, "updater")
	recovery := ctx.RecoveryIntermediatesDir("updater")
	assert.NotEqual(t, primary, recovery)

	m := &descriptor.Module{Name: "updater", Kind: descriptor.Executable}
	assert.NotEqual(t, ctx.InstallPath(m), ctx.RecoveryInstallPath("updater"))
	assert.Equal(t, filepath.Join(ctx.Roots.Recovery, "sbin", "updater"), ctx.RecoveryInstallPath("updater"))
}

func TestIntermediatesNamespacedByModule(t *testing.T) {
	ctx, err := testResolver().Resolve("falcon", "release")
	require.NoError(t, err)

	a := ctx.IntermediatesDir(descriptor.Executable, "alpha")
	b := ctx.IntermediatesDir(descriptor.Executable, "beta")
	assert.NotEqual(t, a, b)
}

func TestIntermediatesNamespacedByBuildVariant(t *testing.T) {
	release, err := testResolver().Resolve("falcon", "release")
	require.NoError(t, err)
	debug, err := testResolver().Resolve("falcon", "debug")
	require.NoError(t, err)

	// Debug and release objects (and their dependency state files) must
	// never be reused across build variants.
	assert.NotEqual(t, release.Roots.Obj, debug.Roots.Obj)
	assert.NotEqual(t,
		release.IntermediatesDir(descriptor.Executable, "updater"),
		debug.IntermediatesDir(descriptor.Executable, "updater"))
	assert.Equal(t, filepath.Join(release.Roots.Product, "obj", "release"), release.Roots.Obj)
}

func TestLibSlot(t *testing.T) {
	ctx64, err := testResolver().Resolve("falcon", "release")
	require.NoError(t, err)
	assert.Equal(t, "lib64", ctx64.LibSlot())

	ctx32, err := testResolver().Resolve("wren", "release")
	require.NoError(t, err)
	assert.Equal(t, "lib", ctx32.LibSlot())

	assert.Equal(t, []string{"lib", "lib64"}, ctx64.LibSlots())
}

func TestSigningKeyringDefault(t *testing.T) {
	ctx, err := testResolver().Resolve("falcon", "release")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ctx.Roots.Obj, "ETC", "signing", "build.keyring"), ctx.SigningKeyring)

	r := NewResolver("out", map[string]*descriptor.Device{
		"owl": {Name: "owl", Arch: "arm64", SigningKeyring: "/keys/owl.keyring"},
	})
	owl, err := r.Resolve("owl", "release")
	require.NoError(t, err)
	assert.Equal(t, "/keys/owl.keyring", owl.SigningKeyring)
}
