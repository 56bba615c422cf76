package install

import (
	"archive/tar"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageFixture(t *testing.T) (string, PackageSpec) {
	t.Helper()
	dir := t.TempDir()

	binary := filepath.Join(dir, "toolbox.stripped")
	require.NoError(t, os.WriteFile(binary, []byte("binary body"), 0o755))

	spec := PackageSpec{
		Name:       "toolbox",
		Version:    "1.2",
		Binary:     binary,
		SharedLibs: []string{"libfoo", "libbar"},
		Slots:      []string{"lib", "lib64"},
	}
	return dir, spec
}

func resolveToCanonical(name string) (string, error) {
	return "/sys/lib64/" + name + ".so", nil
}

func TestStagePackage(t *testing.T) {
	dir, spec := stageFixture(t)
	staging := filepath.Join(dir, "staging")

	require.NoError(t, StagePackage(context.Background(), staging, spec, resolveToCanonical))

	// Primary binary under bin/.
	body, err := os.ReadFile(filepath.Join(staging, "bin", "toolbox"))
	require.NoError(t, err)
	assert.Equal(t, "binary body", string(body))

	// Exactly two symlinks per architecture slot, pointing at the
	// canonical install locations.
	for _, slot := range spec.Slots {
		entries, err := os.ReadDir(filepath.Join(staging, slot))
		require.NoError(t, err)
		require.Len(t, entries, 2, "slot %s", slot)
		for _, lib := range spec.SharedLibs {
			link := filepath.Join(staging, slot, lib+".so")
			target, err := os.Readlink(link)
			require.NoError(t, err)
			assert.Equal(t, "/sys/lib64/"+lib+".so", target)
		}
	}

	// Manifest contains exactly the declared identity.
	raw, err := os.ReadFile(filepath.Join(staging, "manifest.json"))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, Manifest{Name: "toolbox", Version: "1.2"}, m)
}

func TestStagePackage_UnresolvedDependency(t *testing.T) {
	dir, spec := stageFixture(t)
	failing := func(name string) (string, error) {
		return "", fmt.Errorf("%w: %s", ErrUnresolvedPackageDependency, name)
	}

	err := StagePackage(context.Background(), filepath.Join(dir, "staging"), spec, failing)
	assert.ErrorIs(t, err, ErrUnresolvedPackageDependency)
}

func TestArchiveTree_PreservesSymlinks(t *testing.T) {
	dir, spec := stageFixture(t)
	staging := filepath.Join(dir, "staging")
	require.NoError(t, StagePackage(context.Background(), staging, spec, resolveToCanonical))

	archive := filepath.Join(dir, "toolbox-1.2.tar.gz")
	require.NoError(t, ArchiveTree(staging, archive))

	f, err := os.Open(archive)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	links := map[string]string{}
	files := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		switch hdr.Typeflag {
		case tar.TypeSymlink:
			links[hdr.Name] = hdr.Linkname
		case tar.TypeReg:
			var sb strings.Builder
			_, err := io.Copy(&sb, tr)
			require.NoError(t, err)
			files[hdr.Name] = sb.String()
		}
	}

	// Symlink entries are reproduced verbatim, never dereferenced.
	assert.Equal(t, "/sys/lib64/libfoo.so", links["lib/libfoo.so"])
	assert.Equal(t, "/sys/lib64/libbar.so", links["lib64/libbar.so"])
	assert.Len(t, links, 4)

	assert.Equal(t, "binary body", files["bin/toolbox"])
	assert.Contains(t, files, "manifest.json")
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "nested", "dst.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o600))

	require.NoError(t, CopyFile(src, dst, 0o755))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestWriteBoardMetadata(t *testing.T) {
	path := filepath.Join(t.TempDir(), "falcon_boot.bin.board")
	ts := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	require.NoError(t, WriteBoardMetadata(path, "falcon", ts))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "device=falcon\ntimestamp=2026-08-24T12:00:00Z\n", string(data))
}
