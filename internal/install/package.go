package install

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/vk/osforge/internal/ctxlog"
)

// ErrUnresolvedPackageDependency is returned when a declared shared-library
// dependency cannot be located at staging time. Fatal for the package
// before any archive byte is written.
var ErrUnresolvedPackageDependency = errors.New("unresolved package dependency")

// manifestName is the manifest file at the staging-tree root.
const manifestName = "manifest.json"

// Manifest is the installable bundle's identity record.
type Manifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PackageSpec describes one bundle to stage and archive.
type PackageSpec struct {
	Name    string
	Version string
	// Binary is the stripped primary executable staged under bin/.
	Binary string
	// SharedLibs are the declared dependency names symlinked into each
	// architecture slot.
	SharedLibs []string
	// Slots are the architecture library directories, e.g. lib and lib64.
	Slots []string
}

// LibResolver maps a declared shared-library name to its canonical
// installed location.
type LibResolver func(name string) (string, error)

// StagePackage materializes the bundle's staging tree: the primary binary
// under bin/, one symlink per declared dependency per architecture slot,
// and the manifest at the root. Symlinks point at the canonical install
// locations and are never dereferenced.
func StagePackage(ctx context.Context, dir string, spec PackageSpec, resolve LibResolver) error {
	logger := ctxlog.FromContext(ctx)

	if err := CopyFile(spec.Binary, filepath.Join(dir, "bin", spec.Name), 0o755); err != nil {
		return err
	}

	for _, slot := range spec.Slots {
		slotDir := filepath.Join(dir, slot)
		if err := os.MkdirAll(slotDir, 0o755); err != nil {
			return err
		}
		for _, lib := range spec.SharedLibs {
			target, err := resolve(lib)
			if err != nil {
				return err
			}
			linkName := filepath.Join(slotDir, lib+".so")
			if err := os.Symlink(target, linkName); err != nil && !errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("staging symlink %s: %w", linkName, err)
			}
			logger.Debug("Staged dependency symlink.", "package", spec.Name, "lib", lib, "slot", slot)
		}
	}

	manifest, err := json.MarshalIndent(Manifest{Name: spec.Name, Version: spec.Version}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, manifestName), manifest, 0o644)
}

// ArchiveTree packs the staging directory into a gzip-compressed tarball at
// out. Symlink entries are preserved verbatim, not dereferenced.
func ArchiveTree(dir, out string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating archive %s: %w", out, err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if err != nil {
		return fmt.Errorf("archiving %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Close()
}
