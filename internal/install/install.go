package install

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/vk/osforge/internal/ctxlog"
	"github.com/vk/osforge/internal/descriptor"
)

// CopyFile copies src to dst byte-for-byte, creating parent directories.
// The destination carries the given mode regardless of the source's.
func CopyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

// Binary installs an executable or shared library at its resolved path and
// appends the ledger entry. Shared-library entries additionally expose the
// canonical location for later package symlinking.
func Binary(ctx context.Context, l *Ledger, module, src, dst string, kind descriptor.Kind) error {
	if err := CopyFile(src, dst, 0o755); err != nil {
		return err
	}
	if err := l.Append(ctx, module, dst, kind); err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Info("Installed.", "module", module, "path", dst)
	return nil
}

// Image installs a signed bootable image: the image bytes land at dst and
// the detached signature beside it. The signature must already exist; an
// image never reaches this step unsigned.
func Image(ctx context.Context, l *Ledger, module, src, sigSrc, dst string) error {
	if err := CopyFile(src, dst, 0o644); err != nil {
		return err
	}
	if err := CopyFile(sigSrc, dst+".sig", 0o644); err != nil {
		return err
	}
	if err := l.Append(ctx, module, dst, descriptor.BootableImage); err != nil {
		return err
	}
	ctxlog.FromContext(ctx).Info("Installed signed image.", "module", module, "path", dst)
	return nil
}

// WriteBoardMetadata emits the board record pairing the device identifier
// with the build timestamp, written alongside the installed image.
func WriteBoardMetadata(path, device string, ts time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("device=%s\ntimestamp=%s\n", device, ts.UTC().Format(time.RFC3339))
	return os.WriteFile(path, []byte(content), 0o644)
}
