// Package toolchain invokes the external native tools (compiler driver,
// linker, stripper) as black-box processes with explicit argument lists.
// Every invocation is atomic: either the process exits zero and the
// declared output exists, or the step failed.
package toolchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/vk/osforge/internal/ctxlog"
)

// ErrToolFailed wraps every external-tool failure so callers can classify
// compile/link/strip errors without parsing tool output.
var ErrToolFailed = errors.New("external tool failed")

// CompileStep is the argument contract for one compilation: source in,
// object out, with a gcc-style depfile emitted beside the object.
type CompileStep struct {
	Source      string
	Object      string
	Depfile     string
	IncludeDirs []string
	Flags       []string
	Cpp         bool
}

// Fingerprint condenses everything besides input file contents that shapes
// the produced object: flags, include directories and driver selection.
// Staleness tracking keys on it, so a flag change recompiles.
func (s CompileStep) Fingerprint() string {
	h := sha256.New()
	for _, dir := range s.IncludeDirs {
		io.WriteString(h, "-I"+dir+"\x00")
	}
	for _, flag := range s.Flags {
		io.WriteString(h, flag+"\x00")
	}
	if s.Cpp {
		io.WriteString(h, "c++")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// LinkStep is the argument contract for linking: objects in, binary out.
// Object order follows source authoring order for reproducible links.
type LinkStep struct {
	Objects []string
	Output  string
	Flags   []string
	Shared  bool
	Cpp     bool
}

// Toolchain is the surface the graph builder attaches to compile, link and
// strip nodes. Implementations must be safe for concurrent use.
type Toolchain interface {
	Compile(ctx context.Context, step CompileStep) error
	Link(ctx context.Context, step LinkStep) error
	Strip(ctx context.Context, input, output string) error
}

// defaultCflags are prepended to every compile regardless of module flags.
var defaultCflags = []string{
	"-fdiagnostics-color=always",
	"-pipe",
	"-D_FILE_OFFSET_BITS=64",
}

// defaultLdflags enforce link discipline on every module.
var defaultLdflags = []string{
	"-Wl,--as-needed",
	"-Wl,--no-undefined",
}

// stripSections is the fixed, non-negotiable section list removed from
// every installed binary.
var stripSections = []string{
	"-S",
	"--strip-unneeded",
	"--remove-section=.note",
	"--remove-section=.note.gnu.build-id",
	"--remove-section=.note.gnu.gold-version",
	"--remove-section=.comment",
}

// gnu drives a GNU-compatible toolchain (gcc/g++/strip or a cross prefix
// thereof) through os/exec.
type gnu struct {
	cc    string
	cxx   string
	strip string
}

// New returns a Toolchain backed by the given compiler drivers and strip
// binary.
func New(cc, cxx, strip string) Toolchain {
	return &gnu{cc: cc, cxx: cxx, strip: strip}
}

func (t *gnu) Compile(ctx context.Context, step CompileStep) error {
	if err := os.MkdirAll(filepath.Dir(step.Object), 0o755); err != nil {
		return err
	}
	return t.run(ctx, compileArgv(t.driver(step.Cpp), step), step.Object)
}

func (t *gnu) Link(ctx context.Context, step LinkStep) error {
	if err := os.MkdirAll(filepath.Dir(step.Output), 0o755); err != nil {
		return err
	}
	return t.run(ctx, linkArgv(t.driver(step.Cpp), step), step.Output)
}

func (t *gnu) Strip(ctx context.Context, input, output string) error {
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	return t.run(ctx, stripArgv(t.strip, input, output), output)
}

func (t *gnu) driver(cpp bool) string {
	if cpp {
		return t.cxx
	}
	return t.cc
}

// run executes argv, then stats the declared output. A zero exit with a
// missing output is a tool contract violation and fails the step.
func (t *gnu) run(ctx context.Context, argv []string, output string) error {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Invoking external tool.", "argv", argv)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s: %v\n%s", ErrToolFailed, argv[0], err, out)
	}
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("%w: %s exited zero but output %s is missing", ErrToolFailed, argv[0], output)
	}
	return nil
}

// compileArgv builds the explicit argument list for one compilation.
func compileArgv(driver string, step CompileStep) []string {
	argv := []string{driver}
	argv = append(argv, defaultCflags...)
	argv = append(argv, step.Flags...)
	for _, dir := range step.IncludeDirs {
		argv = append(argv, "-I"+dir)
	}
	argv = append(argv,
		"-MD", "-MQ", step.Object, "-MF", step.Depfile,
		"-c", step.Source,
		"-o", step.Object,
	)
	return argv
}

// linkArgv builds the explicit argument list for one link.
func linkArgv(driver string, step LinkStep) []string {
	argv := []string{driver}
	argv = append(argv, step.Objects...)
	if step.Shared {
		argv = append(argv, "-shared")
	}
	argv = append(argv, defaultLdflags...)
	argv = append(argv, step.Flags...)
	argv = append(argv, "-o", step.Output)
	return argv
}

// stripArgv builds the explicit argument list for one strip. The input is
// left untouched; the stripped copy lands at output.
func stripArgv(strip, input, output string) []string {
	argv := []string{strip}
	argv = append(argv, stripSections...)
	argv = append(argv, "-o", output, input)
	return argv
}
