package toolchain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vk/osforge/internal/deptrack"
)

// Fake is an in-process Toolchain for tests. It materializes deterministic
// outputs without spawning processes and records every invocation so tests
// can assert on what actually ran.
type Fake struct {
	mu       sync.Mutex
	compiles []string
	links    []string
	strips   []string

	// Headers lists extra dependencies per source path; they are written
	// into the emitted depfile alongside the source itself.
	Headers map[string][]string
	// FailCompile and FailLink inject failures, keyed by source path and
	// link output respectively.
	FailCompile map[string]error
	FailLink    map[string]error
}

// NewFake returns an empty Fake toolchain.
func NewFake() *Fake {
	return &Fake{
		Headers:     make(map[string][]string),
		FailCompile: make(map[string]error),
		FailLink:    make(map[string]error),
	}
}

func (f *Fake) Compile(ctx context.Context, step CompileStep) error {
	f.mu.Lock()
	f.compiles = append(f.compiles, step.Source)
	f.mu.Unlock()

	if err := f.FailCompile[step.Source]; err != nil {
		return fmt.Errorf("%w: %v", ErrToolFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(step.Object), 0o755); err != nil {
		return err
	}
	content := fmt.Sprintf("obj(%s|%s)\n", step.Source, strings.Join(step.Flags, " "))
	if err := os.WriteFile(step.Object, []byte(content), 0o644); err != nil {
		return err
	}
	deps := append([]string{step.Source}, f.Headers[step.Source]...)
	return deptrack.WriteDepFile(step.Depfile, step.Object, deps)
}

func (f *Fake) Link(ctx context.Context, step LinkStep) error {
	f.mu.Lock()
	f.links = append(f.links, step.Output)
	f.mu.Unlock()

	if err := f.FailLink[step.Output]; err != nil {
		return fmt.Errorf("%w: %v", ErrToolFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(step.Output), 0o755); err != nil {
		return err
	}
	var body strings.Builder
	for _, obj := range step.Objects {
		data, err := os.ReadFile(obj)
		if err != nil {
			return fmt.Errorf("%w: missing object %s", ErrToolFailed, obj)
		}
		body.Write(data)
	}
	return os.WriteFile(step.Output, []byte(body.String()), 0o755)
}

func (f *Fake) Strip(ctx context.Context, input, output string) error {
	f.mu.Lock()
	f.strips = append(f.strips, output)
	f.mu.Unlock()

	data, err := os.ReadFile(input)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrToolFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return err
	}
	return os.WriteFile(output, data, 0o755)
}

// Compiles returns the sources compiled so far, in invocation order.
func (f *Fake) Compiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.compiles...)
}

// Links returns the link outputs produced so far.
func (f *Fake) Links() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.links...)
}

// Reset clears the recorded invocations but keeps the configured headers
// and failure injections.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compiles = nil
	f.links = nil
	f.strips = nil
}
