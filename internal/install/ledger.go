// Package install owns the last mile of the build: copying artifacts to
// their resolved destinations, staging and archiving packages, and keeping
// the per-invocation ledger of everything installed.
package install

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vk/osforge/internal/ctxlog"
	"github.com/vk/osforge/internal/descriptor"
)

// ErrInstallConflict is returned when two modules resolve to the same
// install path and the ledger policy is ConflictFail.
var ErrInstallConflict = errors.New("install path conflict")

// ConflictPolicy decides what happens when a second module claims an
// already-ledgered install path.
type ConflictPolicy int

const (
	// ConflictFail rejects the second install. Default.
	ConflictFail ConflictPolicy = iota
	// ConflictOverwrite logs a warning and lets the later install win.
	ConflictOverwrite
)

// Entry is one installed artifact.
type Entry struct {
	Module string
	Path   string
	Kind   descriptor.Kind
}

// Ledger is the append-only record of installed artifacts for one build
// invocation. Appends from concurrently completing install nodes are
// serialized; collision checks see a consistent snapshot at insert time.
type Ledger struct {
	mu     sync.Mutex
	policy ConflictPolicy

	entries []Entry
	byPath  map[string]int
	libs    map[string]string
}

// NewLedger returns an empty ledger with the given conflict policy.
func NewLedger(policy ConflictPolicy) *Ledger {
	return &Ledger{
		policy: policy,
		byPath: make(map[string]int),
		libs:   make(map[string]string),
	}
}

// Append records one installed artifact. A path already claimed by a
// different module is a conflict, resolved per the ledger policy.
func (l *Ledger) Append(ctx context.Context, module, path string, kind descriptor.Kind) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if idx, ok := l.byPath[path]; ok && l.entries[idx].Module != module {
		if l.policy == ConflictFail {
			return fmt.Errorf("%w: %s claimed by both %q and %q",
				ErrInstallConflict, path, l.entries[idx].Module, module)
		}
		ctxlog.FromContext(ctx).Warn("Install path conflict, later module overwrites.",
			"path", path, "previous", l.entries[idx].Module, "module", module)
		l.entries[idx] = Entry{Module: module, Path: path, Kind: kind}
		if kind == descriptor.SharedLibrary {
			l.libs[module] = path
		}
		return nil
	}

	l.byPath[path] = len(l.entries)
	l.entries = append(l.entries, Entry{Module: module, Path: path, Kind: kind})
	if kind == descriptor.SharedLibrary {
		l.libs[module] = path
	}
	return nil
}

// LibraryPath returns the canonical installed location of a shared library
// by module name, for package staging to symlink against.
func (l *Ledger) LibraryPath(name string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	path, ok := l.libs[name]
	return path, ok
}

// Entries returns a snapshot of everything installed so far.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}
