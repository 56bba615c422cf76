// Package deptrack decides whether compiled units need rebuilding. For each
// source file it remembers a content hash of the source and of every header
// the last successful compile included; any mismatch, missing record or
// vanished header makes the unit stale. Ambiguity always recompiles.
package deptrack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Record is the persisted state for one source file.
type Record struct {
	Source     string `json:"source"`
	SourceHash string `json:"source_hash"`
	// Fingerprint condenses the compile command that produced the object:
	// flags, include directories, driver selection. A changed command
	// invalidates the object even when no input file changed.
	Fingerprint string `json:"fingerprint,omitempty"`
	// Headers maps each included header path to the content hash observed
	// at the last successful compile.
	Headers map[string]string `json:"headers,omitempty"`
}

// Tracker owns the dependency records for one module namespace. One tracker
// must never be shared between a primary and a recovery build.
type Tracker struct {
	mu      sync.Mutex
	path    string
	records map[string]*Record
	dirty   bool
}

// Open loads the tracker state file, returning an empty tracker when the
// file does not exist yet. A corrupt state file is discarded: rebuilding is
// always safe, reusing bad state is not.
func Open(path string) (*Tracker, error) {
	t := &Tracker{path: path, records: make(map[string]*Record)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading dependency state %s: %w", path, err)
	}
	var records []*Record
	if err := json.Unmarshal(data, &records); err != nil {
		return t, nil
	}
	for _, r := range records {
		t.records[r.Source] = r
	}
	return t, nil
}

// IsStale reports whether the unit for source must be recompiled under the
// given compile-command fingerprint.
func (t *Tracker) IsStale(source, fingerprint string) bool {
	t.mu.Lock()
	rec, ok := t.records[source]
	t.mu.Unlock()

	if !ok {
		return true
	}
	if rec.Fingerprint != fingerprint {
		return true
	}
	if hashFile(source) != rec.SourceHash {
		return true
	}
	for header, sum := range rec.Headers {
		// A deleted header hashes to "", which never matches.
		if hashFile(header) != sum {
			return true
		}
	}
	return false
}

// Record stores the current signatures of source, the compile-command
// fingerprint and the observed headers. Newly discovered headers do not
// retroactively mark this pass stale; they are persisted so the next pass
// watches them.
func (t *Tracker) Record(source, fingerprint string, headers []string) {
	rec := &Record{
		Source:      source,
		SourceHash:  hashFile(source),
		Fingerprint: fingerprint,
		Headers:     make(map[string]string, len(headers)),
	}
	for _, h := range headers {
		rec.Headers[h] = hashFile(h)
	}

	t.mu.Lock()
	t.records[source] = rec
	t.dirty = true
	t.mu.Unlock()
}

// Save writes the state file if any record changed since Open.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.dirty {
		return nil
	}
	records := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		records = append(records, r)
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(t.path, data, 0o644); err != nil {
		return fmt.Errorf("writing dependency state %s: %w", t.path, err)
	}
	t.dirty = false
	return nil
}

// hashFile returns the hex SHA-256 of a file's content, or "" when the file
// cannot be read. The empty string compares unequal to every stored hash,
// so unreadable inputs force a rebuild.
func hashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}
