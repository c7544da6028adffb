// Package statusfile implements the one-writer-many-readers JSON files
// described in spec.md §4.G: claude-status.json, heartbeat-pending.json,
// daily-<task>-state.json, and context_monitor_state.json. All
// writes are atomic (temp file + rename) so a reader never observes a
// partial write — grounded on the teacher's agent-state persistence in
// agent/internal/connection/manager.go (saveState/loadState), generalized
// with generics so every writer in the system shares one implementation.
package statusfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Write marshals v to JSON and writes it to path atomically: the payload is
// written to a temp file in the same directory, then renamed over path.
// Renames within one filesystem are atomic, so concurrent readers either see
// the previous complete file or the new one, never a partial write.
func Write[T any](path string, v T) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("statusfile: failed to create dir %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statusfile: failed to marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("statusfile: failed to create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statusfile: failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statusfile: failed to close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("statusfile: failed to rename into place %s: %w", path, err)
	}
	ok = true
	return nil
}

// Read unmarshals the JSON file at path into a new T. Returns
// (zero, false, nil) if the file does not exist yet — callers treat a
// missing status file as "no prior state", not an error.
func Read[T any](path string) (T, bool, error) {
	var out T
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, false, nil
		}
		return out, false, fmt.Errorf("statusfile: failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false, fmt.Errorf("statusfile: corrupted file %s: %w", path, err)
	}
	return out, true, nil
}
