// Package pendingchannels tracks (channel, endpoint) pairs that were
// refused delivery while the agent was unhealthy, so the Liveness Engine's
// notify_pending_channels step (spec.md §4.D, on_success) has something
// concrete to notify once health returns to ok. Appends are plain
// newline-delimited JSON written in O_APPEND mode.
package pendingchannels

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Entry is one refused-delivery record.
type Entry struct {
	Channel  string `json:"channel"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Append records one entry, creating the file and its parent directory if
// needed. Safe to call concurrently with other Appends to the same path
// since each call opens, writes, and closes independently in append mode.
func Append(path string, e Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("pendingchannels: create dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("pendingchannels: open %s: %w", path, err)
	}
	defer f.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("pendingchannels: marshal entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("pendingchannels: write entry: %w", err)
	}
	return nil
}

// ReadAndClear returns every entry currently recorded and truncates the
// file, atomically enough for this system's single-writer assumption:
// `zylosctl receive` only appends, and only the Liveness Engine's
// on_success step (via NotifyPendingChannels, when health returns to ok)
// ever drains it.
func ReadAndClear(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("pendingchannels: open %s: %w", path, err)
	}

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // skip a corrupted line rather than failing the whole read
		}
		entries = append(entries, e)
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("pendingchannels: scan %s: %w", path, err)
	}

	if len(entries) > 0 {
		if err := os.Truncate(path, 0); err != nil {
			return nil, fmt.Errorf("pendingchannels: truncate %s: %w", path, err)
		}
	}
	return entries, nil
}
