package upgrade

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// registryEntry mirrors one component's record in components.json
// (spec.md §6, "Registry file format").
type registryEntry struct {
	Version    string     `json:"version"`
	Repo       string     `json:"repo"`
	Type       string     `json:"type"` // "declarative" | "ai"
	InstalledAt time.Time `json:"installedAt"`
	UpgradedAt  *time.Time `json:"upgradedAt,omitempty"`
	SkillDir    string     `json:"skillDir"`
	DataDir     string     `json:"dataDir"`
	Bin         string     `json:"bin,omitempty"`
}

// FileRegistry implements Registry against the single components.json file
// named in spec.md §6. One file is shared by every installed component;
// writes are serialized with an in-process mutex and persisted atomically
// via a temp-file rename, the same pattern statusfile.Write uses for the
// Activity Monitor's status files.
type FileRegistry struct {
	path string
	mu   sync.Mutex
}

var _ Registry = (*FileRegistry)(nil)

// NewFileRegistry builds a FileRegistry backed by path (typically
// <install-root>/components.json).
func NewFileRegistry(path string) *FileRegistry {
	return &FileRegistry{path: path}
}

func (r *FileRegistry) load() (map[string]registryEntry, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]registryEntry{}, nil
		}
		return nil, fmt.Errorf("upgrade: read registry: %w", err)
	}
	if len(data) == 0 {
		return map[string]registryEntry{}, nil
	}
	var entries map[string]registryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("upgrade: parse registry: %w", err)
	}
	return entries, nil
}

func (r *FileRegistry) save(entries map[string]registryEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("upgrade: marshal registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		return fmt.Errorf("upgrade: create registry dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("upgrade: create temp registry file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("upgrade: write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("upgrade: close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("upgrade: rename registry into place: %w", err)
	}
	return nil
}

// InstalledVersion returns the component's currently-recorded version, or
// "" if it has no registry entry yet (treated as "nothing installed", not
// an error, so Check() can still compute a diff against the latest tag).
func (r *FileRegistry) InstalledVersion(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return "", err
	}
	return entries[name].Version, nil
}

// SetVersion updates (or creates) the component's registry entry.
func (r *FileRegistry) SetVersion(ctx context.Context, name string, version string, upgradedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.load()
	if err != nil {
		return err
	}

	entry := entries[name]
	if entry.InstalledAt.IsZero() {
		entry.InstalledAt = upgradedAt
	}
	entry.Version = version
	entry.UpgradedAt = &upgradedAt
	entries[name] = entry

	return r.save(entries)
}
