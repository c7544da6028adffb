package upgrade

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// manifestFileName is where BuildManifest's output is persisted alongside
// an install directory so the next upgrade can diff against it.
const manifestFileName = ".zylos-manifest.json"

// readManifest loads a previously-persisted manifest. The bool return is
// false (with a nil error) if no manifest has been captured yet — the
// common case for a target's first upgrade.
func readManifest(path string) (Manifest, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, false, nil
		}
		return Manifest{}, false, fmt.Errorf("upgrade: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, false, fmt.Errorf("upgrade: decode manifest: %w", err)
	}
	return m, true, nil
}

// writeManifest persists m to path.
func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("upgrade: encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("upgrade: write manifest: %w", err)
	}
	return nil
}

// Manifest records a content hash for every file under an install directory
// at the moment it was captured — used to detect locally-modified or added
// files before an upgrade overwrites them (spec.md §4.F step 4).
type Manifest struct {
	CapturedAt time.Time         `json:"captured_at"`
	Files      map[string]string `json:"files"` // relative path -> hex sha256
}

// BuildManifest walks root and hashes every regular file, skipping any path
// matching one of ignore (e.g. "node_modules", ".backup", "data").
func BuildManifest(root string, ignore []string) (Manifest, error) {
	m := Manifest{CapturedAt: time.Now().UTC(), Files: map[string]string{}}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if isIgnored(rel, ignore) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		sum, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("upgrade: hash %s: %w", rel, err)
		}
		m.Files[rel] = sum
		return nil
	})
	if err != nil {
		return Manifest{}, fmt.Errorf("upgrade: build manifest for %s: %w", root, err)
	}
	return m, nil
}

func isIgnored(rel string, ignore []string) bool {
	for _, ig := range ignore {
		if rel == ig {
			return true
		}
		if len(rel) > len(ig) && rel[:len(ig)+1] == ig+string(filepath.Separator) {
			return true
		}
	}
	return false
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ManifestDiff is the set of relative paths that differ between an
// install-time manifest and the current on-disk state.
type ManifestDiff struct {
	Added    []string
	Removed  []string
	Modified []string
}

// Compare reports how current differs from the manifest captured at install
// time — locally-added, removed, or modified files.
func (m Manifest) Compare(current Manifest) ManifestDiff {
	var diff ManifestDiff

	for path, sum := range current.Files {
		oldSum, existed := m.Files[path]
		switch {
		case !existed:
			diff.Added = append(diff.Added, path)
		case oldSum != sum:
			diff.Modified = append(diff.Modified, path)
		}
	}
	for path := range m.Files {
		if _, stillThere := current.Files[path]; !stillThere {
			diff.Removed = append(diff.Removed, path)
		}
	}
	return diff
}

// UnifiedFileDiff computes a unified-style diff between two versions of one
// file's text content. Apply does not call it; its analysis step logs only
// the added, modified and removed path lists.
func UnifiedFileDiff(filename, oldText, newText string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)
	patches := dmp.PatchMake(oldText, diffs)
	return fmt.Sprintf("--- %s\n+++ %s\n%s", filename, filename, dmp.PatchToText(patches))
}
