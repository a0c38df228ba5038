package compaction

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestEntry names one live SSTable file and the level it belongs to.
// Manifest persistence lets Manager.gcOrphans tell a leftover compaction
// output (crashed before the manifest was updated) apart from a file every
// current level still references.
type ManifestEntry struct {
	Level int    `json:"level"`
	File  string `json:"file"` // base filename, not a full path
}

// Manifest is the on-disk record of which SSTable files currently make up
// each level; save writes it to a temp file and renames it into place.
type Manifest struct {
	Entries []ManifestEntry `json:"entries"`
}

// defaultManifestPath is the fallback used when a Manager isn't given an
// explicit manifest location: the manifest lives alongside the SSTable
// files themselves. A composition root that needs spec.md §6's literal
// "{base}/manifest_{instrument_id}.json" layout sets Config.ManifestFile
// instead (see Manager.manifestFile).
func defaultManifestPath(dir string) string {
	return filepath.Join(dir, "manifest.json")
}

// loadManifest reads the manifest from path, returning an empty Manifest
// if none exists yet.
func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("compaction: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("compaction: parse manifest: %w", err)
	}
	return &m, nil
}

// save writes m to path atomically: write to a temp file, fsync, rename
// over the live manifest. A reader never observes a partially written
// manifest.
func (m *Manifest) save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("compaction: marshal manifest: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("compaction: open manifest tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("compaction: write manifest tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("compaction: fsync manifest tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("compaction: close manifest tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("compaction: rename manifest: %w", err)
	}
	return nil
}
