// Package checkpoint implements the checkpoint manager (C8): periodic
// recovery-boundary snapshots naming a WAL sequence cursor and the
// SSTable manifest state at that point, bounding how far recovery (C9)
// has to replay the WAL tail. Grounded on
// original_source/src/storage/checkpoint/manager.rs, generalized from
// rkyv-serialized metadata to JSON (the teacher's own k4.go has no
// checkpoint concept to draw from).
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const extension = ".ckpt"

// Metadata is the full content of one checkpoint file.
type Metadata struct {
	CheckpointID       uint64   `json:"checkpoint_id"`
	UUID               string   `json:"uuid"`
	InstrumentID       string   `json:"instrument_id"`
	WALSequenceCursor  uint64   `json:"wal_sequence_cursor"`
	SSTableManifest    []string `json:"sstable_manifest"`
	TotalEntries       uint64   `json:"total_entries"`
	MinTimestampNS     int64    `json:"min_timestamp_ns"`
	MaxTimestampNS     int64    `json:"max_timestamp_ns"`
	CreatedAtUnixNanos int64    `json:"created_at_unix_nanos"`
}

// Info pairs loaded Metadata with the path it was read from and the
// file's size on disk.
type Info struct {
	Path     string
	Metadata Metadata
	FileSize int64
}

// Manager creates, lists and prunes checkpoints for one instrument.
type Manager struct {
	dir          string
	instrumentID string
}

// NewManager constructs a Manager rooted at dir, stamping every checkpoint
// it creates with instrumentID. dir is used exactly as given — the caller
// (the root composition) decides where in spec.md §6's persistence layout
// an instrument's checkpoints live; this package doesn't assume a nesting
// convention beyond "one directory per instrument".
func NewManager(dir, instrumentID string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: mkdir %s: %w", dir, err)
	}
	return &Manager{dir: dir, instrumentID: instrumentID}, nil
}

func (m *Manager) path(id uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%010d%s", id, extension))
}

// Create writes a new checkpoint recording the WAL cursor and current
// SSTable manifest, createdAtUnixNanos supplied by the caller (the
// recovery/engine composition root) since this package must not call
// time.Now directly to stay testable and because the caller already has
// an authoritative clock reading for the commit it's checkpointing.
func (m *Manager) Create(id uint64, walSequenceCursor uint64, sstableManifest []string, totalEntries uint64, minTS, maxTS int64, createdAtUnixNanos int64) (*Info, error) {
	meta := Metadata{
		CheckpointID:       id,
		UUID:               uuid.NewString(),
		InstrumentID:       m.instrumentID,
		WALSequenceCursor:  walSequenceCursor,
		SSTableManifest:    sstableManifest,
		TotalEntries:       totalEntries,
		MinTimestampNS:     minTS,
		MaxTimestampNS:     maxTS,
		CreatedAtUnixNanos: createdAtUnixNanos,
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: marshal: %w", err)
	}

	path := m.path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("checkpoint: write tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("checkpoint: rename: %w", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: stat: %w", err)
	}

	return &Info{Path: path, Metadata: meta, FileSize: stat.Size()}, nil
}

// List returns every readable checkpoint in the manager's directory,
// unordered. A checkpoint file that fails to parse is skipped rather than
// failing the whole listing (one corrupt checkpoint must not block
// recovery from falling back to an older one).
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read dir: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), extension) {
			continue
		}
		info, err := m.load(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, *info)
	}
	return out, nil
}

func (m *Manager) load(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read %s: %w", path, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("checkpoint: parse %s: %w", path, err)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: stat %s: %w", path, err)
	}
	return &Info{Path: path, Metadata: meta, FileSize: stat.Size()}, nil
}

// LoadLatest returns the highest-id checkpoint, or nil if none exist.
// Corrupt checkpoint files are excluded by List; if the newest readable
// checkpoint is itself invalid in some way List didn't catch, the caller
// (recovery) is expected to fall back to the next-older entry by retrying
// with LoadLatestExcluding.
func (m *Manager) LoadLatest() (*Info, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Metadata.CheckpointID > all[j].Metadata.CheckpointID })
	return &all[0], nil
}

// LoadLatestExcluding returns the highest-id checkpoint whose id is not in
// excluded, supporting recovery's "corrupt checkpoint, fall back to next
// older" behavior.
func (m *Manager) LoadLatestExcluding(excluded map[uint64]bool) (*Info, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Metadata.CheckpointID > all[j].Metadata.CheckpointID })
	for _, info := range all {
		if !excluded[info.Metadata.CheckpointID] {
			info := info
			return &info, nil
		}
	}
	return nil, nil
}

// Cleanup retains only the keepLastN most recent checkpoints, deleting
// the rest, and returns how many were deleted.
func (m *Manager) Cleanup(keepLastN int) (int, error) {
	all, err := m.List()
	if err != nil {
		return 0, err
	}
	if len(all) <= keepLastN {
		return 0, nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Metadata.CheckpointID > all[j].Metadata.CheckpointID })

	deleted := 0
	for _, info := range all[keepLastN:] {
		if err := os.Remove(info.Path); err != nil {
			continue
		}
		deleted++
	}
	return deleted, nil
}
