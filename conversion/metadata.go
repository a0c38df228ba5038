// Package conversion implements the OLTP->OLAP converter (C12): a
// scheduler that finds stable OLTP SSTables, projects them to the
// columnar schema, and writes the result through a staging file and
// atomic rename, tracking every attempt as a JSON-persisted conversion
// record. Grounded on
// _examples/original_source/src/storage/conversion/mod.rs — the teacher
// has no OLTP/OLAP split at all, so this package is built directly
// against the Rust system spec.md distills, expressed with this module's
// own sstable/memtable/compaction packages in place of rkyv/Parquet.
package conversion

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Status is a conversion record's lifecycle state (spec.md §4.11,
// `Pending -> Running -> {Success, Failed, ZombieRecovered}`).
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusSuccess         Status = "success"
	StatusFailed          Status = "failed"
	StatusZombieRecovered Status = "zombie_recovered"
)

// Record is one conversion task's full persisted state.
type Record struct {
	ID                 uint64   `json:"id"`
	InstrumentID       string   `json:"instrument_id"`
	SourceOLTPPaths    []string `json:"source_oltp_paths"`
	TargetOLAPPath     string   `json:"target_olap_path"`
	Status             Status   `json:"status"`
	AttemptCount       int      `json:"attempt_count"`
	LastError          string   `json:"last_error,omitempty"`
	CreatedAtUnixNanos int64    `json:"created_at_unix_nanos"`
	UpdatedAtUnixNanos int64    `json:"updated_at_unix_nanos"`
}

// Stats summarizes a Metadata's records by status.
type Stats struct {
	Total           int
	Pending         int
	Running         int
	Success         int
	Failed          int
	ZombieRecovered int
}

// Metadata is the JSON-persisted table of all conversion records
// (`conversion_metadata.json`, per spec.md §3's collaborator note).
type Metadata struct {
	mu      sync.Mutex
	path    string
	nextID  uint64
	records map[uint64]*Record
}

type metadataFile struct {
	NextID  uint64             `json:"next_id"`
	Records map[uint64]*Record `json:"records"`
}

// Load reads path if it exists, or returns an empty Metadata rooted there.
func Load(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Metadata{path: path, records: make(map[uint64]*Record)}, nil
		}
		return nil, fmt.Errorf("conversion: read metadata: %w", err)
	}

	var mf metadataFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("conversion: parse metadata: %w", err)
	}
	if mf.Records == nil {
		mf.Records = make(map[uint64]*Record)
	}
	return &Metadata{path: path, nextID: mf.NextID, records: mf.Records}, nil
}

// save writes the metadata table atomically (write temp, fsync, rename),
// matching this module's manifest/checkpoint persistence convention.
func (m *Metadata) save() error {
	mf := metadataFile{NextID: m.nextID, Records: m.records}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return fmt.Errorf("conversion: marshal metadata: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("conversion: mkdir metadata dir: %w", err)
		}
	}

	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("conversion: open metadata tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("conversion: write metadata tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("conversion: fsync metadata tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("conversion: close metadata tmp: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// AllocateID returns the next unused record ID and persists the counter.
func (m *Metadata) AllocateID() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	if err := m.save(); err != nil {
		return 0, err
	}
	return id, nil
}

// Put inserts or overwrites a record and persists the table.
func (m *Metadata) Put(r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r
	return m.save()
}

// Get returns the record with the given id, if present.
func (m *Metadata) Get(id uint64) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

// All returns every known record, in no particular order.
func (m *Metadata) All() []*Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out
}

// Stats tallies records by status.
func (m *Metadata) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, r := range m.records {
		s.Total++
		switch r.Status {
		case StatusPending:
			s.Pending++
		case StatusRunning:
			s.Running++
		case StatusSuccess:
			s.Success++
		case StatusFailed:
			s.Failed++
		case StatusZombieRecovered:
			s.ZombieRecovered++
		}
	}
	return s
}
