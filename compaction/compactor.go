// Package compaction implements leveled compaction (C7): merging
// overlapping or oversized SSTables into the next level, deduplicating by
// newer-file-wins, and atomically publishing the result. Grounded on the
// teacher's compact() (pairwise concurrent merge into new SSTables) and
// the scheduler/leveled-compaction design from original_source, which
// replaces the teacher's unconditional "merge everything in pairs" loop
// with real per-level trigger conditions.
package compaction

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/exchangecore/ledger/sstable"
	"github.com/exchangecore/ledger/sstable/bloom"
)

// DefaultMaxOutputFileBytes is the default for Config.MaxOutputFileBytes
// (64 MiB). Run does not read MaxOutputFileBytes: each compaction writes
// its merged output to a single file whatever its size.
const DefaultMaxOutputFileBytes int64 = 64 << 20

// Config tunes trigger thresholds, matching original_source's
// CompactionConfig defaults.
type Config struct {
	Level0MaxFiles      int
	Level1MaxBytes      int64
	LevelSizeMultiplier int64
	MaxLevels           int
	CheckInterval       time.Duration
	MaxOutputFileBytes  int64
	BloomFalsePositive  float64

	// ManifestFile, if set, overrides where the manifest is read from and
	// written to. A composition root wiring spec.md §6's literal
	// "{base}/manifest_{instrument_id}.json" layout sets this to that
	// path; left empty, the manifest lives at dir/manifest.json instead
	// (convenient for tests and any caller that doesn't care about the
	// exact top-level layout).
	ManifestFile string
}

// DefaultConfig mirrors original_source/src/storage/compaction/mod.rs's
// CompactionConfig::default (file counts/sizes), with a compaction check
// interval folded in for the background scheduler.
func DefaultConfig() Config {
	return Config{
		Level0MaxFiles:      4,
		Level1MaxBytes:      10 << 20,
		LevelSizeMultiplier: 10,
		MaxLevels:           7,
		CheckInterval:       10 * time.Second,
		MaxOutputFileBytes:  DefaultMaxOutputFileBytes,
		BloomFalsePositive:  bloom.DefaultFalsePositiveRate,
	}
}

// levelMaxBytes returns the size bound that triggers compaction out of
// level (level >= 1): level1MaxBytes * multiplier^(level-1).
func (c Config) levelMaxBytes(level int) int64 {
	max := c.Level1MaxBytes
	for i := 1; i < level; i++ {
		max *= c.LevelSizeMultiplier
	}
	return max
}

// tableHandle pairs an opened table with the manifest filename it was
// opened from, and the order it was registered in (used as merge
// priority: later registration = newer = wins ties).
type tableHandle struct {
	table *sstable.Table
	file  string
	seq   int
}

// Manager owns one instrument's SSTable levels and performs compaction
// between them.
type Manager struct {
	dir          string
	manifestFile string
	cfg          Config
	log          zerolog.Logger

	mu     sync.RWMutex
	levels map[int][]*tableHandle
	seqCtr int

	exit chan struct{}
	wg   sync.WaitGroup
}

// NewManager constructs a Manager over dir, loading the existing manifest
// and opening every table it references, then removing any file in dir
// the manifest does not reference (spec.md §4.7's "startup GC of orphaned
// files").
func NewManager(dir string, cfg Config, logger zerolog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("compaction: mkdir %s: %w", dir, err)
	}

	manifestFile := cfg.ManifestFile
	if manifestFile == "" {
		manifestFile = defaultManifestPath(dir)
	}

	m := &Manager{
		dir:          dir,
		manifestFile: manifestFile,
		cfg:          cfg,
		log:          logger.With().Str("component", "compaction").Str("dir", dir).Logger(),
		levels:       make(map[int][]*tableHandle),
		exit:         make(chan struct{}),
	}

	manifest, err := loadManifest(manifestFile)
	if err != nil {
		return nil, err
	}

	referenced := make(map[string]bool, len(manifest.Entries))
	for _, e := range manifest.Entries {
		referenced[e.File] = true
		t, err := sstable.OpenOLTPTable(filepath.Join(dir, e.File))
		if err != nil {
			return nil, fmt.Errorf("compaction: open manifest table %s: %w", e.File, err)
		}
		m.seqCtr++
		m.levels[e.Level] = append(m.levels[e.Level], &tableHandle{table: t, file: e.File, seq: m.seqCtr})
	}

	if err := m.gcOrphans(referenced); err != nil {
		return nil, err
	}

	return m, nil
}

// gcOrphans deletes every ".sst" file in dir that the manifest does not
// reference (the output of a compaction that crashed after renaming the
// file but before the manifest rename committed it), and every ".sst.tmp"
// file (a compaction output that crashed before its own rename).
func (m *Manager) gcOrphans(referenced map[string]bool) error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("compaction: list dir for gc: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || (filepath.Ext(e.Name()) != ".sst" && !strings.HasSuffix(e.Name(), ".sst.tmp")) {
			continue
		}
		if referenced[e.Name()] {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("compaction: remove orphan %s: %w", path, err)
		}
		m.log.Info().Str("file", e.Name()).Msg("removed orphaned sstable")
	}
	return nil
}

// RegisterFlush adds a freshly flushed L0 table to the manager and
// persists the updated manifest.
func (m *Manager) RegisterFlush(t *sstable.Table, file string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seqCtr++
	m.levels[0] = append(m.levels[0], &tableHandle{table: t, file: file, seq: m.seqCtr})
	return m.saveManifestLocked()
}

func (m *Manager) saveManifestLocked() error {
	var man Manifest
	for level, handles := range m.levels {
		for _, h := range handles {
			man.Entries = append(man.Entries, ManifestEntry{Level: level, File: h.file})
		}
	}
	sort.Slice(man.Entries, func(i, j int) bool {
		if man.Entries[i].Level != man.Entries[j].Level {
			return man.Entries[i].Level < man.Entries[j].Level
		}
		return man.Entries[i].File < man.Entries[j].File
	})
	return man.save(m.manifestFile)
}

// task describes one compaction to run: merge sourceLevel's overlapping
// files (plus overlapping files from targetLevel) into targetLevel.
type task struct {
	sourceLevel int
	targetLevel int
	inputs      []*tableHandle
}

// planLocked decides the next compaction task, if any is due, per
// original_source's should_compact: L0 triggers on file count, L(k>=1)
// triggers on cumulative byte size.
func (m *Manager) planLocked() *task {
	if l0 := m.levels[0]; len(l0) >= m.cfg.Level0MaxFiles {
		return m.planLevel0Locked(l0)
	}

	for level := 1; level < m.cfg.MaxLevels; level++ {
		handles := m.levels[level]
		if len(handles) == 0 {
			continue
		}
		var total int64
		for _, h := range handles {
			if stat, err := os.Stat(filepath.Join(m.dir, h.file)); err == nil {
				total += stat.Size()
			}
		}
		if total > m.cfg.levelMaxBytes(level) {
			return m.planLevelNLocked(level, handles)
		}
	}
	return nil
}

func (m *Manager) planLevel0Locked(l0 []*tableHandle) *task {
	inputs := append([]*tableHandle(nil), l0...)
	for _, l1 := range m.levels[1] {
		if overlaps(l0, l1.table) {
			inputs = append(inputs, l1)
		}
	}
	return &task{sourceLevel: 0, targetLevel: 1, inputs: inputs}
}

func (m *Manager) planLevelNLocked(level int, handles []*tableHandle) *task {
	// Simple strategy, matching original_source: compact the single
	// oldest file in the level plus whatever overlaps it one level down.
	oldest := handles[0]
	for _, h := range handles {
		if h.seq < oldest.seq {
			oldest = h
		}
	}
	inputs := []*tableHandle{oldest}
	for _, next := range m.levels[level+1] {
		if tablesOverlap(oldest.table, next.table) {
			inputs = append(inputs, next)
		}
	}
	return &task{sourceLevel: level, targetLevel: level + 1, inputs: inputs}
}

func overlaps(l0 []*tableHandle, other *sstable.Table) bool {
	for _, h := range l0 {
		if tablesOverlap(h.table, other) {
			return true
		}
	}
	return false
}

func tablesOverlap(a, b *sstable.Table) bool {
	return !(b.MaxKey().Less(a.MinKey()) || a.MaxKey().Less(b.MinKey()))
}

// Run executes one compaction pass if a trigger condition is met, writing
// the merged output under a temp name, fsync-ing, renaming the temp file
// into place, updating the manifest, and only then removing the inputs.
func (m *Manager) Run() error {
	m.mu.Lock()
	t := m.planLocked()
	if t == nil {
		m.mu.Unlock()
		return nil
	}
	inputs := append([]*tableHandle(nil), t.inputs...)
	m.mu.Unlock()

	m.log.Info().Int("source_level", t.sourceLevel).Int("target_level", t.targetLevel).
		Int("inputs", len(inputs)).Msg("compacting")

	var tableEntries [][]sstable.Entry
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].seq < inputs[j].seq })
	for _, h := range inputs {
		entries, err := h.table.All()
		if err != nil {
			return fmt.Errorf("compaction: read %s: %w", h.file, err)
		}
		tableEntries = append(tableEntries, entries)
	}

	merged, err := mergeTables(tableEntries)
	if err != nil {
		return err
	}

	// Filename convention: l{level}_{creation_ts_ms}.sst (spec.md §6).
	outFile := fmt.Sprintf("l%d_%d.sst", t.targetLevel, time.Now().UnixNano()/int64(time.Millisecond))
	tmpPath := filepath.Join(m.dir, outFile+".tmp")
	finalPath := filepath.Join(m.dir, outFile)

	newTable, err := sstable.WriteOLTPTable(tmpPath, t.targetLevel, merged, m.cfg.BloomFalsePositive)
	if err != nil {
		return fmt.Errorf("compaction: write merged table: %w", err)
	}
	newTable.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("compaction: rename merged table: %w", err)
	}
	reopened, err := sstable.OpenOLTPTable(finalPath)
	if err != nil {
		return fmt.Errorf("compaction: reopen merged table: %w", err)
	}

	m.removeInputsLocked(t, inputs)
	m.seqCtr++
	m.levels[t.targetLevel] = append(m.levels[t.targetLevel], &tableHandle{table: reopened, file: outFile, seq: m.seqCtr})

	if err := m.saveManifestLocked(); err != nil {
		return err
	}

	for _, h := range inputs {
		h.table.Close()
		os.Remove(filepath.Join(m.dir, h.file))
	}

	m.log.Info().Str("output", outFile).Int("entries", len(merged)).Msg("compaction complete")
	return nil
}

func (m *Manager) removeInputsLocked(t *task, inputs []*tableHandle) {
	removeSet := make(map[string]bool, len(inputs))
	for _, h := range inputs {
		removeSet[h.file] = true
	}
	for level, handles := range m.levels {
		var kept []*tableHandle
		for _, h := range handles {
			if removeSet[h.file] {
				continue
			}
			kept = append(kept, h)
		}
		m.levels[level] = kept
	}
}

// Start launches the background compaction loop, checking every
// cfg.CheckInterval whether a level is over its trigger threshold
// (original_source's CompactionScheduler, standing in for the teacher's
// unconditional merge-everything backgroundCompactor).
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.exit:
				return
			case <-ticker.C:
				if err := m.Run(); err != nil {
					m.log.Error().Err(err).Msg("compaction pass failed")
				}
			}
		}
	}()
}

// Stop halts the background loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.exit)
	m.wg.Wait()
}

// Levels returns a snapshot of every table currently in each level, for
// callers (range_query, recovery) that need to scan sstables newest-first.
func (m *Manager) Levels() map[int][]*sstable.Table {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[int][]*sstable.Table, len(m.levels))
	for level, handles := range m.levels {
		tables := make([]*sstable.Table, len(handles))
		for i, h := range handles {
			tables[i] = h.table
		}
		out[level] = tables
	}
	return out
}
