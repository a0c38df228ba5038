// Package wal implements the durable write-ahead log (C2): per-instrument,
// append-only, CRC-framed segment files that every committed record passes
// through before it is visible to a MemTable. See DESIGN.md for how this
// generalizes the teacher's page-backed WAL writer to variable-length
// framed entries.
package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	// Extension matches the teacher's WAL_EXTENSION convention.
	Extension = ".wal"

	// MaxSegmentBytes rotates a segment once its file size would exceed
	// this bound (spec.md §4.2 "128 MiB").
	MaxSegmentBytes int64 = 128 << 20

	// MaxSegmentEntries rotates a segment once it holds this many frames,
	// independent of byte size (spec.md §4.2 "1,000,000 entries").
	MaxSegmentEntries uint64 = 1_000_000

	// frameHeaderSize is len(length) + len(crc32) + len(sequence).
	frameHeaderSize = 4 + 4 + 8
)

// segmentPrefix and segmentPath match spec.md §6's persistence layout:
// "{base}/{instrument_id}/wal/segment_{id:010}.wal".
const segmentPrefix = "segment_"

func segmentPath(dir string, idx uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%010d%s", segmentPrefix, idx, Extension))
}

// listSegments returns every segment index present in dir, sorted
// ascending, by parsing filenames back out of segmentPath's format.
func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}

	var indices []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, Extension) {
			continue
		}
		base := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), Extension)
		idx, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			continue // not one of ours; ignore foreign files in the directory
		}
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices, nil
}
