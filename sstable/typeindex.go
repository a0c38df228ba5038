package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/exchangecore/ledger/record"
)

// TypeIndex partitions a table's entries by record kind so a reader asking
// for "every trade in this window" never has to scan kinds it doesn't
// want. Supplemented from original_source's record-type index: a
// per-type, time-ordered offset list plus a running time range per type,
// generalized here from a byte offset to a position within the table's
// entry order (positions are resolved back to entries by passing
// Table.All's result to Resolve).
type TypeIndex struct {
	byKind map[record.Kind]*typeBucket
}

type typeEntry struct {
	TimestampNS int64
	Position    int
}

type typeBucket struct {
	entries    []typeEntry // sorted by TimestampNS
	minTS      int64
	maxTS      int64
	hasEntries bool
	count      uint64
}

func (b *typeBucket) add(ts int64, pos int) {
	b.entries = append(b.entries, typeEntry{TimestampNS: ts, Position: pos})
	if !b.hasEntries {
		b.minTS, b.maxTS, b.hasEntries = ts, ts, true
	} else {
		if ts < b.minTS {
			b.minTS = ts
		}
		if ts > b.maxTS {
			b.maxTS = ts
		}
	}
	b.count++
}

// BuildTypeIndex partitions entries (in the order Table.All returns them,
// i.e. ascending key order) by record kind.
func BuildTypeIndex(entries []Entry) *TypeIndex {
	ti := &TypeIndex{byKind: make(map[record.Kind]*typeBucket)}
	for pos, e := range entries {
		kind := e.Value.Kind()
		b, ok := ti.byKind[kind]
		if !ok {
			b = &typeBucket{}
			ti.byKind[kind] = b
		}
		b.add(e.Key.TimestampNS, pos)
	}
	for _, b := range ti.byKind {
		sort.Slice(b.entries, func(i, j int) bool { return b.entries[i].TimestampNS < b.entries[j].TimestampNS })
	}
	return ti
}

// Kinds returns every record kind present in the index.
func (ti *TypeIndex) Kinds() []record.Kind {
	out := make([]record.Kind, 0, len(ti.byKind))
	for k := range ti.byKind {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Count returns how many entries of kind k the index covers.
func (ti *TypeIndex) Count(k record.Kind) uint64 {
	b, ok := ti.byKind[k]
	if !ok {
		return 0
	}
	return b.count
}

// TimeRange returns the [min, max] timestamp span of kind k's entries.
func (ti *TypeIndex) TimeRange(k record.Kind) (minTS, maxTS int64, ok bool) {
	b, present := ti.byKind[k]
	if !present || !b.hasEntries {
		return 0, 0, false
	}
	return b.minTS, b.maxTS, true
}

// PositionsInRange returns the table positions of every kind-k entry whose
// timestamp falls within [loTS, hiTS], ascending.
func (ti *TypeIndex) PositionsInRange(k record.Kind, loTS, hiTS int64) []int {
	b, ok := ti.byKind[k]
	if !ok {
		return nil
	}
	lo := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].TimestampNS >= loTS })
	var out []int
	for i := lo; i < len(b.entries) && b.entries[i].TimestampNS <= hiTS; i++ {
		out = append(out, b.entries[i].Position)
	}
	return out
}

// UnionInRange merges PositionsInRange across multiple kinds (a type-set
// query, per the original design's "multi-type union query"), returning
// positions in ascending order with duplicates removed.
func (ti *TypeIndex) UnionInRange(kinds []record.Kind, loTS, hiTS int64) []int {
	seen := make(map[int]struct{})
	var all []int
	for _, k := range kinds {
		for _, pos := range ti.PositionsInRange(k, loTS, hiTS) {
			if _, dup := seen[pos]; dup {
				continue
			}
			seen[pos] = struct{}{}
			all = append(all, pos)
		}
	}
	sort.Ints(all)
	return all
}

// Resolve looks up the entries at positions within entries (typically the
// output of Table.All for the same table this index was built from).
func Resolve(entries []Entry, positions []int) []Entry {
	out := make([]Entry, 0, len(positions))
	for _, p := range positions {
		if p >= 0 && p < len(entries) {
			out = append(out, entries[p])
		}
	}
	return out
}

// TypeIndexPath derives a type index's path from its OLTP table's path:
// the index is persisted alongside the table it was built from, same
// basename, ".typeindex" suffix.
func TypeIndexPath(tablePath string) string {
	return tablePath + ".typeindex"
}

// Save persists the index to path for reuse without rescanning the table.
func (ti *TypeIndex) Save(path string) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, int32(len(ti.byKind)))
	for _, k := range ti.Kinds() {
		b := ti.byKind[k]
		buf.WriteByte(byte(k))
		binary.Write(&buf, binary.LittleEndian, int32(len(b.entries)))
		for _, e := range b.entries {
			binary.Write(&buf, binary.LittleEndian, e.TimestampNS)
			binary.Write(&buf, binary.LittleEndian, int64(e.Position))
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("sstable: save type index %s: %w", path, err)
	}
	return nil
}

// LoadTypeIndex reads an index previously written by Save.
func LoadTypeIndex(path string) (*TypeIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: load type index %s: %w", path, err)
	}
	buf := bytes.NewReader(data)

	var numKinds int32
	if err := binary.Read(buf, binary.LittleEndian, &numKinds); err != nil {
		return nil, fmt.Errorf("sstable: read type index kind count: %w", err)
	}

	ti := &TypeIndex{byKind: make(map[record.Kind]*typeBucket, numKinds)}
	for i := int32(0); i < numKinds; i++ {
		kindByte, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		var n int32
		if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
			return nil, err
		}
		b := &typeBucket{}
		for j := int32(0); j < n; j++ {
			var ts int64
			var pos int64
			if err := binary.Read(buf, binary.LittleEndian, &ts); err != nil {
				return nil, err
			}
			if err := binary.Read(buf, binary.LittleEndian, &pos); err != nil {
				return nil, err
			}
			b.add(ts, int(pos))
		}
		ti.byKind[record.Kind(kindByte)] = b
	}
	return ti, nil
}
