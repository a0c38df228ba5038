// Package sstable implements the immutable, on-disk OLTP (C5) and OLAP
// (C6) table formats every MemTable flush and every compaction output is
// written as. Grounded on the teacher's createSSTable/flushMemtable/
// SSTableIterator pattern: one file per table, append-only construction,
// iterate-to-merge reads.
package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/exchangecore/ledger/record"
	"github.com/exchangecore/ledger/sstable/bloom"
	"github.com/exchangecore/ledger/xerrors"
)

// magic identifies an OLTP row-format file, written at offset 0 and
// re-checked at Open.
var magic = [4]byte{'S', 'S', 'T', '1'}

// entriesPerBlock bounds how many records land in one data block, the
// unit the block index addresses and a point_get reads in one I/O.
const entriesPerBlock = 256

// Entry is one (key, record) pair written into an OLTP table.
type Entry struct {
	Key   record.Key
	Value record.Record
}

type indexEntry struct {
	FirstKey record.Key
	Offset   int64
	Length   int64
}

// Table is an opened, immutable OLTP SSTable: its block index and bloom
// filter are resident in memory; data blocks are read from disk on
// demand.
type Table struct {
	mu    sync.RWMutex
	path  string
	file  *os.File
	level int

	index  []indexEntry
	bloom  *bloom.Filter
	minKey record.Key
	maxKey record.Key
	count  int64
}

// Path returns the file this table was built from or opened at.
func (t *Table) Path() string { return t.path }

// Level reports the compaction level this table belongs to.
func (t *Table) Level() int { return t.level }

// Count returns the number of entries in the table.
func (t *Table) Count() int64 { return t.count }

// MinKey and MaxKey bound the table's key range, used by the compactor to
// detect level-0 overlap.
func (t *Table) MinKey() record.Key { return t.minKey }
func (t *Table) MaxKey() record.Key { return t.maxKey }

func encodeKey(k record.Key) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:8], uint64(k.TimestampNS))
	binary.LittleEndian.PutUint64(b[8:16], k.Sequence)
	return b
}

func encodeEntry(e Entry) ([]byte, error) {
	payload, err := record.Encode(e.Value)
	if err != nil {
		return nil, fmt.Errorf("sstable: encode entry: %w", err)
	}
	frame := make([]byte, 16+4+4+len(payload))
	copy(frame[0:16], encodeKey(e.Key))
	binary.LittleEndian.PutUint32(frame[16:20], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[20:24], crc32.ChecksumIEEE(payload))
	copy(frame[24:], payload)
	return frame, nil
}

func decodeBlock(data []byte) ([]Entry, error) {
	var out []Entry
	off := 0
	for off < len(data) {
		if off+24 > len(data) {
			return nil, fmt.Errorf("sstable: truncated entry header: %w", xerrors.ErrCorruption)
		}
		ts := int64(binary.LittleEndian.Uint64(data[off : off+8]))
		seq := binary.LittleEndian.Uint64(data[off+8 : off+16])
		length := binary.LittleEndian.Uint32(data[off+16 : off+20])
		wantCRC := binary.LittleEndian.Uint32(data[off+20 : off+24])
		off += 24

		if off+int(length) > len(data) {
			return nil, fmt.Errorf("sstable: truncated payload: %w", xerrors.ErrCorruption)
		}
		payload := data[off : off+int(length)]
		off += int(length)

		if crc32.ChecksumIEEE(payload) != wantCRC {
			return nil, fmt.Errorf("sstable: block entry checksum mismatch: %w", xerrors.ErrCorruption)
		}

		v, err := record.Decode(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Key: record.Key{TimestampNS: ts, Sequence: seq}, Value: v})
	}
	return out, nil
}

// WriteOLTPTable builds a new row-format SSTable at path from entries
// (which must already be sorted by Key, e.g. the output of a sealed
// MemTable or a compaction merge) and opens it for reading.
func WriteOLTPTable(path string, level int, entries []Entry, fpRate float64) (*Table, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(magic[:]); err != nil {
		return nil, fmt.Errorf("sstable: write magic: %w", err)
	}

	bf := bloom.New(len(entries), fpRate)
	var index []indexEntry
	offset := int64(len(magic))

	for start := 0; start < len(entries); start += entriesPerBlock {
		end := start + entriesPerBlock
		if end > len(entries) {
			end = len(entries)
		}
		block := entries[start:end]

		var buf bytes.Buffer
		for _, e := range block {
			frame, err := encodeEntry(e)
			if err != nil {
				return nil, err
			}
			buf.Write(frame)
			bf.Add(encodeKey(e.Key))
		}

		n, err := f.Write(buf.Bytes())
		if err != nil {
			return nil, fmt.Errorf("sstable: write block: %w", err)
		}
		index = append(index, indexEntry{FirstKey: block[0].Key, Offset: offset, Length: int64(n)})
		offset += int64(n)
	}

	indexOffset := offset
	indexBuf, err := encodeIndex(index)
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(indexBuf); err != nil {
		return nil, fmt.Errorf("sstable: write index: %w", err)
	}
	offset += int64(len(indexBuf))

	bloomOffset := offset
	bloomBuf, err := bf.Serialize()
	if err != nil {
		return nil, fmt.Errorf("sstable: serialize bloom: %w", err)
	}
	if _, err := f.Write(bloomBuf); err != nil {
		return nil, fmt.Errorf("sstable: write bloom: %w", err)
	}
	offset += int64(len(bloomBuf))

	var minKey, maxKey record.Key
	if len(entries) > 0 {
		minKey = entries[0].Key
		maxKey = entries[len(entries)-1].Key
	}

	footer := encodeFooter(footerFields{
		Level:       int32(level),
		IndexOffset: indexOffset,
		IndexLen:    int64(len(indexBuf)),
		BloomOffset: bloomOffset,
		BloomLen:    int64(len(bloomBuf)),
		Count:       int64(len(entries)),
		MinTS:       minKey.TimestampNS,
		MinSeq:      minKey.Sequence,
		MaxTS:       maxKey.TimestampNS,
		MaxSeq:      maxKey.Sequence,
	})
	if _, err := f.Write(footer); err != nil {
		return nil, fmt.Errorf("sstable: write footer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sstable: fsync: %w", err)
	}

	return OpenOLTPTable(path)
}

// OpenOLTPTable opens an existing row-format SSTable, reading its footer,
// block index and bloom filter into memory.
func OpenOLTPTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: stat %s: %w", path, err)
	}
	if stat.Size() < int64(len(magic)+footerSize) {
		f.Close()
		return nil, fmt.Errorf("sstable: %s too small to be valid: %w", path, xerrors.ErrCorruption)
	}

	footerBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footerBuf, stat.Size()-int64(footerSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: read footer: %w", err)
	}
	ff, err := decodeFooter(footerBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	indexBuf := make([]byte, ff.IndexLen)
	if _, err := f.ReadAt(indexBuf, ff.IndexOffset); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: read index: %w", err)
	}
	index, err := decodeIndex(indexBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	bloomBuf := make([]byte, ff.BloomLen)
	if _, err := f.ReadAt(bloomBuf, ff.BloomOffset); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable: read bloom: %w", err)
	}
	bf, err := bloom.Deserialize(bloomBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &Table{
		path:   path,
		file:   f,
		level:  int(ff.Level),
		index:  index,
		bloom:  bf,
		minKey: record.Key{TimestampNS: ff.MinTS, Sequence: ff.MinSeq},
		maxKey: record.Key{TimestampNS: ff.MaxTS, Sequence: ff.MaxSeq},
		count:  ff.Count,
	}, nil
}

// Close releases the table's open file handle.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.file.Close()
}

// Get performs a point lookup: bloom filter prefilter, then a binary
// search over the block index, then a linear scan within the matching
// block (spec.md §4.5's point_get).
func (t *Table) Get(key record.Key) (record.Record, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.bloom.Check(encodeKey(key)) {
		return nil, false, nil
	}
	if key.Less(t.minKey) || t.maxKey.Less(key) {
		return nil, false, nil
	}

	blk := t.blockFor(key)
	if blk < 0 {
		return nil, false, nil
	}

	entries, err := t.readBlock(blk)
	if err != nil {
		return nil, false, err
	}
	for _, e := range entries {
		if e.Key.Equal(key) {
			return e.Value, true, nil
		}
	}
	return nil, false, nil
}

// blockFor returns the index of the block whose range may contain key, or
// -1 if key precedes every block.
func (t *Table) blockFor(key record.Key) int {
	i := sort.Search(len(t.index), func(i int) bool {
		return key.Less(t.index[i].FirstKey)
	})
	if i == 0 {
		if len(t.index) > 0 && !key.Less(t.index[0].FirstKey) {
			return 0
		}
		return -1
	}
	return i - 1
}

func (t *Table) readBlock(i int) ([]Entry, error) {
	entry := t.index[i]
	buf := make([]byte, entry.Length)
	if _, err := t.file.ReadAt(buf, entry.Offset); err != nil {
		return nil, fmt.Errorf("sstable: read block %d: %w", i, err)
	}
	return decodeBlock(buf)
}

// Range returns every entry whose key falls within [lo, hi], in key order
// (spec.md §4.5's range_query).
func (t *Table) Range(lo, hi record.Key) ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if hi.Less(t.minKey) || t.maxKey.Less(lo) {
		return nil, nil
	}

	start := t.blockFor(lo)
	if start < 0 {
		start = 0
	}

	var out []Entry
	for i := start; i < len(t.index); i++ {
		if hi.Less(t.index[i].FirstKey) {
			break
		}
		entries, err := t.readBlock(i)
		if err != nil {
			return out, err
		}
		for _, e := range entries {
			if !e.Key.Less(lo) && !hi.Less(e.Key) {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

// All returns every entry in the table, in key order (used by compaction's
// merge iterator and by full-table scans).
func (t *Table) All() ([]Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Entry
	for i := range t.index {
		entries, err := t.readBlock(i)
		if err != nil {
			return out, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func encodeIndex(index []indexEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, int32(len(index))); err != nil {
		return nil, err
	}
	for _, e := range index {
		buf.Write(encodeKey(e.FirstKey))
		if err := binary.Write(&buf, binary.LittleEndian, e.Offset); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, e.Length); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeIndex(data []byte) ([]indexEntry, error) {
	buf := bytes.NewReader(data)
	var n int32
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("sstable: read index count: %w", err)
	}
	out := make([]indexEntry, 0, n)
	keyBuf := make([]byte, 16)
	for i := int32(0); i < n; i++ {
		if _, err := io.ReadFull(buf, keyBuf); err != nil {
			return nil, fmt.Errorf("sstable: read index key: %w", err)
		}
		ts := int64(binary.LittleEndian.Uint64(keyBuf[0:8]))
		seq := binary.LittleEndian.Uint64(keyBuf[8:16])

		var offset, length int64
		if err := binary.Read(buf, binary.LittleEndian, &offset); err != nil {
			return nil, err
		}
		if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		out = append(out, indexEntry{FirstKey: record.Key{TimestampNS: ts, Sequence: seq}, Offset: offset, Length: length})
	}
	return out, nil
}

type footerFields struct {
	Level       int32
	IndexOffset int64
	IndexLen    int64
	BloomOffset int64
	BloomLen    int64
	Count       int64
	MinTS       int64
	MinSeq      uint64
	MaxTS       int64
	MaxSeq      uint64
}

// footerSize is the fixed byte width of an encoded footerFields plus the
// trailing magic re-check: 1 uint32 (Level), 9 uint64 fields, 1 uint32
// magic.
const footerSize = 4 + 8*9 + 4

func encodeFooter(f footerFields) []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(f.Level))
	binary.LittleEndian.PutUint64(buf[4:12], uint64(f.IndexOffset))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(f.IndexLen))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(f.BloomOffset))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(f.BloomLen))
	binary.LittleEndian.PutUint64(buf[36:44], uint64(f.Count))
	binary.LittleEndian.PutUint64(buf[44:52], uint64(f.MinTS))
	binary.LittleEndian.PutUint64(buf[52:60], f.MinSeq)
	binary.LittleEndian.PutUint64(buf[60:68], uint64(f.MaxTS))
	binary.LittleEndian.PutUint64(buf[68:76], f.MaxSeq)
	copy(buf[76:80], magic[:4])
	return buf
}

func decodeFooter(buf []byte) (footerFields, error) {
	if len(buf) != footerSize {
		return footerFields{}, fmt.Errorf("sstable: footer size mismatch: %w", xerrors.ErrCorruption)
	}
	if !bytes.Equal(buf[76:80], magic[:4]) {
		return footerFields{}, fmt.Errorf("sstable: bad magic in footer: %w", xerrors.ErrCorruption)
	}
	return footerFields{
		Level:       int32(binary.LittleEndian.Uint32(buf[0:4])),
		IndexOffset: int64(binary.LittleEndian.Uint64(buf[4:12])),
		IndexLen:    int64(binary.LittleEndian.Uint64(buf[12:20])),
		BloomOffset: int64(binary.LittleEndian.Uint64(buf[20:28])),
		BloomLen:    int64(binary.LittleEndian.Uint64(buf[28:36])),
		Count:       int64(binary.LittleEndian.Uint64(buf[36:44])),
		MinTS:       int64(binary.LittleEndian.Uint64(buf[44:52])),
		MinSeq:      binary.LittleEndian.Uint64(buf[52:60]),
		MaxTS:       int64(binary.LittleEndian.Uint64(buf[60:68])),
		MaxSeq:      binary.LittleEndian.Uint64(buf[68:76]),
	}, nil
}
