package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/exchangecore/ledger/memtable"
	"github.com/exchangecore/ledger/record"
	"github.com/exchangecore/ledger/xerrors"
)

// olapMagic identifies a columnar OLAP file.
var olapMagic = [4]byte{'O', 'L', 'A', 'P'}

// rowsPerGroup bounds how many rows are batched into one compressed row
// group (spec.md §4.6's "row-group granularity").
const rowsPerGroup = 1024

type groupIndexEntry struct {
	Offset          int64
	CompressedLen   int64
	UncompressedLen int64
	RowCount        int32
	Codec           Codec
}

// OLAPTable is an opened, immutable columnar SSTable (C6).
type OLAPTable struct {
	path   string
	file   *os.File
	groups []groupIndexEntry
	count  int64
}

func (t *OLAPTable) Path() string  { return t.path }
func (t *OLAPTable) Count() int64  { return t.count }

// WriteOLAPTable writes rows (already projected by memtable.ColumnarTable)
// into row groups of rowsPerGroup, each compressed with codec, and opens
// the result for reading.
func WriteOLAPTable(path string, rows []memtable.Row, codec Codec) (*OLAPTable, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create olap %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(olapMagic[:]); err != nil {
		return nil, fmt.Errorf("sstable: write olap magic: %w", err)
	}

	var groups []groupIndexEntry
	offset := int64(len(olapMagic))

	for start := 0; start < len(rows); start += rowsPerGroup {
		end := start + rowsPerGroup
		if end > len(rows) {
			end = len(rows)
		}
		group := rows[start:end]

		raw := encodeRowGroup(group)
		packed, err := compress(codec, raw)
		if err != nil {
			return nil, err
		}

		n, err := f.Write(packed)
		if err != nil {
			return nil, fmt.Errorf("sstable: write row group: %w", err)
		}

		groups = append(groups, groupIndexEntry{
			Offset:          offset,
			CompressedLen:   int64(n),
			UncompressedLen: int64(len(raw)),
			RowCount:        int32(len(group)),
			Codec:           codec,
		})
		offset += int64(n)
	}

	indexOffset := offset
	indexBuf := encodeGroupIndex(groups)
	if _, err := f.Write(indexBuf); err != nil {
		return nil, fmt.Errorf("sstable: write group index: %w", err)
	}

	footer := make([]byte, 20)
	binary.LittleEndian.PutUint64(footer[0:8], uint64(indexOffset))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(len(rows)))
	copy(footer[16:20], olapMagic[:])
	if _, err := f.Write(footer); err != nil {
		return nil, fmt.Errorf("sstable: write olap footer: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sstable: fsync olap: %w", err)
	}

	return OpenOLAPTable(path)
}

// OpenOLAPTable opens an existing columnar SSTable, reading its row-group
// index into memory.
func OpenOLAPTable(path string) (*OLAPTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open olap %s: %w", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.Size() < int64(len(olapMagic))+20 {
		f.Close()
		return nil, fmt.Errorf("sstable: olap %s too small: %w", path, xerrors.ErrCorruption)
	}

	footer := make([]byte, 20)
	if _, err := f.ReadAt(footer, stat.Size()-20); err != nil {
		f.Close()
		return nil, err
	}
	if !bytes.Equal(footer[16:20], olapMagic[:]) {
		f.Close()
		return nil, fmt.Errorf("sstable: bad olap magic: %w", xerrors.ErrCorruption)
	}
	indexOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	rowCount := int64(binary.LittleEndian.Uint64(footer[8:16]))

	indexBuf := make([]byte, stat.Size()-20-indexOffset)
	if _, err := f.ReadAt(indexBuf, indexOffset); err != nil {
		f.Close()
		return nil, err
	}
	groups, err := decodeGroupIndex(indexBuf)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &OLAPTable{path: path, file: f, groups: groups, count: rowCount}, nil
}

// Close releases the table's file handle.
func (t *OLAPTable) Close() error { return t.file.Close() }

// Rows decompresses and decodes every row group, returning all rows in
// file order. Analytic scans over an OLAP table are expected to read it
// wholesale rather than point-query it (spec.md §4.6's columnar scan
// access pattern).
func (t *OLAPTable) Rows() ([]memtable.Row, error) {
	var out []memtable.Row
	for i, g := range t.groups {
		packed := make([]byte, g.CompressedLen)
		if _, err := t.file.ReadAt(packed, g.Offset); err != nil {
			return out, fmt.Errorf("sstable: read row group %d: %w", i, err)
		}
		raw, err := decompress(g.Codec, packed)
		if err != nil {
			return out, fmt.Errorf("sstable: decompress row group %d: %w", i, err)
		}
		rows, err := decodeRowGroup(raw, int(g.RowCount))
		if err != nil {
			return out, err
		}
		out = append(out, rows...)
	}
	return out, nil
}

func encodeGroupIndex(groups []groupIndexEntry) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, int32(len(groups)))
	for _, g := range groups {
		binary.Write(&buf, binary.LittleEndian, g.Offset)
		binary.Write(&buf, binary.LittleEndian, g.CompressedLen)
		binary.Write(&buf, binary.LittleEndian, g.UncompressedLen)
		binary.Write(&buf, binary.LittleEndian, g.RowCount)
		buf.WriteByte(byte(g.Codec))
	}
	return buf.Bytes()
}

func decodeGroupIndex(data []byte) ([]groupIndexEntry, error) {
	buf := bytes.NewReader(data)
	var n int32
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return nil, fmt.Errorf("sstable: read group index count: %w", err)
	}
	out := make([]groupIndexEntry, 0, n)
	for i := int32(0); i < n; i++ {
		var g groupIndexEntry
		if err := binary.Read(buf, binary.LittleEndian, &g.Offset); err != nil {
			return nil, err
		}
		if err := binary.Read(buf, binary.LittleEndian, &g.CompressedLen); err != nil {
			return nil, err
		}
		if err := binary.Read(buf, binary.LittleEndian, &g.UncompressedLen); err != nil {
			return nil, err
		}
		if err := binary.Read(buf, binary.LittleEndian, &g.RowCount); err != nil {
			return nil, err
		}
		codecByte, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		g.Codec = Codec(codecByte)
		out = append(out, g)
	}
	return out, nil
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, int32(len(s)))
	buf.WriteString(s)
}

func readString(buf *bytes.Reader) (string, error) {
	var n int32
	if err := binary.Read(buf, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(buf, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func encodeRowGroup(rows []memtable.Row) []byte {
	var buf bytes.Buffer
	for _, r := range rows {
		binary.Write(&buf, binary.LittleEndian, r.TimestampNS)
		binary.Write(&buf, binary.LittleEndian, r.Sequence)
		buf.WriteByte(byte(r.Kind))

		writePresentString(&buf, r.InstrumentID, r.InstrumentPresent)
		writePresentString(&buf, r.OrderID, r.OrderPresent)
		writePresentString(&buf, r.UserID, r.UserPresent)
		writePresentString(&buf, r.TradeID, r.TradePresent)
		writePresentString(&buf, r.AccountID, r.AccountPresent)

		writePresentByte(&buf, r.Direction, r.DirectionPresent)
		writePresentByte(&buf, r.Offset, r.OffsetPresent)
		writePresentFloat(&buf, r.Price, r.PricePresent)
		writePresentFloat(&buf, r.Volume, r.VolumePresent)
	}
	return buf.Bytes()
}

func decodeRowGroup(data []byte, rowCount int) ([]memtable.Row, error) {
	buf := bytes.NewReader(data)
	rows := make([]memtable.Row, 0, rowCount)
	for i := 0; i < rowCount; i++ {
		var r memtable.Row
		if err := binary.Read(buf, binary.LittleEndian, &r.TimestampNS); err != nil {
			return nil, fmt.Errorf("sstable: decode row group: %w", err)
		}
		if err := binary.Read(buf, binary.LittleEndian, &r.Sequence); err != nil {
			return nil, err
		}
		kindByte, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}
		r.Kind = record.Kind(kindByte)

		if r.InstrumentID, r.InstrumentPresent, err = readPresentString(buf); err != nil {
			return nil, err
		}
		if r.OrderID, r.OrderPresent, err = readPresentString(buf); err != nil {
			return nil, err
		}
		if r.UserID, r.UserPresent, err = readPresentString(buf); err != nil {
			return nil, err
		}
		if r.TradeID, r.TradePresent, err = readPresentString(buf); err != nil {
			return nil, err
		}
		if r.AccountID, r.AccountPresent, err = readPresentString(buf); err != nil {
			return nil, err
		}
		if r.Direction, r.DirectionPresent, err = readPresentByte(buf); err != nil {
			return nil, err
		}
		if r.Offset, r.OffsetPresent, err = readPresentByte(buf); err != nil {
			return nil, err
		}
		if r.Price, r.PricePresent, err = readPresentFloat(buf); err != nil {
			return nil, err
		}
		if r.Volume, r.VolumePresent, err = readPresentFloat(buf); err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func writePresentString(buf *bytes.Buffer, s string, present bool) {
	if present {
		buf.WriteByte(1)
		writeString(buf, s)
		return
	}
	buf.WriteByte(0)
}

func readPresentString(buf *bytes.Reader) (string, bool, error) {
	flag, err := buf.ReadByte()
	if err != nil {
		return "", false, err
	}
	if flag == 0 {
		return "", false, nil
	}
	s, err := readString(buf)
	return s, true, err
}

func writePresentByte(buf *bytes.Buffer, v uint8, present bool) {
	if present {
		buf.WriteByte(1)
		buf.WriteByte(v)
		return
	}
	buf.WriteByte(0)
}

func readPresentByte(buf *bytes.Reader) (uint8, bool, error) {
	flag, err := buf.ReadByte()
	if err != nil {
		return 0, false, err
	}
	if flag == 0 {
		return 0, false, nil
	}
	v, err := buf.ReadByte()
	return v, true, err
}

func writePresentFloat(buf *bytes.Buffer, v float64, present bool) {
	if present {
		buf.WriteByte(1)
		binary.Write(buf, binary.LittleEndian, v)
		return
	}
	buf.WriteByte(0)
}

func readPresentFloat(buf *bytes.Reader) (float64, bool, error) {
	flag, err := buf.ReadByte()
	if err != nil {
		return 0, false, err
	}
	if flag == 0 {
		return 0, false, nil
	}
	var v float64
	if err := binary.Read(buf, binary.LittleEndian, &v); err != nil {
		return 0, false, err
	}
	return v, true, nil
}
