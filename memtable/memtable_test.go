package memtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchangecore/ledger/record"
)

func mkTick(t *testing.T, ts int64, seq uint64) (record.Key, *record.TickData) {
	t.Helper()
	id, err := record.NewID16("IF888")
	require.NoError(t, err)
	return record.Key{TimestampNS: ts, Sequence: seq}, &record.TickData{Timestamp: ts, InstrumentID: id, LastPrice: 100, Volume: 1}
}

func TestSkipListInsertSearch(t *testing.T) {
	sl := NewSkipList(12, 0.25)
	k1, r1 := mkTick(t, 1, 1)
	k2, r2 := mkTick(t, 2, 2)
	sl.Insert(k1, r1)
	sl.Insert(k2, r2)

	got, ok := sl.Search(k1)
	require.True(t, ok)
	assert.Equal(t, r1, got)

	_, ok = sl.Search(record.Key{TimestampNS: 9, Sequence: 9})
	assert.False(t, ok)
}

func TestSkipListOrderedIteration(t *testing.T) {
	sl := NewSkipList(12, 0.25)
	for seq := uint64(5); seq >= 1; seq-- {
		k, r := mkTick(t, int64(seq), seq)
		sl.Insert(k, r)
	}

	var seqs []uint64
	it := NewIterator(sl)
	for it.Next() {
		k, _ := it.Current()
		seqs = append(seqs, k.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
}

func TestSkipListCopyIsIndependent(t *testing.T) {
	sl := NewSkipList(12, 0.25)
	k1, r1 := mkTick(t, 1, 1)
	sl.Insert(k1, r1)

	snap := sl.Copy()

	k2, r2 := mkTick(t, 2, 2)
	sl.Insert(k2, r2)

	assert.Equal(t, 1, countEntries(snap))
	assert.Equal(t, 2, countEntries(sl))
}

func countEntries(sl *SkipList) int {
	n := 0
	it := NewIterator(sl)
	for it.Next() {
		n++
	}
	return n
}

func TestTableSealAndDrainResetsActive(t *testing.T) {
	table := NewTable(1<<20, 12, 0.25)
	k, r := mkTick(t, 1, 1)
	table.Insert(k, r)

	sealed := table.SealAndDrain()
	assert.Equal(t, 1, countEntries(sealed))
	assert.Equal(t, 0, table.ApproximateBytes())

	_, ok := table.Get(k)
	assert.False(t, ok)
}

func TestTableNeedsFlush(t *testing.T) {
	table := NewTable(8, 12, 0.25) // tiny threshold
	assert.False(t, table.NeedsFlush())
	k, r := mkTick(t, 1, 1)
	table.Insert(k, r)
	assert.True(t, table.NeedsFlush())
}

func TestTableRange(t *testing.T) {
	table := NewTable(1<<20, 12, 0.25)
	for seq := uint64(1); seq <= 5; seq++ {
		k, r := mkTick(t, int64(seq), seq)
		table.Insert(k, r)
	}

	got := table.Range(record.Key{TimestampNS: 2, Sequence: 2}, record.Key{TimestampNS: 4, Sequence: 4})
	require.Len(t, got, 3)
}

func TestColumnarTableProjectsOrderInsertFields(t *testing.T) {
	col := NewColumnarTable(1 << 20)
	orderID, err := record.NewID40("ord-1")
	require.NoError(t, err)
	instID, err := record.NewID16("IF888")
	require.NoError(t, err)
	userID, err := record.NewID32("u1")
	require.NoError(t, err)

	r := &record.OrderInsert{
		Timestamp: 1, OrderID: orderID, InstrumentID: instID, UserID: userID,
		Direction: record.Buy, Offset: record.Open, Price: 3800, Volume: 2,
	}
	col.Append(record.Key{TimestampNS: 1, Sequence: 1}, r)

	sealed := col.SealAndDrain()
	require.Len(t, sealed, 1)
	row := sealed[0]
	assert.True(t, row.OrderPresent)
	assert.Equal(t, "ord-1", row.OrderID)
	assert.True(t, row.PricePresent)
	assert.Equal(t, 3800.0, row.Price)
	assert.False(t, row.TradePresent)
}

func TestColumnarTableLeavesUnrelatedColumnsAbsent(t *testing.T) {
	col := NewColumnarTable(1 << 20)
	col.Append(record.Key{TimestampNS: 1, Sequence: 1}, &record.Checkpoint{Timestamp: 1, CheckpointID: 1})

	sealed := col.SealAndDrain()
	require.Len(t, sealed, 1)
	row := sealed[0]
	assert.False(t, row.InstrumentPresent)
	assert.False(t, row.PricePresent)
	assert.False(t, row.OrderPresent)
}
