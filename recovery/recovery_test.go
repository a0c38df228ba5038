package recovery

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchangecore/ledger/checkpoint"
	"github.com/exchangecore/ledger/compaction"
	"github.com/exchangecore/ledger/memtable"
	"github.com/exchangecore/ledger/record"
	"github.com/exchangecore/ledger/wal"
)

func mkTick(ts int64, price float64) *record.TickData {
	id, _ := record.NewID16("IF888")
	return &record.TickData{Timestamp: ts, InstrumentID: id, LastPrice: price, Volume: 1}
}

func mkOrderBook(ts int64) *record.OrderBookSnapshot {
	id, _ := record.NewID16("IF888")
	return &record.OrderBookSnapshot{Timestamp: ts, InstrumentID: id}
}

func setupCoordinator(t *testing.T, root string) *Coordinator {
	t.Helper()
	walDir := filepath.Join(root, "wal")
	sstableDir := filepath.Join(root, "sstable")
	ckptDir := filepath.Join(root, "checkpoints")

	ckpt, err := checkpoint.NewManager(ckptDir, "IF888")
	require.NoError(t, err)

	oltp := memtable.NewTable(1<<30, 12, 0.25)
	olap := memtable.NewColumnarTable(1 << 30)

	return New("IF888", walDir, sstableDir, ckpt, compaction.DefaultConfig(), oltp, olap, zerolog.Nop())
}

func TestBootWithNoCheckpointReplaysEntireWAL(t *testing.T) {
	root := t.TempDir()
	walDir := filepath.Join(root, "wal")

	w, err := wal.Open(walDir, wal.DefaultFlushPolicy, zerolog.Nop())
	require.NoError(t, err)
	_, err = w.Append(mkTick(100, 10))
	require.NoError(t, err)
	_, err = w.Append(mkTick(200, 20))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	c := setupCoordinator(t, root)
	stats, err := c.Boot()
	require.NoError(t, err)

	assert.Equal(t, uint64(2), stats.Cursor)
	assert.Equal(t, 2, stats.TotalRecords)
	assert.Equal(t, 2, stats.TickRecords)
	assert.True(t, c.IsReady())

	tick, ok := c.Cache().LastTick("IF888")
	require.True(t, ok)
	assert.Equal(t, 20.0, tick.LastPrice)
}

func TestBootRebuildsOrderBookCache(t *testing.T) {
	root := t.TempDir()
	walDir := filepath.Join(root, "wal")

	w, err := wal.Open(walDir, wal.DefaultFlushPolicy, zerolog.Nop())
	require.NoError(t, err)
	_, err = w.Append(mkOrderBook(50))
	require.NoError(t, err)
	_, err = w.Append(mkOrderBook(150))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	c := setupCoordinator(t, root)
	stats, err := c.Boot()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.OrderBookRecords)

	snap, ok := c.Cache().LastOrderBook("IF888")
	require.True(t, ok)
	assert.Equal(t, int64(150), snap.Timestamp)
}

func TestBootResumesFromCheckpointCursor(t *testing.T) {
	root := t.TempDir()
	walDir := filepath.Join(root, "wal")
	ckptDir := filepath.Join(root, "checkpoints")

	w, err := wal.Open(walDir, wal.DefaultFlushPolicy, zerolog.Nop())
	require.NoError(t, err)
	seq1, err := w.Append(mkTick(100, 10))
	require.NoError(t, err)
	_, err = w.Append(mkTick(200, 20))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	ckpt, err := checkpoint.NewManager(ckptDir, "IF888")
	require.NoError(t, err)
	_, err = ckpt.Create(1, seq1, nil, 1, 100, 100, 1)
	require.NoError(t, err)

	c := setupCoordinator(t, root)
	stats, err := c.Boot()
	require.NoError(t, err)

	// Only the entry after the checkpointed cursor should be replayed.
	assert.Equal(t, 1, stats.TotalRecords)
	tick, ok := c.Cache().LastTick("IF888")
	require.True(t, ok)
	assert.Equal(t, 20.0, tick.LastPrice)
}

func TestBootIsIdempotentAcrossTwoFreshCoordinators(t *testing.T) {
	root := t.TempDir()
	walDir := filepath.Join(root, "wal")

	w, err := wal.Open(walDir, wal.DefaultFlushPolicy, zerolog.Nop())
	require.NoError(t, err)
	_, err = w.Append(mkTick(100, 10))
	require.NoError(t, err)
	_, err = w.Append(mkTick(200, 20))
	require.NoError(t, err)
	require.NoError(t, w.Sync())
	require.NoError(t, w.Close())

	c1 := setupCoordinator(t, root)
	stats1, err := c1.Boot()
	require.NoError(t, err)

	c2 := setupCoordinator(t, root)
	stats2, err := c2.Boot()
	require.NoError(t, err)

	assert.Equal(t, stats1.TotalRecords, stats2.TotalRecords)
	assert.Equal(t, stats1.TickRecords, stats2.TickRecords)
	t1, _ := c1.Cache().LastTick("IF888")
	t2, _ := c2.Cache().LastTick("IF888")
	assert.Equal(t, t1.LastPrice, t2.LastPrice)
}
