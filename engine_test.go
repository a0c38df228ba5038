package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchangecore/ledger/compaction"
	"github.com/exchangecore/ledger/conversion"
	"github.com/exchangecore/ledger/record"
	"github.com/exchangecore/ledger/wal"
)

func testConfig(baseDir string) Config {
	cfg := DefaultConfig()
	cfg.BaseDir = baseDir
	cfg.Logger = zerolog.Nop()
	cfg.MetricsRegisterer = prometheus.NewRegistry()
	cfg.OLTPFlushThreshold = 1 << 20
	cfg.OLAPFlushThreshold = 1 << 20
	cfg.CompactionCfg = compaction.DefaultConfig()
	cfg.CompactionCfg.CheckInterval = time.Hour // don't race the test with background compaction
	cfg.ConversionCfg = conversion.DefaultConfig()
	cfg.ConversionCfg.ScanInterval = time.Hour
	cfg.CheckpointEvery = 3
	return cfg
}

func mkTick(ts int64, price float64) *record.TickData {
	id, _ := record.NewID16("IF888")
	return &record.TickData{Timestamp: ts, InstrumentID: id, LastPrice: price, Volume: 1}
}

func TestAppendAndRangeQuery(t *testing.T) {
	dir := t.TempDir()
	eng, err := New(testConfig(dir))
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.MountInstrument("IF888"))

	ctx := context.Background()
	seq1, err := eng.Append(ctx, "IF888", mkTick(100, 10))
	require.NoError(t, err)
	seq2, err := eng.Append(ctx, "IF888", mkTick(200, 20))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)

	recs, err := eng.RangeQuery("IF888", 0, 300)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(100), recs[0].TimestampNS())
	assert.Equal(t, int64(200), recs[1].TimestampNS())

	recs, err = eng.RangeQuery("IF888", 150, 300)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(200), recs[0].TimestampNS())
}

func TestAppendUnknownInstrumentFails(t *testing.T) {
	dir := t.TempDir()
	eng, err := New(testConfig(dir))
	require.NoError(t, err)
	defer eng.Close()

	_, err = eng.Append(context.Background(), "GHOST", mkTick(1, 1))
	assert.Error(t, err)
}

func TestSubscribeCommitsReceivesAppendedRecords(t *testing.T) {
	dir := t.TempDir()
	eng, err := New(testConfig(dir))
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.MountInstrument("IF888"))

	ch, cancel, err := eng.SubscribeCommits("IF888")
	require.NoError(t, err)
	defer cancel()

	_, err = eng.Append(context.Background(), "IF888", mkTick(100, 10))
	require.NoError(t, err)

	select {
	case r := <-ch:
		assert.Equal(t, int64(100), r.TimestampNS())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for commit notification")
	}
}

func TestPublishHotDrainsThroughSubscriber(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.SubscriberBatchTimeout = 5 * time.Millisecond
	eng, err := New(cfg)
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.MountInstrument("IF888"))

	require.NoError(t, eng.PublishHot(context.Background(), "IF888", mkTick(100, 10)))

	require.Eventually(t, func() bool {
		recs, err := eng.RangeQuery("IF888", 0, 1000)
		return err == nil && len(recs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestFlushRegistersSSTableAndSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.OLTPFlushThreshold = 1 // flush after the very first insert
	eng, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, eng.MountInstrument("IF888"))

	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		_, err := eng.Append(ctx, "IF888", mkTick(100+i, float64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, eng.Close())

	sstableDir := filepath.Join(dir, "IF888", "sstables")
	entries, err := filepath.Glob(filepath.Join(sstableDir, "l0_*.sst"))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)

	// Reopen: recovery must mount the flushed sstables and replay nothing
	// new, and a fresh range query must still see every record. New
	// registers its collectors, so the second engine gets its own registry.
	cfg.MetricsRegisterer = prometheus.NewRegistry()
	eng2, err := New(cfg)
	require.NoError(t, err)
	defer eng2.Close()
	require.NoError(t, eng2.MountInstrument("IF888"))

	recs, err := eng2.RangeQuery("IF888", 0, 1000)
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestMountInstrumentTwiceFails(t *testing.T) {
	dir := t.TempDir()
	eng, err := New(testConfig(dir))
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.MountInstrument("IF888"))
	assert.Error(t, eng.MountInstrument("IF888"))
}

func TestRecoverSignalsReadyAfterMount(t *testing.T) {
	dir := t.TempDir()
	eng, err := New(testConfig(dir))
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.MountInstrument("IF888"))

	ch, err := eng.Recover("IF888")
	require.NoError(t, err)
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("ready signal never closed")
	}
}

func TestWALDirLayoutMatchesPersistenceSpec(t *testing.T) {
	dir := t.TempDir()
	eng, err := New(testConfig(dir))
	require.NoError(t, err)
	defer eng.Close()

	require.NoError(t, eng.MountInstrument("IF888"))
	_, err = eng.Append(context.Background(), "IF888", mkTick(1, 1))
	require.NoError(t, err)

	segments, err := filepath.Glob(filepath.Join(dir, "IF888", "wal", "segment_*.wal"))
	require.NoError(t, err)
	assert.NotEmpty(t, segments)

	_, statErr := wal.ScanFrom(filepath.Join(dir, "IF888", "wal"), 0)
	assert.NoError(t, statErr)
}
