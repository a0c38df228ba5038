package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exchangecore/ledger/record"
)

func tick(t *testing.T, ts int64) *record.TickData {
	t.Helper()
	id, err := record.NewID16("IF888")
	require.NoError(t, err)
	return &record.TickData{Timestamp: ts, InstrumentID: id, LastPrice: 3800, Volume: 1}
}

func openTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(dir, DefaultFlushPolicy, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, dir
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	w, _ := openTestWriter(t)

	s1, err := w.Append(tick(t, 1))
	require.NoError(t, err)
	s2, err := w.Append(tick(t, 2))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, uint64(2), s2)
}

func TestScanFromReturnsAppendedEntriesAfterSync(t *testing.T) {
	w, dir := openTestWriter(t)

	for i := int64(1); i <= 5; i++ {
		_, err := w.Append(tick(t, i*1000))
		require.NoError(t, err)
	}
	require.NoError(t, w.Sync())

	entries, err := ScanFrom(dir, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
}

func TestScanFromFiltersBySequence(t *testing.T) {
	w, dir := openTestWriter(t)
	for i := int64(1); i <= 5; i++ {
		_, err := w.Append(tick(t, i))
		require.NoError(t, err)
	}
	require.NoError(t, w.Sync())

	entries, err := ScanFrom(dir, 4)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(4), entries[0].Sequence)
	assert.Equal(t, uint64(5), entries[1].Sequence)
}

func TestRangeByTimestamp(t *testing.T) {
	w, dir := openTestWriter(t)
	for _, ts := range []int64{10, 20, 30, 40} {
		_, err := w.Append(tick(t, ts))
		require.NoError(t, err)
	}
	require.NoError(t, w.Sync())

	entries, err := RangeByTimestamp(dir, 15, 35)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(20), entries[0].View.TimestampNS())
	assert.Equal(t, int64(30), entries[1].View.TimestampNS())
}

func TestResumeAfterCloseContinuesSequence(t *testing.T) {
	dir := t.TempDir()

	w1, err := Open(dir, DefaultFlushPolicy, zerolog.Nop())
	require.NoError(t, err)
	_, err = w1.Append(tick(t, 1))
	require.NoError(t, err)
	_, err = w1.Append(tick(t, 2))
	require.NoError(t, err)
	require.NoError(t, w1.Close())

	w2, err := Open(dir, DefaultFlushPolicy, zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()

	seq, err := w2.Append(tick(t, 3))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestResumeTruncatesTrailingCorruptFrame(t *testing.T) {
	dir := t.TempDir()

	w1, err := Open(dir, DefaultFlushPolicy, zerolog.Nop())
	require.NoError(t, err)
	_, err = w1.Append(tick(t, 1))
	require.NoError(t, err)
	require.NoError(t, w1.Sync())
	require.NoError(t, w1.Close())

	segPath := segmentPath(dir, 0)
	f, err := os.OpenFile(segPath, os.O_RDWR|os.O_APPEND, 0o644)
	require.NoError(t, err)
	// Append a header claiming a large payload that is never actually
	// written, simulating a crash mid-append.
	_, err = f.Write([]byte{0xFF, 0xFF, 0xFF, 0x7F, 0, 0, 0, 0, 9, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := Open(dir, DefaultFlushPolicy, zerolog.Nop())
	require.NoError(t, err)
	defer w2.Close()

	assert.Equal(t, uint64(1), w2.Sequence())

	entries, err := ScanFrom(dir, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRotationCreatesNewSegmentFile(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, DefaultFlushPolicy, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	w.mu.Lock()
	w.segmentCount = MaxSegmentEntries
	w.mu.Unlock()

	_, err = w.Append(tick(t, 1))
	require.NoError(t, err)

	assert.FileExists(t, segmentPath(dir, 1))

	matches, err := filepath.Glob(filepath.Join(dir, "*"+Extension))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}
