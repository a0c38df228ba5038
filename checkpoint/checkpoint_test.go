package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), "IF888")
	require.NoError(t, err)
	return m
}

func TestCreateAndLoadLatest(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(1, 100, []string{"l0_a.sst"}, 50, 1000, 2000, 111)
	require.NoError(t, err)
	_, err = m.Create(2, 200, []string{"l0_a.sst", "l0_b.sst"}, 90, 1000, 3000, 222)
	require.NoError(t, err)

	latest, err := m.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(2), latest.Metadata.CheckpointID)
	assert.Equal(t, uint64(200), latest.Metadata.WALSequenceCursor)
	assert.Equal(t, []string{"l0_a.sst", "l0_b.sst"}, latest.Metadata.SSTableManifest)
	assert.NotEmpty(t, latest.Metadata.UUID)
	assert.Greater(t, latest.FileSize, int64(0))
}

func TestLoadLatestEmptyReturnsNil(t *testing.T) {
	m := newTestManager(t)
	latest, err := m.LoadLatest()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestListSkipsCorruptCheckpoint(t *testing.T) {
	m := newTestManager(t)

	_, err := m.Create(1, 100, nil, 10, 0, 0, 1)
	require.NoError(t, err)
	_, err = m.Create(2, 200, nil, 20, 0, 0, 2)
	require.NoError(t, err)

	// Corrupt the newest checkpoint directly on disk.
	require.NoError(t, os.WriteFile(m.path(2), []byte("not json"), 0o644))

	all, err := m.List()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, uint64(1), all[0].Metadata.CheckpointID)

	latest, err := m.LoadLatest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(1), latest.Metadata.CheckpointID)
}

func TestLoadLatestExcludingFallsBackToOlder(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(1, 100, nil, 10, 0, 0, 1)
	require.NoError(t, err)
	_, err = m.Create(2, 200, nil, 20, 0, 0, 2)
	require.NoError(t, err)

	info, err := m.LoadLatestExcluding(map[uint64]bool{2: true})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, uint64(1), info.Metadata.CheckpointID)
}

func TestCleanupKeepsOnlyMostRecent(t *testing.T) {
	m := newTestManager(t)
	for i := uint64(1); i <= 5; i++ {
		_, err := m.Create(i, i*10, nil, i, 0, 0, int64(i))
		require.NoError(t, err)
	}

	deleted, err := m.Cleanup(2)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	all, err := m.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	ids := []uint64{all[0].Metadata.CheckpointID, all[1].Metadata.CheckpointID}
	assert.ElementsMatch(t, []uint64{4, 5}, ids)
}

func TestCleanupNoOpWhenUnderLimit(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(1, 10, nil, 1, 0, 0, 1)
	require.NoError(t, err)

	deleted, err := m.Cleanup(5)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestCheckpointFilenameFormat(t *testing.T) {
	m := newTestManager(t)
	info, err := m.Create(7, 1, nil, 1, 0, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(m.dir, "checkpoint_0000000007.ckpt"), info.Path)
}
