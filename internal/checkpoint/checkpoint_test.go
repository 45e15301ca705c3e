package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/contract-discovery/internal/models"
)

type memoryState struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryState() *memoryState {
	return &memoryState{values: make(map[string]string)}
}

func (m *memoryState) GetCheckpoint(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memoryState) SetCheckpoint(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, found, err := store.Load(ctx, ScannerKey(models.ChainEthereum))
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.Save(ctx, ScannerKey(models.ChainEthereum), "100"))
	require.NoError(t, store.Save(ctx, ScannerKey(models.ChainEthereum), "101"))

	value, found, err := store.Load(ctx, ScannerKey(models.ChainEthereum))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "101", value)

	assert.Equal(t, filepath.Join(dir, "scanner_eth.txt"), store.Path("scanner:eth"))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestFileStoreReadsLegacyValue(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(PipelineKey(models.ChainEthereum)), []byte("2024-02-03 04:05:06\n"), 0644))

	cp := NewCursorCheckpoint(store, models.ChainEthereum)
	cursor, err := cp.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC), cursor.DiscoveredAt)
	assert.Empty(t, cursor.Address)
}

func TestBlockCheckpointMonotonic(t *testing.T) {
	ctx := context.Background()
	cp := NewBlockCheckpoint(NewDatabaseStore(newMemoryState()), models.ChainEthereum)

	_, found, err := cp.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cp.Save(ctx, 100))
	require.NoError(t, cp.Save(ctx, 100))
	assert.Error(t, cp.Save(ctx, 99))

	block, found, err := cp.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(100), block)
}

func TestBlockCheckpointRejectsGarbage(t *testing.T) {
	state := newMemoryState()
	state.values[ScannerKey(models.ChainOptimism)] = "not-a-number"

	_, _, err := NewBlockCheckpoint(NewDatabaseStore(state), models.ChainOptimism).Load(context.Background())
	assert.Error(t, err)
}

func TestCursorCheckpointMonotonic(t *testing.T) {
	ctx := context.Background()
	state := newMemoryState()
	cp := NewCursorCheckpoint(NewDatabaseStore(state), models.ChainEthereum)

	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := models.Cursor{DiscoveredAt: at, Address: "0xa1"}
	second := models.Cursor{DiscoveredAt: at, Address: "0xb2"}

	require.NoError(t, cp.Save(ctx, first))
	require.NoError(t, cp.Save(ctx, second))
	assert.Error(t, cp.Save(ctx, first))

	reloaded, err := NewCursorCheckpoint(NewDatabaseStore(state), models.ChainEthereum).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0xb2", reloaded.Address)
	assert.True(t, reloaded.DiscoveredAt.Equal(at))
}
