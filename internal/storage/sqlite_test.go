package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

func newTestSQLite(t *testing.T) *SQLiteStorage {
	t.Helper()
	s := NewSQLiteStorage(&StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "contracts.db"),
		MaxConnections:   4,
	})
	require.NoError(t, s.Connect(), "Failed to connect to SQLite")
	require.NoError(t, s.Migrate(), "Failed to migrate SQLite")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAddressIsIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	at := time.Now()

	inserted, err := s.InsertAddress(ctx, models.ChainEthereum, "0xA1", at)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.InsertAddress(ctx, models.ChainEthereum, "0xa1", at.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate insert must be a no-op")

	count, err := s.CountAddresses(ctx, models.ChainEthereum)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rows, err := s.ReadNewAddresses(ctx, models.ChainEthereum, models.Cursor{}, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].DiscoveredAt.Equal(normalizeTime(at)), "first discovery time is kept")
}

func TestSameAddressOnTwoChains(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.InsertAddress(ctx, models.ChainEthereum, "0xa1", time.Now())
	require.NoError(t, err)
	inserted, err := s.InsertAddress(ctx, models.ChainOptimism, "0xa1", time.Now())
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestInsertAddressesBatch(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	n, err := s.InsertAddresses(ctx, models.ChainEthereum, []string{"0xa1", "0xb2", "0xa1"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.InsertAddresses(ctx, models.ChainEthereum, nil, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReadNewAddressesCursor(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := s.InsertAddresses(ctx, models.ChainEthereum, []string{"0xc3", "0xa1"}, base)
	require.NoError(t, err)
	_, err = s.InsertAddress(ctx, models.ChainEthereum, "0xb2", base.Add(time.Second))
	require.NoError(t, err)
	_, err = s.InsertAddress(ctx, models.ChainOptimism, "0xd4", base.Add(time.Second))
	require.NoError(t, err)

	all, err := s.ReadNewAddresses(ctx, models.ChainEthereum, models.Cursor{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"0xa1", "0xc3", "0xb2"}, addressesOf(all))

	// bare timestamp: strictly greater
	after, err := s.ReadNewAddresses(ctx, models.ChainEthereum, models.Cursor{DiscoveredAt: base}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xb2"}, addressesOf(after))

	// composite cursor resumes inside a timestamp group
	mid, err := s.ReadNewAddresses(ctx, models.ChainEthereum, all[0].Cursor(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xc3", "0xb2"}, addressesOf(mid))

	limited, err := s.ReadNewAddresses(ctx, models.ChainEthereum, models.Cursor{}, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestInsertEnrichmentRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	record := models.NewEnrichmentRecord(&models.ContractAddress{Address: "0xa1", Chain: models.ChainEthereum})
	record.Verified = true
	record.SourceCode = "contract A {}"
	record.ContractName = "A"
	record.NativeBalance = decimal.RequireFromString("1.5")
	record.USDBalance = decimal.RequireFromString("35")
	record.TokenList = []string{"USDC", "DAI"}
	record.TokenBalances = []decimal.Decimal{decimal.NewFromInt(10), decimal.NewFromInt(5)}

	require.NoError(t, s.InsertEnrichment(ctx, record))
	assert.NotZero(t, record.ID)

	got, err := s.GetEnrichments(ctx, models.ChainEthereum, "0xA1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	r := got[0]
	assert.True(t, r.Verified)
	assert.Equal(t, "A", r.ContractName)
	assert.True(t, r.NativeBalance.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, r.USDBalance.Equal(decimal.NewFromInt(35)))
	assert.Equal(t, []string{"USDC", "DAI"}, r.TokenList)
	require.Len(t, r.TokenBalances, 2)
	assert.True(t, r.TokenBalances[1].Equal(decimal.NewFromInt(5)))
	assert.Nil(t, r.Notes)
}

func TestInsertEnrichmentRejectsMisalignedLists(t *testing.T) {
	s := newTestSQLite(t)

	record := models.NewEnrichmentRecord(&models.ContractAddress{Address: "0xa1", Chain: models.ChainEthereum})
	record.TokenList = []string{"USDC"}

	err := s.InsertEnrichment(context.Background(), record)
	require.Error(t, err)
	assert.Equal(t, utils.KindPersistenceFailure, utils.KindOf(err))
}

func TestInsertEnrichmentReconnectsOnce(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	// drop the pool underneath the storage
	db, err := s.conn()
	require.NoError(t, err)
	require.NoError(t, db.Close())

	record := models.NewEnrichmentRecord(&models.ContractAddress{Address: "0xa1", Chain: models.ChainEthereum})
	require.NoError(t, s.InsertEnrichment(ctx, record))

	got, err := s.GetEnrichments(ctx, models.ChainEthereum, "0xa1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRetryOnReconnect(t *testing.T) {
	logger := utils.GetLogger()

	t.Run("statement error is not retried", func(t *testing.T) {
		calls, reconnects := 0, 0
		err := retryOnReconnect(func() error { reconnects++; return nil }, nil, logger, "write", func() error {
			calls++
			return errors.New("CHECK constraint failed")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, 0, reconnects)
		assert.Equal(t, utils.KindPersistenceFailure, utils.KindOf(err))
	})

	t.Run("connection error retried exactly once", func(t *testing.T) {
		calls, reconnects := 0, 0
		err := retryOnReconnect(func() error { reconnects++; return nil }, nil, logger, "write", func() error {
			calls++
			return fmt.Errorf("write: %w", errors.New("connection reset by peer"))
		})
		require.Error(t, err)
		assert.Equal(t, 2, calls)
		assert.Equal(t, 1, reconnects)
		assert.Equal(t, utils.KindPersistenceFailure, utils.KindOf(err))
	})

	t.Run("second attempt succeeds", func(t *testing.T) {
		calls := 0
		err := retryOnReconnect(func() error { return nil }, nil, logger, "write", func() error {
			calls++
			if calls == 1 {
				return errors.New("driver: bad connection")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})
}

func TestCheckpointUpsert(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, found, err := s.GetCheckpoint(ctx, "scanner:eth")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SetCheckpoint(ctx, "scanner:eth", "100"))
	require.NoError(t, s.SetCheckpoint(ctx, "scanner:eth", "101"))

	value, found, err := s.GetCheckpoint(ctx, "scanner:eth")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "101", value)
}

func TestStorageStats(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.InsertAddresses(ctx, models.ChainEthereum, []string{"0xa1", "0xb2"}, time.Now())
	require.NoError(t, err)
	_, err = s.InsertAddress(ctx, models.ChainOptimism, "0xc3", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.InsertEnrichment(ctx, models.NewEnrichmentRecord(&models.ContractAddress{Address: "0xa1", Chain: models.ChainEthereum})))

	stats, err := s.GetStorageStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalAddresses)
	assert.Equal(t, int64(2), stats.AddressesByChain["ETH"])
	assert.Equal(t, int64(1), stats.TotalEnrichments)
	assert.NotNil(t, stats.LatestDiscovery)
	assert.True(t, s.GetHealth().Healthy)
}

func addressesOf(rows []*models.ContractAddress) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Address
	}
	return out
}
