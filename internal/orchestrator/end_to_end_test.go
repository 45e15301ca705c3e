package orchestrator

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/contract-discovery/internal/checkpoint"
	"github.com/smartdevs17/contract-discovery/internal/config"
	"github.com/smartdevs17/contract-discovery/internal/connection"
	"github.com/smartdevs17/contract-discovery/internal/fetcher"
	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/internal/pipeline"
	"github.com/smartdevs17/contract-discovery/internal/providers"
	"github.com/smartdevs17/contract-discovery/internal/scanner"
	"github.com/smartdevs17/contract-discovery/internal/storage"
)

var contractA1 = common.HexToAddress("0xA1")

type stubChain struct{}

func (stubChain) LatestBlockNumber(ctx context.Context) (uint64, error) { return 100, nil }

func (stubChain) BlockByNumber(ctx context.Context, number uint64) (*connection.Block, error) {
	block := &connection.Block{Number: number}
	if number == 100 {
		to := contractA1
		block.Transactions = []connection.Transaction{{To: &to}, {To: nil}}
	}
	return block, nil
}

func (stubChain) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	if address == contractA1 {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

type stubProviders struct{}

func (stubProviders) ABIPublished(ctx context.Context, address string) (fetcher.Result[bool], error) {
	return fetcher.Result[bool]{Value: true}, nil
}

func (stubProviders) SourceCode(ctx context.Context, address string) (fetcher.Result[providers.ContractSource], error) {
	return fetcher.Result[providers.ContractSource]{Value: providers.ContractSource{SourceCode: "contract Vault {}", ContractName: "Vault"}}, nil
}

func (stubProviders) BalanceAt(ctx context.Context, address string) (fetcher.Result[*big.Int], error) {
	return fetcher.Result[*big.Int]{Value: big.NewInt(5e17)}, nil
}

func (stubProviders) TokenBalances(ctx context.Context, network, address string) (fetcher.Result[[]providers.BalanceItem], error) {
	decimals := int32(6)
	return fetcher.Result[[]providers.BalanceItem]{Value: []providers.BalanceItem{
		{ContractTickerSymbol: "USDC", ContractAddress: "0xusdc", ContractDecimals: &decimals, Balance: "10000000"},
	}}, nil
}

func (stubProviders) USDPrices(ctx context.Context, platform string, addresses []string) (map[string]decimal.Decimal, error) {
	return map[string]decimal.Decimal{"0xusdc": decimal.NewFromInt(1)}, nil
}

func TestDiscoveryThroughEnrichment(t *testing.T) {
	ctx := context.Background()

	repo, err := storage.NewStorage(&config.StorageConfig{
		Type:             "sqlite",
		ConnectionString: filepath.Join(t.TempDir(), "contracts.db"),
		MaxConnections:   2,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, repo.Connect())
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { repo.Close() })

	store := checkpoint.NewDatabaseStore(repo)
	discoveredAt := time.Date(2024, 5, 1, 8, 30, 0, 123456000, time.UTC)

	scan := scanner.New(scanner.Config{Chain: models.ChainEthereum, StartBlock: 100, ThrottleCooldown: time.Hour},
		stubChain{}, repo, checkpoint.NewBlockCheckpoint(store, models.ChainEthereum), nil,
		scanner.WithClock(func() time.Time { return discoveredAt }))

	info, _ := models.ChainEthereum.Info()
	enricher := pipeline.NewEnricher(info, stubProviders{}, stubProviders{}, stubProviders{}, stubProviders{}, nil)
	cursor := checkpoint.NewCursorCheckpoint(store, models.ChainEthereum)
	enrich := pipeline.New(pipeline.Config{Chain: models.ChainEthereum, RequestPause: time.Millisecond}, repo, enricher, cursor, nil)

	require.NoError(t, ScannerTask(scan, time.Minute, RetryPolicy{}).Run(ctx))
	require.NoError(t, PipelineTask(enrich, time.Hour, RetryPolicy{}).Run(ctx))

	block, found, err := checkpoint.NewBlockCheckpoint(store, models.ChainEthereum).Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(100), block)

	address := "0x00000000000000000000000000000000000000a1"
	records, err := repo.GetEnrichments(ctx, models.ChainEthereum, address)
	require.NoError(t, err)
	require.Len(t, records, 1)

	record := records[0]
	assert.True(t, record.Verified)
	assert.Equal(t, "Vault", record.ContractName)
	assert.Equal(t, []string{"USDC"}, record.TokenList)
	assert.True(t, record.NativeBalance.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, record.USDBalance.Equal(decimal.NewFromInt(10)))

	saved, err := checkpoint.NewCursorCheckpoint(store, models.ChainEthereum).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, address, saved.Address)
	assert.True(t, saved.DiscoveredAt.Equal(discoveredAt.Truncate(time.Microsecond)))

	// a second pass finds nothing new and writes nothing
	require.NoError(t, ScannerTask(scan, time.Minute, RetryPolicy{}).Run(ctx))
	require.NoError(t, PipelineTask(enrich, time.Hour, RetryPolicy{}).Run(ctx))
	records, err = repo.GetEnrichments(ctx, models.ChainEthereum, address)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
