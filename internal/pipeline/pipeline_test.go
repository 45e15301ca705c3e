package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/contract-discovery/internal/checkpoint"
	"github.com/smartdevs17/contract-discovery/internal/fetcher"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/internal/providers"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

type fakeExplorer struct {
	mu              sync.Mutex
	verified        bool
	source          providers.ContractSource
	sourceErr       error
	sourceThrottles int // remaining throttled responses, -1 for always
	sourceCalls     int
	wei             *big.Int
}

func (f *fakeExplorer) ABIPublished(ctx context.Context, address string) (fetcher.Result[bool], error) {
	return fetcher.Result[bool]{Value: f.verified}, nil
}

func (f *fakeExplorer) SourceCode(ctx context.Context, address string) (fetcher.Result[providers.ContractSource], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sourceCalls++
	if f.sourceThrottles != 0 {
		if f.sourceThrottles > 0 {
			f.sourceThrottles--
		}
		return fetcher.Result[providers.ContractSource]{Throttled: true}, nil
	}
	if f.sourceErr != nil {
		return fetcher.Result[providers.ContractSource]{}, f.sourceErr
	}
	return fetcher.Result[providers.ContractSource]{Value: f.source}, nil
}

func (f *fakeExplorer) BalanceAt(ctx context.Context, address string) (fetcher.Result[*big.Int], error) {
	return fetcher.Result[*big.Int]{Value: f.wei}, nil
}

type fakeHoldings struct {
	items []providers.BalanceItem
}

func (f *fakeHoldings) TokenBalances(ctx context.Context, network, address string) (fetcher.Result[[]providers.BalanceItem], error) {
	return fetcher.Result[[]providers.BalanceItem]{Value: f.items}, nil
}

type fakePrices struct {
	prices    map[string]decimal.Decimal
	requested []string
}

func (f *fakePrices) USDPrices(ctx context.Context, platform string, addresses []string) (map[string]decimal.Decimal, error) {
	f.requested = append(f.requested, addresses...)
	out := make(map[string]decimal.Decimal)
	for _, a := range addresses {
		if p, ok := f.prices[a]; ok {
			out[a] = p
		}
	}
	return out, nil
}

type fakeRepo struct {
	mu        sync.Mutex
	contracts []*models.ContractAddress
	records   []*models.EnrichmentRecord
	failOn    map[string]error
}

func (r *fakeRepo) ReadNewAddresses(ctx context.Context, chain models.Chain, since models.Cursor, limit int) ([]*models.ContractAddress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.ContractAddress
	for _, c := range r.contracts {
		switch {
		case since.IsZero():
		case since.Address == "" && !c.DiscoveredAt.After(since.DiscoveredAt):
			continue
		case since.Address != "" && !c.Cursor().After(since):
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *fakeRepo) InsertEnrichment(ctx context.Context, record *models.EnrichmentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn[record.ContractAddress]; err != nil {
		return err
	}
	r.records = append(r.records, record)
	return nil
}

var (
	baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ethInfo  = models.ChainInfo{
		Chain: models.ChainEthereum, NativeSymbol: "ETH", NativeDecimals: 18,
		CovalentName: "eth-mainnet", CoinGeckoPlatform: "ethereum",
	}
)

func int32p(v int32) *int32 { return &v }

type harness struct {
	explorer *fakeExplorer
	holdings *fakeHoldings
	prices   *fakePrices
	repo     *fakeRepo
	cp       *checkpoint.CursorCheckpoint
	metrics  *metrics.PrometheusMetrics
	sleeps   []time.Duration
	p        *Pipeline
}

func newHarness(t *testing.T, addresses ...string) *harness {
	files, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		explorer: &fakeExplorer{verified: true, source: providers.ContractSource{SourceCode: "contract A {}", ContractName: "A"}, wei: big.NewInt(0)},
		holdings: &fakeHoldings{},
		prices:   &fakePrices{prices: map[string]decimal.Decimal{}},
		repo:     &fakeRepo{failOn: map[string]error{}},
		cp:       checkpoint.NewCursorCheckpoint(files, models.ChainEthereum),
		metrics:  metrics.NewManager().GetPrometheusMetrics(),
	}
	for i, a := range addresses {
		h.repo.contracts = append(h.repo.contracts, &models.ContractAddress{
			Address: a, Chain: models.ChainEthereum, DiscoveredAt: baseTime.Add(time.Duration(i) * time.Second),
		})
	}

	enricher := NewEnricher(ethInfo, h.explorer, h.explorer, h.holdings, h.prices, h.metrics)
	h.p = New(Config{
		Chain:              models.ChainEthereum,
		RequestPause:       15 * time.Second,
		ThrottleCooldown:   time.Minute,
		MaxThrottleRetries: 3,
	}, h.repo, enricher, h.cp, h.metrics, WithSleep(func(ctx context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return ctx.Err()
	}))
	return h
}

func TestUSDValuation(t *testing.T) {
	h := newHarness(t, "0xa1")
	h.holdings.items = []providers.BalanceItem{
		{ContractTickerSymbol: "AAA", ContractAddress: "0xAAA", ContractDecimals: int32p(0), Balance: "10"},
		{ContractTickerSymbol: "BBB", ContractAddress: "0xbbb", ContractDecimals: int32p(6), Balance: "5000000"},
	}
	h.prices.prices["0xaaa"] = decimal.NewFromInt(2)
	h.prices.prices["0xbbb"] = decimal.NewFromInt(3)

	_, err := h.p.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, h.repo.records, 1)

	record := h.repo.records[0]
	assert.True(t, record.USDBalance.Equal(decimal.NewFromInt(35)), record.USDBalance.String())
	assert.Equal(t, []string{"AAA", "BBB"}, record.TokenList)
	assert.True(t, record.TokenBalances[0].Equal(decimal.NewFromInt(10)))
	assert.True(t, record.TokenBalances[1].Equal(decimal.NewFromInt(5)))
}

func TestValuateRoundsToCents(t *testing.T) {
	holdings := []models.TokenHolding{
		{ContractAddress: "0xa", Balance: decimal.RequireFromString("1.23")},
		{ContractAddress: "0xb", Balance: decimal.RequireFromString("4")},
	}
	prices := map[string]decimal.Decimal{"0xa": decimal.RequireFromString("0.333")}
	assert.Equal(t, "0.41", Valuate(holdings, prices).String())
}

func TestHoldingsNormalization(t *testing.T) {
	h := newHarness(t, "0xa1")
	h.holdings.items = []providers.BalanceItem{
		{ContractTickerSymbol: "ETH", ContractAddress: "0xeee", ContractDecimals: int32p(18), Balance: "1000000000000000000"},
		{ContractTickerSymbol: "WRAPPED", ContractAddress: "0xnat", Balance: "1", NativeToken: true},
		{ContractTickerSymbol: "", ContractAddress: "0xnosym", Balance: "2500000000000000000"},
		{ContractTickerSymbol: "DUST", ContractAddress: "0xdust", ContractDecimals: int32p(2), Balance: "149"},
	}

	_, err := h.p.RunCycle(context.Background())
	require.NoError(t, err)

	record := h.repo.records[0]
	assert.Equal(t, []string{models.UnknownTokenSymbol, "DUST"}, record.TokenList)
	assert.Equal(t, "3", record.TokenBalances[0].String(), "2.5 displayed as a whole number")
	assert.Equal(t, "1", record.TokenBalances[1].String())
}

func TestHoldingsTruncatedTogether(t *testing.T) {
	h := newHarness(t, "0xa1")
	for i := 0; i < 150; i++ {
		h.holdings.items = append(h.holdings.items, providers.BalanceItem{
			ContractTickerSymbol: fmt.Sprintf("T%d", i),
			ContractAddress:      fmt.Sprintf("0x%03d", i),
			ContractDecimals:     int32p(0),
			Balance:              fmt.Sprint(i),
		})
	}
	h.prices.prices["0x149"] = decimal.NewFromInt(1000)
	h.prices.prices["0x001"] = decimal.NewFromInt(1)

	_, err := h.p.RunCycle(context.Background())
	require.NoError(t, err)

	record := h.repo.records[0]
	require.Len(t, record.TokenList, 100)
	require.Len(t, record.TokenBalances, 100)
	for i := range record.TokenList {
		assert.Equal(t, fmt.Sprintf("T%d", i), record.TokenList[i])
		assert.True(t, record.TokenBalances[i].Equal(decimal.NewFromInt(int64(i))))
	}
	assert.Len(t, h.prices.requested, 100)
	assert.True(t, record.USDBalance.Equal(decimal.NewFromInt(1)), "tokens past the cap are not valued")
}

func TestPartialFailureKeepsOtherFields(t *testing.T) {
	h := newHarness(t, "0xa1")
	h.explorer.sourceErr = errors.New("explorer unavailable")
	h.explorer.wei = new(big.Int).Mul(big.NewInt(3), big.NewInt(1e18))
	h.holdings.items = []providers.BalanceItem{
		{ContractTickerSymbol: "AAA", ContractAddress: "0xaaa", ContractDecimals: int32p(0), Balance: "4"},
	}
	h.prices.prices["0xaaa"] = decimal.NewFromInt(5)

	result, err := h.p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Degraded)

	record := h.repo.records[0]
	assert.Empty(t, record.SourceCode)
	assert.False(t, record.Verified)
	assert.Equal(t, models.DefaultContractName, record.ContractName)
	assert.True(t, record.NativeBalance.Equal(decimal.NewFromInt(3)))
	assert.True(t, record.USDBalance.Equal(decimal.NewFromInt(20)))
	assert.Nil(t, record.Notes)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PartialEnrichments.WithLabelValues("ETH", string(utils.KindPartialFailure))))
}

func TestOutcomeErr(t *testing.T) {
	assert.NoError(t, (&Outcome{}).Err())

	err := (&Outcome{Failed: []string{FieldSourceCode}, Throttled: []string{FieldHoldings}}).Err()
	require.Error(t, err)
	assert.Equal(t, utils.KindPartialFailure, utils.KindOf(err))
	assert.Contains(t, err.Error(), "source_code,holdings")
}

func TestSourceStrippedOfNulBytes(t *testing.T) {
	h := newHarness(t, "0xa1")
	h.explorer.source = providers.ContractSource{SourceCode: "contract A {\x00}", ContractName: "A\x00"}

	_, err := h.p.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, h.repo.records, 1)
	assert.Equal(t, "contract A {}", h.repo.records[0].SourceCode)
	assert.Equal(t, "A", h.repo.records[0].ContractName)
	assert.True(t, h.repo.records[0].Verified)
}

func TestThrottledContractIsRetried(t *testing.T) {
	h := newHarness(t, "0xa1")
	h.explorer.sourceThrottles = 2

	result, err := h.p.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, h.explorer.sourceCalls)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute}, h.sleeps)
	assert.Equal(t, 2, result.ThrottleEvents)
	require.Len(t, h.repo.records, 1)
	assert.Equal(t, "contract A {}", h.repo.records[0].SourceCode)
	assert.True(t, h.repo.records[0].Verified)
}

func TestThrottleRetriesExhausted(t *testing.T) {
	h := newHarness(t, "0xa1", "0xb2")
	h.explorer.sourceThrottles = 4

	result, err := h.p.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, utils.KindThrottled, utils.KindOf(err))
	assert.Equal(t, 4, h.explorer.sourceCalls)
	assert.Equal(t, 4, result.ThrottleEvents)
	assert.Equal(t, []time.Duration{time.Minute, time.Minute, time.Minute}, h.sleeps)
	assert.Empty(t, h.repo.records)

	cursor, err := h.cp.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, cursor.IsZero())

	_, err = h.p.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, h.repo.records, 2)
	assert.Equal(t, "0xa1", h.repo.records[0].ContractAddress)
	assert.Equal(t, "contract A {}", h.repo.records[0].SourceCode)
	assert.True(t, h.repo.records[0].Verified)
}

func TestPersistenceFailureStopsCycle(t *testing.T) {
	h := newHarness(t, "0xa1", "0xb2", "0xc3")
	h.repo.failOn["0xb2"] = utils.WrapError(utils.KindPersistenceFailure, utils.ErrCodeDatabase, "insert failed", errors.New("connection refused"))

	result, err := h.p.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, utils.KindPersistenceFailure, utils.KindOf(err))
	assert.Equal(t, 1, result.Enriched)

	require.Len(t, h.repo.records, 1)
	assert.Equal(t, "0xa1", h.repo.records[0].ContractAddress)

	cursor, err := h.cp.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0xa1", cursor.Address)
	assert.True(t, cursor.DiscoveredAt.Equal(baseTime))

	// the next cycle resumes with the contract that failed
	delete(h.repo.failOn, "0xb2")
	_, err = h.p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.repo.records, 3)
}

func TestCursorAdvancesAndPauses(t *testing.T) {
	h := newHarness(t, "0xa1", "0xb2", "0xc3")

	result, err := h.p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Enriched)
	assert.Equal(t, []time.Duration{15 * time.Second, 15 * time.Second}, h.sleeps)
	assert.Equal(t, "0xc3", result.Cursor.Address)
	assert.True(t, result.Cursor.DiscoveredAt.Equal(baseTime.Add(2*time.Second)))

	result, err = h.p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Pending)
	assert.Len(t, h.repo.records, 3)
	assert.Equal(t, uint64(3), h.p.Stats().TotalEnriched)
}

func TestNodeBalances(t *testing.T) {
	source := NewNodeBalances(nodeReaderFunc(func(ctx context.Context, address string) (*big.Int, error) {
		return big.NewInt(42), nil
	}), fetcher.New("rpc:eth"))

	res, err := source.BalanceAt(context.Background(), "0xa1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Value.Int64())
}

type nodeReaderFunc func(ctx context.Context, address string) (*big.Int, error)

func (f nodeReaderFunc) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	return f(ctx, address)
}
