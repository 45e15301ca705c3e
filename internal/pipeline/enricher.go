package pipeline

import (
	"context"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/contract-discovery/internal/fetcher"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/internal/models"
	"github.com/smartdevs17/contract-discovery/internal/providers"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// Enrichment fields, used in outcomes, logs and metrics
const (
	FieldVerified      = "verified"
	FieldSourceCode    = "source_code"
	FieldNativeBalance = "native_balance"
	FieldHoldings      = "holdings"
	FieldUSDBalance    = "usd_balance"
)

// MetadataSource is the contract explorer
type MetadataSource interface {
	ABIPublished(ctx context.Context, address string) (fetcher.Result[bool], error)
	SourceCode(ctx context.Context, address string) (fetcher.Result[providers.ContractSource], error)
}

// BalanceSource returns native balances in the chain's smallest unit
type BalanceSource interface {
	BalanceAt(ctx context.Context, address string) (fetcher.Result[*big.Int], error)
}

// HoldingsSource returns the token balances of an address
type HoldingsSource interface {
	TokenBalances(ctx context.Context, network, address string) (fetcher.Result[[]providers.BalanceItem], error)
}

// PriceSource returns USD unit prices keyed by lower-case token address
type PriceSource interface {
	USDPrices(ctx context.Context, platform string, addresses []string) (map[string]decimal.Decimal, error)
}

// Outcome lists the fields that fell back to their defaults
type Outcome struct {
	Throttled []string
	Failed    []string
}

// Degraded reports whether any field fell back to its default
func (o *Outcome) Degraded() bool {
	return len(o.Throttled) > 0 || len(o.Failed) > 0
}

// Err reports the defaulted fields as a KindPartialFailure error, or nil
func (o *Outcome) Err() error {
	if !o.Degraded() {
		return nil
	}
	fields := append(append([]string{}, o.Failed...), o.Throttled...)
	return utils.NewAppError(utils.ErrCodeProvider, "Enrichment fell back to defaults", strings.Join(fields, ",")).
		WithKind(utils.KindPartialFailure)
}

// Enricher gathers the data of one contract. Each sub-fetch is independent:
// a failure leaves its field at the default and the others unaffected.
type Enricher struct {
	chain    models.ChainInfo
	metadata MetadataSource
	balances BalanceSource
	holdings HoldingsSource
	prices   PriceSource
	metrics  *metrics.PrometheusMetrics
	logger   *logrus.Entry
}

// NewEnricher creates an enricher for one chain
func NewEnricher(chain models.ChainInfo, metadata MetadataSource, balances BalanceSource, holdings HoldingsSource, prices PriceSource, m *metrics.PrometheusMetrics) *Enricher {
	return &Enricher{
		chain:    chain,
		metadata: metadata,
		balances: balances,
		holdings: holdings,
		prices:   prices,
		metrics:  m,
		logger:   utils.ComponentLogger("enricher").WithField("chain", chain.Chain.String()),
	}
}

// Enrich builds the record of contract. The error is non-nil only when ctx
// is done.
func (e *Enricher) Enrich(ctx context.Context, contract *models.ContractAddress) (*models.EnrichmentRecord, *Outcome, error) {
	record := models.NewEnrichmentRecord(contract)
	outcome := &Outcome{}
	log := e.logger.WithField("address", contract.Address)

	note := func(field string, throttled bool, err error) {
		switch {
		case throttled:
			outcome.Throttled = append(outcome.Throttled, field)
			log.WithField("field", field).Debug("Sub-fetch throttled, using default")
		case err != nil:
			outcome.Failed = append(outcome.Failed, field)
			e.metrics.RecordSubFetchFailure(e.chain.Chain.String(), field)
			log.WithField("field", field).WithError(err).Warn("Sub-fetch failed, using default")
		}
	}

	abi, err := e.metadata.ABIPublished(ctx, contract.Address)
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	note(FieldVerified, abi.Throttled, err)

	source, err := e.metadata.SourceCode(ctx, contract.Address)
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	note(FieldSourceCode, source.Throttled, err)
	if err == nil && !source.Throttled {
		record.SourceCode = cleanText(source.Value.SourceCode)
		if name := strings.TrimSpace(cleanText(source.Value.ContractName)); name != "" {
			record.ContractName = name
		}
	}
	record.Verified = abi.Value && record.SourceCode != ""

	native, err := e.balances.BalanceAt(ctx, contract.Address)
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	note(FieldNativeBalance, native.Throttled, err)
	if err == nil && native.Value != nil {
		record.NativeBalance = decimal.NewFromBigInt(native.Value, -e.chain.NativeDecimals)
	}

	items, err := e.holdings.TokenBalances(ctx, e.chain.CovalentName, contract.Address)
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	note(FieldHoldings, items.Throttled, err)

	holdings := e.normalizeHoldings(items.Value, log)
	if len(holdings) > models.MaxTokenEntries {
		holdings = holdings[:models.MaxTokenEntries]
	}
	record.SetHoldings(holdings)

	usd, err := e.valuate(ctx, holdings)
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	note(FieldUSDBalance, false, err)
	record.USDBalance = usd

	return record, outcome, nil
}

// cleanText strips what a TEXT column rejects
func cleanText(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "")
}

// normalizeHoldings drops native entries and converts raw balances to
// whole-token amounts rounded to two decimals
func (e *Enricher) normalizeHoldings(items []providers.BalanceItem, log *logrus.Entry) []models.TokenHolding {
	holdings := make([]models.TokenHolding, 0, len(items))
	for _, item := range items {
		if item.NativeToken || strings.EqualFold(item.ContractTickerSymbol, e.chain.NativeSymbol) {
			continue
		}

		symbol := item.ContractTickerSymbol
		if symbol == "" {
			symbol = models.UnknownTokenSymbol
		}
		decimals := int32(models.DefaultTokenDecimals)
		if item.ContractDecimals != nil {
			decimals = *item.ContractDecimals
		}

		raw, err := decimal.NewFromString(item.Balance)
		if err != nil {
			log.WithField("token", item.ContractAddress).WithError(err).Debug("Unparseable token balance, using zero")
			raw = decimal.Zero
		}

		holdings = append(holdings, models.TokenHolding{
			Symbol:          symbol,
			ContractAddress: strings.ToLower(item.ContractAddress),
			RawBalance:      item.Balance,
			Decimals:        decimals,
			Balance:         raw.Shift(-decimals).Round(2),
		})
	}
	return holdings
}

// valuate sums balance times unit price over holdings. Unpriced tokens
// count as zero.
func (e *Enricher) valuate(ctx context.Context, holdings []models.TokenHolding) (decimal.Decimal, error) {
	if len(holdings) == 0 {
		return decimal.Zero, nil
	}

	addresses := make([]string, 0, len(holdings))
	for _, h := range holdings {
		if h.ContractAddress != "" {
			addresses = append(addresses, h.ContractAddress)
		}
	}

	prices, err := e.prices.USDPrices(ctx, e.chain.CoinGeckoPlatform, addresses)
	return Valuate(holdings, prices), err
}

// Valuate returns the USD value of holdings rounded to cents
func Valuate(holdings []models.TokenHolding, prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, h := range holdings {
		price, ok := prices[strings.ToLower(h.ContractAddress)]
		if !ok {
			continue
		}
		total = total.Add(h.Balance.Mul(price))
	}
	return total.Round(2)
}
