package providers

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/smartdevs17/contract-discovery/internal/config"
	"github.com/smartdevs17/contract-discovery/internal/fetcher"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// MaxPriceBatch is the most token addresses the price API accepts per request
const MaxPriceBatch = 7

// Prices is the token price client. Results are cached per platform and
// token address.
type Prices struct {
	http       *HTTPClient
	fetcher    *fetcher.Fetcher
	cache      *cache.Cache
	batchSize  int
	batchPause time.Duration
	logger     *logrus.Entry
}

// NewPrices creates a client
func NewPrices(cfg config.PriceConfig, m *metrics.PrometheusMetrics) *Prices {
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["x-cg-demo-api-key"] = cfg.APIKey
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > MaxPriceBatch {
		batchSize = MaxPriceBatch
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	return &Prices{
		http: NewHTTPClient(HTTPClientConfig{
			Provider: "coingecko",
			BaseURL:  cfg.BaseURL,
			Timeout:  cfg.Timeout,
			Headers:  headers,
		}),
		fetcher: fetcher.New("coingecko",
			fetcher.WithRateLimit(cfg.RateLimit, 1),
			fetcher.WithRetryable(IsRetryable),
			fetcher.WithMetrics(m)),
		cache:      cache.New(ttl, time.Minute),
		batchSize:  batchSize,
		batchPause: cfg.BatchPause,
		logger:     utils.ComponentLogger("prices"),
	}
}

// USDPrices returns the USD unit price of each token, keyed by lower-case
// address. Tokens of a failed or throttled batch are left out, which callers
// read as a zero price. Batches are separated by the configured pause; only
// a cancelled context is returned as an error.
func (p *Prices) USDPrices(ctx context.Context, platform string, addresses []string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(addresses))

	var missing []string
	seen := make(map[string]bool)
	for _, address := range addresses {
		key := strings.ToLower(address)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true

		if cached, ok := p.cache.Get(cacheKey(platform, key)); ok {
			prices[key] = cached.(decimal.Decimal)
			continue
		}
		missing = append(missing, key)
	}

	for start := 0; start < len(missing); start += p.batchSize {
		if start > 0 {
			if err := utils.Sleep(ctx, p.batchPause); err != nil {
				return prices, err
			}
		}

		end := start + p.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := missing[start:end]

		result, err := p.fetchBatch(ctx, platform, batch)
		if ctx.Err() != nil {
			return prices, ctx.Err()
		}
		log := p.logger.WithFields(logrus.Fields{"platform": platform, "tokens": len(batch)})
		switch {
		case err != nil:
			log.WithError(err).Warn("Price batch failed, pricing its tokens at zero")
			continue
		case result.Throttled:
			log.Warn("Price batch throttled, pricing its tokens at zero")
			continue
		}

		for _, key := range batch {
			price := result.Value[key]
			prices[key] = price
			p.cache.Set(cacheKey(platform, key), price, cache.DefaultExpiration)
		}
	}

	return prices, nil
}

func (p *Prices) fetchBatch(ctx context.Context, platform string, batch []string) (fetcher.Result[map[string]decimal.Decimal], error) {
	return fetcher.Call(ctx, p.fetcher, "token_price", func(ctx context.Context) (map[string]decimal.Decimal, error) {
		var resp map[string]map[string]decimal.Decimal
		query := map[string]string{
			"contract_addresses": strings.Join(batch, ","),
			"vs_currencies":      "usd",
		}
		if err := p.http.Get(ctx, "/simple/token_price/"+platform, query, &resp); err != nil {
			return nil, err
		}

		out := make(map[string]decimal.Decimal, len(resp))
		for address, quote := range resp {
			out[strings.ToLower(address)] = quote["usd"]
		}
		return out, nil
	})
}

// Close releases idle connections
func (p *Prices) Close() error {
	return p.http.Close()
}

func cacheKey(platform, address string) string {
	return platform + ":" + address
}
