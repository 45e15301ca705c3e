package providers

import (
	"context"
	"fmt"

	"github.com/smartdevs17/contract-discovery/internal/config"
	"github.com/smartdevs17/contract-discovery/internal/fetcher"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
)

// BalanceItem is one token entry of an address
type BalanceItem struct {
	ContractName         string `json:"contract_name"`
	ContractTickerSymbol string `json:"contract_ticker_symbol"`
	ContractAddress      string `json:"contract_address"`
	ContractDecimals     *int32 `json:"contract_decimals"`
	Balance              string `json:"balance"`
	NativeToken          bool   `json:"native_token"`
}

type balancesResponse struct {
	Data struct {
		Address string        `json:"address"`
		ChainID int64         `json:"chain_id"`
		Items   []BalanceItem `json:"items"`
	} `json:"data"`
	Error        bool   `json:"error"`
	ErrorMessage string `json:"error_message"`
	ErrorCode    int    `json:"error_code"`
}

// Covalent is the token balances client
type Covalent struct {
	http    *HTTPClient
	apiKey  string
	fetcher *fetcher.Fetcher
}

// NewCovalent creates a client
func NewCovalent(cfg config.ProviderConfig, m *metrics.PrometheusMetrics) *Covalent {
	return &Covalent{
		http: NewHTTPClient(HTTPClientConfig{
			Provider: "covalent",
			BaseURL:  cfg.BaseURL,
			Timeout:  cfg.Timeout,
		}),
		apiKey: cfg.APIKey,
		fetcher: fetcher.New("covalent",
			fetcher.WithRateLimit(cfg.RateLimit, 1),
			fetcher.WithRetryable(IsRetryable),
			fetcher.WithMetrics(m)),
	}
}

// TokenBalances returns the balances of address on the named network
func (c *Covalent) TokenBalances(ctx context.Context, network, address string) (fetcher.Result[[]BalanceItem], error) {
	return fetcher.Call(ctx, c.fetcher, "balances_v2", func(ctx context.Context) ([]BalanceItem, error) {
		query := map[string]string{}
		if c.apiKey != "" {
			query["key"] = c.apiKey
		}

		var resp balancesResponse
		path := fmt.Sprintf("/%s/address/%s/balances_v2/", network, address)
		if err := c.http.Get(ctx, path, query, &resp); err != nil {
			return nil, err
		}
		if resp.Error {
			if resp.ErrorCode == 429 {
				return nil, fmt.Errorf("%w: %s", fetcher.ErrThrottled, resp.ErrorMessage)
			}
			return nil, fmt.Errorf("balances_v2: %s", resp.ErrorMessage)
		}
		return resp.Data.Items, nil
	})
}

// Close releases idle connections
func (c *Covalent) Close() error {
	return c.http.Close()
}
