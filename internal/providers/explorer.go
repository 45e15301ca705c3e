package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/smartdevs17/contract-discovery/internal/config"
	"github.com/smartdevs17/contract-discovery/internal/fetcher"
	"github.com/smartdevs17/contract-discovery/internal/metrics"
)

const explorerStatusOK = "1"

// ContractSource is the verified source of a contract
type ContractSource struct {
	SourceCode   string
	ContractName string
}

type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// resultText returns the result when the provider sent a plain string
func (r *explorerResponse) resultText() string {
	var s string
	if err := json.Unmarshal(r.Result, &s); err != nil {
		return ""
	}
	return s
}

// throttled reports an in-body rate limit, which arrives with HTTP 200
func (r *explorerResponse) throttled() bool {
	if r.Status == explorerStatusOK {
		return false
	}
	text := strings.ToLower(r.resultText() + " " + r.Message)
	return strings.Contains(text, "rate limit") || strings.Contains(text, "max calls per sec")
}

// Explorer is an Etherscan-compatible API client for one chain
type Explorer struct {
	http    *HTTPClient
	baseURL string
	apiKey  string
	fetcher *fetcher.Fetcher
}

// NewExplorer creates a client against baseURL
func NewExplorer(baseURL string, cfg config.ProviderConfig, m *metrics.PrometheusMetrics) *Explorer {
	return &Explorer{
		http: NewHTTPClient(HTTPClientConfig{
			Provider: "explorer",
			Timeout:  cfg.Timeout,
		}),
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		fetcher: fetcher.New("explorer",
			fetcher.WithRateLimit(cfg.RateLimit, 1),
			fetcher.WithRetryable(IsRetryable),
			fetcher.WithMetrics(m)),
	}
}

func (e *Explorer) get(ctx context.Context, module, action, address string, extra map[string]string) (*explorerResponse, error) {
	query := map[string]string{
		"module":  module,
		"action":  action,
		"address": address,
	}
	if e.apiKey != "" {
		query["apikey"] = e.apiKey
	}
	for k, v := range extra {
		query[k] = v
	}

	var resp explorerResponse
	if err := e.http.Get(ctx, e.baseURL, query, &resp); err != nil {
		return nil, err
	}
	if resp.throttled() {
		return nil, fmt.Errorf("%w: %s", fetcher.ErrThrottled, resp.resultText())
	}
	return &resp, nil
}

// ABIPublished reports whether the explorer holds a verified ABI for address
func (e *Explorer) ABIPublished(ctx context.Context, address string) (fetcher.Result[bool], error) {
	return fetcher.Call(ctx, e.fetcher, "getabi", func(ctx context.Context) (bool, error) {
		resp, err := e.get(ctx, "contract", "getabi", address, nil)
		if err != nil {
			return false, err
		}
		return resp.Status == explorerStatusOK, nil
	})
}

// SourceCode returns the verified source and name. Unverified contracts
// yield an empty source.
func (e *Explorer) SourceCode(ctx context.Context, address string) (fetcher.Result[ContractSource], error) {
	return fetcher.Call(ctx, e.fetcher, "getsourcecode", func(ctx context.Context) (ContractSource, error) {
		resp, err := e.get(ctx, "contract", "getsourcecode", address, nil)
		if err != nil {
			return ContractSource{}, err
		}
		if resp.Status != explorerStatusOK {
			return ContractSource{}, fmt.Errorf("getsourcecode: %s: %s", resp.Message, resp.resultText())
		}

		var entries []struct {
			SourceCode   string `json:"SourceCode"`
			ContractName string `json:"ContractName"`
		}
		if err := json.Unmarshal(resp.Result, &entries); err != nil {
			return ContractSource{}, fmt.Errorf("decode getsourcecode result: %w", err)
		}
		if len(entries) == 0 {
			return ContractSource{}, errors.New("getsourcecode: empty result")
		}
		return ContractSource{SourceCode: entries[0].SourceCode, ContractName: entries[0].ContractName}, nil
	})
}

// BalanceAt returns the native balance of address in wei
func (e *Explorer) BalanceAt(ctx context.Context, address string) (fetcher.Result[*big.Int], error) {
	return fetcher.Call(ctx, e.fetcher, "balance", func(ctx context.Context) (*big.Int, error) {
		resp, err := e.get(ctx, "account", "balance", address, map[string]string{"tag": "latest"})
		if err != nil {
			return nil, err
		}
		if resp.Status != explorerStatusOK {
			return nil, fmt.Errorf("balance: %s: %s", resp.Message, resp.resultText())
		}

		wei, ok := new(big.Int).SetString(resp.resultText(), 10)
		if !ok {
			return nil, fmt.Errorf("balance: invalid wei amount %q", resp.resultText())
		}
		return wei, nil
	})
}

// Close releases idle connections
func (e *Explorer) Close() error {
	return e.http.Close()
}

// IsRetryable marks timeouts and provider-side failures
func IsRetryable(err error) bool {
	if fetcher.IsTimeout(err) {
		return true
	}
	var statusErr *fetcher.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode >= 500
}
