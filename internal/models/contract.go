package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultContractName is stored when no display name could be resolved
	DefaultContractName = "Unknown Contract"
	// UnknownTokenSymbol replaces a missing ticker symbol
	UnknownTokenSymbol = "ERR"
	// MaxTokenEntries caps the stored token list and balances
	MaxTokenEntries = 100
	// DefaultTokenDecimals applies when a provider omits the decimal exponent
	DefaultTokenDecimals = 18
)

// ContractAddress is a discovered address holding contract code
type ContractAddress struct {
	Address      string    `json:"address" db:"address"`
	Chain        Chain     `json:"chain" db:"chain"`
	DiscoveredAt time.Time `json:"discovered_at" db:"discovered_at"`
}

// Cursor returns the pipeline position of this address
func (c *ContractAddress) Cursor() Cursor {
	return Cursor{DiscoveredAt: c.DiscoveredAt, Address: c.Address}
}

// TokenHolding is one entry of a contract's token balances
type TokenHolding struct {
	Symbol          string          `json:"symbol"`
	ContractAddress string          `json:"contract_address"`
	RawBalance      string          `json:"raw_balance"`
	Decimals        int32           `json:"decimals"`
	Balance         decimal.Decimal `json:"balance"`
}

// EnrichmentRecord holds the data gathered for one contract
type EnrichmentRecord struct {
	ID              int64             `json:"id" db:"id"`
	ContractAddress string            `json:"contract_address" db:"contract_address"`
	Chain           Chain             `json:"chain" db:"chain"`
	Verified        bool              `json:"verified" db:"verified"`
	SourceCode      string            `json:"source_code" db:"source_code"`
	ContractName    string            `json:"contract_name" db:"contract_name"`
	NativeBalance   decimal.Decimal   `json:"native_balance" db:"native_balance"`
	USDBalance      decimal.Decimal   `json:"usd_balance" db:"usd_balance"`
	TokenList       []string          `json:"token_list" db:"token_list"`
	TokenBalances   []decimal.Decimal `json:"token_balances" db:"token_balances"`
	Notes           *string           `json:"notes,omitempty" db:"notes"`
	CreatedAt       time.Time         `json:"created_at" db:"created_at"`
}

// NewEnrichmentRecord returns a record with every field at its default
func NewEnrichmentRecord(contract *ContractAddress) *EnrichmentRecord {
	return &EnrichmentRecord{
		ContractAddress: contract.Address,
		Chain:           contract.Chain,
		ContractName:    DefaultContractName,
		NativeBalance:   decimal.Zero,
		USDBalance:      decimal.Zero,
		TokenList:       []string{},
		TokenBalances:   []decimal.Decimal{},
	}
}

// SetHoldings stores symbols and display balances of the first MaxTokenEntries holdings
func (r *EnrichmentRecord) SetHoldings(holdings []TokenHolding) {
	if len(holdings) > MaxTokenEntries {
		holdings = holdings[:MaxTokenEntries]
	}
	r.TokenList = make([]string, len(holdings))
	r.TokenBalances = make([]decimal.Decimal, len(holdings))
	for i, h := range holdings {
		r.TokenList[i] = h.Symbol
		r.TokenBalances[i] = h.Balance.Round(0)
	}
}
