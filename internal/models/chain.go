package models

import (
	"fmt"
	"strings"
)

// Chain identifies a monitored network
type Chain string

const (
	ChainEthereum Chain = "ETH"
	ChainOptimism Chain = "OPT"
	ChainBSC      Chain = "BSC"
	ChainPolygon  Chain = "POLYGON"
	ChainArbitrum Chain = "ARB"
	ChainBase     Chain = "BASE"
)

// ChainInfo holds the provider identifiers for a chain
type ChainInfo struct {
	Chain             Chain  `json:"chain"`
	NetworkID         int64  `json:"network_id"`
	NativeSymbol      string `json:"native_symbol"`
	NativeDecimals    int32  `json:"native_decimals"`
	CovalentName      string `json:"covalent_name"`
	CoinGeckoPlatform string `json:"coingecko_platform"`
	ExplorerAPIURL    string `json:"explorer_api_url"`
}

var knownChains = map[Chain]ChainInfo{
	ChainEthereum: {
		Chain: ChainEthereum, NetworkID: 1, NativeSymbol: "ETH", NativeDecimals: 18,
		CovalentName: "eth-mainnet", CoinGeckoPlatform: "ethereum",
		ExplorerAPIURL: "https://api.etherscan.io/api",
	},
	ChainOptimism: {
		Chain: ChainOptimism, NetworkID: 10, NativeSymbol: "ETH", NativeDecimals: 18,
		CovalentName: "optimism-mainnet", CoinGeckoPlatform: "optimistic-ethereum",
		ExplorerAPIURL: "https://api-optimistic.etherscan.io/api",
	},
	ChainBSC: {
		Chain: ChainBSC, NetworkID: 56, NativeSymbol: "BNB", NativeDecimals: 18,
		CovalentName: "bsc-mainnet", CoinGeckoPlatform: "binance-smart-chain",
		ExplorerAPIURL: "https://api.bscscan.com/api",
	},
	ChainPolygon: {
		Chain: ChainPolygon, NetworkID: 137, NativeSymbol: "MATIC", NativeDecimals: 18,
		CovalentName: "matic-mainnet", CoinGeckoPlatform: "polygon-pos",
		ExplorerAPIURL: "https://api.polygonscan.com/api",
	},
	ChainArbitrum: {
		Chain: ChainArbitrum, NetworkID: 42161, NativeSymbol: "ETH", NativeDecimals: 18,
		CovalentName: "arbitrum-mainnet", CoinGeckoPlatform: "arbitrum-one",
		ExplorerAPIURL: "https://api.arbiscan.io/api",
	},
	ChainBase: {
		Chain: ChainBase, NetworkID: 8453, NativeSymbol: "ETH", NativeDecimals: 18,
		CovalentName: "base-mainnet", CoinGeckoPlatform: "base",
		ExplorerAPIURL: "https://api.basescan.org/api",
	},
}

// ParseChain parses a chain name case-insensitively
func ParseChain(s string) (Chain, error) {
	c := Chain(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := knownChains[c]; !ok {
		return "", fmt.Errorf("unknown chain %q", s)
	}
	return c, nil
}

// Info returns the built-in provider identifiers for the chain
func (c Chain) Info() (ChainInfo, bool) {
	info, ok := knownChains[c]
	return info, ok
}

func (c Chain) String() string {
	return string(c)
}

// Key returns the lower-case form used in checkpoint keys and file names
func (c Chain) Key() string {
	return strings.ToLower(string(c))
}
