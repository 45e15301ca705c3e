package connection

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/smartdevs17/contract-discovery/pkg/utils"
)

// Transaction is the part of a block transaction the scanner needs.
// To is nil for contract creations.
type Transaction struct {
	Hash common.Hash     `json:"hash"`
	To   *common.Address `json:"to"`
}

// Block is a block with its transactions
type Block struct {
	Number       uint64
	Hash         common.Hash
	Transactions []Transaction
}

type rpcBlock struct {
	Number       *hexutil.Big  `json:"number"`
	Hash         common.Hash   `json:"hash"`
	Transactions []Transaction `json:"transactions"`
}

// LatestBlockNumber returns the chain head
func (cm *Manager) LatestBlockNumber(ctx context.Context) (uint64, error) {
	client, err := cm.GetClient(ctx)
	if err != nil {
		return 0, err
	}

	number, err := client.BlockNumber(ctx)
	cm.observe("eth_blockNumber", err)
	if err != nil {
		return 0, err
	}

	cm.mu.Lock()
	cm.stats.LatestBlock = number
	cm.mu.Unlock()
	cm.metrics.UpdateChainHead(cm.chain.String(), number)
	return number, nil
}

// BlockByNumber fetches a block with full transactions. Transactions are
// decoded loosely so chain-specific types (e.g. L2 deposits) do not fail
// the fetch.
func (cm *Manager) BlockByNumber(ctx context.Context, number uint64) (*Block, error) {
	client, err := cm.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	var raw *rpcBlock
	err = client.Client().CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), true)
	cm.observe("eth_getBlockByNumber", err)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, utils.NewAppError(utils.ErrCodeBlockchain, "Block not found", utils.FormatBlockNumber(number))
	}

	block := &Block{Number: number, Hash: raw.Hash, Transactions: raw.Transactions}
	if raw.Number != nil {
		block.Number = raw.Number.ToInt().Uint64()
	}
	return block, nil
}

// CodeAt returns the deployed code of address at the chain head
func (cm *Manager) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	client, err := cm.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	code, err := client.CodeAt(ctx, address, nil)
	cm.observe("eth_getCode", err)
	return code, err
}

// BalanceAt returns the native balance of address in wei
func (cm *Manager) BalanceAt(ctx context.Context, address string) (*big.Int, error) {
	client, err := cm.GetClient(ctx)
	if err != nil {
		return nil, err
	}

	balance, err := client.BalanceAt(ctx, common.HexToAddress(address), nil)
	cm.observe("eth_getBalance", err)
	return balance, err
}
