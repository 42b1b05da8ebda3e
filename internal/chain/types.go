package chain

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FeeSuggestion 汇总构造 EIP-1559 交易所需的费用参数。
type FeeSuggestion struct {
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// Client defines the per-chain capabilities the signing and broadcast layers
// rely on. Implementations must be safe for concurrent use.
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (FeeSuggestion, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address) (*big.Int, error)
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Close()
}
