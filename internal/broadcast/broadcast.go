// Package broadcast 负责把已签名交易提交上链并等待回执。
// 广播严格保证 at-most-once：一笔记录只会调用一次 SendRawTransaction。
package broadcast

import (
	"context"
	"errors"
	"time"

	"GuardSign-Chain/internal/chain/provider"
	xerrors "GuardSign-Chain/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

const (
	// CodeBroadcastFailed 表示提交上链失败。交易可能已进入节点内存池，
	// 因此默认不可自动重试。
	CodeBroadcastFailed xerrors.Code = "BROADCAST_FAILED"
	// CodeConfirmationTimeout 表示在确认窗口内未等到回执，结果未知。
	CodeConfirmationTimeout xerrors.Code = "CONFIRMATION_TIMEOUT"
)

func init() {
	xerrors.Register(CodeBroadcastFailed, xerrors.Attributes{
		Message:   "transaction broadcast failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeConfirmationTimeout, xerrors.Attributes{
		Message:   "confirmation window elapsed, outcome unknown",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// State 表示确认轮询得出的链上状态。
type State string

const (
	StateConfirmed State = "confirmed"
	StateReverted  State = "reverted"
	StatePending   State = "pending"
)

// Confirmation 是确认轮询的结论。
type Confirmation struct {
	State       State
	BlockNumber uint64
	GasUsed     uint64
}

// Broadcaster 把签名产物交给链客户端，并提供确认轮询能力。
type Broadcaster struct {
	chains *provider.Registry
}

// NewBroadcaster 构造 Broadcaster。
func NewBroadcaster(chains *provider.Registry) *Broadcaster {
	return &Broadcaster{chains: chains}
}

// Broadcast 提交原始交易。失败时不会重发：调用方应把记录标记为
// failed 并人工核查交易是否已经落链。
func (b *Broadcaster) Broadcast(ctx context.Context, chainName string, raw []byte) (common.Hash, error) {
	if b == nil || b.chains == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeInitializationFailure, "广播器未初始化")
	}
	client, ok := b.chains.Client(chainName)
	if !ok {
		return common.Hash{}, xerrors.New(CodeBroadcastFailed, "目标链未配置",
			xerrors.WithMetadata("chain", chainName))
	}

	hash, err := client.SendRawTransaction(ctx, raw)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(CodeBroadcastFailed, err, "",
			xerrors.WithMetadata("chain", chainName))
	}
	return hash, nil
}

// AwaitConfirmation 轮询回执直到拿到结论或窗口耗尽。
// 窗口耗尽返回 CONFIRMATION_TIMEOUT：交易可能仍会被打包，
// 调用方应把状态标记为 timed_out 而不是 failed。
func (b *Broadcaster) AwaitConfirmation(ctx context.Context, chainName string, hash common.Hash, timeout, pollInterval time.Duration) (*Confirmation, error) {
	if b == nil || b.chains == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "广播器未初始化")
	}
	client, ok := b.chains.Client(chainName)
	if !ok {
		return nil, xerrors.New(CodeBroadcastFailed, "目标链未配置",
			xerrors.WithMetadata("chain", chainName))
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	pollCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := client.TransactionReceipt(pollCtx, hash)
		switch {
		case err == nil && receipt != nil:
			conf := &Confirmation{GasUsed: receipt.GasUsed}
			if receipt.BlockNumber != nil {
				conf.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if receipt.Status == 1 {
				conf.State = StateConfirmed
			} else {
				conf.State = StateReverted
			}
			return conf, nil
		case err != nil && !errors.Is(err, gethcore.NotFound):
			// RPC 抖动不终止轮询，留到超时时一并上报。
			lastErr = err
		}

		select {
		case <-pollCtx.Done():
			return nil, xerrors.Wrap(CodeConfirmationTimeout, lastErr, "",
				xerrors.WithMetadata("chain", chainName),
				xerrors.WithMetadata("tx_hash", hash.Hex()))
		case <-ticker.C:
		}
	}
}
