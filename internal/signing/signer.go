package signing

import (
	"context"
	"math/big"
	"time"

	"GuardSign-Chain/internal/chain/provider"
	xerrors "GuardSign-Chain/internal/errors"
	"GuardSign-Chain/internal/vault"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// CodeSigningFailed 表示签名阶段失败，属于基础设施错误而非策略问题。
const CodeSigningFailed xerrors.Code = "SIGNING_FAILED"

func init() {
	xerrors.Register(CodeSigningFailed, xerrors.Attributes{
		Message:   "transaction signing failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Request 描述一笔待签名的 EVM 交易。金额已经换算为 wei。
type Request struct {
	Chain    string
	To       common.Address
	ValueWei *big.Int
	Data     []byte
}

// Signed 是签名产物，Raw 可直接广播。
type Signed struct {
	Hash      common.Hash
	Raw       []byte
	RawHex    string
	From      common.Address
	Nonce     uint64
	GasLimit  uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
	SignedAt  time.Time
}

// Signer 使用保管服务解析出的密钥句柄构造并签名 EIP-1559 交易。
// 密钥材料只在 Sign 调用期间存在，调用结束后句柄被丢弃。
type Signer struct {
	chains *provider.Registry
	now    func() time.Time
}

// NewSigner 构造 Signer。
func NewSigner(chains *provider.Registry) *Signer {
	return &Signer{chains: chains, now: time.Now}
}

// Sign 查询 nonce 与费用建议、估算 gas 并签名。无论成功与否，
// handle 在返回前都会被 Discard，调用方不应再次使用它。
func (s *Signer) Sign(ctx context.Context, handle *vault.KeyHandle, req Request) (*Signed, error) {
	defer handle.Discard()

	if s == nil || s.chains == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "签名器未初始化")
	}
	if handle == nil || handle.Key() == nil {
		return nil, xerrors.New(CodeSigningFailed, "密钥句柄为空或已被丢弃")
	}

	client, ok := s.chains.Client(req.Chain)
	if !ok {
		return nil, xerrors.New(CodeSigningFailed, "目标链未配置",
			xerrors.WithMetadata("chain", req.Chain))
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningFailed, err, "查询链 ID 失败",
			xerrors.WithMetadata("chain", req.Chain))
	}

	from := handle.Address()
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningFailed, err, "查询 nonce 失败",
			xerrors.WithMetadata("chain", req.Chain),
			xerrors.WithMetadata("from", from.Hex()))
	}

	fees, err := client.SuggestFees(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningFailed, err, "获取费用建议失败",
			xerrors.WithMetadata("chain", req.Chain))
	}

	value := req.ValueWei
	if value == nil {
		value = new(big.Int)
	}

	// 普通转账固定 21000，携带 calldata 时交给节点估算。
	gasLimit := uint64(params.TxGas)
	if len(req.Data) > 0 {
		to := req.To
		gasLimit, err = client.EstimateGas(ctx, gethcore.CallMsg{
			From:      from,
			To:        &to,
			Value:     value,
			Data:      req.Data,
			GasTipCap: fees.GasTipCap,
			GasFeeCap: fees.GasFeeCap,
		})
		if err != nil {
			return nil, xerrors.Wrap(CodeSigningFailed, err, "估算 gas 失败",
				xerrors.WithMetadata("chain", req.Chain))
		}
	}

	to := req.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: fees.GasTipCap,
		GasFeeCap: fees.GasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     new(big.Int).Set(value),
		Data:      req.Data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), handle.Key())
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningFailed, err, "",
			xerrors.WithMetadata("chain", req.Chain))
	}

	raw, err := signedTx.MarshalBinary()
	if err != nil {
		return nil, xerrors.Wrap(CodeSigningFailed, err, "序列化签名交易失败")
	}

	return &Signed{
		Hash:      signedTx.Hash(),
		Raw:       raw,
		RawHex:    hexutil.Encode(raw),
		From:      from,
		Nonce:     nonce,
		GasLimit:  gasLimit,
		GasTipCap: fees.GasTipCap,
		GasFeeCap: fees.GasFeeCap,
		SignedAt:  s.now().UTC(),
	}, nil
}
