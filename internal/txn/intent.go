package txn

import (
	"math/big"
	"strings"

	"GuardSign-Chain/internal/chain"
	xerrors "GuardSign-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Intent 是调用方提交的交易请求。金额使用原生单位的十进制字符串，
// 例如 "0.0045" 表示 0.0045 ETH。
type Intent struct {
	ID         string `json:"id,omitempty"`
	IdentityID string `json:"identity_id"`
	Chain      string `json:"chain,omitempty"`
	To         string `json:"to"`
	Value      string `json:"value"`
	Data       string `json:"data,omitempty"`
	Memo       string `json:"memo,omitempty"`

	// SimulateFirst 要求在广播前先做一次 dry-run。
	SimulateFirst bool `json:"simulate_first,omitempty"`
	// RequireSimulationSuccess 把模拟结果从建议升级为广播门槛。
	RequireSimulationSuccess bool `json:"require_simulation_success,omitempty"`
}

// normalized 是通过校验后的意图，金额已精确换算为 wei。
type normalized struct {
	ID         string
	IdentityID string
	Chain      string
	To         common.Address
	Value      string
	ValueWei   *big.Int
	Data       []byte
	DataHex    string
	Memo       string

	SimulateFirst            bool
	RequireSimulationSuccess bool
}

// normalize 校验意图并换算金额。chain 为空时回落到服务默认链。
func (i Intent) normalize(defaultChain string) (normalized, error) {
	n := normalized{
		ID:         strings.TrimSpace(i.ID),
		IdentityID: strings.TrimSpace(i.IdentityID),
		Memo:       strings.TrimSpace(i.Memo),

		SimulateFirst:            i.SimulateFirst || i.RequireSimulationSuccess,
		RequireSimulationSuccess: i.RequireSimulationSuccess,
	}

	if n.IdentityID == "" {
		return normalized{}, xerrors.New(CodeIntentValidation, "identity_id is required")
	}

	n.Chain = strings.ToLower(strings.TrimSpace(i.Chain))
	if n.Chain == "" {
		n.Chain = strings.ToLower(strings.TrimSpace(defaultChain))
	}
	if n.Chain == "" {
		return normalized{}, xerrors.New(CodeIntentValidation, "chain is required")
	}

	to := strings.TrimSpace(i.To)
	if !common.IsHexAddress(to) {
		return normalized{}, xerrors.New(CodeIntentValidation, "to is not a valid hex address",
			xerrors.WithMetadata("to", to))
	}
	n.To = common.HexToAddress(to)

	wei, err := chain.ParseAmount(i.Value)
	if err != nil {
		return normalized{}, xerrors.Wrap(CodeIntentValidation, err, "value is not a valid decimal amount",
			xerrors.WithMetadata("value", i.Value))
	}
	n.ValueWei = wei
	n.Value = chain.FormatAmount(wei)

	if data := strings.TrimSpace(i.Data); data != "" {
		decoded, err := hexutil.Decode(data)
		if err != nil {
			return normalized{}, xerrors.Wrap(CodeIntentValidation, err, "data is not valid 0x-prefixed hex")
		}
		n.Data = decoded
		n.DataHex = hexutil.Encode(decoded)
	}

	return n, nil
}
