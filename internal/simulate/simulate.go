// Package simulate 封装外部交易模拟服务。模拟结果默认只作参考，
// 是否因为模拟失败而拒签由护栏策略决定。
package simulate

import (
	"context"
	"math/big"

	xerrors "GuardSign-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// CodeSimulationUnavailable 表示模拟服务不可达，属于软失败。
	CodeSimulationUnavailable xerrors.Code = "SIMULATION_UNAVAILABLE"
	// CodeSimulationReverted 表示模拟执行 revert，仅在策略要求模拟成功时阻断。
	CodeSimulationReverted xerrors.Code = "SIMULATION_REVERTED"
)

func init() {
	xerrors.Register(CodeSimulationUnavailable, xerrors.Attributes{
		Message:   "simulation service unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeSimulationReverted, xerrors.Attributes{
		Message:   "simulation predicts revert",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Status 是模拟结论的枚举。
type Status string

const (
	StatusSuccess  Status = "success"
	StatusReverted Status = "reverted"
	StatusError    Status = "error"
)

// Request 描述一次模拟调用的输入。
type Request struct {
	Chain    string
	From     common.Address
	To       common.Address
	ValueWei *big.Int
	Data     []byte
}

// BalanceChange 描述模拟执行后某地址的余额变动（wei，可为负）。
type BalanceChange struct {
	Address common.Address `json:"address"`
	Delta   string         `json:"delta"`
}

// Result 是模拟服务的结论。
type Result struct {
	Status          Status          `json:"status"`
	GasUsed         uint64          `json:"gas_used"`
	GasCostEstimate string          `json:"gas_cost_estimate,omitempty"`
	BalanceChanges  []BalanceChange `json:"balance_changes,omitempty"`
	RevertReason    string          `json:"revert_reason,omitempty"`
	DashboardURL    string          `json:"dashboard_url,omitempty"`
}

// Simulator 抽象模拟服务，便于编排层注入假实现。
type Simulator interface {
	Simulate(ctx context.Context, req Request) (*Result, error)
}
