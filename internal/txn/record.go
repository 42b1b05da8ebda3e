// Package txn 实现受护栏保护的交易签名流水线：
// 评估护栏、解析密钥、签名、模拟、广播，并跟踪确认结果。
package txn

import (
	stdErrors "errors"

	xerrors "GuardSign-Chain/internal/errors"
)

// Status 表示交易记录在生命周期中的状态。状态只能向前推进。
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusSigned    Status = "signed"
	StatusSimulated Status = "simulated"
	StatusBroadcast Status = "broadcast"
	StatusConfirmed Status = "confirmed"
	StatusReverted  Status = "reverted"
	StatusFailed    Status = "failed"
	// StatusTimedOut 表示确认窗口耗尽而结果未知。交易可能仍会上链，
	// 它与 failed 严格区分，提示调用方稍后人工核查。
	StatusTimedOut Status = "timed_out"
)

// SimulationSummary 保存一次模拟调用的结论摘要。
type SimulationSummary struct {
	Status          string `json:"status"`
	GasUsed         uint64 `json:"gas_used,omitempty"`
	GasCostEstimate string `json:"gas_cost_estimate,omitempty"`
	RevertReason    string `json:"revert_reason,omitempty"`
	DashboardURL    string `json:"dashboard_url,omitempty"`
}

// Record 描述一笔交易请求从提交到终态的完整轨迹。
// Value 使用原生单位的十进制字符串，Data 使用 0x 前缀十六进制。
type Record struct {
	ID         string `json:"id"`
	IdentityID string `json:"identity_id"`
	Chain      string `json:"chain"`
	To         string `json:"to"`
	Value      string `json:"value"`
	ValueWei   string `json:"value_wei,omitempty"`
	Data       string `json:"data,omitempty"`
	Memo       string `json:"memo,omitempty"`

	Status       Status `json:"status"`
	DeniedRule   string `json:"denied_rule,omitempty"`
	DeniedReason string `json:"denied_reason,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	LastError    string `json:"last_error,omitempty"`

	TxHash      string             `json:"tx_hash,omitempty"`
	Nonce       uint64             `json:"nonce,omitempty"`
	GasLimit    uint64             `json:"gas_limit,omitempty"`
	ExplorerURL string             `json:"explorer_url,omitempty"`
	Simulation  *SimulationSummary `json:"simulation,omitempty"`
	BlockNumber uint64             `json:"block_number,omitempty"`
	GasUsed     uint64             `json:"gas_used,omitempty"`

	CreatedAt   int64 `json:"created_at"`
	UpdatedAt   int64 `json:"updated_at"`
	SignedAt    int64 `json:"signed_at,omitempty"`
	BroadcastAt int64 `json:"broadcast_at,omitempty"`
	CompletedAt int64 `json:"completed_at,omitempty"`
}

var (
	// ErrRecordNotFound 表示指定的交易记录不存在。
	ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "transaction record not found")
	// ErrRecordConflict 表示记录 ID 已被占用。
	ErrRecordConflict = xerrors.New(CodeRecordConflict, "transaction record already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInvalidTransition 表示请求的状态迁移违反了只进不退的约束。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid record status transition", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeRecordNotFound    xerrors.Code = "RECORD_NOT_FOUND"
	CodeRecordConflict    xerrors.Code = "RECORD_CONFLICT"
	CodeInvalidTransition xerrors.Code = "RECORD_INVALID_TRANSITION"
	CodeIntentValidation  xerrors.Code = "INTENT_VALIDATION_FAILED"
	CodeWatchPublish      xerrors.Code = "WATCH_PUBLISH_FAILED"
	CodeOnChainRevert     xerrors.Code = "TRANSACTION_REVERTED"
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:   "transaction record not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeRecordConflict, xerrors.Attributes{
		Message:   "transaction record already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "invalid record status transition",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeIntentValidation, xerrors.Attributes{
		Message:   "transaction intent validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWatchPublish, xerrors.Attributes{
		Message:   "failed to enqueue record for confirmation watch",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeOnChainRevert, xerrors.Attributes{
		Message:   "transaction reverted on chain",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// IsRecordError 判断错误是否为指定的记录级错误。
func IsRecordError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeRecordNotFound:
		return stdErrors.Is(err, ErrRecordNotFound)
	case CodeRecordConflict:
		return stdErrors.Is(err, ErrRecordConflict)
	case CodeInvalidTransition:
		return stdErrors.Is(err, ErrInvalidTransition)
	default:
		return false
	}
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusBlocked, StatusSigned, StatusSimulated,
		StatusBroadcast, StatusConfirmed, StatusReverted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusBlocked, StatusConfirmed, StatusReverted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// statusRank 给非终态定序，用于校验只进不退。
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSigned:    1,
	StatusSimulated: 2,
	StatusBroadcast: 3,
}

// CanTransition 判断从 from 到 to 的迁移是否合法。
// 终态之后不允许任何迁移；非终态之间只允许向前。
func CanTransition(from, to Status) bool {
	if !IsValidStatus(from) || !IsValidStatus(to) || from == to {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to.Terminal() {
		// blocked 只能从 pending 进入：护栏评估发生在签名之前。
		if to == StatusBlocked {
			return from == StatusPending
		}
		// confirmed/reverted/timed_out 需要先经过广播。
		if to == StatusConfirmed || to == StatusReverted || to == StatusTimedOut {
			return from == StatusBroadcast
		}
		return true
	}
	return statusRank[to] > statusRank[from]
}

// Clone 返回记录的深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Simulation != nil {
		sim := *r.Simulation
		clone.Simulation = &sim
	}
	return &clone
}
