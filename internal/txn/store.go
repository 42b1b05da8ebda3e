package txn

import "context"

// SignedInfo 是签名成功后需要落库的信息。
type SignedInfo struct {
	TxHash   string
	Nonce    uint64
	GasLimit uint64
	SignedAt int64
}

// Store 抽象了交易记录的持久化接口。
// 所有 Mark* 方法必须强制只进不退的状态迁移约束。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	MarkBlocked(ctx context.Context, id string, rule, reason string) error
	MarkSigned(ctx context.Context, id string, info SignedInfo) error
	MarkSimulated(ctx context.Context, id string, sim SimulationSummary) error
	MarkBroadcast(ctx context.Context, id string, txHash, explorerURL string, at int64) error
	// MarkOutcome 记录广播后的终态：confirmed、reverted 或 timed_out。
	MarkOutcome(ctx context.Context, id string, status Status, blockNumber, gasUsed uint64) error
	MarkFailed(ctx context.Context, id string, code, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Record, error)
	Stats(ctx context.Context, opts ListOptions) (RecordStats, error)
	Close() error
}
