package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "GuardSign-Chain/internal/errors"
)

// MemoryStore 以内存方式保存交易记录，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "记录 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.ID]; ok {
		return ErrRecordConflict
	}
	now := m.now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.Status == "" {
		record.Status = StatusPending
	}
	m.records[record.ID] = record.Clone()
	return nil
}

// Get 返回记录。
func (m *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return record.Clone(), nil
}

func (m *MemoryStore) transition(id string, to Status, mutate func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	if !CanTransition(record.Status, to) {
		return ErrInvalidTransition
	}
	record.Status = to
	record.UpdatedAt = m.now().Unix()
	if to.Terminal() {
		record.CompletedAt = record.UpdatedAt
	}
	if mutate != nil {
		mutate(record)
	}
	return nil
}

// MarkBlocked 记录护栏拒绝的规则与原因。
func (m *MemoryStore) MarkBlocked(_ context.Context, id string, rule, reason string) error {
	return m.transition(id, StatusBlocked, func(r *Record) {
		r.DeniedRule = rule
		r.DeniedReason = reason
	})
}

// MarkSigned 记录签名产物。
func (m *MemoryStore) MarkSigned(_ context.Context, id string, info SignedInfo) error {
	return m.transition(id, StatusSigned, func(r *Record) {
		r.TxHash = info.TxHash
		r.Nonce = info.Nonce
		r.GasLimit = info.GasLimit
		r.SignedAt = info.SignedAt
	})
}

// MarkSimulated 记录模拟结论。
func (m *MemoryStore) MarkSimulated(_ context.Context, id string, sim SimulationSummary) error {
	return m.transition(id, StatusSimulated, func(r *Record) {
		simCopy := sim
		r.Simulation = &simCopy
	})
}

// MarkBroadcast 记录广播成功。
func (m *MemoryStore) MarkBroadcast(_ context.Context, id string, txHash, explorerURL string, at int64) error {
	return m.transition(id, StatusBroadcast, func(r *Record) {
		if txHash != "" {
			r.TxHash = txHash
		}
		r.ExplorerURL = explorerURL
		r.BroadcastAt = at
	})
}

// MarkOutcome 记录广播后的终态。
func (m *MemoryStore) MarkOutcome(_ context.Context, id string, status Status, blockNumber, gasUsed uint64) error {
	if status != StatusConfirmed && status != StatusReverted && status != StatusTimedOut {
		return xerrors.New(xerrors.CodeInvalidArgument, "终态只能是 confirmed、reverted 或 timed_out")
	}
	return m.transition(id, status, func(r *Record) {
		r.BlockNumber = blockNumber
		r.GasUsed = gasUsed
	})
}

// MarkFailed 标记记录失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code, lastError string) error {
	return m.transition(id, StatusFailed, func(r *Record) {
		r.ErrorCode = code
		r.LastError = lastError
	})
}

// List 返回符合过滤条件的记录。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Record, 0, len(m.records))
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		results = append(results, record.Clone())
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				if results[i].CreatedAt == results[j].CreatedAt {
					return results[i].ID < results[j].ID
				}
				return results[i].CreatedAt < results[j].CreatedAt
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt > results[j].CreatedAt
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Record{}, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的记录数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (RecordStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := RecordStats{}
	for _, record := range m.records {
		if !matchesListFilters(record, opts) {
			continue
		}
		stats.count(record.Status)
		if record.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = record.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (record.UpdatedAt != 0 && record.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = record.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(record *Record, opts ListOptions) bool {
	if opts.IdentityID != "" && record.IdentityID != opts.IdentityID {
		return false
	}
	if opts.Chain != "" && record.Chain != opts.Chain {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if record.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.UpdatedGTE > 0 && record.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && record.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
