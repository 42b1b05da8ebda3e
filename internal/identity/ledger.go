package identity

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// Ledger 是按身份滚动统计已签名交易金额的支出账本。
// 记账发生在签名成功的瞬间（而不是广播或确认时），由编排器在
// 身份互斥锁内调用，保证两次限额评估之间不会读到过期数据。
type Ledger interface {
	// Record 记入一笔已签名的支出。
	Record(ctx context.Context, identityID string, wei *big.Int, at time.Time) error
	// SpentWithin 返回窗口内（含边界）已签名支出的总和。
	SpentWithin(ctx context.Context, identityID string, window time.Duration) (*big.Int, error)
	Close() error
}

type ledgerEntry struct {
	wei *big.Int
	at  time.Time
}

// MemoryLedger 以内存方式实现滚动账本，主要用于测试。
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string][]ledgerEntry
	now     func() time.Time
}

// NewMemoryLedger 创建 MemoryLedger。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		entries: make(map[string][]ledgerEntry),
		now:     time.Now,
	}
}

// Record 实现 Ledger 接口。
func (l *MemoryLedger) Record(_ context.Context, identityID string, wei *big.Int, at time.Time) error {
	if wei == nil || wei.Sign() == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[identityID] = append(l.entries[identityID], ledgerEntry{
		wei: new(big.Int).Set(wei),
		at:  at,
	})
	return nil
}

// SpentWithin 汇总窗口内的支出，并顺手清理窗口外的旧条目。
func (l *MemoryLedger) SpentWithin(_ context.Context, identityID string, window time.Duration) (*big.Int, error) {
	cutoff := l.now().Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[identityID][:0]
	total := new(big.Int)
	for _, entry := range l.entries[identityID] {
		if entry.at.Before(cutoff) {
			continue
		}
		kept = append(kept, entry)
		total.Add(total, entry.wei)
	}
	if len(kept) == 0 {
		delete(l.entries, identityID)
	} else {
		l.entries[identityID] = kept
	}
	return total, nil
}

// Close 对内存账本无需操作。
func (l *MemoryLedger) Close() error {
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
