package txn

import "sync"

// identityLocks 按身份串行化「读支出、评估护栏、签名、记账」这段临界区。
// 同一身份的并发请求必须排队，两个都放行会导致限额被双花。
type identityLocks struct {
	mu    sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	mu   sync.Mutex
	refs int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{locks: make(map[string]*identityLock)}
}

// Acquire 阻塞获取身份锁，返回释放函数。
func (l *identityLocks) Acquire(identityID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[identityID]
	if !ok {
		entry = &identityLock{}
		l.locks[identityID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, identityID)
		}
		l.mu.Unlock()
	}
}
