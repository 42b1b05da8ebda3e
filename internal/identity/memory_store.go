package identity

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "GuardSign-Chain/internal/errors"
	"GuardSign-Chain/internal/guardrail"
)

// MemoryStore 以内存方式保存签名身份，主要用于测试与单机部署。
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]*SigningIdentity
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{identities: make(map[string]*SigningIdentity)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, ident *SigningIdentity) error {
	if ident == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "身份不能为空")
	}
	if strings.TrimSpace(ident.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "身份 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.identities[ident.ID]; ok {
		return ErrConflict
	}
	now := time.Now().Unix()
	if ident.CreatedAt == 0 {
		ident.CreatedAt = now
	}
	ident.UpdatedAt = now
	m.identities[ident.ID] = ident.Clone()
	return nil
}

// Get 返回指定身份。
func (m *MemoryStore) Get(_ context.Context, id string) (*SigningIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ident, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ident.Clone(), nil
}

// ReplacePolicy 原子替换身份的护栏策略。
func (m *MemoryStore) ReplacePolicy(_ context.Context, id string, policy guardrail.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ident, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	ident.Policy = policy
	ident.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回最近更新的身份。
func (m *MemoryStore) List(_ context.Context, limit int) ([]*SigningIdentity, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]*SigningIdentity, 0, len(m.identities))
	for _, ident := range m.identities {
		results = append(results, ident.Clone())
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
