package identity

import (
	"context"
	"strings"

	xerrors "GuardSign-Chain/internal/errors"
	"GuardSign-Chain/internal/guardrail"
)

// SigningIdentity 表示一个智能体持有的链上签名身份。
// 护栏策略只能由人工所有者替换，智能体自身永远不能修改。
type SigningIdentity struct {
	ID        string            `json:"id"`
	Label     string            `json:"label,omitempty"`
	KeyPaths  map[string]string `json:"key_paths"`
	Policy    guardrail.Policy  `json:"-"`
	CreatedAt int64             `json:"created_at"`
	UpdatedAt int64             `json:"updated_at"`
}

// KeyPath 返回身份在指定链上的保管路径。
func (s *SigningIdentity) KeyPath(chain string) (string, bool) {
	if s == nil || len(s.KeyPaths) == 0 {
		return "", false
	}
	path, ok := s.KeyPaths[strings.ToLower(strings.TrimSpace(chain))]
	return path, ok
}

// Clone 返回身份的深拷贝，避免调用方修改存储内部状态。
func (s *SigningIdentity) Clone() *SigningIdentity {
	if s == nil {
		return nil
	}
	clone := *s
	if s.KeyPaths != nil {
		clone.KeyPaths = make(map[string]string, len(s.KeyPaths))
		for k, v := range s.KeyPaths {
			clone.KeyPaths[k] = v
		}
	}
	return &clone
}

var (
	// ErrNotFound 表示指定的签名身份不存在。
	ErrNotFound = xerrors.New(CodeNotFound, "signing identity not found")
	// ErrConflict 表示身份 ID 已被占用。
	ErrConflict = xerrors.New(CodeConflict, "signing identity already exists", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeNotFound xerrors.Code = "IDENTITY_NOT_FOUND"
	CodeConflict xerrors.Code = "IDENTITY_CONFLICT"
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:   "signing identity not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeConflict, xerrors.Attributes{
		Message:   "signing identity already exists",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Store 抽象了签名身份目录的持久化接口。
// ReplacePolicy 必须是原子的：读取方不会看到半新半旧的策略。
type Store interface {
	Create(ctx context.Context, ident *SigningIdentity) error
	Get(ctx context.Context, id string) (*SigningIdentity, error)
	ReplacePolicy(ctx context.Context, id string, policy guardrail.Policy) error
	List(ctx context.Context, limit int) ([]*SigningIdentity, error)
	Close() error
}
