package vault

import (
	"context"
	"crypto/ecdsa"
	stdErrors "errors"
	"strings"

	xerrors "GuardSign-Chain/internal/errors"
	"GuardSign-Chain/internal/identity"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// CodeKeyNotFound 表示身份在该链上没有已配置的密钥，属于运维配置问题。
	CodeKeyNotFound xerrors.Code = "KEY_NOT_FOUND"
	// CodeVaultFailure 表示保管服务本身不可用或返回异常。
	CodeVaultFailure xerrors.Code = "VAULT_FAILURE"
)

func init() {
	xerrors.Register(CodeKeyNotFound, xerrors.Attributes{
		Message:   "no signing key provisioned for identity and chain",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeVaultFailure, xerrors.Attributes{
		Message:   "vault lookup failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// KeyHandle 是指向私钥材料的不透明句柄，只能在同进程内交给签名器使用。
// 句柄绝不允许被序列化进日志、接口响应或任何持久化记录。
type KeyHandle struct {
	path string
	priv *ecdsa.PrivateKey
}

// Path 返回密钥的保管路径，仅用于审计标注。
func (h *KeyHandle) Path() string {
	if h == nil {
		return ""
	}
	return h.path
}

// Address 返回密钥对应的链上地址。
func (h *KeyHandle) Address() common.Address {
	if h == nil || h.priv == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(h.priv.PublicKey)
}

// Key 返回私钥本体，供签名器在单次签名内使用。
func (h *KeyHandle) Key() *ecdsa.PrivateKey {
	if h == nil {
		return nil
	}
	return h.priv
}

// Discard 丢弃句柄持有的密钥材料。签名完成后必须调用。
func (h *KeyHandle) Discard() {
	if h == nil {
		return
	}
	h.priv = nil
}

// String 实现 fmt.Stringer，始终隐藏密钥材料。
func (h *KeyHandle) String() string {
	return "keyhandle(" + h.Path() + ", material withheld)"
}

// MarshalJSON 拒绝序列化：句柄不允许离开进程。
func (h *KeyHandle) MarshalJSON() ([]byte, error) {
	return nil, stdErrors.New("key handle must not be serialized")
}

// SecretReader 抽象保管服务的读取能力，便于测试注入。
type SecretReader interface {
	Get(ctx context.Context, secretPath string) (string, error)
}

// Resolver 按身份与链定位私钥材料并返回不透明句柄。
type Resolver struct {
	secrets SecretReader
}

// NewResolver 构造 Resolver。
func NewResolver(secrets SecretReader) *Resolver {
	return &Resolver{secrets: secrets}
}

// Resolve 实现 Key Resolver 合约：找不到密钥时返回 KEY_NOT_FOUND，
// 与护栏拒绝严格区分，便于调用方分辨“不被允许”和“系统配置错误”。
func (r *Resolver) Resolve(ctx context.Context, ident *identity.SigningIdentity, chain string) (*KeyHandle, error) {
	if r == nil || r.secrets == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "密钥解析器未初始化")
	}
	if ident == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "身份不能为空")
	}

	path, ok := ident.KeyPath(chain)
	if !ok {
		return nil, xerrors.New(CodeKeyNotFound, "",
			xerrors.WithMetadata("identity_id", ident.ID),
			xerrors.WithMetadata("chain", chain),
		)
	}

	material, err := r.secrets.Get(ctx, path)
	if err != nil {
		if stdErrors.Is(err, ErrSecretMissing) {
			return nil, xerrors.Wrap(CodeKeyNotFound, err, "",
				xerrors.WithMetadata("identity_id", ident.ID),
				xerrors.WithMetadata("chain", chain),
			)
		}
		return nil, xerrors.Wrap(CodeVaultFailure, err, "")
	}

	priv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(material), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(CodeVaultFailure, err, "保管服务返回的密钥材料无法解析")
	}
	return &KeyHandle{path: path, priv: priv}, nil
}
