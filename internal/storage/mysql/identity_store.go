package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"GuardSign-Chain/internal/guardrail"
	"GuardSign-Chain/internal/identity"

	"github.com/go-sql-driver/mysql"
)

// SQLIdentityStore 使用 MySQL 保存签名身份目录。
// 护栏策略以 JSON 文档整列存储，ReplacePolicy 通过单条 UPDATE 保证原子性。
type SQLIdentityStore struct {
	db *sql.DB
}

var _ identity.Store = (*SQLIdentityStore)(nil)

// NewSQLIdentityStore 创建连接池并执行迁移。
func NewSQLIdentityStore(ctx context.Context, cfg Config) (*SQLIdentityStore, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLIdentityStore{db: db}, nil
}

// Close 释放连接池。
func (s *SQLIdentityStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create 登记一个新的签名身份。
func (s *SQLIdentityStore) Create(ctx context.Context, ident *identity.SigningIdentity) error {
	if ident == nil || strings.TrimSpace(ident.ID) == "" {
		return identity.ErrNotFound
	}
	keyPaths, err := json.Marshal(ident.KeyPaths)
	if err != nil {
		return fmt.Errorf("编码密钥路径失败: %w", err)
	}
	policy, err := json.Marshal(guardrail.Snapshot(ident.Policy))
	if err != nil {
		return fmt.Errorf("编码护栏策略失败: %w", err)
	}

	now := time.Now().Unix()
	createdAt := ident.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	const stmt = `INSERT INTO signing_identities (id, label, key_paths, policy, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, stmt, ident.ID, ident.Label, string(keyPaths), string(policy), createdAt, now); err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return identity.ErrConflict
		}
		return fmt.Errorf("写入签名身份失败: %w", err)
	}
	return nil
}

// Get 返回指定身份及其当前策略。
func (s *SQLIdentityStore) Get(ctx context.Context, id string) (*identity.SigningIdentity, error) {
	const query = `SELECT id, label, key_paths, policy, created_at, updated_at
FROM signing_identities WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	return scanIdentity(row.Scan)
}

// ReplacePolicy 原子替换护栏策略。
func (s *SQLIdentityStore) ReplacePolicy(ctx context.Context, id string, policy guardrail.Policy) error {
	encoded, err := json.Marshal(guardrail.Snapshot(policy))
	if err != nil {
		return fmt.Errorf("编码护栏策略失败: %w", err)
	}
	const stmt = `UPDATE signing_identities SET policy = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, stmt, string(encoded), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("替换护栏策略失败: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("读取替换结果失败: %w", err)
	}
	if affected == 0 {
		// UPDATE 命中零行还可能是策略原样未变，先确认身份是否存在。
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// List 返回最近更新的身份。
func (s *SQLIdentityStore) List(ctx context.Context, limit int) ([]*identity.SigningIdentity, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT id, label, key_paths, policy, created_at, updated_at
FROM signing_identities ORDER BY updated_at DESC, id ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("查询身份列表失败: %w", err)
	}
	defer rows.Close()

	var results []*identity.SigningIdentity
	for rows.Next() {
		ident, err := scanIdentity(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历身份列表失败: %w", err)
	}
	return results, nil
}

func scanIdentity(scan func(dest ...any) error) (*identity.SigningIdentity, error) {
	var (
		ident    identity.SigningIdentity
		keyPaths string
		policy   string
	)
	if err := scan(&ident.ID, &ident.Label, &keyPaths, &policy, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrNotFound
		}
		return nil, fmt.Errorf("解析签名身份失败: %w", err)
	}
	if keyPaths != "" {
		if err := json.Unmarshal([]byte(keyPaths), &ident.KeyPaths); err != nil {
			return nil, fmt.Errorf("解码密钥路径失败: %w", err)
		}
	}
	if policy != "" {
		var doc guardrail.Document
		if err := json.Unmarshal([]byte(policy), &doc); err != nil {
			return nil, fmt.Errorf("解码护栏策略失败: %w", err)
		}
		parsed, err := doc.Policy()
		if err != nil {
			return nil, fmt.Errorf("护栏策略不合法: %w", err)
		}
		ident.Policy = parsed
	}
	return &ident, nil
}
