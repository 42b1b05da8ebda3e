package identity

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLedgerConfig 描述 Redis 账本的连接参数。
type RedisLedgerConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisLedger 使用 Redis sorted set 实现滚动支出账本：
// score 为记账时间（unix 秒），member 携带金额，查询时按窗口裁剪。
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisLedger 创建 Redis 账本实例。
func NewRedisLedger(cfg RedisLedgerConfig) (*RedisLedger, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "guardsign:spend"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisLedger{client: client, prefix: prefix}, nil
}

func (l *RedisLedger) key(identityID string) string {
	return l.prefix + ":" + identityID
}

// Record 实现 Ledger 接口。
func (l *RedisLedger) Record(ctx context.Context, identityID string, wei *big.Int, at time.Time) error {
	if wei == nil || wei.Sign() == 0 {
		return nil
	}
	member := uuid.NewString() + ":" + wei.String()
	if err := l.client.ZAdd(ctx, l.key(identityID), redis.Z{
		Score:  float64(at.Unix()),
		Member: member,
	}).Err(); err != nil {
		return fmt.Errorf("Redis 记账失败: %w", err)
	}
	return nil
}

// SpentWithin 先裁剪窗口外的旧条目，再汇总窗口内的支出。
func (l *RedisLedger) SpentWithin(ctx context.Context, identityID string, window time.Duration) (*big.Int, error) {
	key := l.key(identityID)
	cutoff := time.Now().Add(-window).Unix()

	if err := l.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff)).Err(); err != nil {
		return nil, fmt.Errorf("Redis 裁剪过期支出失败: %w", err)
	}

	members, err := l.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", cutoff),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis 查询窗口支出失败: %w", err)
	}

	total := new(big.Int)
	for _, member := range members {
		idx := strings.LastIndexByte(member, ':')
		if idx < 0 {
			continue
		}
		wei, ok := new(big.Int).SetString(member[idx+1:], 10)
		if !ok {
			continue
		}
		total.Add(total, wei)
	}
	return total, nil
}

// Close 关闭 Redis 连接。
func (l *RedisLedger) Close() error {
	if l == nil || l.client == nil {
		return nil
	}
	return l.client.Close()
}

var _ Ledger = (*RedisLedger)(nil)
