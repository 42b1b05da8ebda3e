package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"GuardSign-Chain/internal/chain"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	ChainID     int64
	RPCURL      string
	BatchRPCURL string
	Notes       string
}

// Backend mirrors the subset of node capabilities the client depends on.
// ethclient.Client satisfies it; tests provide struct fakes.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
}

// Client implements the chain.Client interface for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	batchClient *gethrpc.Client
	backend     Backend
	sender      rawSender

	mu      sync.Mutex
	chainID *big.Int
}

// rawSender 抽象原始交易的提交通道，便于测试注入。
type rawSender interface {
	SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error)
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接广播专用节点失败: %w", err)
		}
	}

	c := &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		batchClient: batchClient,
		backend:     ethclient.NewClient(rpcClient),
	}
	if cfg.ChainID > 0 {
		c.chainID = big.NewInt(cfg.ChainID)
	}
	return c, nil
}

// NewBackendClient wraps an in-process backend for testing purposes.
func NewBackendClient(name string, chainID *big.Int, backend Backend, sender rawSender) *Client {
	return &Client{
		name:    name,
		notes:   "in-process backend",
		backend: backend,
		sender:  sender,
		chainID: new(big.Int).Set(chainID),
	}
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// Name 返回链的可读名称。
func (c *Client) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// ChainID 返回链 ID，结果会被缓存。
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	if c.chainID != nil {
		id := new(big.Int).Set(c.chainID)
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	if c.backend == nil {
		return nil, errors.New("客户端缺少链访问后端")
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// PendingNonceAt 查询账户的待处理 nonce。
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if c == nil || c.backend == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("查询 nonce 失败: %w", err)
	}
	return nonce, nil
}

// SuggestFees 基于最新区块的 base fee 给出 EIP-1559 费用建议。
func (c *Client) SuggestFees(ctx context.Context) (chain.FeeSuggestion, error) {
	if c == nil || c.backend == nil {
		return chain.FeeSuggestion{}, errors.New("未初始化的以太坊客户端")
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return chain.FeeSuggestion{}, fmt.Errorf("查询 gas tip 失败: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return chain.FeeSuggestion{}, fmt.Errorf("查询最新区块头失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		// feeCap = 2*baseFee + tip，容忍 base fee 的短期抬升。
		feeCap = new(big.Int).Mul(head.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
	}
	return chain.FeeSuggestion{
		GasTipCap: tip,
		GasFeeCap: feeCap,
	}, nil
}

// EstimateGas 估算交易的 gas 上限。
func (c *Client) EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error) {
	if c == nil || c.backend == nil {
		return 0, errors.New("未初始化的以太坊客户端")
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("估算 gas 失败: %w", err)
	}
	return gas, nil
}

// BalanceAt 查询账户的最新余额。
func (c *Client) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	balance, err := c.backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// SendRawTransaction 通过 eth_sendRawTransaction 广播已签名交易。
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	if c == nil {
		return common.Hash{}, errors.New("未初始化的以太坊客户端")
	}
	if len(raw) == 0 {
		return common.Hash{}, errors.New("没有可发送的交易")
	}

	if c.sender != nil {
		return c.sender.SendRawTransaction(ctx, raw)
	}
	if c.batchClient == nil {
		return common.Hash{}, errors.New("当前客户端未配置广播 RPC")
	}

	var hash common.Hash
	hexPayload := "0x" + hex.EncodeToString(raw)
	if err := c.batchClient.CallContext(ctx, &hash, "eth_sendRawTransaction", hexPayload); err != nil {
		return common.Hash{}, fmt.Errorf("广播交易失败: %w", err)
	}
	return hash, nil
}

// TransactionReceipt 查询交易回执。交易尚未上链时返回 gethcore.NotFound。
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	if c == nil || c.backend == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	return c.backend.TransactionReceipt(ctx, hash)
}

var _ chain.Client = (*Client)(nil)
