package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "GuardSign-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const defaultTimeout = 15 * time.Second

// Config 描述模拟服务的接入信息。
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client 通过 HTTP 调用外部模拟服务。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient 根据配置创建模拟服务客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未提供模拟服务地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Simulate 提交交易参数并返回模拟结论。网络或服务故障统一映射为
// SIMULATION_UNAVAILABLE，由调用方决定是否继续。
func (c *Client) Simulate(ctx context.Context, req Request) (*Result, error) {
	value := "0"
	if req.ValueWei != nil {
		value = req.ValueWei.String()
	}
	payload, err := json.Marshal(map[string]any{
		"chain": req.Chain,
		"from":  req.From.Hex(),
		"to":    req.To.Hex(),
		"value": value,
		"data":  hexutil.Encode(req.Data),
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeSimulationUnavailable, err, "序列化模拟请求失败")
	}

	endpoint := c.baseURL + "/v1/simulate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, xerrors.Wrap(CodeSimulationUnavailable, err, "构建模拟请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(CodeSimulationUnavailable, err, "请求模拟服务失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, xerrors.New(CodeSimulationUnavailable,
			"模拟服务返回错误状态 "+resp.Status+": "+strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Status          string          `json:"status"`
		GasUsed         uint64          `json:"gas_used"`
		GasCostEstimate string          `json:"gas_cost_estimate"`
		BalanceChanges  []BalanceChange `json:"balance_changes"`
		RevertReason    string          `json:"revert_reason"`
		DashboardURL    string          `json:"dashboard_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(CodeSimulationUnavailable, err, "解析模拟响应失败")
	}

	result := &Result{
		GasUsed:         decoded.GasUsed,
		GasCostEstimate: decoded.GasCostEstimate,
		BalanceChanges:  decoded.BalanceChanges,
		RevertReason:    strings.TrimSpace(decoded.RevertReason),
		DashboardURL:    decoded.DashboardURL,
	}
	switch strings.ToLower(strings.TrimSpace(decoded.Status)) {
	case "success", "ok":
		result.Status = StatusSuccess
	case "reverted", "revert", "failed":
		result.Status = StatusReverted
		if result.RevertReason == "" {
			result.RevertReason = "execution reverted"
		}
	default:
		result.Status = StatusError
	}
	return result, nil
}

var _ Simulator = (*Client)(nil)
