package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

// Config 描述访问密钥保管服务所需的信息。
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用保管服务读取密钥材料。
// 保管层负责鉴权与静态加密，这里拿到的已是解密后的材料。
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient 根据配置创建保管服务客户端。
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未提供保管服务地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL: baseURL,
		token:   strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Get 读取指定路径下的密钥材料。路径不存在时返回 ErrSecretMissing。
func (c *Client) Get(ctx context.Context, secretPath string) (string, error) {
	secretPath = strings.Trim(strings.TrimSpace(secretPath), "/")
	if secretPath == "" {
		return "", errors.New("密钥路径不能为空")
	}

	endpoint := c.baseURL + "/v1/secret/" + url.PathEscape(secretPath)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("构建保管服务请求失败: %w", err)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("请求保管服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrSecretMissing
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("保管服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("解析保管服务响应失败: %w", err)
	}
	if strings.TrimSpace(decoded.Value) == "" {
		return "", ErrSecretMissing
	}
	return decoded.Value, nil
}

// ErrSecretMissing 表示保管服务中不存在请求的密钥。
var ErrSecretMissing = errors.New("vault: secret not found")
