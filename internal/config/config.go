package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 GuardSign 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Log         LogConfig         `json:"log"`
	Storage     StorageConfig     `json:"storage"`
	SpendLedger SpendLedgerConfig `json:"spend_ledger"`
	WatchQueue  WatchQueueConfig  `json:"watch_queue"`
	Vault       VaultConfig       `json:"vault"`
	Simulator   SimulatorConfig   `json:"simulator"`
	Chains      ChainsConfig      `json:"chains"`
	Confirm     ConfirmConfig     `json:"confirm"`
	Auth        AuthConfig        `json:"auth"`
	Alerting    AlertingConfig    `json:"alerting"`
}

// AlertingConfig 控制告警通道插件的加载。留空则不加载任何插件。
type AlertingConfig struct {
	PluginConfigPath string `json:"plugin_config_path"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// LogConfig 控制日志与审计输出。
type LogConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       AuditLog `json:"audit"`
}

// AuditLog 控制审计日志文件的轮转策略。
type AuditLog struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// StorageConfig 统一描述交易记录与身份目录的持久化后端。
type StorageConfig struct {
	RecordStore   DBConfig `json:"record_store"`
	IdentityStore DBConfig `json:"identity_store"`
}

// DBConfig 描述一个可切换 memory/mysql 的存储后端。
type DBConfig struct {
	Driver                 string `json:"driver"`
	DSN                    string `json:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

// SpendLedgerConfig 控制滚动支出账本的实现方式。
type SpendLedgerConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// WatchQueueConfig 控制确认监听队列的驱动与消费者数量。
type WatchQueueConfig struct {
	Driver   string         `json:"driver"`
	Worker   int            `json:"worker"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// VaultConfig 描述密钥保管服务的访问方式。
type VaultConfig struct {
	BaseURL        string `json:"base_url"`
	Token          string `json:"token"`
	TokenEnv       string `json:"token_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SimulatorConfig 描述交易预演服务的访问方式。
type SimulatorConfig struct {
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ChainsConfig 包含链定义文件路径与默认链名称。
type ChainsConfig struct {
	ConfigPath   string `json:"config_path"`
	DefaultChain string `json:"default_chain"`
}

// ConfirmConfig 控制广播后确认轮询的行为。
type ConfirmConfig struct {
	TimeoutSeconds      int `json:"timeout_seconds"`
	PollIntervalSeconds int `json:"poll_interval_seconds"`
}

// AuthConfig 控制 REST 接口的认证方式。
type AuthConfig struct {
	Mode  string     `json:"mode"`
	JWT   JWTConfig  `json:"jwt"`
	Seeds []SeedUser `json:"seeds"`
}

// JWTConfig 包含本地 JWT 签发所需的参数。
type JWTConfig struct {
	Secret     string `json:"secret"`
	SecretEnv  string `json:"secret_env"`
	Issuer     string `json:"issuer"`
	AccessTTL  int64  `json:"access_ttl_seconds"`
	RefreshTTL int64  `json:"refresh_ttl_seconds"`
}

// SeedUser 定义启动时写入的初始账号。
type SeedUser struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// Timeout 返回保管服务调用的超时时间。
func (v VaultConfig) Timeout() time.Duration {
	if v.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(v.TimeoutSeconds) * time.Second
}

// Timeout 返回预演服务调用的超时时间。
func (s SimulatorConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Timeout 返回确认轮询的整体超时时间。
func (c ConfirmConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PollInterval 返回回执轮询间隔。
func (c ConfirmConfig) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.RecordStore.Driver == "" {
		c.Storage.RecordStore.Driver = "memory"
	}
	if c.Storage.IdentityStore.Driver == "" {
		c.Storage.IdentityStore.Driver = c.Storage.RecordStore.Driver
	}
	if c.Storage.IdentityStore.DSN == "" {
		c.Storage.IdentityStore.DSN = c.Storage.RecordStore.DSN
	}

	if c.SpendLedger.Driver == "" {
		c.SpendLedger.Driver = "memory"
	}
	if c.WatchQueue.Driver == "" {
		c.WatchQueue.Driver = "memory"
	}
	if c.WatchQueue.Worker <= 0 {
		c.WatchQueue.Worker = 2
	}

	if c.Vault.Token == "" && c.Vault.TokenEnv != "" {
		c.Vault.Token = os.Getenv(c.Vault.TokenEnv)
	}
	if c.Simulator.APIKey == "" && c.Simulator.APIKeyEnv != "" {
		c.Simulator.APIKey = os.Getenv(c.Simulator.APIKeyEnv)
	}
	if c.Auth.JWT.Secret == "" && c.Auth.JWT.SecretEnv != "" {
		c.Auth.JWT.Secret = os.Getenv(c.Auth.JWT.SecretEnv)
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}

	if c.Alerting.PluginConfigPath != "" && !filepath.IsAbs(c.Alerting.PluginConfigPath) {
		c.Alerting.PluginConfigPath = filepath.Join(baseDir, c.Alerting.PluginConfigPath)
	}

	if c.Chains.ConfigPath == "" {
		c.Chains.ConfigPath = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Chains.ConfigPath) {
		c.Chains.ConfigPath = filepath.Join(baseDir, c.Chains.ConfigPath)
	}
}
