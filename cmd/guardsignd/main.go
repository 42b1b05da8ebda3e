package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"GuardSign-Chain/internal/api"
	"GuardSign-Chain/internal/auth"
	"GuardSign-Chain/internal/broadcast"
	"GuardSign-Chain/internal/chain/provider"
	"GuardSign-Chain/internal/config"
	"GuardSign-Chain/internal/identity"
	"GuardSign-Chain/internal/observability/alerting"
	"GuardSign-Chain/internal/observability/metrics"
	"GuardSign-Chain/internal/signing"
	"GuardSign-Chain/internal/simulate"
	"GuardSign-Chain/internal/storage/mysql"
	"GuardSign-Chain/internal/txn"
	"GuardSign-Chain/internal/vault"
	"GuardSign-Chain/pkg/logger"
	"GuardSign-Chain/pkg/plugin"
)

// main 是 GuardSign 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("guardsignd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("GUARDSIGN_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "guardsign.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Chains)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	records, err := buildRecordStore(cfg.Storage.RecordStore)
	if err != nil {
		return err
	}

	identities, err := buildIdentityStore(ctx, cfg.Storage.IdentityStore)
	if err != nil {
		return err
	}
	defer identities.Close()

	ledger, err := buildSpendLedger(cfg.SpendLedger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	watchQueue, err := buildWatchQueue(cfg.WatchQueue)
	if err != nil {
		return err
	}

	vaultClient, err := vault.NewClient(vault.Config{
		BaseURL: cfg.Vault.BaseURL,
		Token:   cfg.Vault.Token,
		Timeout: cfg.Vault.Timeout(),
	})
	if err != nil {
		return err
	}

	signer := signing.NewSigner(chainRegistry)
	caster := broadcast.NewBroadcaster(chainRegistry)

	alerter, stopPlugins, err := buildAlertDispatcher(ctx, cfg.Alerting)
	if err != nil {
		return err
	}
	defer stopPlugins()

	opts := []txn.ServiceOption{txn.WithWatchProducer(watchQueue)}
	if alerter != nil {
		opts = append(opts, txn.WithAlertDispatcher(alerter))
	}
	if strings.TrimSpace(cfg.Simulator.BaseURL) != "" {
		simClient, err := simulate.NewClient(simulate.Config{
			BaseURL: cfg.Simulator.BaseURL,
			APIKey:  cfg.Simulator.APIKey,
			Timeout: cfg.Simulator.Timeout(),
		})
		if err != nil {
			return err
		}
		opts = append(opts, txn.WithSimulator(simClient))
	}

	service := txn.NewService(records, identities, ledger,
		vault.NewResolver(vaultClient), signer, caster, chainRegistry, opts...)
	defer service.Close()

	watcherOpts := []txn.WatcherOption{txn.WithWatcherWorkers(cfg.WatchQueue.Worker)}
	if alerter != nil {
		watcherOpts = append(watcherOpts, txn.WithWatcherAlerts(alerter))
	}
	watcher := txn.NewWatcher(records, watchQueue, caster,
		cfg.Confirm.Timeout(), cfg.Confirm.PollInterval(), watcherOpts...)
	// 重启后把仍在途的广播记录重新纳入确认跟踪。
	if _, err := watcher.Requeue(ctx, watchQueue); err != nil {
		logger.L().Warn("恢复在途交易失败", "error", err)
	}

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()
	go func() {
		if err := watcher.Start(watcherCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("确认观察器异常退出", "error", err)
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err)
			}
		}()
	}

	apiOpts, err := buildAuthOptions(ctx, cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, service, identities, apiOpts...)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildRecordStore(cfg config.DBConfig) (txn.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return txn.NewMemoryStore(), nil
	case "mysql":
		return txn.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的记录存储驱动: %s", cfg.Driver)
	}
}

func buildIdentityStore(ctx context.Context, cfg config.DBConfig) (identity.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return identity.NewMemoryStore(), nil
	case "mysql":
		return mysql.NewSQLIdentityStore(ctx, mysql.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的身份目录驱动: %s", cfg.Driver)
	}
}

func buildSpendLedger(cfg config.SpendLedgerConfig) (identity.Ledger, error) {
	switch cfg.Driver {
	case "", "memory":
		return identity.NewMemoryLedger(), nil
	case "redis":
		return identity.NewRedisLedger(identity.RedisLedgerConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("未知的支出账本驱动: %s", cfg.Driver)
	}
}

func buildWatchQueue(cfg config.WatchQueueConfig) (txn.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return txn.NewMemoryQueue(1024), nil
	case "redis":
		return txn.NewRedisQueue(txn.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return txn.NewRabbitMQQueue(txn.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的确认队列驱动: %s", cfg.Driver)
	}
}

// buildAlertDispatcher 按配置加载告警插件，并把其中实现了 Notifier 的
// 实例装配成扇出派发器。返回的清理函数负责停掉所有插件。
func buildAlertDispatcher(ctx context.Context, cfg config.AlertingConfig) (alerting.Dispatcher, func(), error) {
	noop := func() {}
	if cfg.PluginConfigPath == "" {
		return nil, noop, nil
	}

	managerCfg, err := plugin.LoadManagerConfig(cfg.PluginConfigPath)
	if err != nil {
		return nil, noop, err
	}
	manager, err := plugin.NewManager(managerCfg)
	if err != nil {
		return nil, noop, err
	}
	if err := manager.StartAll(ctx); err != nil {
		return nil, noop, err
	}
	stop := func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := manager.StopAll(stopCtx); err != nil {
			logger.L().Warn("停止告警插件失败", "error", err)
		}
	}

	var notifiers []alerting.Notifier
	for _, p := range manager.Active() {
		if notifier, ok := p.(alerting.Notifier); ok {
			notifiers = append(notifiers, notifier)
		}
	}
	if len(notifiers) == 0 {
		return nil, stop, nil
	}
	logger.L().Info("告警通道已就绪", "notifiers", len(notifiers))
	return alerting.NewFanout(notifiers...), stop, nil
}

// buildAuthOptions 组装 REST 接口的认证配置。disabled 模式下返回空。
func buildAuthOptions(ctx context.Context, cfg *config.Config) ([]api.Option, error) {
	mode := auth.Mode(strings.ToLower(strings.TrimSpace(cfg.Auth.Mode)))
	if mode == "" || mode == auth.ModeDisabled {
		return nil, nil
	}

	seeds := make([]auth.Seed, 0, len(cfg.Auth.Seeds))
	for _, seed := range cfg.Auth.Seeds {
		seeds = append(seeds, auth.Seed{
			Username:    seed.Username,
			Password:    seed.Password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}

	var store auth.Store
	if cfg.Storage.IdentityStore.Driver == "mysql" {
		sqlStore, err := mysql.NewSQLAuthStore(ctx, mysql.Config{
			DSN:             cfg.Storage.IdentityStore.DSN,
			MaxOpenConns:    cfg.Storage.IdentityStore.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.IdentityStore.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.IdentityStore.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, err
		}
		store = sqlStore
	} else {
		memStore, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = memStore
	}

	svc, err := auth.NewService(ctx, auth.Config{
		Mode: mode,
		JWT: auth.JWTOptions{
			Secret:     cfg.Auth.JWT.Secret,
			Issuer:     cfg.Auth.JWT.Issuer,
			AccessTTL:  cfg.Auth.JWT.AccessTTL,
			RefreshTTL: cfg.Auth.JWT.RefreshTTL,
		},
		Seeds: seeds,
	}, store)
	if err != nil {
		return nil, err
	}
	return []api.Option{api.WithAuth(svc)}, nil
}
