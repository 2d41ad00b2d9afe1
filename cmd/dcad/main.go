package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"AgentDCA/internal/agentkey"
	"AgentDCA/internal/api"
	"AgentDCA/internal/approval"
	"AgentDCA/internal/auth"
	"AgentDCA/internal/config"
	xerrors "AgentDCA/internal/errors"
	"AgentDCA/internal/keycipher"
	"AgentDCA/internal/kv"
	"AgentDCA/internal/observability/alerting"
	"AgentDCA/internal/observability/metrics"
	"AgentDCA/internal/order"
	"AgentDCA/internal/queue"
	"AgentDCA/internal/reconcile"
	"AgentDCA/internal/registry"
	"AgentDCA/internal/scheduler"
	"AgentDCA/internal/storage/mysql"
	"AgentDCA/internal/storage/postgres"
	redisstore "AgentDCA/internal/storage/redis"
	"AgentDCA/internal/swap"
	"AgentDCA/internal/web3"
	"AgentDCA/internal/web3/provider"
	"AgentDCA/pkg/logger"
)

// main 是定投守护进程的入口。
func main() {
	configPath := pflag.StringP("config", "c", os.Getenv(config.EnvConfigPath), "JSON 配置文件路径")
	reconcileEvery := pflag.Duration("reconcile-interval", time.Hour, "周期对账间隔，0 表示只在启动时执行一次")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *reconcileEvery); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("dcad 运行失败: %v", err)
	}
}

func run(ctx context.Context, configPath string, reconcileEvery time.Duration) error {
	if configPath == "" {
		if _, err := os.Stat(filepath.Join("configs", "dca.json")); err == nil {
			configPath = filepath.Join("configs", "dca.json")
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		RedactKeys:  cfg.Logging.RedactKeys,
		Audit:       logger.AuditConfig{Enabled: cfg.Logging.AuditPath != "", Path: cfg.Logging.AuditPath},
	}); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("dcad")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	cipher, err := keycipher.New(cfg.Security.MasterSecret)
	if err != nil {
		return err
	}

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()
	chain, err := chains.DefaultClient()
	if err != nil {
		return err
	}
	def, _ := chains.Definition(chains.DefaultName())

	verifier := approval.NewVerifier(chain.ChainID(),
		approval.DCAScope(web3.Addresses(def.Tokens), web3.Addresses(def.Routers)),
		approval.AllowSudo(cfg.Security.AllowSudo),
	)
	if len(def.Tokens) == 0 && len(def.Routers) == 0 {
		lg.Warn("链配置未声明代币与路由白名单，授权调用范围不做限制", slog.String("chain", chains.DefaultName()))
	}
	keys, err := agentkey.NewService(store, cipher,
		agentkey.WithDecryptLimit(rate.Limit(cfg.Security.DecryptPerSecond), cfg.Security.DecryptBurst),
		agentkey.WithApprovalVerifier(verifier, cfg.Security.Provider),
	)
	if err != nil {
		return err
	}

	alerts, err := buildAlerts(cfg)
	if err != nil {
		return err
	}

	signers, err := approval.NewReconstructor(chain.ChainID(), chain,
		approval.WithUsageTracker(approval.NewLedgerTracker(store, cfg.Security.UsageRetention.Std())),
	)
	if err != nil {
		return err
	}
	router, err := swap.NewHTTPClient(swap.Config{
		BaseURL:           cfg.Swap.BaseURL,
		APIKey:            cfg.Swap.APIKey,
		ChainID:           chain.ChainID(),
		SlippageBps:       cfg.Swap.SlippageBps,
		Timeout:           cfg.Swap.Timeout.Std(),
		RequestsPerSecond: cfg.Swap.RequestsPerSecond,
	})
	if err != nil {
		return err
	}

	fee, err := cfg.PlatformFee()
	if err != nil {
		return err
	}
	orders := order.NewStore(store)
	g, ctx := errgroup.WithContext(ctx)

	orderOpts := []order.ServiceOption{order.WithPlatformFee(fee)}
	if def.RegistryAddress != "" && cfg.Web3.RegistryOperatorKey != "" {
		registrar, retries, err := buildRegistrar(ctx, cfg, chain.ChainID(), def.RegistryAddress, chain.ContractBackend(), orders, alerts)
		if err != nil {
			return err
		}
		defer retries.Close()
		orderOpts = append(orderOpts, order.WithRegistrar(registrar))
		g.Go(func() error { return registrar.Run(ctx, retries, 1) })
	} else {
		lg.Info("未配置登记合约，跳过链上登记")
	}
	orderSvc := order.NewService(orders, keys, orderOpts...)

	runnerOpts := []scheduler.Option{
		scheduler.WithTreasury(common.HexToAddress(cfg.Fees.Treasury)),
		scheduler.WithAlerts(alerts),
		scheduler.WithLease(cfg.Scheduler.LeaseDuration.Std()),
		scheduler.WithFailureThreshold(cfg.Scheduler.FailureThreshold),
		scheduler.WithBatchSize(cfg.Scheduler.BatchSize),
		scheduler.WithConcurrency(cfg.Scheduler.Concurrency),
	}
	var dispatch queue.Queue
	if cfg.Scheduler.Mode == "queue" {
		dispatch, err = queue.New(ctx, queueConfig(cfg, cfg.Queue.DispatchQueue))
		if err != nil {
			return err
		}
		defer dispatch.Close()
		runnerOpts = append(runnerOpts, scheduler.WithDispatchQueue(dispatch))
	}
	runner, err := scheduler.NewRunner(orders, keys, signers, router, runnerOpts...)
	if err != nil {
		return err
	}
	if dispatch != nil {
		g.Go(func() error { return runner.Consume(ctx, dispatch, cfg.Scheduler.Concurrency) })
	}
	g.Go(func() error { return runner.Loop(ctx, cfg.Scheduler.TickInterval.Std()) })

	reconciler := reconcile.New(orders, keys, reconcile.WithAlerts(alerts))
	g.Go(func() error { return reconcileLoop(ctx, reconciler, reconcileEvery) })

	if addr := cfg.Server.MetricsAddress; addr != "" {
		g.Go(func() error { return metrics.StartServer(ctx, addr) })
	}

	authSvc := auth.NewService(auth.Config{
		OperatorToken: cfg.Server.OperatorToken,
		ReadOnlyToken: cfg.Server.ReadOnlyToken,
	})
	if authSvc.Mode() == auth.ModeDisabled {
		lg.Warn("未配置 API 令牌，接口不做认证")
	}
	server := api.NewServer(cfg.Server.Address, orderSvc, keys,
		api.WithAuth(authSvc),
		api.WithScheduler(runner),
		api.WithMaintenance(reconciler),
		api.WithChains(chains),
	)
	g.Go(func() error { return server.Start(ctx) })

	lg.Info("dcad 已启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("scheduler_mode", cfg.Scheduler.Mode),
		slog.String("chain", chains.DefaultName()),
		slog.Uint64("chain_id", chain.ChainID()),
	)
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (kv.Store, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return kv.NewMemoryStore(), nil
	case "redis":
		return redisstore.New(ctx, redisstore.Config{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
		})
	case "mysql":
		return mysql.New(ctx, mysql.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime.Std(),
		})
	case "postgres":
		return postgres.New(ctx, postgres.Config{
			DSN:             cfg.Storage.DSN,
			MaxOpenConns:    cfg.Storage.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ConnMaxLifetime.Std(),
		})
	default:
		return nil, xerrors.New(xerrors.CodeConfiguration, "不支持的存储驱动 "+cfg.Storage.Driver)
	}
}

func queueConfig(cfg *config.Config, name string) queue.Config {
	return queue.Config{
		Driver: cfg.Queue.Driver,
		Name:   name,
		Buffer: cfg.Queue.Buffer,
		Redis: queue.RedisConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			BlockWait: cfg.Queue.BlockWait.Std(),
		},
		RabbitMQ: queue.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		},
	}
}

func buildAlerts(cfg *config.Config) (alerting.Dispatcher, error) {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := cfg.Alerting.SlackWebhook; url != "" {
		notifiers = append(notifiers, alerting.NewSlackWebhookNotifier(url, cfg.Alerting.SlackChannel))
	}
	if url := cfg.Alerting.DingTalkWebhook; url != "" {
		notifiers = append(notifiers, alerting.NewDingTalkWebhookNotifier(url))
	}
	if cfg.Alerting.TelegramToken != "" {
		tg, err := alerting.NewTelegramNotifier(cfg.Alerting.TelegramToken, cfg.Alerting.TelegramChatID)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, tg)
	}
	return alerting.NewFanout(notifiers...), nil
}

// buildRegistrar 使用平台运营私钥签名登记交易，失败的登记进入重试队列。
func buildRegistrar(ctx context.Context, cfg *config.Config, chainID uint64, address string, backend bind.ContractBackend, orders *order.Store, alerts alerting.Dispatcher) (*registry.Registrar, queue.Queue, error) {
	if !common.IsHexAddress(address) {
		return nil, nil, xerrors.New(xerrors.CodeConfiguration, "registry_address 不是合法的地址")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.Web3.RegistryOperatorKey), "0x"))
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "登记运营私钥不合法")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "创建登记签名器失败")
	}
	contract, err := registry.NewContractRegistry(common.HexToAddress(address), backend, opts)
	if err != nil {
		return nil, nil, err
	}
	retries, err := queue.New(ctx, queueConfig(cfg, cfg.Queue.RegistryQueue))
	if err != nil {
		return nil, nil, err
	}
	return registry.NewRegistrar(contract, orders, registry.WithRetryQueue(retries), registry.WithAlerts(alerts)), retries, nil
}

// reconcileLoop 启动时执行一次对账与回填，之后按间隔重复对账。
func reconcileLoop(ctx context.Context, r *reconcile.Reconciler, every time.Duration) error {
	lg := logger.Named("dcad")
	once := func() {
		if _, err := r.Backfill(ctx); err != nil {
			lg.Error("授权回填失败", slog.Any("error", err))
		}
		if _, err := r.Run(ctx); err != nil {
			lg.Error("对账失败", slog.Any("error", err))
		}
	}
	once()
	if every <= 0 {
		return nil
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			once()
		}
	}
}
