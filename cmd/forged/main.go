package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"ChainForge/internal/api"
	"ChainForge/internal/codegen/openai"
	"ChainForge/internal/config"
	"ChainForge/internal/dispatch"
	"ChainForge/internal/observability/alerting"
	"ChainForge/internal/observability/metrics"
	"ChainForge/internal/plan"
	"ChainForge/internal/provider"
	"ChainForge/internal/resources"
	"ChainForge/internal/userop"
	"ChainForge/pkg/logger"
)

// main 是 ChainForge 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("forged 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	// .env 不存在时静默跳过，便于本地开发注入 fork/relay 地址。
	_ = godotenv.Load()

	configPath := os.Getenv("FORGE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "forge.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	// 链实例注册表。
	defs, err := provider.LoadDefinitions(cfg.Providers.Definitions)
	if err != nil {
		return err
	}
	registry, err := provider.NewRegistryFromDefinitions(defs)
	if err != nil {
		return err
	}
	defer registry.Close()

	// 共享资源：代码生成后端 + 合约源码获取器。
	codegenClient, err := createCodegenClient(cfg)
	if err != nil {
		return err
	}
	fetcher := resources.NewCachingFetcher(resources.NewEtherscanFetcher(
		cfg.Sources.BaseURL,
		cfg.Sources.APIKey,
		time.Duration(cfg.Sources.TimeoutSeconds)*time.Second,
	))
	shared, err := resources.New(ctx, resources.Config{Codegen: codegenClient, Fetcher: fetcher})
	if err != nil {
		return err
	}

	engine := plan.NewEngine(shared)

	// 作业存储与队列。
	store, err := createJobStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	queue, err := createJobQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭作业队列失败", slog.Any("error", err))
		}
	}()

	jobService := dispatch.NewService(store, queue, cfg.Dispatch.MaxRetries)
	processorOpts := []dispatch.ProcessorOption{
		dispatch.WithWorkerCount(cfg.Dispatch.Workers),
		dispatch.WithProcessorLogger(logger.Named("dispatch")),
	}
	if alerter := createAlerter(cfg); alerter != nil {
		processorOpts = append(processorOpts, dispatch.WithAlertDispatcher(alerter))
	}
	processor := dispatch.NewProcessor(dispatch.NewEngineAdvancer(engine), store, queue, queue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("作业处理器异常退出", slog.Any("error", err))
		}
	}()

	server := api.NewServer(cfg.Server.Address, registry, engine, jobService)

	// 配置了 bundler 时构建用户操作流水线并暴露提交端点。
	if cfg.Relay.URL != "" {
		pipeline, relay, err := createUserOpPipeline(ctx, cfg, registry)
		if err != nil {
			return err
		}
		if relay != nil {
			defer relay.Close()
		}
		if pipeline != nil {
			server.WithUserOpPipeline(pipeline)
		}
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	logger.L().Info("forged 启动完成",
		slog.String("address", cfg.Server.Address),
		slog.Int("chains", len(registry.Chains())),
		slog.String("queue", cfg.Dispatch.Queue.Driver),
		slog.String("store", cfg.Dispatch.Store.Driver),
	)
	return server.Start(ctx)
}

func createCodegenClient(cfg *config.Config) (*openai.Client, error) {
	apiKey := strings.TrimSpace(cfg.Codegen.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("codegen 需要配置 api_key 或设置 OPENAI_API_KEY")
	}
	return openai.NewClient(openai.Config{
		APIKey:  apiKey,
		BaseURL: cfg.Codegen.BaseURL,
		Model:   cfg.Codegen.Model,
		Timeout: time.Duration(cfg.Codegen.TimeoutSeconds) * time.Second,
	})
}

// createAlerter 按配置装配告警渠道，全部留空时返回 nil。
func createAlerter(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.DingTalkWebhook != "" {
		notifiers = append(notifiers, &alerting.DingTalkNotifier{
			Sender: alerting.NewDingTalkWebhook(cfg.Alerting.DingTalkWebhook),
		})
	}
	if cfg.Alerting.SlackWebhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhook(cfg.Alerting.SlackWebhook),
			ChannelID: cfg.Alerting.SlackChannel,
		})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func createJobStore(cfg *config.Config) (dispatch.Store, error) {
	switch cfg.Dispatch.Store.Driver {
	case "", "memory":
		return dispatch.NewMemoryStore(), nil
	case "mysql":
		return dispatch.NewMySQLStore(cfg.Dispatch.Store.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Dispatch.Store.Driver)
	}
}

func createJobQueue(cfg *config.Config) (dispatch.Queue, error) {
	switch cfg.Dispatch.Queue.Driver {
	case "", "memory":
		return dispatch.NewMemoryQueue(1024), nil
	case "redis":
		return dispatch.NewRedisQueue(dispatch.RedisQueueConfig{
			Address:  cfg.Dispatch.Queue.Redis.Address,
			Password: cfg.Dispatch.Queue.Redis.Password,
			DB:       cfg.Dispatch.Queue.Redis.DB,
			Queue:    cfg.Dispatch.Queue.Redis.Queue,
		})
	case "rabbitmq":
		return dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:      cfg.Dispatch.Queue.RabbitMQ.URL,
			Queue:    cfg.Dispatch.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Dispatch.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Dispatch.Queue.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Dispatch.Queue.Driver)
	}
}

// createUserOpPipeline 连接 bundler 并装配操作流水线。缺少签名私钥或
// 目标链时仅做探活，不暴露提交端点。
func createUserOpPipeline(ctx context.Context, cfg *config.Config, registry *provider.Registry) (*userop.Pipeline, *userop.RelayClient, error) {
	relay, err := userop.DialRelay(ctx, cfg.Relay.URL)
	if err != nil {
		return nil, nil, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	entryPoints, err := relay.SupportedEntryPoints(probeCtx)
	cancel()
	if err != nil {
		relay.Close()
		return nil, nil, err
	}
	logger.L().Info("bundler 探活成功",
		slog.String("url", cfg.Relay.URL),
		slog.Int("entry_points", len(entryPoints)),
	)

	if cfg.Relay.OwnerKey == "" || cfg.Relay.Chain == "" {
		return nil, relay, nil
	}

	client, err := registry.GetProvider(ctx, cfg.Relay.Chain)
	if err != nil {
		relay.Close()
		return nil, nil, err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		relay.Close()
		return nil, nil, err
	}
	signer, err := userop.NewSigner(cfg.Relay.OwnerKey)
	if err != nil {
		relay.Close()
		return nil, nil, err
	}

	pipelineCfg := userop.Config{
		Relay:          relay,
		Provider:       client,
		Signer:         signer,
		ChainID:        chainID,
		PollInterval:   time.Duration(cfg.Relay.PollIntervalSeconds) * time.Second,
		ConfirmTimeout: time.Duration(cfg.Relay.ConfirmTimeoutSeconds) * time.Second,
	}
	if cfg.Relay.EntryPoint != "" {
		pipelineCfg.EntryPoint = common.HexToAddress(cfg.Relay.EntryPoint)
	}

	pipeline, err := userop.NewPipeline(pipelineCfg)
	if err != nil {
		relay.Close()
		return nil, nil, err
	}
	return pipeline, relay, nil
}
