package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"AgentForge/internal/agent"
	"AgentForge/internal/api"
	"AgentForge/internal/artifact"
	"AgentForge/internal/config"
	"AgentForge/internal/events"
	"AgentForge/internal/knowledge"
	"AgentForge/internal/llm"
	"AgentForge/internal/llm/command"
	"AgentForge/internal/llm/echo"
	"AgentForge/internal/llm/openai"
	"AgentForge/internal/lock"
	"AgentForge/internal/observability/alerting"
	"AgentForge/internal/observability/metrics"
	storage "AgentForge/internal/storage/mysql"
	redisstore "AgentForge/internal/storage/redis"
	"AgentForge/internal/task"
	"AgentForge/pkg/logger"
	"AgentForge/pkg/plugin"
)

// main 是 AgentForge 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("forged 运行失败: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	flags := pflag.NewFlagSet("forged", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("FORGE_CONFIG"), "配置文件路径 (JSON 或 YAML)")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		OutputPaths: cfg.Log.Outputs,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Log.Audit.Enabled,
			Path:       cfg.Log.Audit.Path,
			MaxSizeMB:  cfg.Log.Audit.MaxSizeMB,
			MaxBackups: cfg.Log.Audit.MaxBackups,
			MaxAgeDays: cfg.Log.Audit.MaxAgeDays,
			Compress:   cfg.Log.Audit.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.L().Warn("释放资源失败", "error", err)
			}
		}
	}()

	store, err := createTaskStore(ctx, cfg.Storage.TaskStore)
	if err != nil {
		return err
	}
	closers = append(closers, store)

	blobs, err := createBlobStore(ctx, cfg.Storage.Artifacts)
	if err != nil {
		return err
	}

	locker, err := createLocker(ctx, cfg.Lock)
	if err != nil {
		return err
	}
	if c, ok := locker.(io.Closer); ok {
		closers = append(closers, c)
	}

	publisher, err := createPublisher(cfg.Events)
	if err != nil {
		return err
	}
	if publisher != nil {
		closers = append(closers, publisher)
	}

	executor, err := createExecutor(cfg)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	agentOpts := []agent.Option{
		agent.WithLocker(locker),
		agent.WithFetcher(artifact.NewHTTPFetcher(artifact.WithMaxBytes(cfg.Storage.Artifacts.FetchMaxBytes))),
		agent.WithPublisher(publisher),
		agent.WithMetrics(m),
		agent.WithStepTimeout(cfg.Agent.StepTimeout()),
	}
	if alerts := createAlerts(cfg.Alerting); alerts != nil {
		agentOpts = append(agentOpts, agent.WithAlerts(alerts))
	}
	facade := agent.New(store, blobs, executor, agentOpts...)

	serverOpts := []api.Option{
		api.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
		api.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout()),
	}
	// 未配置独立端口时指标与 API 共用监听地址。
	if m != nil && cfg.Metrics.Address == "" {
		serverOpts = append(serverOpts, api.WithMetrics(m))
	}
	server := api.NewServer(cfg.Server.Address, facade, serverOpts...)

	logger.L().Info("AgentForge 启动",
		"address", cfg.Server.Address,
		"task_store", cfg.Storage.TaskStore.Driver,
		"artifacts", cfg.Storage.Artifacts.Driver,
		"lock", cfg.Lock.Driver,
		"events", cfg.Events.Driver,
		"llm", cfg.LLM.Provider,
	)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Start(gctx) })
	if m != nil && cfg.Metrics.Address != "" {
		group.Go(func() error { return m.StartServer(gctx, cfg.Metrics.Address) })
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.L().Info("AgentForge 已退出")
	return nil
}

func createTaskStore(ctx context.Context, cfg config.TaskStoreConfig) (task.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return task.NewMemoryStore(), nil
	case "mysql":
		return task.NewMySQLStore(ctx, storage.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.ConnMaxIdleTime(),
		})
	default:
		return nil, fmt.Errorf("未知的任务存储驱动: %s", cfg.Driver)
	}
}

func createBlobStore(ctx context.Context, cfg config.ArtifactStoreConfig) (artifact.BlobStore, error) {
	switch cfg.Driver {
	case "", "local":
		return artifact.NewLocalStore(cfg.WorkspaceDir)
	case "minio":
		return artifact.NewMinIOStore(ctx, artifact.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			Secure:    cfg.MinIO.Secure,
			Prefix:    cfg.MinIO.Prefix,
		})
	default:
		return nil, fmt.Errorf("未知的产物存储驱动: %s", cfg.Driver)
	}
}

func createLocker(ctx context.Context, cfg config.LockConfig) (lock.Locker, error) {
	switch cfg.Driver {
	case "", "memory":
		return lock.NewMemoryLocker(), nil
	case "redis":
		return redisstore.NewLocker(ctx, redisstore.LockerConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.Redis.TTL(),
		})
	default:
		return nil, fmt.Errorf("未知的锁驱动: %s", cfg.Driver)
	}
}

func createPublisher(cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "", "log":
		return events.LogPublisher{}, nil
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Queue:    cfg.RabbitMQ.Queue,
			Durable:  cfg.RabbitMQ.Durable,
		})
	case "kafka":
		return events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

func createExecutor(cfg *config.Config) (agent.Executor, error) {
	client, err := createLLMClient(cfg.LLM)
	if err != nil {
		return nil, err
	}

	if cfg.Plugins.Manifest != "" {
		manifest, err := plugin.LoadManagerConfig(cfg.Plugins.Manifest)
		if err != nil {
			return nil, err
		}
		manager, err := plugin.NewManager(manifest)
		if err != nil {
			return nil, err
		}
		for _, info := range manager.Infos() {
			logger.L().Info("加载补全插件", "id", info.ID, "name", info.Name, "version", info.Version)
		}
		client = plugin.NewChain(client, manager)
	}

	opts := []agent.ExecutorOption{
		agent.WithModel(cfg.LLM.Model),
		agent.WithMaxTokens(cfg.LLM.MaxTokens),
		agent.WithHistoryDepth(cfg.Agent.HistoryDepth),
	}
	// 温度为 0 时沿用提供方默认值。
	if cfg.LLM.Temperature > 0 {
		opts = append(opts, agent.WithTemperature(cfg.LLM.Temperature))
	}
	if cfg.Agent.KnowledgeFile != "" {
		provider, err := knowledge.LoadStaticProvider(cfg.Agent.KnowledgeFile, 0)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agent.WithKnowledgeProvider(provider))
	}
	return agent.NewLLMExecutor(client, opts...), nil
}

func createLLMClient(cfg config.LLMConfig) (llm.Client, error) {
	switch cfg.Provider {
	case "", "echo":
		return echo.New(), nil
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout(),
			MaxRetries:  cfg.MaxRetries,
		})
	case "command":
		return command.NewClient(command.Config{
			Path:       cfg.Command.Path,
			Args:       cfg.Command.Args,
			WorkingDir: cfg.Command.WorkingDir,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
}

func createAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}
