package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"OperatorHub/internal/api"
	"OperatorHub/internal/config"
	xerrors "OperatorHub/internal/errors"
	"OperatorHub/internal/executor"
	"OperatorHub/internal/invocation"
	"OperatorHub/internal/observability/alerting"
	"OperatorHub/internal/observability/metrics"
	"OperatorHub/internal/observability/tracing"
	"OperatorHub/internal/operator"
	"OperatorHub/internal/remote"
	"OperatorHub/internal/settings"
	"OperatorHub/pkg/logger"
	"OperatorHub/pkg/plugin"
)

func serve(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("operatord")

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		return fmt.Errorf("初始化链路追踪失败: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	managerCfg, err := loadManagerConfig(cfg.Plugins)
	if err != nil {
		return err
	}

	components := plugin.NewRegistry()
	operators := operator.NewRegistry()
	history := operator.NewHistory(50)

	manager, err := plugin.NewManager(components, plugin.DirectoryFetcher{Config: managerCfg},
		plugin.WithScriptLoader(bundleLoader{components: components, operators: operators}))
	if err != nil {
		return err
	}
	if err := loadPlugins(ctx, manager, log); err != nil {
		return err
	}

	if cfg.Remote.BaseURL != "" {
		client, err := remote.NewClient(cfg.Remote.BaseURL, nil)
		if err != nil {
			return err
		}
		n, err := remote.RegisterOperators(ctx, client, operators)
		if err != nil {
			log.Warn("拉取远程算子失败", slog.Any("error", err))
		} else {
			log.Info("已注册远程算子", slog.Int("count", n), slog.String("remote", cfg.Remote.BaseURL))
		}
	}

	source, closeSettings, err := openSettings(ctx, cfg.Settings, managerCfg)
	if err != nil {
		return err
	}
	defer closeSettings()

	dispatcher, err := openDispatcher(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			log.Warn("关闭调用传输失败", slog.Any("error", err))
		}
	}()

	queue := invocation.NewQueue()
	runner := invocation.ExecutorRunner{
		Registry: operators,
		Options:  []executor.Option{executor.WithInvoker(queue), executor.WithHistory(history)},
	}
	processor := invocation.NewProcessor(queue, dispatcher, runner,
		invocation.WithWorkerCount(cfg.Queue.Workers),
		invocation.WithAlerts(newAlerts(cfg.Telemetry)),
	)
	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("调用处理器异常退出", slog.Any("error", err))
		}
	}()

	if cfg.Plugins.Watch {
		watcher, err := plugin.NewWatcher(managerCfg, cfg.Plugins.Debounce(), func(change plugin.Change) {
			applyPluginChange(ctx, manager, operators, change, log)
		})
		if err != nil {
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("插件目录监听退出", slog.Any("error", err))
			}
		}()
	}

	if cfg.Telemetry.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Telemetry.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, operators,
		api.WithDefinitions(manager),
		api.WithQueue(queue),
		api.WithHistory(history),
		api.WithSettings(plugin.NewSettingsResolver(source)),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAlerts(cfg config.TelemetryConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.AlertWebhook != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.AlertWebhook})
	}
	return alerting.NewFanout(notifiers...).WithMinSeverity(xerrors.Severity(cfg.AlertSeverity))
}

func loadManagerConfig(cfg config.PluginsConfig) (plugin.ManagerConfig, error) {
	managerCfg := plugin.ManagerConfig{Plugins: map[string]plugin.PluginConfig{}}
	if cfg.ManagerFile != "" {
		loaded, err := plugin.LoadManagerConfig(cfg.ManagerFile)
		if err != nil {
			return managerCfg, err
		}
		managerCfg = loaded
	}
	if managerCfg.PluginDir == "" {
		managerCfg.PluginDir = cfg.Dir
	}
	if managerCfg.HostVersion == "" {
		managerCfg.HostVersion = cfg.HostVersion
	}
	return managerCfg, managerCfg.Validate()
}

func loadPlugins(ctx context.Context, manager *plugin.Manager, log *slog.Logger) error {
	report, err := manager.LoadPlugins(ctx)
	if err != nil {
		return fmt.Errorf("加载插件失败: %w", err)
	}
	for range report.Loaded {
		metrics.ObservePluginLoad("loaded")
	}
	for range report.Skipped {
		metrics.ObservePluginLoad("skipped")
	}
	for name, cause := range report.Failed {
		metrics.ObservePluginLoad("failed")
		log.Warn("插件加载失败", slog.String("plugin", name), slog.Any("error", cause))
	}
	log.Info("插件加载完成", slog.Int("loaded", len(report.Loaded)), slog.Int("failed", len(report.Failed)))
	return nil
}

// applyPluginChange 卸载被移除插件的算子并加载新增插件。Go 插件无法重复打开，更新的插件需要重启进程。
func applyPluginChange(ctx context.Context, manager *plugin.Manager, operators *operator.Registry, change plugin.Change, log *slog.Logger) {
	for _, name := range change.Removed {
		n := operators.UnregisterNamespace(name)
		log.Info("插件已移除", slog.String("plugin", name), slog.Int("operators", n))
	}
	for _, def := range change.Updated {
		log.Warn("插件已更新，需要重启后生效", slog.String("plugin", def.Name), slog.String("version", def.Version))
	}
	if len(change.Added) > 0 {
		if err := loadPlugins(ctx, manager, log); err != nil {
			log.Error("重新加载插件失败", slog.Any("error", err))
		}
	}
}

func openSettings(ctx context.Context, cfg config.SettingsConfig, managerCfg plugin.ManagerConfig) (plugin.SettingsSource, func(), error) {
	switch cfg.Driver {
	case "mysql":
		db, err := settings.NewMySQLSource(ctx, settings.Config{
			DSN:             cfg.DSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleTimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return settings.Stack{managerCfg, db}, func() { _ = db.Close() }, nil
	default:
		return settings.Stack{managerCfg}, func() {}, nil
	}
}

func openDispatcher(ctx context.Context, cfg config.QueueConfig) (invocation.Dispatcher, error) {
	switch cfg.Driver {
	case "redis":
		return invocation.NewRedisDispatcher(ctx, invocation.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Key:       cfg.Redis.Key,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return invocation.NewRabbitMQDispatcher(invocation.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	case "memory", "":
		return invocation.NewMemoryDispatcher(1024), nil
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}
