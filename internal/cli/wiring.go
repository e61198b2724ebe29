package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	gormlogger "gorm.io/gorm/logger"

	"github.com/wwwzy/KubeSentry/internal/analysis"
	"github.com/wwwzy/KubeSentry/internal/collector"
	"github.com/wwwzy/KubeSentry/internal/config"
	"github.com/wwwzy/KubeSentry/internal/monitor"
	"github.com/wwwzy/KubeSentry/internal/notify"
	"github.com/wwwzy/KubeSentry/internal/oracle"
	"github.com/wwwzy/KubeSentry/internal/storage"
	"github.com/wwwzy/KubeSentry/internal/telemetry"
)

// openStore 打开数据库；log_level=debug 时输出 gorm 的 SQL 日志。
func openStore(ctx context.Context) (*storage.Storage, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	sc := cfg.Storage
	if strings.EqualFold(cfg.LogLevel, "debug") {
		sc.Logger = gormlogger.Default.LogMode(gormlogger.Info)
	}
	store, err := storage.Open(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("打开存储失败: %w", err)
	}
	return store, nil
}

// syncRegistry 将配置中的集群、指标源与通知渠道写入数据库。
func syncRegistry(ctx context.Context, store *storage.Storage, c *config.Config) error {
	clusters, sources := c.StorageClusters()
	if err := store.SyncClusters(ctx, clusters, sources); err != nil {
		return fmt.Errorf("同步集群配置失败: %w", err)
	}
	if err := store.SyncChannels(ctx, c.StorageChannels()); err != nil {
		return fmt.Errorf("同步通知渠道失败: %w", err)
	}
	return nil
}

// newDispatcher 构造通知分发器；返回的 closer 关闭 NATS 连接。
func newDispatcher(store *storage.Storage, c *config.Config, metrics *telemetry.Metrics) (*notify.Dispatcher, func()) {
	natsSender := notify.NewNATSSender(c.Notify.NATSURL)
	d := notify.NewDispatcher(store).
		WithSender(notify.KindSlack, notify.NewSlackSender(&http.Client{Timeout: c.Notify.Timeout})).
		WithSender(notify.KindNATS, natsSender).
		WithTimeout(c.Notify.Timeout).
		WithConcurrency(c.Notify.Concurrency).
		WithDeliveryHook(metrics.DeliveryHook()).
		WithLogger(logger)
	return d, natsSender.Close
}

type runtimeDeps struct {
	store      *storage.Storage
	connector  *monitor.Connector
	dispatcher *notify.Dispatcher
	metrics    *telemetry.Metrics
	pipeline   *monitor.Pipeline
	closers    []func()
}

func (d *runtimeDeps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

// buildPipeline 打开存储、同步配置并装配一次 pass 所需的全部组件。
func buildPipeline(ctx context.Context) (*runtimeDeps, error) {
	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	deps := &runtimeDeps{store: store, metrics: telemetry.New()}
	deps.closers = append(deps.closers, func() { _ = store.Close() })

	fail := func(err error) (*runtimeDeps, error) {
		deps.Close()
		return nil, err
	}

	if err := syncRegistry(ctx, store, cfg); err != nil {
		return fail(err)
	}

	catalog := collector.DefaultCatalog()
	if cfg.Collector.CatalogFile != "" {
		if catalog, err = collector.LoadCatalog(cfg.Collector.CatalogFile); err != nil {
			return fail(fmt.Errorf("加载查询目录失败: %w", err))
		}
	}

	orc, err := oracle.New(ctx, cfg.Oracle.Config, cfg.Ark, store, logger)
	if err != nil {
		return fail(fmt.Errorf("初始化 oracle 失败: %w", err))
	}

	deps.connector = monitor.NewConnector(cfg.Collector.QueryTimeout, cfg.Collector.Concurrency)
	deps.closers = append(deps.closers, func() { _ = deps.connector.Close() })

	var closeNATS func()
	deps.dispatcher, closeNATS = newDispatcher(store, cfg, deps.metrics)
	deps.closers = append(deps.closers, closeNATS)

	deps.pipeline, err = monitor.NewPipeline(store, monitor.PipelineOptions{
		Runtimes:           deps.connector.Runtime,
		Sources:            deps.connector.Source,
		Catalog:            catalog,
		CollectConcurrency: cfg.Collector.Concurrency,
		Thresholds:         cfg.Analysis.Thresholds,
		RefreshOnDuplicate: cfg.Analysis.RefreshOnDuplicate,
		CrashLoopRestarts:  cfg.Analysis.CrashLoopRestarts,
		Oracle:             orc,
		OracleTimeout:      cfg.Oracle.Timeout,
		Notifier:           deps.dispatcher,
		Metrics:            deps.metrics,
		Concurrency:        cfg.Monitor.Concurrency,
		Logger:             logger,
	})
	if err != nil {
		return fail(fmt.Errorf("创建 pipeline 失败: %w", err))
	}
	return deps, nil
}

// newLifecycle 返回带通知的告警生命周期操作，供 alerts 命令使用。
func newLifecycle(store *storage.Storage) (*analysis.AlertLifecycle, func()) {
	d, closeNATS := newDispatcher(store, cfg, nil)
	return analysis.NewAlertLifecycle(store).WithNotifier(d).WithLogger(logger), closeNATS
}
