package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

// RetentionCollector 周期性清理过期的指标样本、Pod 健康样本、集群事件与健康评分。
// 告警、关联、趋势与建议属于分析结论，不在清理范围内。
type RetentionCollector struct {
	cfg RetentionConfig

	store  *storage.Storage
	logger *slog.Logger
}

func NewRetentionCollector(store *storage.Storage) (*RetentionCollector, error) {
	if store == nil {
		return nil, errors.New("storage is required")
	}
	return &RetentionCollector{store: store, logger: slog.Default()}, nil
}

func (c *RetentionCollector) WithConfig(cfg RetentionConfig) *RetentionCollector {
	c.cfg = cfg
	return c
}

func (c *RetentionCollector) WithLogger(l *slog.Logger) *RetentionCollector {
	if l != nil {
		c.logger = l
	}
	return c
}

func (c *RetentionCollector) Run(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}
	c.cfg = c.cfg.withDefaults()

	c.runLogged(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.runLogged(ctx)
		}
	}
}

// runLogged 执行一轮清理；失败只记录日志，下一个周期重试。
func (c *RetentionCollector) runLogged(ctx context.Context) {
	if err := c.RunOnce(ctx, time.Now().UTC()); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("retention pass failed", "error", err)
	}
}

// RunOnce 以 now 为基准执行一轮清理。
func (c *RetentionCollector) RunOnce(ctx context.Context, now time.Time) error {
	if c == nil || c.store == nil {
		return errors.New("retention collector not initialized")
	}
	c.cfg = c.cfg.withDefaults()

	var tasks []func(context.Context) error

	metricsCutAll := now.Add(-c.cfg.Metrics.KeepAll)
	metricsCutAnomaly := now.Add(-c.cfg.Metrics.KeepAnomalyUntil)
	tasks = append(tasks, func(ctx context.Context) error {
		return c.deleteLimited(ctx, "metric samples", func(ctx context.Context, limit int) (int64, error) {
			return c.store.DeleteMetricSamplesBeforeLimited(ctx, metricsCutAnomaly, limit)
		})
	})
	if metricsCutAll.After(metricsCutAnomaly) {
		tasks = append(tasks, func(ctx context.Context) error {
			return c.deleteLimited(ctx, "normal metric samples", func(ctx context.Context, limit int) (int64, error) {
				return c.store.DeleteMetricSamplesNonAnomalyInRangeLimited(ctx, metricsCutAnomaly, metricsCutAll, c.cfg.Metrics.Highs, limit)
			})
		})
	}

	historyCut := now.Add(-c.cfg.KeepHistory)
	tasks = append(tasks, func(ctx context.Context) error {
		return c.deleteLimited(ctx, "pod health samples", func(ctx context.Context, limit int) (int64, error) {
			return c.store.DeletePodHealthSamplesBeforeLimited(ctx, historyCut, limit)
		})
	})
	tasks = append(tasks, func(ctx context.Context) error {
		return c.deleteLimited(ctx, "cluster events", func(ctx context.Context, limit int) (int64, error) {
			return c.store.DeleteClusterEventsBeforeLimited(ctx, historyCut, limit)
		})
	})

	scoresCut := now.Add(-c.cfg.KeepHealthScores)
	tasks = append(tasks, func(ctx context.Context) error {
		return c.deleteLimited(ctx, "health scores", func(ctx context.Context, limit int) (int64, error) {
			return c.store.DeleteHealthScoresBeforeLimited(ctx, scoresCut, limit)
		})
	})

	workers := c.cfg.Workers
	if workers > len(tasks) {
		workers = len(tasks)
	}
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan func(context.Context) error)
	errs := make(chan error, len(tasks))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
					errs <- err
				}
			}
		}()
	}

	for _, t := range tasks {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			close(errs)
			return ctx.Err()
		case jobs <- t:
		}
	}
	close(jobs)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			c.cfg.OnError(err)
			return err
		}
	}
	return nil
}

type deleteBatchFunc func(ctx context.Context, limit int) (int64, error)

// deleteLimited 分批删除直到没有命中行，每批之间休眠 IdleSleep。
func (c *RetentionCollector) deleteLimited(ctx context.Context, what string, fn deleteBatchFunc) error {
	var total int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		affected, err := fn(ctx, c.cfg.BatchRows)
		if err != nil {
			return err
		}
		total += affected
		if affected == 0 {
			if total > 0 {
				c.logger.Debug("retention pruned rows", "table", what, "rows", total)
			}
			return nil
		}
		if err := c.sleepIdle(ctx); err != nil {
			return err
		}
	}
}

func (c *RetentionCollector) sleepIdle(ctx context.Context) error {
	if c.cfg.IdleSleep <= 0 {
		return nil
	}
	timer := time.NewTimer(c.cfg.IdleSleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
