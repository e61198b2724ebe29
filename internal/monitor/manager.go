package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Manager struct {
	cfg Config

	pipeline  *Pipeline
	retention *RetentionCollector
	logger    *slog.Logger

	started atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config) (*Manager, error) {
	return &Manager{
		cfg:    cfg.withDefaults(),
		logger: slog.Default(),
	}, nil
}

func (m *Manager) WithPipeline(p *Pipeline) *Manager {
	if m == nil {
		return nil
	}
	m.pipeline = p
	return m
}

func (m *Manager) WithRetention(r *RetentionCollector) *Manager {
	if m == nil {
		return nil
	}
	m.retention = r
	if m.retention != nil {
		m.retention.cfg = m.cfg.Retention
	}
	return m
}

func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	if m == nil {
		return nil
	}
	if l != nil {
		m.logger = l
	}
	return m
}

// Start 启动 ingest、analysis 与 retention 循环，立即返回。
func (m *Manager) Start(ctx context.Context) error {
	if m == nil {
		return errors.New("manager is nil")
	}
	if (m.cfg.Ingest.Enabled || m.cfg.Analysis.Enabled) && m.pipeline == nil {
		return errors.New("pipeline is required when ingest or analysis enabled")
	}
	if m.cfg.Retention.Enabled && m.retention == nil {
		return errors.New("retention collector is required when retention enabled")
	}
	if !m.started.CompareAndSwap(false, true) {
		return errors.New("manager already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.cfg.Ingest.Enabled {
		m.spawn(func() { m.loop(runCtx, StageIngest, m.cfg.Ingest.Interval) })
	}
	if m.cfg.Analysis.Enabled {
		m.spawn(func() { m.loop(runCtx, StageAnalysis, m.cfg.Analysis.Interval) })
	}
	if m.cfg.Retention.Enabled {
		m.spawn(func() {
			if err := m.retention.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.Error("retention stopped", "error", err)
			}
		})
	}
	return nil
}

func (m *Manager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// loop 立即执行一次 pass，之后按周期执行；pass 的任何失败都不会结束循环。
func (m *Manager) loop(ctx context.Context, stage Stage, interval time.Duration) {
	m.runPass(ctx, stage)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runPass(ctx, stage)
		}
	}
}

func (m *Manager) runPass(ctx context.Context, stage Stage) {
	res, err := m.pipeline.Run(ctx, stage)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Error("pass failed", "stage", stage, "error", err)
			m.cfg.OnError(err)
		}
		return
	}
	for _, c := range res.Clusters {
		if err := c.Err(); err != nil {
			m.cfg.OnError(fmt.Errorf("cluster %s: %w", c.ClusterID, err))
		}
	}
	m.logger.Info("pass finished",
		"stage", stage,
		"trace_id", res.TraceID,
		"clusters", len(res.Clusters),
		"failed", res.Failed(),
		"duration", res.Duration)
}

func (m *Manager) Stop() {
	if m == nil || m.cancel == nil {
		return
	}
	m.cancel()
}

func (m *Manager) Wait() error {
	if m == nil {
		return nil
	}
	m.wg.Wait()
	return nil
}
