package monitor

import (
	"runtime"
	"time"
)

type ErrorHandler func(err error)

// LoopConfig 控制一个周期性 pass 循环。
type LoopConfig struct {
	// Enabled 控制该循环是否启动。
	Enabled bool `mapstructure:"enabled"`
	// Interval 为 pass 周期；启动时立即执行一次，之后每个周期执行一次。
	Interval time.Duration `mapstructure:"interval"`
}

// MetricRetention 为指标样本的分级保留策略。
type MetricRetention struct {
	// KeepAll 为全量保留时长，超过后只保留异常样本。
	KeepAll time.Duration `mapstructure:"keep_all"`
	// KeepAnomalyUntil 为异常样本的最长保留时长，超过后全部删除。
	KeepAnomalyUntil time.Duration `mapstructure:"keep_anomaly_until"`
	// Highs 按 metric_type 给出异常下限（取 warning 阈值），不从配置文件读取。
	Highs map[string]float64 `mapstructure:"-"`
}

type RetentionConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Interval 为清理周期。
	Interval time.Duration `mapstructure:"interval"`
	// Workers 为并发执行清理任务的 worker 数量。
	Workers int `mapstructure:"workers"`
	// BatchRows 为单次删除的最大行数，避免长事务锁库。
	BatchRows int `mapstructure:"batch_rows"`
	// IdleSleep 为两批删除之间的休眠时间。
	IdleSleep time.Duration `mapstructure:"idle_sleep"`

	Metrics MetricRetention `mapstructure:"metrics"`
	// KeepHistory 为 Pod 健康样本与集群事件的保留时长。
	KeepHistory time.Duration `mapstructure:"keep_history"`
	// KeepHealthScores 为健康评分的保留时长。
	KeepHealthScores time.Duration `mapstructure:"keep_health_scores"`

	OnError ErrorHandler `mapstructure:"-"`
}

type Config struct {
	// Ingest 为运行时采集循环：Pod 状态、集群事件与模式检测。
	Ingest LoopConfig `mapstructure:"ingest"`
	// Analysis 为分析循环：指标采集、健康评分、阈值检查、关联、趋势与建议。
	Analysis LoopConfig `mapstructure:"analysis"`
	// Concurrency 为一个 pass 内并发处理的集群数量。
	Concurrency int `mapstructure:"concurrency"`

	Retention RetentionConfig `mapstructure:"retention"`

	// OnError 为 pass 内单个集群失败的回调；默认丢弃。
	OnError ErrorHandler `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		Ingest: LoopConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
		Analysis: LoopConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
		Concurrency: max(2, runtime.NumCPU()/2),
		Retention: RetentionConfig{
			Enabled:   true,
			Interval:  time.Hour,
			Workers:   2,
			BatchRows: 1000,
			IdleSleep: 50 * time.Millisecond,
			Metrics: MetricRetention{
				KeepAll:          3 * 24 * time.Hour,
				KeepAnomalyUntil: 7 * 24 * time.Hour,
			},
			KeepHistory:      7 * 24 * time.Hour,
			KeepHealthScores: 30 * 24 * time.Hour,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Ingest.Interval <= 0 {
		c.Ingest.Interval = d.Ingest.Interval
	}
	if c.Analysis.Interval <= 0 {
		c.Analysis.Interval = d.Analysis.Interval
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	c.Retention = c.Retention.withDefaults()
	return c
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	d := DefaultConfig().Retention
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.BatchRows <= 0 {
		c.BatchRows = d.BatchRows
	}
	if c.IdleSleep < 0 {
		c.IdleSleep = 0
	}
	if c.Metrics.KeepAll <= 0 {
		c.Metrics.KeepAll = d.Metrics.KeepAll
	}
	if c.Metrics.KeepAnomalyUntil <= 0 {
		c.Metrics.KeepAnomalyUntil = d.Metrics.KeepAnomalyUntil
	}
	if c.KeepHistory <= 0 {
		c.KeepHistory = d.KeepHistory
	}
	if c.KeepHealthScores <= 0 {
		c.KeepHealthScores = d.KeepHealthScores
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}
