package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/wwwzy/KubeSentry/internal/analysis"
	"github.com/wwwzy/KubeSentry/internal/monitor"
	"github.com/wwwzy/KubeSentry/internal/notify"
	"github.com/wwwzy/KubeSentry/internal/oracle"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

type AnalysisConfig struct {
	// Thresholds 以 metric_type 为键，例如 cpu: {warning: 80, critical: 90}。
	Thresholds analysis.Thresholds `mapstructure:"thresholds"`
	// RefreshOnDuplicate 为 true 时，已存在的未解决告警会刷新当前值与级别。
	RefreshOnDuplicate bool `mapstructure:"refresh_on_duplicate"`
	// CrashLoopRestarts 为判定 crash_loop 的重启次数下限。
	CrashLoopRestarts int `mapstructure:"crash_loop_restarts"`
}

type CollectorConfig struct {
	// CatalogFile 非空时用该 YAML 文件替换内置查询目录。
	CatalogFile  string        `mapstructure:"catalog_file"`
	Concurrency  int           `mapstructure:"concurrency"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

type OracleConfig struct {
	oracle.Config `mapstructure:",squash"`
	// Timeout 为单次 oracle 调用的上限，超时按失败处理。
	Timeout time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
	// NATSURL 为 nats 渠道使用的服务器地址。
	NATSURL string `mapstructure:"nats_url"`
}

type ServerConfig struct {
	// Addr 为空时不启动 /metrics 与 /healthz。
	Addr string `mapstructure:"addr"`
}

type SourceConfig struct {
	Name      string `mapstructure:"name"`
	Kind      string `mapstructure:"kind"`
	Endpoint  string `mapstructure:"endpoint"`
	AuthToken string `mapstructure:"auth_token"`
	// Enabled 缺省为 true。
	Enabled *bool `mapstructure:"enabled"`
}

type ClusterConfig struct {
	ID         string         `mapstructure:"id"`
	Name       string         `mapstructure:"name"`
	OwnerID    string         `mapstructure:"owner_id"`
	Runtime    string         `mapstructure:"runtime"`
	Kubeconfig string         `mapstructure:"kubeconfig"`
	Context    string         `mapstructure:"context"`
	DockerHost string         `mapstructure:"docker_host"`
	Sources    []SourceConfig `mapstructure:"sources"`
}

type ChannelConfig struct {
	UserID            string `mapstructure:"user_id"`
	Name              string `mapstructure:"name"`
	Kind              string `mapstructure:"kind"`
	Target            string `mapstructure:"target"`
	SeverityThreshold string `mapstructure:"severity_threshold"`
	Enabled           *bool  `mapstructure:"enabled"`
}

type Config struct {
	Storage   storage.Config   `mapstructure:"storage"`
	Monitor   monitor.Config   `mapstructure:"monitor"`
	Analysis  AnalysisConfig   `mapstructure:"analysis"`
	Collector CollectorConfig  `mapstructure:"collector"`
	Oracle    OracleConfig     `mapstructure:"oracle"`
	Ark       oracle.ArkConfig `mapstructure:"ark"`
	Notify    NotifyConfig     `mapstructure:"notify"`
	Server    ServerConfig     `mapstructure:"server"`

	Clusters []ClusterConfig `mapstructure:"clusters"`
	Channels []ChannelConfig `mapstructure:"channels"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.kubesentry")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("KUBESENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal 只处理 viper 已知的 key，环境变量覆盖依赖这里注册的默认值。
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	// 异常样本的判定与阈值告警共用 warning 阈值。
	cfg.Monitor.Retention.Metrics.Highs = cfg.Analysis.Thresholds.Highs()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Oracle.Config.Validate(); err != nil {
		return err
	}
	if strings.EqualFold(strings.TrimSpace(c.Oracle.Provider), oracle.ProviderArk) {
		if c.Ark.APIKey == "" {
			return errors.New("ark.api_key is required when oracle.provider=ark (or set ARK_API_KEY env var)")
		}
		if c.Ark.ModelID == "" {
			return errors.New("ark.model_id is required when oracle.provider=ark (or set ARK_MODEL_ID env var)")
		}
	}
	if err := c.Analysis.Thresholds.Validate(); err != nil {
		return fmt.Errorf("analysis.thresholds: %w", err)
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}

	seen := make(map[string]struct{}, len(c.Clusters))
	for i, cl := range c.Clusters {
		if strings.TrimSpace(cl.ID) == "" {
			return fmt.Errorf("clusters[%d].id is required", i)
		}
		if _, dup := seen[cl.ID]; dup {
			return fmt.Errorf("duplicate cluster id %q", cl.ID)
		}
		seen[cl.ID] = struct{}{}

		switch cl.Runtime {
		case "", storage.RuntimeKube, storage.RuntimeDocker, storage.RuntimeNone:
		default:
			return fmt.Errorf("cluster %s: unknown runtime %q", cl.ID, cl.Runtime)
		}

		names := make(map[string]struct{}, len(cl.Sources))
		for j, src := range cl.Sources {
			if src.Name == "" {
				return fmt.Errorf("cluster %s: sources[%d].name is required", cl.ID, j)
			}
			if _, dup := names[src.Name]; dup {
				return fmt.Errorf("cluster %s: duplicate source name %q", cl.ID, src.Name)
			}
			names[src.Name] = struct{}{}
			switch src.Kind {
			case storage.SourcePrometheus:
				if src.Endpoint == "" {
					return fmt.Errorf("cluster %s: source %s: endpoint is required", cl.ID, src.Name)
				}
			case storage.SourceMetricsServer:
			default:
				return fmt.Errorf("cluster %s: source %s: unknown kind %q", cl.ID, src.Name, src.Kind)
			}
		}
	}

	for i, ch := range c.Channels {
		if ch.UserID == "" || ch.Name == "" {
			return fmt.Errorf("channels[%d]: user_id and name are required", i)
		}
		switch ch.Kind {
		case notify.KindSlack, notify.KindNATS:
		default:
			return fmt.Errorf("channel %s/%s: unknown kind %q", ch.UserID, ch.Name, ch.Kind)
		}
		if ch.Target == "" {
			return fmt.Errorf("channel %s/%s: target is required", ch.UserID, ch.Name)
		}
		if ch.SeverityThreshold != "" && notify.SeverityIndex(ch.SeverityThreshold) < 0 {
			return fmt.Errorf("channel %s/%s: severity_threshold must be low, medium, high or critical, got %q",
				ch.UserID, ch.Name, ch.SeverityThreshold)
		}
	}
	return nil
}

// StorageClusters 将配置中的集群与指标源转换为待同步的表记录。
func (c *Config) StorageClusters() ([]storage.Cluster, []storage.MetricSource) {
	clusters := make([]storage.Cluster, 0, len(c.Clusters))
	var sources []storage.MetricSource
	for _, cl := range c.Clusters {
		name := cl.Name
		if name == "" {
			name = cl.ID
		}
		runtime := cl.Runtime
		if runtime == "" {
			runtime = storage.RuntimeNone
		}
		clusters = append(clusters, storage.Cluster{
			ID:         cl.ID,
			Name:       name,
			OwnerID:    cl.OwnerID,
			Runtime:    runtime,
			Kubeconfig: cl.Kubeconfig,
			Context:    cl.Context,
			DockerHost: cl.DockerHost,
		})
		for _, src := range cl.Sources {
			sources = append(sources, storage.MetricSource{
				ClusterID: cl.ID,
				Name:      src.Name,
				Kind:      src.Kind,
				Endpoint:  src.Endpoint,
				AuthToken: src.AuthToken,
				Enabled:   enabled(src.Enabled),
			})
		}
	}
	return clusters, sources
}

func (c *Config) StorageChannels() []storage.NotificationChannel {
	out := make([]storage.NotificationChannel, 0, len(c.Channels))
	for _, ch := range c.Channels {
		out = append(out, storage.NotificationChannel{
			UserID:            ch.UserID,
			Name:              ch.Name,
			Kind:              ch.Kind,
			Target:            ch.Target,
			SeverityThreshold: strings.ToLower(ch.SeverityThreshold),
			Enabled:           enabled(ch.Enabled),
		})
	}
	return out
}

func enabled(v *bool) bool {
	return v == nil || *v
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()

	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)

	// -------------------------------------------------------------------------
	// Storage (存储)
	// -------------------------------------------------------------------------
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.busy_timeout", d.Storage.BusyTimeout)
	v.SetDefault("storage.enable_wal", d.Storage.EnableWAL)

	// -------------------------------------------------------------------------
	// Monitor (周期任务)
	// -------------------------------------------------------------------------
	v.SetDefault("monitor.ingest.enabled", d.Monitor.Ingest.Enabled)
	v.SetDefault("monitor.ingest.interval", d.Monitor.Ingest.Interval)
	v.SetDefault("monitor.analysis.enabled", d.Monitor.Analysis.Enabled)
	v.SetDefault("monitor.analysis.interval", d.Monitor.Analysis.Interval)
	v.SetDefault("monitor.concurrency", d.Monitor.Concurrency)

	v.SetDefault("monitor.retention.enabled", d.Monitor.Retention.Enabled)
	v.SetDefault("monitor.retention.interval", d.Monitor.Retention.Interval)
	v.SetDefault("monitor.retention.workers", d.Monitor.Retention.Workers)
	v.SetDefault("monitor.retention.batch_rows", d.Monitor.Retention.BatchRows)
	v.SetDefault("monitor.retention.idle_sleep", d.Monitor.Retention.IdleSleep)
	v.SetDefault("monitor.retention.metrics.keep_all", d.Monitor.Retention.Metrics.KeepAll)
	v.SetDefault("monitor.retention.metrics.keep_anomaly_until", d.Monitor.Retention.Metrics.KeepAnomalyUntil)
	v.SetDefault("monitor.retention.keep_history", d.Monitor.Retention.KeepHistory)
	v.SetDefault("monitor.retention.keep_health_scores", d.Monitor.Retention.KeepHealthScores)

	// -------------------------------------------------------------------------
	// Analysis (阈值与模式检测)
	// -------------------------------------------------------------------------
	for typ, th := range d.Analysis.Thresholds {
		v.SetDefault("analysis.thresholds."+typ+".warning", th.Warning)
		v.SetDefault("analysis.thresholds."+typ+".critical", th.Critical)
	}
	v.SetDefault("analysis.refresh_on_duplicate", d.Analysis.RefreshOnDuplicate)
	v.SetDefault("analysis.crash_loop_restarts", d.Analysis.CrashLoopRestarts)

	v.SetDefault("collector.catalog_file", d.Collector.CatalogFile)
	v.SetDefault("collector.concurrency", d.Collector.Concurrency)
	v.SetDefault("collector.query_timeout", d.Collector.QueryTimeout)

	// -------------------------------------------------------------------------
	// Oracle / Ark
	// -------------------------------------------------------------------------
	v.SetDefault("oracle.provider", d.Oracle.Provider)
	v.SetDefault("oracle.timeout", d.Oracle.Timeout)

	v.SetDefault("ark.api_key", "")
	v.SetDefault("ark.model_id", "")
	v.SetDefault("ark.base_url", d.Ark.BaseURL)

	v.BindEnv("ark.api_key", "ARK_API_KEY")
	v.BindEnv("ark.model_id", "ARK_MODEL_ID")
	v.BindEnv("ark.base_url", "ARK_BASE_URL")

	v.SetDefault("notify.timeout", d.Notify.Timeout)
	v.SetDefault("notify.concurrency", d.Notify.Concurrency)
	v.SetDefault("notify.nats_url", d.Notify.NATSURL)

	v.SetDefault("server.addr", d.Server.Addr)
}

func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "text",
		Storage: storage.Config{
			Path:        "kubesentry.db",
			BusyTimeout: 5 * time.Second,
			EnableWAL:   true,
		},
		Monitor: monitor.DefaultConfig(),
		Analysis: AnalysisConfig{
			Thresholds:         analysis.DefaultThresholds(),
			RefreshOnDuplicate: true,
			CrashLoopRestarts:  5,
		},
		Collector: CollectorConfig{
			Concurrency:  4,
			QueryTimeout: 15 * time.Second,
		},
		Oracle: OracleConfig{
			Config:  oracle.Config{Provider: oracle.ProviderHeuristic},
			Timeout: 60 * time.Second,
		},
		Ark: oracle.ArkConfig{
			BaseURL: "https://ark.cn-beijing.volces.com/api/v3",
		},
		Notify: NotifyConfig{
			Timeout:     10 * time.Second,
			Concurrency: 8,
			NATSURL:     "nats://127.0.0.1:4222",
		},
		Server: ServerConfig{
			Addr: ":9464",
		},
	}
}
