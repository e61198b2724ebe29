package storage

import "time"

// 指标类型（metric_type），决定样本被 HealthScorer / ThresholdMonitor 如何归类。
const (
	MetricCPU      = "cpu"
	MetricMemory   = "memory"
	MetricDisk     = "disk"
	MetricNetwork  = "network"
	MetricPodCount = "pod_count"
)

// 集群运行时来源（Cluster.Runtime）与指标源类型（MetricSource.Kind）。
const (
	RuntimeKube   = "kube"
	RuntimeDocker = "docker"
	RuntimeNone   = "none"

	SourcePrometheus    = "prometheus"
	SourceMetricsServer = "metrics_server"
)

// 阈值告警与智能告警共用的严重级别。
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Pod 状态（PodHealth.Status）。
const (
	PodRunning   = "Running"
	PodPending   = "Pending"
	PodFailed    = "Failed"
	PodSucceeded = "Succeeded"
	PodUnknown   = "Unknown"
)

// 智能告警类型（SmartAlert.AlertType）。
const (
	SmartOOMKill        = "oomkill"
	SmartCrashLoop      = "crash_loop"
	SmartLivenessFailed = "liveness_failed"
	SmartNodePressure   = "node_pressure"
)

// Cluster 是一个被监控的 Kubernetes 集群。由配置同步而来，不在运行期间修改。
type Cluster struct {
	// ID 为配置中声明的稳定标识，所有分析表都以它作为 cluster_id。
	ID string `gorm:"primaryKey;size:64"`
	// Name 为展示名称，通知消息中使用。
	Name string `gorm:"size:255;not null"`
	// OwnerID 为集群所属用户；NotificationDispatcher 据此查找该用户的通知渠道。
	OwnerID string `gorm:"size:64;index"`
	// Runtime 表示 Pod/事件状态来源：kube（Kubernetes API）、docker（节点 Docker 引擎）、none。
	Runtime string `gorm:"size:16;not null;default:none"`
	// Kubeconfig/Context 仅在 Runtime=kube 或存在 metrics_server 源时使用。
	Kubeconfig string `gorm:"size:1024"`
	Context    string `gorm:"size:255"`
	// DockerHost 仅在 Runtime=docker 时使用，为空表示读取 DOCKER_HOST 等环境变量。
	DockerHost string    `gorm:"size:1024"`
	CreatedAt  time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"not null;autoUpdateTime"`
}

// MetricSource 是集群的一个指标来源（Prometheus 兼容端点或 metrics-server）。
type MetricSource struct {
	ID        uint64 `gorm:"primaryKey"`
	ClusterID string `gorm:"size:64;not null;uniqueIndex:idx_metric_sources_cluster_name,priority:1"`
	Name      string `gorm:"size:128;not null;uniqueIndex:idx_metric_sources_cluster_name,priority:2"`
	// Kind 为 prometheus 或 metrics_server。
	Kind      string `gorm:"size:32;not null"`
	Endpoint  string `gorm:"size:1024"`
	AuthToken string `gorm:"size:2048"`
	Enabled   bool   `gorm:"not null"`
	// LastScrapeAt 为最近一次成功采集（至少一条查询成功）的时间。
	LastScrapeAt *time.Time
	CreatedAt    time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime"`
}

// MetricSample 为一条时序样本，写入后不可变。
type MetricSample struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// ClusterID 与 Timestamp 组成联合索引，用于“某集群最近 N 分钟”的窗口查询。
	ClusterID string `gorm:"size:64;not null;index:idx_metric_samples_cluster_time,priority:1"`
	// MetricType 为 cpu/memory/disk/network/pod_count 之一，由查询目录声明。
	MetricType string `gorm:"size:32;not null;index"`
	// MetricName 为查询目录中的查询名（例如 node_cpu_percent）。
	MetricName string  `gorm:"size:128;not null;index"`
	Value      float64 `gorm:"not null"`
	Unit       string  `gorm:"size:32"`
	// NodeName/Namespace/ResourceName 从结果标签中提取；缺失时为空字符串。
	NodeName     string `gorm:"size:255;index"`
	Namespace    string `gorm:"size:255"`
	ResourceName string `gorm:"size:255"`
	// Labels 为原始序列标签（JSON 存储）。
	Labels map[string]string `gorm:"serializer:json;type:text"`
	// Alertable 标记样本是否为百分比类指标，只有它们参与健康评分与阈值检查。
	Alertable bool `gorm:"not null;default:false"`
	// Timestamp 为样本时间（UTC）。
	Timestamp time.Time `gorm:"not null;index:idx_metric_samples_cluster_time,priority:2"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
}

// HealthScore 是一次健康评分的结果，(cluster_id, calculated_at) 唯一，写入后不再修改。
type HealthScore struct {
	ID           uint64    `gorm:"primaryKey"`
	ClusterID    string    `gorm:"size:64;not null;uniqueIndex:idx_health_scores_cluster_time,priority:1"`
	OverallScore float64   `gorm:"not null"`
	CPUScore     float64   `gorm:"not null"`
	MemoryScore  float64   `gorm:"not null"`
	DiskScore    float64   `gorm:"not null"`
	NetworkScore float64   `gorm:"not null"`
	PodHealth    float64   `gorm:"not null"`
	NodeCount    int       `gorm:"not null"`
	HealthyNodes int       `gorm:"not null"`
	TotalPods    int       `gorm:"not null"`
	HealthyPods  int       `gorm:"not null"`
	CalculatedAt time.Time `gorm:"not null;uniqueIndex:idx_health_scores_cluster_time,priority:2"`
}

// Alert 为阈值类告警。
//
// 不变量：同一 (cluster_id, alert_type, node_name) 至多存在一条未解决告警。
// NodeName 为空字符串表示集群级别。
type Alert struct {
	ID             uint64  `gorm:"primaryKey"`
	ClusterID      string  `gorm:"size:64;not null;index:idx_alerts_open_key,priority:1"`
	AlertType      string  `gorm:"size:64;not null;index:idx_alerts_open_key,priority:2"`
	Severity       string  `gorm:"size:16;not null"`
	ThresholdValue float64 `gorm:"not null"`
	CurrentValue   float64 `gorm:"not null"`
	NodeName       string  `gorm:"size:255;not null;index:idx_alerts_open_key,priority:3"`
	ResourceName   string  `gorm:"size:255"`
	Message        string  `gorm:"type:text;not null"`
	Acknowledged   bool    `gorm:"not null;default:false"`
	Resolved       bool    `gorm:"not null;default:false;index:idx_alerts_open_key,priority:4"`
	ResolvedAt     *time.Time
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"not null;autoUpdateTime"`
}

// SmartAlert 为模式类告警（OOM、CrashLoop 等），去重键为 (cluster_id, alert_type, resource_name, is_resolved=false)。
type SmartAlert struct {
	ID           uint64 `gorm:"primaryKey"`
	ClusterID    string `gorm:"size:64;not null;index:idx_smart_alerts_open_key,priority:1"`
	AlertType    string `gorm:"size:32;not null;index:idx_smart_alerts_open_key,priority:2"`
	Severity     string `gorm:"size:16;not null"`
	ResourceType string `gorm:"size:32;not null"`
	ResourceName string `gorm:"size:255;not null;index:idx_smart_alerts_open_key,priority:3"`
	Namespace    string `gorm:"size:255"`
	Title        string `gorm:"size:512;not null"`
	Description  string `gorm:"type:text"`
	Suggestion   string `gorm:"type:text"`
	// RelatedEvents 为相关 ClusterEvent 的 event_uid 列表。
	RelatedEvents []string `gorm:"serializer:json;type:text"`
	IsResolved    bool     `gorm:"not null;default:false;index:idx_smart_alerts_open_key,priority:4"`
	ResolvedAt    *time.Time
	CreatedAt     time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"not null;autoUpdateTime"`
}

// PodHealth 为容器的最新运行状态快照，(cluster_id, pod_name, namespace, container_name) 唯一，每轮覆盖写入。
type PodHealth struct {
	ID              uint64 `gorm:"primaryKey"`
	ClusterID       string `gorm:"size:64;not null;uniqueIndex:idx_pod_health_key,priority:1"`
	PodName         string `gorm:"size:255;not null;uniqueIndex:idx_pod_health_key,priority:2"`
	Namespace       string `gorm:"size:255;not null;uniqueIndex:idx_pod_health_key,priority:3"`
	ContainerName   string `gorm:"size:255;not null;uniqueIndex:idx_pod_health_key,priority:4"`
	NodeName        string `gorm:"size:255"`
	RestartCount    int32  `gorm:"not null"`
	LastRestartTime *time.Time
	ExitCode        *int32
	ExitReason      string `gorm:"size:128"`
	// WaitingReason 为容器当前等待原因（例如 CrashLoopBackOff），用于模式检测。
	WaitingReason string    `gorm:"size:128"`
	OOMKilled     bool      `gorm:"not null;default:false"`
	Status        string    `gorm:"size:16;not null"`
	UpdatedAt     time.Time `gorm:"not null;index"`
}

// PodHealthSample 为追加写入的历史样本：容器首次出现或 restart_count 变化时记录一条。
// TrendAnalyzer 以它作为时间序列来源。
type PodHealthSample struct {
	ID            uint64    `gorm:"primaryKey"`
	ClusterID     string    `gorm:"size:64;not null;index:idx_pod_health_samples_cluster_time,priority:1"`
	PodName       string    `gorm:"size:255;not null"`
	Namespace     string    `gorm:"size:255;not null"`
	ContainerName string    `gorm:"size:255;not null"`
	RestartCount  int32     `gorm:"not null"`
	OOMKilled     bool      `gorm:"not null;default:false"`
	Status        string    `gorm:"size:16;not null"`
	ObservedAt    time.Time `gorm:"not null;index:idx_pod_health_samples_cluster_time,priority:2"`
}

// ClusterEvent 为集群事件，(cluster_id, event_uid) 唯一；重复观测时 count/last_timestamp 只增不减。
type ClusterEvent struct {
	ID              uint64    `gorm:"primaryKey"`
	ClusterID       string    `gorm:"size:64;not null;uniqueIndex:idx_cluster_events_uid,priority:1;index:idx_cluster_events_cluster_time,priority:1"`
	EventUID        string    `gorm:"size:128;not null;uniqueIndex:idx_cluster_events_uid,priority:2"`
	Namespace       string    `gorm:"size:255"`
	Name            string    `gorm:"size:255"`
	Kind            string    `gorm:"size:64"`
	Reason          string    `gorm:"size:128;index"`
	Message         string    `gorm:"type:text"`
	Type            string    `gorm:"size:16;not null"`
	SourceComponent string    `gorm:"size:128"`
	SourceHost      string    `gorm:"size:255"`
	FirstTimestamp  time.Time `gorm:"not null"`
	LastTimestamp   time.Time `gorm:"not null;index:idx_cluster_events_cluster_time,priority:2"`
	Count           int32     `gorm:"not null;default:1"`
}

// EventCorrelation 为一次事件关联分析结果，创建后不可变。
type EventCorrelation struct {
	ID             uint64 `gorm:"primaryKey"`
	ClusterID      string `gorm:"size:64;not null;uniqueIndex:idx_event_correlations_id,priority:1;index:idx_event_correlations_bucket,priority:1"`
	CorrelationID  string `gorm:"size:96;not null;uniqueIndex:idx_event_correlations_id,priority:2"`
	PrimaryEventID string `gorm:"size:128;not null"`
	// RelatedEventIDs 为同一时间桶内其余事件的 event_uid。
	RelatedEventIDs   []string `gorm:"serializer:json;type:text"`
	RootCauseAnalysis string   `gorm:"type:text"`
	ConfidenceScore   float64  `gorm:"not null"`
	CorrelationType   string   `gorm:"size:32;not null"`
	// AffectedResources 为 kind/namespace/name 形式的资源列表。
	AffectedResources []string `gorm:"serializer:json;type:text"`
	// BucketStart 为时间桶起点，用于跳过已经分析过的桶。
	BucketStart time.Time `gorm:"not null;index:idx_event_correlations_bucket,priority:2"`
	CreatedAt   time.Time `gorm:"not null;autoCreateTime"`
}

// PodRestartTrend 为按小时聚合的 Pod 重启趋势，(cluster_id, pod_name, namespace, time_window) 唯一。
type PodRestartTrend struct {
	ID                 uint64    `gorm:"primaryKey"`
	ClusterID          string    `gorm:"size:64;not null;uniqueIndex:idx_pod_restart_trends_key,priority:1"`
	PodName            string    `gorm:"size:255;not null;uniqueIndex:idx_pod_restart_trends_key,priority:2"`
	Namespace          string    `gorm:"size:255;not null;uniqueIndex:idx_pod_restart_trends_key,priority:3"`
	TimeWindow         time.Time `gorm:"not null;uniqueIndex:idx_pod_restart_trends_key,priority:4"`
	RestartCount       int32     `gorm:"not null"`
	AvgRestartInterval float64   `gorm:"not null"`
	TrendDirection     string    `gorm:"size:16;not null"`
	TrendScore         float64   `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null;autoUpdateTime"`
}

// Suggestion 为某条智能告警的处置建议；一条告警一旦有建议就不再重新生成。
type Suggestion struct {
	ID                       uint64    `gorm:"primaryKey"`
	AlertID                  uint64    `gorm:"not null;index"`
	SuggestionType           string    `gorm:"size:32;not null"`
	Priority                 int       `gorm:"not null"`
	Title                    string    `gorm:"size:512;not null"`
	Description              string    `gorm:"type:text"`
	ActionSteps              []string  `gorm:"serializer:json;type:text"`
	EstimatedImpact          string    `gorm:"size:16;not null"`
	ImplementationDifficulty string    `gorm:"size:16;not null"`
	AIConfidence             float64   `gorm:"not null"`
	CreatedAt                time.Time `gorm:"not null;autoCreateTime"`
}

// NotificationChannel 为用户配置的出站通知渠道。
type NotificationChannel struct {
	ID     uint64 `gorm:"primaryKey"`
	UserID string `gorm:"size:64;not null;uniqueIndex:idx_notification_channels_user_name,priority:1"`
	Name   string `gorm:"size:128;not null;uniqueIndex:idx_notification_channels_user_name,priority:2"`
	// Kind 为 slack 或 nats。
	Kind string `gorm:"size:16;not null"`
	// Target 为 Slack webhook URL 或 NATS subject。
	Target string `gorm:"size:1024;not null"`
	// SeverityThreshold 为 low/medium/high/critical；为空表示接收全部级别。
	SeverityThreshold string    `gorm:"size:16"`
	Enabled           bool      `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"not null;autoUpdateTime"`
}

// AuditRecord 记录一次对外部 oracle（语言模型）的调用及其结果，用于审计与成本追踪。
//
// 复杂入参/输出统一以 JSON 字符串存放，超长部分截断。
type AuditRecord struct {
	// ID 为自增主键（内部使用）。
	ID uint64 `gorm:"primaryKey"`
	// TraceID 用于串联一次分析 pass，便于按 pass 聚合审计。
	TraceID string `gorm:"size:64;index"`
	// Action 表示调用的能力，例如 oracle.correlation / oracle.trend / oracle.suggestion。
	Action string `gorm:"size:128;not null;index"`
	// ParamsJSON 存放调用入参（JSON 字符串）。
	ParamsJSON string `gorm:"type:text"`
	// ResultJSON 存放调用结果（JSON 字符串）。
	ResultJSON string `gorm:"type:text"`
	// Status 表示执行状态（running/success/failed）。
	Status string `gorm:"size:32;not null;index"`
	// ErrorMessage 存放失败时的错误信息。
	ErrorMessage string `gorm:"type:text"`
	// StartedAt/FinishedAt 表示调用起止时间。
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time `gorm:"index"`
	// CreatedAt 为记录写入数据库的时间，默认自动填充。
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"`
}
