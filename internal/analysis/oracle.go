package analysis

import (
	"context"

	"github.com/wwwzy/KubeSentry/internal/notify"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

// 关联类型（EventCorrelation.CorrelationType）。
const (
	CorrelationCascade            = "cascade"
	CorrelationResourceContention = "resource_contention"
	CorrelationNetwork            = "network"
	CorrelationConfiguration      = "configuration"
)

// 趋势方向（PodRestartTrend.TrendDirection）。
const (
	TrendIncreasing = "increasing"
	TrendDecreasing = "decreasing"
	TrendStable     = "stable"
)

// 建议类型、影响与实施难度的取值。
const (
	SuggestionImmediate    = "immediate"
	SuggestionPreventive   = "preventive"
	SuggestionOptimization = "optimization"

	ImpactHigh   = "high"
	ImpactMedium = "medium"
	ImpactLow    = "low"

	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// CorrelationVerdict 为关联 oracle 对一个时间桶的判断。
type CorrelationVerdict struct {
	Confidence float64 `json:"confidence"`
	RootCause  string  `json:"root_cause"`
	Type       string  `json:"type"`
}

type CorrelationOracle interface {
	ScoreCorrelation(ctx context.Context, events []storage.ClusterEvent) (CorrelationVerdict, error)
}

// TrendVerdict 为趋势 oracle 对一个 Pod 重启序列的判断。
type TrendVerdict struct {
	Significance float64 `json:"significance"`
	Direction    string  `json:"direction"`
	Score        float64 `json:"score"`
}

type TrendOracle interface {
	ScoreTrend(ctx context.Context, samples []storage.PodHealthSample) (TrendVerdict, error)
}

// SuggestionDraft 为建议 oracle 返回的一条候选建议，落库前会被归一化。
type SuggestionDraft struct {
	Type            string   `json:"type"`
	Priority        int      `json:"priority"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	ActionSteps     []string `json:"action_steps"`
	EstimatedImpact string   `json:"estimated_impact"`
	Difficulty      string   `json:"difficulty"`
	Confidence      float64  `json:"confidence"`
}

// ClusterContext 为生成建议时提供给 oracle 的集群上下文。
type ClusterContext struct {
	Cluster      storage.Cluster
	Health       *storage.HealthScore
	Containers   []storage.PodHealth
	RecentEvents []storage.ClusterEvent
}

type SuggestionOracle interface {
	GenerateSuggestions(ctx context.Context, alert storage.SmartAlert, cc ClusterContext) ([]SuggestionDraft, error)
}

// Oracle 聚合三种评分能力；oracle 包中的实现都满足它。
type Oracle interface {
	CorrelationOracle
	TrendOracle
	SuggestionOracle
}

// Notifier 接收告警变更并外发；实现方负责隔离单个渠道的失败。
type Notifier interface {
	Dispatch(ctx context.Context, ev notify.Event) (notify.Result, error)
}

type traceIDKey struct{}

// WithTraceID 将一次 pass 的 TraceID 注入 context，oracle 审计记录据此串联。
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// GetTraceID 从 context 获取 TraceID
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey{}).(string); ok {
		return v
	}
	return ""
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
