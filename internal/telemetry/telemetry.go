package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wwwzy/KubeSentry/internal/analysis"
	"github.com/wwwzy/KubeSentry/internal/collector"
	"github.com/wwwzy/KubeSentry/internal/notify"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

const namespace = "kubesentry"

// Metrics 为流水线自身的监控指标。所有方法对 nil 接收者安全，未启用自监控时可直接传 nil。
type Metrics struct {
	registry *prometheus.Registry

	passes          *prometheus.CounterVec
	passDuration    *prometheus.HistogramVec
	clusterErrors   *prometheus.CounterVec
	healthScore     *prometheus.GaugeVec
	openAlerts      *prometheus.GaugeVec
	alertsRaised    *prometheus.CounterVec
	queryFailures   *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	oracleCalls     *prometheus.CounterVec
	oracleDurations *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "passes_total",
				Help:      "Total number of pipeline passes",
			},
			[]string{"stage", "result"},
		),
		passDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pass_duration_seconds",
				Help:      "Duration of pipeline passes",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		clusterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cluster_errors_total",
				Help:      "Total number of per-cluster stage failures",
			},
			[]string{"cluster", "stage"},
		),
		healthScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cluster_health_score",
				Help:      "Latest cluster health score (0-100)",
			},
			[]string{"cluster", "component"},
		),
		openAlerts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_alerts",
				Help:      "Number of unresolved alerts",
			},
			[]string{"cluster", "kind"},
		),
		alertsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_raised_total",
				Help:      "Total number of alerts created",
			},
			[]string{"cluster", "kind"},
		),
		queryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collector_query_failures_total",
				Help:      "Total number of failed metric queries",
			},
			[]string{"cluster", "source"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of notification deliveries",
			},
			[]string{"kind", "result"},
		),
		oracleCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_calls_total",
				Help:      "Total number of oracle calls",
			},
			[]string{"capability", "result"},
		),
		oracleDurations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "oracle_call_duration_seconds",
				Help:      "Duration of oracle calls",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"capability"},
		),
	}

	m.registry.MustRegister(
		m.passes,
		m.passDuration,
		m.clusterErrors,
		m.healthScore,
		m.openAlerts,
		m.alertsRaised,
		m.queryFailures,
		m.notifications,
		m.oracleCalls,
		m.oracleDurations,
	)
	return m
}

// Registry 供 /metrics 处理器使用。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObservePass(stage string, d time.Duration, failedClusters int) {
	if m == nil {
		return
	}
	result := "ok"
	if failedClusters > 0 {
		result = "partial"
	}
	m.passes.WithLabelValues(stage, result).Inc()
	m.passDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ClusterError(clusterID, stage string) {
	if m == nil {
		return
	}
	m.clusterErrors.WithLabelValues(clusterID, stage).Inc()
}

func (m *Metrics) SetHealthScore(s *storage.HealthScore) {
	if m == nil || s == nil {
		return
	}
	m.healthScore.WithLabelValues(s.ClusterID, "overall").Set(s.OverallScore)
	m.healthScore.WithLabelValues(s.ClusterID, "cpu").Set(s.CPUScore)
	m.healthScore.WithLabelValues(s.ClusterID, "memory").Set(s.MemoryScore)
	m.healthScore.WithLabelValues(s.ClusterID, "disk").Set(s.DiskScore)
	m.healthScore.WithLabelValues(s.ClusterID, "pods").Set(s.PodHealth)
}

func (m *Metrics) SetOpenAlerts(clusterID string, threshold, smart int64) {
	if m == nil {
		return
	}
	m.openAlerts.WithLabelValues(clusterID, "threshold").Set(float64(threshold))
	m.openAlerts.WithLabelValues(clusterID, "smart").Set(float64(smart))
}

func (m *Metrics) AlertsRaised(clusterID, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.alertsRaised.WithLabelValues(clusterID, kind).Add(float64(n))
}

// QueryFailureHook 适配 collector.FailureHook。
func (m *Metrics) QueryFailureHook() collector.FailureHook {
	return func(clusterID string, f collector.QueryFailure) {
		if m == nil {
			return
		}
		m.queryFailures.WithLabelValues(clusterID, f.Source).Inc()
	}
}

// DeliveryHook 适配 notify.DeliveryHook。
func (m *Metrics) DeliveryHook() notify.DeliveryHook {
	return func(ch storage.NotificationChannel, err error) {
		if m == nil {
			return
		}
		m.notifications.WithLabelValues(ch.Kind, resultLabel(err)).Inc()
	}
}

func (m *Metrics) observeOracle(capability string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.oracleCalls.WithLabelValues(capability, resultLabel(err)).Inc()
	m.oracleDurations.WithLabelValues(capability).Observe(time.Since(start).Seconds())
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// InstrumentOracle 为 oracle 的每次调用计数并计时。
func InstrumentOracle(o analysis.Oracle, m *Metrics) analysis.Oracle {
	if m == nil {
		return o
	}
	return instrumentedOracle{next: o, metrics: m}
}

type instrumentedOracle struct {
	next    analysis.Oracle
	metrics *Metrics
}

func (o instrumentedOracle) ScoreCorrelation(ctx context.Context, events []storage.ClusterEvent) (analysis.CorrelationVerdict, error) {
	start := time.Now()
	v, err := o.next.ScoreCorrelation(ctx, events)
	o.metrics.observeOracle("correlation", start, err)
	return v, err
}

func (o instrumentedOracle) ScoreTrend(ctx context.Context, samples []storage.PodHealthSample) (analysis.TrendVerdict, error) {
	start := time.Now()
	v, err := o.next.ScoreTrend(ctx, samples)
	o.metrics.observeOracle("trend", start, err)
	return v, err
}

func (o instrumentedOracle) GenerateSuggestions(ctx context.Context, alert storage.SmartAlert, cc analysis.ClusterContext) ([]analysis.SuggestionDraft, error) {
	start := time.Now()
	drafts, err := o.next.GenerateSuggestions(ctx, alert, cc)
	o.metrics.observeOracle("suggestion", start, err)
	return drafts, err
}
