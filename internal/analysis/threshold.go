package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wwwzy/KubeSentry/internal/notify"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

type ThresholdReport struct {
	Evaluated  int
	Created    int
	Refreshed  int
	Suppressed int
}

// ThresholdMonitor 将最近样本与静态阈值比较，并保证每个 (cluster, alert_type, node) 至多一条未解决告警。
type ThresholdMonitor struct {
	store      *storage.Storage
	thresholds Thresholds
	window     time.Duration
	refresh    bool
	notifier   Notifier
	logger     *slog.Logger
	now        func() time.Time
}

func NewThresholdMonitor(store *storage.Storage, thresholds Thresholds) *ThresholdMonitor {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &ThresholdMonitor{
		store:      store,
		thresholds: thresholds,
		window:     2 * time.Minute,
		refresh:    true,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

func (m *ThresholdMonitor) WithWindow(d time.Duration) *ThresholdMonitor {
	if d > 0 {
		m.window = d
	}
	return m
}

// WithRefresh 控制重复触发时是否刷新已有告警的当前值/级别/消息。
func (m *ThresholdMonitor) WithRefresh(on bool) *ThresholdMonitor {
	m.refresh = on
	return m
}

func (m *ThresholdMonitor) WithNotifier(n Notifier) *ThresholdMonitor {
	m.notifier = n
	return m
}

func (m *ThresholdMonitor) WithLogger(l *slog.Logger) *ThresholdMonitor {
	if l != nil {
		m.logger = l
	}
	return m
}

func (m *ThresholdMonitor) WithClock(now func() time.Time) *ThresholdMonitor {
	if now != nil {
		m.now = now
	}
	return m
}

// AlertType 返回某指标类型对应的告警类型，例如 cpu -> cpu_pressure。
func AlertType(metricType string) string {
	return metricType + "_pressure"
}

// AlertMessage 生成阈值告警消息；node 为空时表示集群级别。
func AlertMessage(metricType string, value float64, severity string, threshold float64, node string) string {
	if node == "" {
		node = "cluster"
	}
	return fmt.Sprintf("%s usage %.1f%% exceeds %s threshold of %g%% on %s",
		strings.ToUpper(metricType), value, severity, threshold, node)
}

// Check 按时间升序评估窗口内的 alertable 样本。
func (m *ThresholdMonitor) Check(ctx context.Context, cl storage.Cluster) (ThresholdReport, error) {
	now := m.now().UTC()
	from := now.Add(-m.window)
	samples, err := m.store.QueryMetricSamples(ctx, storage.MetricQuery{
		ClusterID:     cl.ID,
		AlertableOnly: true,
		From:          &from,
		To:            &now,
		Limit:         storage.Unlimited,
	})
	if err != nil {
		return ThresholdReport{}, err
	}

	var rep ThresholdReport
	for _, s := range samples {
		severity, threshold, ok := m.thresholds.Evaluate(s.MetricType, s.Value)
		if !ok {
			continue
		}
		rep.Evaluated++

		alert := storage.Alert{
			ClusterID:      cl.ID,
			AlertType:      AlertType(s.MetricType),
			Severity:       severity,
			ThresholdValue: threshold,
			CurrentValue:   s.Value,
			NodeName:       s.NodeName,
			ResourceName:   s.ResourceName,
			Message:        AlertMessage(s.MetricType, s.Value, severity, threshold, s.NodeName),
		}
		w, err := m.store.UpsertOpenAlert(ctx, alert, m.refresh)
		if err != nil {
			return rep, fmt.Errorf("upsert alert %s/%s: %w", alert.AlertType, alert.NodeName, err)
		}

		switch w.Outcome {
		case storage.AlertCreated:
			rep.Created++
			m.logger.Info("threshold alert raised",
				"cluster", cl.ID, "type", alert.AlertType, "node", alert.NodeName, "severity", severity, "value", s.Value)
			m.dispatch(ctx, cl, w.Alert, notify.ActionCreate)
		case storage.AlertRefreshed:
			rep.Refreshed++
			if w.PreviousSeverity != w.Alert.Severity {
				m.dispatch(ctx, cl, w.Alert, notify.ActionUpdate)
			}
		default:
			rep.Suppressed++
		}
	}
	return rep, nil
}

func (m *ThresholdMonitor) dispatch(ctx context.Context, cl storage.Cluster, a storage.Alert, action notify.Action) {
	if m.notifier == nil {
		return
	}
	ev := AlertEvent(cl, a, action)
	if _, err := m.notifier.Dispatch(ctx, ev); err != nil {
		m.logger.Warn("dispatch alert notification failed", "cluster", cl.ID, "alert_id", a.ID, "error", err)
	}
}

// AlertEvent 将阈值告警转换为通知事件。
func AlertEvent(cl storage.Cluster, a storage.Alert, action notify.Action) notify.Event {
	resource := a.NodeName
	if a.ResourceName != "" {
		resource = a.ResourceName
	}
	return notify.Event{
		ClusterID:    cl.ID,
		ClusterName:  cl.Name,
		OwnerID:      cl.OwnerID,
		AlertKind:    "threshold",
		AlertID:      a.ID,
		Title:        strings.ReplaceAll(a.AlertType, "_", " "),
		Message:      a.Message,
		Severity:     notify.FromAlertSeverity(a.Severity),
		ResourceName: resource,
		Action:       action,
		OccurredAt:   time.Now().UTC(),
	}
}

// SmartAlertEvent 将智能告警转换为通知事件。
func SmartAlertEvent(cl storage.Cluster, a storage.SmartAlert, action notify.Action) notify.Event {
	resource := a.ResourceName
	if a.Namespace != "" {
		resource = a.Namespace + "/" + a.ResourceName
	}
	return notify.Event{
		ClusterID:    cl.ID,
		ClusterName:  cl.Name,
		OwnerID:      cl.OwnerID,
		AlertKind:    "smart",
		AlertID:      a.ID,
		Title:        a.Title,
		Message:      a.Description,
		Severity:     notify.FromAlertSeverity(a.Severity),
		ResourceName: resource,
		Action:       action,
		OccurredAt:   time.Now().UTC(),
	}
}
