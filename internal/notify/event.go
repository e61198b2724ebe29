package notify

import (
	"strings"
	"time"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

// 通知渠道的严重级别刻度：low < medium < high < critical。
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

var severityScale = []string{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionResolve Action = "resolve"
)

// Event 为一次需要外发的告警/事件变更。
type Event struct {
	ClusterID    string    `json:"cluster_id"`
	ClusterName  string    `json:"cluster_name"`
	OwnerID      string    `json:"owner_id"`
	AlertKind    string    `json:"alert_kind"`
	AlertID      uint64    `json:"alert_id"`
	Title        string    `json:"title"`
	Message      string    `json:"message"`
	Severity     string    `json:"severity"`
	ResourceName string    `json:"resource_name,omitempty"`
	Action       Action    `json:"action"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// SeverityIndex 返回级别在刻度上的位置；未知级别返回 -1。
func SeverityIndex(s string) int {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, v := range severityScale {
		if v == s {
			return i
		}
	}
	return -1
}

// ValidSeverity 报告 s 是否为刻度上的级别。
func ValidSeverity(s string) bool {
	return SeverityIndex(s) >= 0
}

// FromAlertSeverity 将告警级别映射到通知刻度：info→low，warning→medium，critical→critical。
// 已经是刻度上的级别则原样返回。
func FromAlertSeverity(s string) string {
	switch s {
	case storage.SeverityInfo:
		return SeverityLow
	case storage.SeverityWarning:
		return SeverityMedium
	case storage.SeverityCritical:
		return SeverityCritical
	}
	if ValidSeverity(s) {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return SeverityLow
}

// Allows 判断阈值为 threshold 的渠道是否接收 severity 级别的事件；未配置阈值时全部接收。
func Allows(threshold, severity string) bool {
	if strings.TrimSpace(threshold) == "" {
		return true
	}
	t := SeverityIndex(threshold)
	if t < 0 {
		return true
	}
	return SeverityIndex(severity) >= t
}
