package notify

import (
	"fmt"
	"strings"
)

// Message 为格式化后的通知内容，各渠道按自己的格式序列化。
type Message struct {
	Text  string `json:"text"`
	Event Event  `json:"event"`
}

var actionVerb = map[Action]string{
	ActionCreate:  "triggered",
	ActionUpdate:  "updated",
	ActionResolve: "resolved",
}

// Format 生成人类可读的通知文本。
func Format(ev Event) Message {
	verb, ok := actionVerb[ev.Action]
	if !ok {
		verb = string(ev.Action)
	}
	cluster := ev.ClusterName
	if cluster == "" {
		cluster = ev.ClusterID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s on cluster %s", strings.ToUpper(ev.Severity), ev.Title, verb, cluster)
	if ev.ResourceName != "" {
		fmt.Fprintf(&b, " (%s)", ev.ResourceName)
	}
	if ev.Message != "" {
		b.WriteString("\n")
		b.WriteString(ev.Message)
	}
	return Message{Text: b.String(), Event: ev}
}

func severityColor(s string) string {
	switch s {
	case SeverityCritical:
		return "#d00000"
	case SeverityHigh:
		return "#ff6d00"
	case SeverityMedium:
		return "#ffb700"
	default:
		return "#439fe0"
	}
}
