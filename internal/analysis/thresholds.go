package analysis

import (
	"fmt"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

// Threshold 为某一指标类型的告警阈值（百分比）。
type Threshold struct {
	Warning  float64 `mapstructure:"warning"`
	Critical float64 `mapstructure:"critical"`
}

// Thresholds 以 metric_type 为键。
type Thresholds map[string]Threshold

func DefaultThresholds() Thresholds {
	return Thresholds{
		storage.MetricCPU:    {Warning: 80, Critical: 90},
		storage.MetricMemory: {Warning: 85, Critical: 95},
		storage.MetricDisk:   {Warning: 90, Critical: 95},
	}
}

func (t Thresholds) Validate() error {
	for typ, th := range t {
		if th.Warning <= 0 || th.Critical <= 0 {
			return fmt.Errorf("threshold %s: values must be positive", typ)
		}
		if th.Warning >= th.Critical {
			return fmt.Errorf("threshold %s: warning (%g) must be below critical (%g)", typ, th.Warning, th.Critical)
		}
	}
	return nil
}

// Evaluate 返回 value 触发的最高级别。critical 先于 warning 判断，比较使用 >=。
func (t Thresholds) Evaluate(metricType string, value float64) (severity string, threshold float64, ok bool) {
	th, exists := t[metricType]
	if !exists {
		return "", 0, false
	}
	switch {
	case value >= th.Critical:
		return storage.SeverityCritical, th.Critical, true
	case value >= th.Warning:
		return storage.SeverityWarning, th.Warning, true
	default:
		return "", 0, false
	}
}

// Highs 返回每个类型的 warning 阈值，保留策略据此识别异常样本。
func (t Thresholds) Highs() map[string]float64 {
	out := make(map[string]float64, len(t))
	for typ, th := range t {
		out[typ] = th.Warning
	}
	return out
}
