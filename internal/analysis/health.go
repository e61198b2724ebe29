package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

// ErrNoRecentMetrics 表示评分窗口内没有任何样本；调用方应视为软失败。
var ErrNoRecentMetrics = errors.New("no recent metrics")

// 总分权重。网络分目前固定为 networkScore，没有真实计算。
const (
	weightCPU       = 0.25
	weightMemory    = 0.25
	weightDisk      = 0.20
	weightNetwork   = 0.10
	weightPodHealth = 0.20

	networkScore = 100.0
)

type HealthScorer struct {
	store      *storage.Storage
	thresholds Thresholds
	window     time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewHealthScorer(store *storage.Storage, thresholds Thresholds) *HealthScorer {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &HealthScorer{
		store:      store,
		thresholds: thresholds,
		window:     5 * time.Minute,
		logger:     slog.Default(),
		now:        time.Now,
	}
}

func (h *HealthScorer) WithWindow(d time.Duration) *HealthScorer {
	if d > 0 {
		h.window = d
	}
	return h
}

func (h *HealthScorer) WithLogger(l *slog.Logger) *HealthScorer {
	if l != nil {
		h.logger = l
	}
	return h
}

func (h *HealthScorer) WithClock(now func() time.Time) *HealthScorer {
	if now != nil {
		h.now = now
	}
	return h
}

// ComponentScore 为单一资源维度的得分：
// avg >= threshold 时 max(0, 100-(avg-threshold)*10)，否则 max(0, 100-avg/threshold*50)。
func ComponentScore(avg, threshold float64) float64 {
	if threshold <= 0 {
		return 100
	}
	var s float64
	if avg >= threshold {
		s = 100 - (avg-threshold)*10
	} else {
		s = 100 - (avg/threshold)*50
	}
	if s < 0 {
		return 0
	}
	return s
}

// PodHealthScore 为健康 Pod 占比；没有 Pod 时为 100。
func PodHealthScore(healthy, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(healthy) / float64(total) * 100
}

// Score 基于最近窗口内的样本与最新 PodHealth 快照计算并写入一条 HealthScore。
func (h *HealthScorer) Score(ctx context.Context, clusterID string) (*storage.HealthScore, error) {
	now := h.now().UTC()
	from := now.Add(-h.window)
	samples, err := h.store.QueryMetricSamples(ctx, storage.MetricQuery{
		ClusterID: clusterID,
		From:      &from,
		To:        &now,
		Limit:     storage.Unlimited,
	})
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("cluster %s: %w", clusterID, ErrNoRecentMetrics)
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	nodes := make(map[string]struct{})
	for _, s := range samples {
		if s.NodeName != "" {
			nodes[s.NodeName] = struct{}{}
		}
		if !s.Alertable {
			continue
		}
		sums[s.MetricType] += s.Value
		counts[s.MetricType]++
	}

	component := func(metricType string) float64 {
		n := counts[metricType]
		if n == 0 {
			return 100
		}
		th, ok := h.thresholds[metricType]
		if !ok {
			return 100
		}
		return ComponentScore(sums[metricType]/float64(n), th.Warning)
	}

	rows, err := h.store.LatestPodHealthSnapshot(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	total, healthy := countPods(rows)

	hs := &storage.HealthScore{
		ClusterID:    clusterID,
		CPUScore:     component(storage.MetricCPU),
		MemoryScore:  component(storage.MetricMemory),
		DiskScore:    component(storage.MetricDisk),
		NetworkScore: networkScore,
		PodHealth:    PodHealthScore(healthy, total),
		NodeCount:    len(nodes),
		HealthyNodes: len(nodes),
		TotalPods:    total,
		HealthyPods:  healthy,
		CalculatedAt: now,
	}
	hs.OverallScore = hs.CPUScore*weightCPU +
		hs.MemoryScore*weightMemory +
		hs.DiskScore*weightDisk +
		hs.NetworkScore*weightNetwork +
		hs.PodHealth*weightPodHealth

	if err := h.store.InsertHealthScore(ctx, hs); err != nil {
		return nil, err
	}
	h.logger.Debug("health score computed",
		"cluster", clusterID, "overall", hs.OverallScore, "samples", len(samples), "pods", total)
	return hs, nil
}

// countPods 按 (namespace, pod) 去重；Pod 的所有容器行都处于 Running 才算健康。
func countPods(rows []storage.PodHealth) (total, healthy int) {
	type key struct{ ns, pod string }
	state := make(map[key]bool)
	for _, r := range rows {
		k := key{r.Namespace, r.PodName}
		ok, seen := state[k]
		if !seen {
			ok = true
		}
		state[k] = ok && r.Status == storage.PodRunning
	}
	for _, ok := range state {
		total++
		if ok {
			healthy++
		}
	}
	return total, healthy
}
