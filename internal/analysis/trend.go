package analysis

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

// 趋势显著性阈值：必须严格大于它才落库。
const trendMinSignificance = 0.5

type TrendReport struct {
	Groups   int
	Scored   int
	Upserted int
}

// TrendAnalyzer 基于 24 小时内的 Pod 健康样本识别重启趋势。
type TrendAnalyzer struct {
	store   *storage.Storage
	oracle  TrendOracle
	window  time.Duration
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewTrendAnalyzer(store *storage.Storage, oracle TrendOracle) *TrendAnalyzer {
	return &TrendAnalyzer{
		store:   store,
		oracle:  oracle,
		window:  24 * time.Hour,
		timeout: 30 * time.Second,
		logger:  slog.Default(),
		now:     time.Now,
	}
}

func (t *TrendAnalyzer) WithWindow(d time.Duration) *TrendAnalyzer {
	if d > 0 {
		t.window = d
	}
	return t
}

func (t *TrendAnalyzer) WithTimeout(d time.Duration) *TrendAnalyzer {
	if d > 0 {
		t.timeout = d
	}
	return t
}

func (t *TrendAnalyzer) WithLogger(l *slog.Logger) *TrendAnalyzer {
	if l != nil {
		t.logger = l
	}
	return t
}

func (t *TrendAnalyzer) WithClock(now func() time.Time) *TrendAnalyzer {
	if now != nil {
		t.now = now
	}
	return t
}

// PodSeries 为一个 Pod 的样本序列，按观测时间升序，每个观测时刻一个点。
type PodSeries struct {
	PodName   string
	Namespace string
	Samples   []storage.PodHealthSample
}

// GroupByPod 按 (pod_name, namespace) 分组，保持首次出现的顺序；
// 每组再折叠为 Pod 级时间线（见 PodTimeline）。输入须按观测时间升序。
func GroupByPod(samples []storage.PodHealthSample) []PodSeries {
	idx := make(map[podKey]int)
	var out []PodSeries
	for _, s := range samples {
		k := podKey{s.Namespace, s.PodName}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, PodSeries{PodName: s.PodName, Namespace: s.Namespace})
		}
		out[i].Samples = append(out[i].Samples, s)
	}
	for i := range out {
		out[i].Samples = PodTimeline(out[i].Samples)
	}
	return out
}

// PodTimeline 把一个 Pod 的容器级样本折叠为每个观测时刻一个点。
// 点的 RestartCount 为各容器最近已知重启次数之和，未变化的容器沿用上一次的值；
// OOMKilled 为任一容器最近状态的或；ContainerName 置空。
func PodTimeline(samples []storage.PodHealthSample) []storage.PodHealthSample {
	if len(samples) == 0 {
		return nil
	}
	type containerState struct {
		restarts int32
		oom      bool
	}
	latest := make(map[string]containerState)
	var out []storage.PodHealthSample
	for i, s := range samples {
		latest[s.ContainerName] = containerState{restarts: s.RestartCount, oom: s.OOMKilled}
		if i+1 < len(samples) && samples[i+1].ObservedAt.Equal(s.ObservedAt) {
			continue
		}
		point := s
		point.ID = 0
		point.ContainerName = ""
		point.RestartCount = 0
		point.OOMKilled = false
		for _, st := range latest {
			point.RestartCount += st.restarts
			point.OOMKilled = point.OOMKilled || st.oom
		}
		out = append(out, point)
	}
	return out
}

// AvgInterval 返回相邻样本时间差的平均值（秒）；少于两个样本时为 0。
func AvgInterval(samples []storage.PodHealthSample) float64 {
	if len(samples) < 2 {
		return 0
	}
	total := samples[len(samples)-1].ObservedAt.Sub(samples[0].ObservedAt)
	return total.Seconds() / float64(len(samples)-1)
}

func (t *TrendAnalyzer) Analyze(ctx context.Context, clusterID string) (TrendReport, error) {
	now := t.now().UTC()
	samples, err := t.store.QueryPodHealthSamples(ctx, clusterID, now.Add(-t.window), now)
	if err != nil {
		return TrendReport{}, err
	}

	var rep TrendReport
	hour := now.Truncate(time.Hour)
	for _, series := range GroupByPod(samples) {
		rep.Groups++
		if len(series.Samples) < 2 {
			continue
		}
		rep.Scored++
		verdict, ok := t.score(ctx, clusterID, series)
		// NaN 视同零显著性。
		if !ok || !(verdict.Significance > trendMinSignificance) {
			continue
		}

		latest := series.Samples[len(series.Samples)-1]
		row := storage.PodRestartTrend{
			ClusterID:          clusterID,
			PodName:            series.PodName,
			Namespace:          series.Namespace,
			TimeWindow:         hour,
			RestartCount:       latest.RestartCount,
			AvgRestartInterval: AvgInterval(series.Samples),
			TrendDirection:     normalizeDirection(verdict.Direction),
			TrendScore:         trendScore(verdict.Score),
		}
		if err := t.store.UpsertPodRestartTrend(ctx, row); err != nil {
			return rep, err
		}
		rep.Upserted++
	}
	return rep, nil
}

func (t *TrendAnalyzer) score(ctx context.Context, clusterID string, series PodSeries) (TrendVerdict, bool) {
	if t.oracle == nil {
		return TrendVerdict{}, false
	}
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	v, err := t.oracle.ScoreTrend(callCtx, series.Samples)
	if err != nil {
		t.logger.Warn("trend oracle failed",
			"cluster", clusterID, "pod", series.Namespace+"/"+series.PodName, "error", err)
		return TrendVerdict{}, false
	}
	return v, true
}

func normalizeDirection(d string) string {
	switch d {
	case TrendIncreasing, TrendDecreasing:
		return d
	default:
		return TrendStable
	}
}

func trendScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return clamp(v, -1, 1)
}
