package analysis

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzy/KubeSentry/internal/cluster"
	"github.com/wwwzy/KubeSentry/internal/notify"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

var testNow = time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func openStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "analysis.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Dispatch(_ context.Context, ev notify.Event) (notify.Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return notify.Result{Sent: 1}, nil
}

func (n *recordingNotifier) actions() []notify.Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Action, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Action)
	}
	return out
}

// stubOracle 返回固定的判断，并记录调用次数。
type stubOracle struct {
	mu sync.Mutex

	correlation CorrelationVerdict
	trend       TrendVerdict
	drafts      []SuggestionDraft
	err         error

	correlationCalls int
	trendCalls       int
	suggestionCalls  int
	trendSamples     [][]storage.PodHealthSample
}

func (o *stubOracle) ScoreCorrelation(context.Context, []storage.ClusterEvent) (CorrelationVerdict, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.correlationCalls++
	return o.correlation, o.err
}

func (o *stubOracle) ScoreTrend(_ context.Context, samples []storage.PodHealthSample) (TrendVerdict, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.trendCalls++
	o.trendSamples = append(o.trendSamples, samples)
	return o.trend, o.err
}

func (o *stubOracle) GenerateSuggestions(context.Context, storage.SmartAlert, ClusterContext) ([]SuggestionDraft, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.suggestionCalls++
	return o.drafts, o.err
}

func TestComponentScoreBranches(t *testing.T) {
	assert.InDelta(t, 100.0, ComponentScore(80, 80), 1e-9)
	assert.InDelta(t, 50.0625, ComponentScore(79.9, 80), 1e-9)
	assert.InDelta(t, 99.0, ComponentScore(80.1, 80), 1e-9)
	assert.InDelta(t, 0.0, ComponentScore(100, 80), 1e-9)
	assert.InDelta(t, 75.0, ComponentScore(40, 80), 1e-9)
}

func TestPodHealthScore(t *testing.T) {
	assert.Equal(t, 100.0, PodHealthScore(0, 0))
	assert.Equal(t, 50.0, PodHealthScore(1, 2))
}

func TestThresholdsEvaluate(t *testing.T) {
	th := DefaultThresholds()

	sev, limit, ok := th.Evaluate(storage.MetricCPU, 95)
	require.True(t, ok)
	assert.Equal(t, storage.SeverityCritical, sev)
	assert.Equal(t, 90.0, limit)

	sev, _, ok = th.Evaluate(storage.MetricCPU, 90)
	require.True(t, ok)
	assert.Equal(t, storage.SeverityCritical, sev)

	sev, _, ok = th.Evaluate(storage.MetricMemory, 85)
	require.True(t, ok)
	assert.Equal(t, storage.SeverityWarning, sev)

	_, _, ok = th.Evaluate(storage.MetricDisk, 89.9)
	assert.False(t, ok)
	_, _, ok = th.Evaluate(storage.MetricNetwork, 1000)
	assert.False(t, ok)

	assert.Error(t, Thresholds{"cpu": {Warning: 90, Critical: 80}}.Validate())
	assert.NoError(t, th.Validate())
}

func TestAlertMessage(t *testing.T) {
	assert.Equal(t, "CPU usage 92.3% exceeds critical threshold of 90% on node-a",
		AlertMessage("cpu", 92.34, "critical", 90, "node-a"))
	assert.Equal(t, "DISK usage 91.0% exceeds warning threshold of 90% on cluster",
		AlertMessage("disk", 91, "warning", 90, ""))
}

func insertSample(t *testing.T, s *storage.Storage, clusterID, metricType, node string, value float64, at time.Time) {
	t.Helper()
	err := s.InsertMetricSamples(context.Background(), []storage.MetricSample{{
		ClusterID:  clusterID,
		MetricType: metricType,
		MetricName: "node_" + metricType + "_percent",
		Value:      value,
		Unit:       "percent",
		NodeName:   node,
		Alertable:  true,
		Timestamp:  at,
	}})
	require.NoError(t, err)
}

func TestThresholdMonitorKeepsOneOpenAlert(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	cl := storage.Cluster{ID: "c1", Name: "prod", OwnerID: "u1"}
	n := &recordingNotifier{}
	m := NewThresholdMonitor(s, nil).WithClock(fixedClock).WithNotifier(n)

	insertSample(t, s, cl.ID, storage.MetricCPU, "node-a", 92, testNow.Add(-30*time.Second))

	rep, err := m.Check(ctx, cl)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)

	rep, err = m.Check(ctx, cl)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Created)
	assert.Equal(t, 1, rep.Refreshed)

	open, err := s.QueryAlerts(ctx, storage.AlertQuery{ClusterID: cl.ID, OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "cpu_pressure", open[0].AlertType)
	assert.Equal(t, storage.SeverityCritical, open[0].Severity)
	assert.Equal(t, "CPU usage 92.0% exceeds critical threshold of 90% on node-a", open[0].Message)

	// 较低的新样本把级别降为 warning，触发一次 update 通知。
	insertSample(t, s, cl.ID, storage.MetricCPU, "node-a", 85, testNow.Add(-10*time.Second))
	_, err = m.Check(ctx, cl)
	require.NoError(t, err)

	open, err = s.QueryAlerts(ctx, storage.AlertQuery{ClusterID: cl.ID, OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, storage.SeverityWarning, open[0].Severity)
	assert.Equal(t, 85.0, open[0].CurrentValue)
	assert.Equal(t, []notify.Action{notify.ActionCreate, notify.ActionUpdate}, n.actions())
}

func TestThresholdMonitorWithoutRefresh(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	cl := storage.Cluster{ID: "c1"}
	m := NewThresholdMonitor(s, nil).WithClock(fixedClock).WithRefresh(false)

	insertSample(t, s, cl.ID, storage.MetricMemory, "", 96, testNow.Add(-90*time.Second))
	insertSample(t, s, cl.ID, storage.MetricMemory, "", 86, testNow.Add(-30*time.Second))
	// 窗口之外的样本不参与检查。
	insertSample(t, s, cl.ID, storage.MetricDisk, "", 99, testNow.Add(-10*time.Minute))

	rep, err := m.Check(ctx, cl)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Created)
	assert.Equal(t, 1, rep.Suppressed)

	open, err := s.QueryAlerts(ctx, storage.AlertQuery{ClusterID: cl.ID, OpenOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, storage.SeverityCritical, open[0].Severity)
	assert.Equal(t, 96.0, open[0].CurrentValue)
	assert.Contains(t, open[0].Message, "on cluster")
}

func TestHealthScorer(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	h := NewHealthScorer(s, nil).WithClock(fixedClock)

	_, err := h.Score(ctx, "c1")
	require.ErrorIs(t, err, ErrNoRecentMetrics)

	insertSample(t, s, "c1", storage.MetricCPU, "node-a", 30, testNow.Add(-time.Minute))
	insertSample(t, s, "c1", storage.MetricCPU, "node-b", 50, testNow.Add(-time.Minute))
	_, err = s.UpsertPodHealth(ctx, []storage.PodHealth{
		{ClusterID: "c1", PodName: "api", Namespace: "default", ContainerName: "app", Status: storage.PodRunning},
		{ClusterID: "c1", PodName: "api", Namespace: "default", ContainerName: "sidecar", Status: storage.PodRunning},
		{ClusterID: "c1", PodName: "worker", Namespace: "default", ContainerName: "app", Status: storage.PodPending},
	}, testNow.Add(-time.Minute))
	require.NoError(t, err)

	hs, err := h.Score(ctx, "c1")
	require.NoError(t, err)
	assert.InDelta(t, 75.0, hs.CPUScore, 1e-9)
	assert.Equal(t, 100.0, hs.MemoryScore)
	assert.Equal(t, 100.0, hs.DiskScore)
	assert.Equal(t, 100.0, hs.NetworkScore)
	assert.InDelta(t, 50.0, hs.PodHealth, 1e-9)
	assert.Equal(t, 2, hs.NodeCount)
	assert.Equal(t, 2, hs.HealthyNodes)
	assert.Equal(t, 2, hs.TotalPods)
	assert.Equal(t, 1, hs.HealthyPods)
	assert.InDelta(t, 83.75, hs.OverallScore, 1e-9)

	latest, err := s.LatestHealthScore(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, hs.ID, latest.ID)

	// 同一时刻重复评分违反 (cluster_id, calculated_at) 唯一键。
	_, err = h.Score(ctx, "c1")
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestHealthScorerWithoutPods(t *testing.T) {
	s := openStore(t)
	insertSample(t, s, "c1", storage.MetricDisk, "node-a", 45, testNow.Add(-time.Minute))

	hs, err := NewHealthScorer(s, nil).WithClock(fixedClock).Score(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, hs.PodHealth)
	assert.Equal(t, 0, hs.TotalPods)
}

func TestPodHealthTrackerDerivesOOM(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	exit := int32(137)
	restarted := testNow.Add(-5 * time.Minute)
	pods := []cluster.PodStatus{{
		Name: "api", Namespace: "default", NodeName: "node-a", Phase: "Running",
		Containers: []cluster.ContainerStatus{
			{Name: "app", RestartCount: 3, ExitCode: &exit, ExitReason: cluster.ReasonOOMKilled, LastRestartTime: &restarted},
			{Name: "sidecar"},
		},
	}, {
		Name: "job", Namespace: "batch", Phase: "",
		Containers: []cluster.ContainerStatus{{Name: "run", ExitReason: "Error"}},
	}}

	tr := NewPodHealthTracker(s).WithClock(fixedClock)
	rep, err := tr.Track(ctx, "c1", pods)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Containers)
	assert.Equal(t, 3, rep.Samples)

	rows, err := s.LatestPodHealthSnapshot(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	byName := make(map[string]storage.PodHealth)
	for _, r := range rows {
		byName[r.PodName+"/"+r.ContainerName] = r
	}
	assert.True(t, byName["api/app"].OOMKilled)
	assert.False(t, byName["api/sidecar"].OOMKilled)
	assert.False(t, byName["job/run"].OOMKilled)
	assert.Equal(t, storage.PodUnknown, byName["job/run"].Status)

	// 重启次数不变时不追加样本。
	rep, err = tr.Track(ctx, "c1", pods)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Samples)
}

func TestEventIngesterDropsEventsWithoutUID(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	n, err := NewEventIngester(s).Ingest(ctx, "c1", []cluster.RawEvent{
		{UID: "e1", Reason: "BackOff", LastTimestamp: testNow, Count: 2},
		{Reason: "Orphan", LastTimestamp: testNow},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events, err := s.QueryClusterEvents(ctx, storage.EventQuery{ClusterID: "c1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Normal", events[0].Type)
}

func TestPatternDetector(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	cl := storage.Cluster{ID: "c1", Name: "prod", OwnerID: "u1"}
	restarted := testNow.Add(-10 * time.Minute)

	_, err := s.UpsertPodHealth(ctx, []storage.PodHealth{
		{ClusterID: cl.ID, PodName: "api", Namespace: "default", ContainerName: "app",
			RestartCount: 2, OOMKilled: true, LastRestartTime: &restarted, Status: storage.PodRunning},
		{ClusterID: cl.ID, PodName: "worker", Namespace: "default", ContainerName: "app",
			RestartCount: 1, WaitingReason: cluster.ReasonCrashLoopBackOff, LastRestartTime: &restarted, Status: storage.PodRunning},
		{ClusterID: cl.ID, PodName: "busy", Namespace: "default", ContainerName: "app",
			RestartCount: 7, LastRestartTime: &restarted, Status: storage.PodRunning},
		{ClusterID: cl.ID, PodName: "quiet", Namespace: "default", ContainerName: "app", Status: storage.PodRunning},
	}, testNow.Add(-time.Minute))
	require.NoError(t, err)

	require.NoError(t, s.UpsertClusterEvents(ctx, []storage.ClusterEvent{
		{ClusterID: cl.ID, EventUID: "ev-live", Namespace: "default", Name: "web", Kind: "Pod", Type: "Warning",
			Reason: "Unhealthy", Message: "Liveness probe failed: connection refused", LastTimestamp: testNow.Add(-20 * time.Minute)},
		{ClusterID: cl.ID, EventUID: "ev-ready", Namespace: "default", Name: "web", Kind: "Pod", Type: "Warning",
			Reason: "Unhealthy", Message: "Readiness probe failed", LastTimestamp: testNow.Add(-20 * time.Minute)},
		{ClusterID: cl.ID, EventUID: "ev-disk", Name: "node-a", Kind: "Node", Type: "Normal",
			Reason: "NodeHasDiskPressure", Message: "Node node-a status is now: NodeHasDiskPressure", LastTimestamp: testNow.Add(-15 * time.Minute)},
		{ClusterID: cl.ID, EventUID: "ev-old", Name: "node-b", Kind: "Node", Type: "Normal",
			Reason: "NodeHasMemoryPressure", LastTimestamp: testNow.Add(-5 * time.Hour)},
	}))

	n := &recordingNotifier{}
	d := NewPatternDetector(s).WithClock(fixedClock).WithNotifier(n)
	rep, err := d.Detect(ctx, cl)
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Created)

	alerts, err := s.QuerySmartAlerts(ctx, storage.SmartAlertQuery{ClusterID: cl.ID, OpenOnly: true})
	require.NoError(t, err)
	got := make(map[string]storage.SmartAlert)
	for _, a := range alerts {
		got[a.AlertType+"/"+a.ResourceName] = a
	}
	require.Len(t, got, 5)
	assert.Equal(t, storage.SeverityCritical, got["oomkill/api"].Severity)
	assert.Contains(t, got, "crash_loop/worker")
	assert.Contains(t, got, "crash_loop/busy")
	assert.Equal(t, []string{"ev-live"}, got["liveness_failed/web"].RelatedEvents)
	assert.Equal(t, "node", got["node_pressure/node-a"].ResourceType)
	assert.Len(t, n.actions(), 5)

	// 第二轮只刷新，不新建。
	rep, err = d.Detect(ctx, cl)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Created)
	assert.Equal(t, 5, rep.Refreshed)

	// 解决后没有新的重启，不应重新打开。
	_, err = s.ResolveSmartAlert(ctx, got["oomkill/api"].ID)
	require.NoError(t, err)
	rep, err = d.Detect(ctx, cl)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, 0, rep.Created)
}

func correlationEvents(clusterID string, base time.Time, n int) []storage.ClusterEvent {
	out := make([]storage.ClusterEvent, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, storage.ClusterEvent{
			ClusterID:     clusterID,
			EventUID:      clusterID + "-ev-" + string(rune('a'+i)),
			Namespace:     "default",
			Name:          "api",
			Kind:          "Pod",
			Type:          "Warning",
			Reason:        "BackOff",
			LastTimestamp: base.Add(time.Duration(i+1) * time.Minute),
		})
	}
	return out
}

func TestEventCorrelatorConfidenceBoundary(t *testing.T) {
	ctx := context.Background()
	base := testNow.Add(-30 * time.Minute)

	cases := []struct {
		name       string
		events     int
		confidence float64
		want       int
	}{
		{name: "single event bucket", events: 1, confidence: 0.99, want: 0},
		{name: "exactly threshold", events: 2, confidence: 0.70, want: 0},
		{name: "above threshold", events: 2, confidence: 0.71, want: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := openStore(t)
			require.NoError(t, s.UpsertClusterEvents(ctx, correlationEvents("c1", base, tc.events)))
			o := &stubOracle{correlation: CorrelationVerdict{Confidence: tc.confidence, RootCause: "image pull", Type: "bogus"}}

			_, err := NewEventCorrelator(s, o).WithClock(fixedClock).Correlate(ctx, "c1")
			require.NoError(t, err)

			rows, err := s.ListCorrelations(ctx, "c1", 0)
			require.NoError(t, err)
			require.Len(t, rows, tc.want)
			if tc.events == 1 {
				assert.Equal(t, 0, o.correlationCalls)
			}
			if tc.want == 1 {
				assert.Equal(t, "c1-ev-a", rows[0].PrimaryEventID)
				assert.Equal(t, []string{"c1-ev-b"}, rows[0].RelatedEventIDs)
				assert.Equal(t, CorrelationCascade, rows[0].CorrelationType)
				assert.Equal(t, []string{"Pod/default/api"}, rows[0].AffectedResources)
				assert.Regexp(t, `^corr-\d+-[0-9a-f]{8}$`, rows[0].CorrelationID)
			}
		})
	}
}

func TestEventCorrelatorSkipsOpenAndCorrelatedBuckets(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	// 最近的桶尚未结束，不参与关联。
	open := testNow.Truncate(5 * time.Minute)
	require.NoError(t, s.UpsertClusterEvents(ctx, []storage.ClusterEvent{
		{ClusterID: "c1", EventUID: "n1", Type: "Warning", LastTimestamp: open},
		{ClusterID: "c1", EventUID: "n2", Type: "Warning", LastTimestamp: open.Add(time.Second)},
	}))
	require.NoError(t, s.UpsertClusterEvents(ctx, correlationEvents("c1", testNow.Add(-time.Hour), 3)))

	o := &stubOracle{correlation: CorrelationVerdict{Confidence: 0.9, Type: CorrelationNetwork}}
	c := NewEventCorrelator(s, o).WithClock(fixedClock)

	rep, err := c.Correlate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Correlated)

	rep, err = c.Correlate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Correlated)
	assert.Equal(t, 1, o.correlationCalls)

	rows, err := s.ListCorrelations(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, CorrelationNetwork, rows[0].CorrelationType)
	assert.Len(t, rows[0].RelatedEventIDs, 2)
}

func TestEventCorrelatorOracleFailureIsSoft(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.UpsertClusterEvents(ctx, correlationEvents("c1", testNow.Add(-time.Hour), 2)))

	o := &stubOracle{err: errors.New("model unavailable")}
	rep, err := NewEventCorrelator(s, o).WithClock(fixedClock).Correlate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scored)
	assert.Equal(t, 0, rep.Correlated)
}

func TestGroupBuckets(t *testing.T) {
	base := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)
	events := []storage.ClusterEvent{
		{EventUID: "late", LastTimestamp: base.Add(7 * time.Minute)},
		{EventUID: "a", LastTimestamp: base.Add(time.Minute)},
		{EventUID: "b", LastTimestamp: base.Add(4*time.Minute + 59*time.Second)},
	}
	buckets := GroupBuckets(events, 5*time.Minute)
	require.Len(t, buckets, 2)
	assert.Equal(t, base, buckets[0].Start)
	assert.Len(t, buckets[0].Events, 2)
	assert.Equal(t, base.Add(5*time.Minute), buckets[1].Start)
}

func TestTrendAnalyzer(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	row := func(restarts int32) []storage.PodHealth {
		return []storage.PodHealth{{ClusterID: "c1", PodName: "api", Namespace: "default", ContainerName: "app",
			RestartCount: restarts, Status: storage.PodRunning}}
	}
	for i, at := range []time.Time{testNow.Add(-3 * time.Hour), testNow.Add(-2 * time.Hour), testNow.Add(-time.Hour)} {
		_, err := s.UpsertPodHealth(ctx, row(int32(i)), at)
		require.NoError(t, err)
	}
	// 只有一个样本的 Pod 不参与趋势分析。
	_, err := s.UpsertPodHealth(ctx, []storage.PodHealth{{ClusterID: "c1", PodName: "solo", Namespace: "default",
		ContainerName: "app", Status: storage.PodRunning}}, testNow.Add(-time.Hour))
	require.NoError(t, err)

	o := &stubOracle{trend: TrendVerdict{Significance: 0.8, Direction: TrendIncreasing, Score: 1.7}}
	rep, err := NewTrendAnalyzer(s, o).WithClock(fixedClock).Analyze(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Groups)
	assert.Equal(t, 1, rep.Scored)
	assert.Equal(t, 1, rep.Upserted)

	trends, err := s.ListPodRestartTrends(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, trends, 1)
	assert.Equal(t, int32(2), trends[0].RestartCount)
	assert.InDelta(t, 3600.0, trends[0].AvgRestartInterval, 1e-6)
	assert.Equal(t, TrendIncreasing, trends[0].TrendDirection)
	assert.Equal(t, 1.0, trends[0].TrendScore)
	assert.True(t, trends[0].TimeWindow.Equal(testNow.Truncate(time.Hour)))

	// 显著性恰好为 0.5 时不写入。
	s2 := openStore(t)
	for i, at := range []time.Time{testNow.Add(-2 * time.Hour), testNow.Add(-time.Hour)} {
		_, err := s2.UpsertPodHealth(ctx, row(int32(i)), at)
		require.NoError(t, err)
	}
	o.trend.Significance = 0.5
	rep, err = NewTrendAnalyzer(s2, o).WithClock(fixedClock).Analyze(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Upserted)
}

func TestTrendAnalyzerMultiContainerPod(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	pod := func(app, sidecar int32) []storage.PodHealth {
		return []storage.PodHealth{
			{ClusterID: "c1", PodName: "api", Namespace: "default", ContainerName: "app", RestartCount: app, Status: storage.PodRunning},
			{ClusterID: "c1", PodName: "api", Namespace: "default", ContainerName: "sidecar", RestartCount: sidecar, Status: storage.PodRunning},
		}
	}
	// 第二次观测只有 app 变化，sidecar 沿用 0。
	steps := []struct {
		app, sidecar int32
		at           time.Time
	}{
		{20, 0, testNow.Add(-3 * time.Hour)},
		{25, 0, testNow.Add(-2 * time.Hour)},
		{25, 1, testNow.Add(-time.Hour)},
	}
	for _, st := range steps {
		_, err := s.UpsertPodHealth(ctx, pod(st.app, st.sidecar), st.at)
		require.NoError(t, err)
	}

	o := &stubOracle{trend: TrendVerdict{Significance: 0.9, Direction: TrendIncreasing, Score: 0.6}}
	rep, err := NewTrendAnalyzer(s, o).WithClock(fixedClock).Analyze(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Groups)
	assert.Equal(t, 1, rep.Upserted)

	require.Len(t, o.trendSamples, 1)
	var counts []int32
	for _, p := range o.trendSamples[0] {
		counts = append(counts, p.RestartCount)
		assert.Empty(t, p.ContainerName)
	}
	assert.Equal(t, []int32{20, 25, 26}, counts)

	trends, err := s.ListPodRestartTrends(ctx, "c1", 0)
	require.NoError(t, err)
	require.Len(t, trends, 1)
	assert.Equal(t, int32(26), trends[0].RestartCount)
	assert.InDelta(t, 3600.0, trends[0].AvgRestartInterval, 1e-6)
}

func TestPodTimeline(t *testing.T) {
	at := func(h int) time.Time { return testNow.Add(time.Duration(h) * time.Hour) }
	got := PodTimeline([]storage.PodHealthSample{
		{PodName: "api", ContainerName: "app", RestartCount: 3, ObservedAt: at(-3)},
		{PodName: "api", ContainerName: "sidecar", RestartCount: 1, ObservedAt: at(-3)},
		{PodName: "api", ContainerName: "sidecar", RestartCount: 2, OOMKilled: true, ObservedAt: at(-2)},
		{PodName: "api", ContainerName: "app", RestartCount: 4, ObservedAt: at(-1)},
	})
	require.Len(t, got, 3)
	assert.Equal(t, int32(4), got[0].RestartCount)
	assert.False(t, got[0].OOMKilled)
	assert.Equal(t, int32(5), got[1].RestartCount)
	assert.True(t, got[1].OOMKilled)
	assert.Equal(t, int32(6), got[2].RestartCount)
	assert.True(t, got[2].ObservedAt.Equal(at(-1)))
	assert.Nil(t, PodTimeline(nil))
}

func TestTrendAnalyzerNaNSignificanceIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	for i, at := range []time.Time{testNow.Add(-2 * time.Hour), testNow.Add(-time.Hour)} {
		_, err := s.UpsertPodHealth(ctx, []storage.PodHealth{{ClusterID: "c1", PodName: "api", Namespace: "default",
			ContainerName: "app", RestartCount: int32(i), Status: storage.PodRunning}}, at)
		require.NoError(t, err)
	}
	o := &stubOracle{trend: TrendVerdict{Significance: math.NaN(), Direction: TrendIncreasing, Score: math.NaN()}}
	rep, err := NewTrendAnalyzer(s, o).WithClock(fixedClock).Analyze(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Scored)
	assert.Equal(t, 0, rep.Upserted)
}

func TestEventCorrelatorNaNConfidenceIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	require.NoError(t, s.UpsertClusterEvents(ctx, correlationEvents("c1", testNow.Add(-time.Hour), 2)))
	later := correlationEvents("c1", testNow.Add(-30*time.Minute), 2)
	for i := range later {
		later[i].EventUID += "-later"
	}
	require.NoError(t, s.UpsertClusterEvents(ctx, later))

	o := &stubOracle{correlation: CorrelationVerdict{Confidence: math.NaN(), Type: CorrelationNetwork}}
	rep, err := NewEventCorrelator(s, o).WithClock(fixedClock).Correlate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Scored)
	assert.Equal(t, 0, rep.Correlated)

	rows, err := s.ListCorrelations(ctx, "c1", 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestSuggestionEngineIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	cl := storage.Cluster{ID: "c1", Name: "prod"}
	w, err := s.UpsertOpenSmartAlert(ctx, storage.SmartAlert{
		ClusterID: cl.ID, AlertType: storage.SmartOOMKill, Severity: storage.SeverityCritical,
		ResourceType: "pod", ResourceName: "api", Namespace: "default", Title: "OOM",
	})
	require.NoError(t, err)

	o := &stubOracle{drafts: []SuggestionDraft{
		{Type: "weird", Priority: 9, Title: " Raise limit ", ActionSteps: []string{"edit deployment", " ", "apply"},
			EstimatedImpact: "HIGH", Difficulty: "impossible", Confidence: 1.4},
		{Type: SuggestionImmediate, Priority: 0, Title: "Restart", Confidence: -1},
	}}
	e := NewSuggestionEngine(s, o)

	rep, err := e.Generate(ctx, cl)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Suggestions)

	rep, err = e.Generate(ctx, cl)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Suggestions)
	assert.Equal(t, 1, o.suggestionCalls)

	items, err := s.ListSuggestions(ctx, w.Alert.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, 1, items[0].Priority)
	assert.Equal(t, "Restart", items[0].Title)
	assert.Equal(t, 0.0, items[0].AIConfidence)

	assert.Equal(t, 5, items[1].Priority)
	assert.Equal(t, "Raise limit", items[1].Title)
	assert.Equal(t, SuggestionPreventive, items[1].SuggestionType)
	assert.Equal(t, ImpactHigh, items[1].EstimatedImpact)
	assert.Equal(t, DifficultyMedium, items[1].ImplementationDifficulty)
	assert.Equal(t, []string{"edit deployment", "apply"}, items[1].ActionSteps)
	assert.Equal(t, 1.0, items[1].AIConfidence)
}

func TestSuggestionEngineOracleFailureLeavesAlertPending(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	cl := storage.Cluster{ID: "c1"}
	_, err := s.UpsertOpenSmartAlert(ctx, storage.SmartAlert{
		ClusterID: cl.ID, AlertType: storage.SmartCrashLoop, Severity: storage.SeverityCritical,
		ResourceType: "pod", ResourceName: "api", Title: "crash",
	})
	require.NoError(t, err)

	o := &stubOracle{err: errors.New("timeout")}
	e := NewSuggestionEngine(s, o)
	rep, err := e.Generate(ctx, cl)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Generated)

	pending, err := s.OpenSmartAlertsWithoutSuggestions(ctx, cl.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
