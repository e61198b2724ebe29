package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStorage(t *testing.T) *Storage {
	t.Helper()

	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "kubesentry.db")
	s, err := Open(ctx, Config{
		Path:      dbPath,
		EnableWAL: true,
	})
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMetricSamplesRoundtrip(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-10 * time.Minute).UTC()
	samples := []MetricSample{
		{ClusterID: "c1", MetricType: MetricCPU, MetricName: "node_cpu_percent", Value: 12, NodeName: "n1", Alertable: true, Timestamp: base},
		{ClusterID: "c1", MetricType: MetricCPU, MetricName: "node_cpu_percent", Value: 95, NodeName: "n1", Alertable: true, Timestamp: base.Add(2 * time.Minute)},
		{ClusterID: "c1", MetricType: MetricNetwork, MetricName: "network_rx_bytes", Value: 1024, NodeName: "n1", Timestamp: base.Add(time.Minute)},
		{ClusterID: "c2", MetricType: MetricCPU, MetricName: "node_cpu_percent", Value: 50, NodeName: "n9", Alertable: true, Timestamp: base},
	}
	if err := s.InsertMetricSamples(ctx, samples); err != nil {
		t.Fatalf("insert samples: %v", err)
	}

	from := base.Add(-30 * time.Second)
	got, err := s.QueryMetricSamples(ctx, MetricQuery{ClusterID: "c1", AlertableOnly: true, From: &from, Limit: Unlimited})
	if err != nil {
		t.Fatalf("query samples: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 alertable samples, got %d", len(got))
	}
	if got[0].Value != 12 || got[1].Value != 95 {
		t.Fatalf("unexpected order: %v then %v", got[0].Value, got[1].Value)
	}

	affected, err := s.DeleteMetricSamplesBeforeLimited(ctx, base.Add(90*time.Second), 10)
	if err != nil {
		t.Fatalf("delete samples: %v", err)
	}
	if affected != 3 {
		t.Fatalf("expected delete 3 samples, got %d", affected)
	}
}

func TestRetentionPruneMetricSamples(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	cutAll := now.Add(-3 * 24 * time.Hour)
	cutAnomaly := now.Add(-7 * 24 * time.Hour)

	samples := []MetricSample{
		{ClusterID: "c1", MetricType: MetricCPU, MetricName: "node_cpu_percent", Value: 99, Alertable: true, Timestamp: now.Add(-8 * 24 * time.Hour)},
		{ClusterID: "c1", MetricType: MetricCPU, MetricName: "node_cpu_percent", Value: 10, Alertable: true, Timestamp: now.Add(-5 * 24 * time.Hour)},
		{ClusterID: "c1", MetricType: MetricCPU, MetricName: "node_cpu_percent", Value: 85, Alertable: true, Timestamp: now.Add(-5 * 24 * time.Hour).Add(time.Minute)},
		{ClusterID: "c1", MetricType: MetricMemory, MetricName: "node_memory_percent", Value: 85, Alertable: true, Timestamp: now.Add(-5 * 24 * time.Hour).Add(2 * time.Minute)},
		{ClusterID: "c1", MetricType: MetricNetwork, MetricName: "network_rx_bytes", Value: 1e9, Timestamp: now.Add(-5 * 24 * time.Hour).Add(3 * time.Minute)},
		{ClusterID: "c1", MetricType: MetricCPU, MetricName: "node_cpu_percent", Value: 5, Alertable: true, Timestamp: now.Add(-24 * time.Hour)},
	}
	if err := s.InsertMetricSamples(ctx, samples); err != nil {
		t.Fatalf("insert samples: %v", err)
	}

	var deleted int64
	for {
		aff, err := s.DeleteMetricSamplesBeforeLimited(ctx, cutAnomaly, 1)
		if err != nil {
			t.Fatalf("delete old samples: %v", err)
		}
		if aff == 0 {
			break
		}
		deleted += aff
	}
	if deleted != 1 {
		t.Fatalf("expected delete 1 old sample, got %d", deleted)
	}

	highs := map[string]float64{MetricCPU: 80, MetricMemory: 85, MetricDisk: 90}
	deleted = 0
	for {
		aff, err := s.DeleteMetricSamplesNonAnomalyInRangeLimited(ctx, cutAnomaly, cutAll, highs, 1)
		if err != nil {
			t.Fatalf("delete mid samples: %v", err)
		}
		if aff == 0 {
			break
		}
		deleted += aff
	}
	// cpu=10 与 network 样本被删除；cpu=85、memory=85 为异常样本保留。
	if deleted != 2 {
		t.Fatalf("expected delete 2 mid samples, got %d", deleted)
	}

	n, err := s.CountMetricSamples(ctx)
	if err != nil {
		t.Fatalf("count samples: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 remaining samples, got %d", n)
	}
}

func TestHealthScoreUniquePerInstant(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	at := time.Now().UTC().Truncate(time.Second)
	if err := s.InsertHealthScore(ctx, &HealthScore{ClusterID: "c1", OverallScore: 90, CalculatedAt: at}); err != nil {
		t.Fatalf("insert score: %v", err)
	}
	err := s.InsertHealthScore(ctx, &HealthScore{ClusterID: "c1", OverallScore: 80, CalculatedAt: at})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := s.InsertHealthScore(ctx, &HealthScore{ClusterID: "c1", OverallScore: 70, CalculatedAt: at.Add(time.Minute)}); err != nil {
		t.Fatalf("insert later score: %v", err)
	}

	latest, err := s.LatestHealthScore(ctx, "c1")
	if err != nil {
		t.Fatalf("latest score: %v", err)
	}
	if latest.OverallScore != 70 {
		t.Fatalf("expected latest score 70, got %v", latest.OverallScore)
	}

	if _, err := s.LatestHealthScore(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertOpenAlertDeduplicates(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	a := Alert{ClusterID: "c1", AlertType: "cpu_pressure", Severity: SeverityWarning, ThresholdValue: 80, CurrentValue: 85, NodeName: "n1", Message: "first"}
	w, err := s.UpsertOpenAlert(ctx, a, true)
	if err != nil {
		t.Fatalf("upsert alert: %v", err)
	}
	if w.Outcome != AlertCreated {
		t.Fatalf("expected created, got %v", w.Outcome)
	}

	a.Severity = SeverityCritical
	a.ThresholdValue = 90
	a.CurrentValue = 93
	a.Message = "second"
	w2, err := s.UpsertOpenAlert(ctx, a, true)
	if err != nil {
		t.Fatalf("refresh alert: %v", err)
	}
	if w2.Outcome != AlertRefreshed || w2.PreviousSeverity != SeverityWarning {
		t.Fatalf("unexpected refresh result: %+v", w2)
	}
	if w2.Alert.ID != w.Alert.ID || w2.Alert.CurrentValue != 93 {
		t.Fatalf("unexpected refreshed alert: %+v", w2.Alert)
	}

	w3, err := s.UpsertOpenAlert(ctx, a, false)
	if err != nil {
		t.Fatalf("suppressed upsert: %v", err)
	}
	if w3.Outcome != AlertSuppressed {
		t.Fatalf("expected suppressed, got %v", w3.Outcome)
	}

	open, err := s.QueryAlerts(ctx, AlertQuery{ClusterID: "c1", OpenOnly: true})
	if err != nil {
		t.Fatalf("query alerts: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open alert, got %d", len(open))
	}

	if _, err := s.ResolveAlert(ctx, w.Alert.ID); err != nil {
		t.Fatalf("resolve alert: %v", err)
	}
	w4, err := s.UpsertOpenAlert(ctx, a, true)
	if err != nil {
		t.Fatalf("upsert after resolve: %v", err)
	}
	if w4.Outcome != AlertCreated || w4.Alert.ID == w.Alert.ID {
		t.Fatalf("expected a fresh alert after resolve, got %+v", w4)
	}
}

func TestAlertLifecycleIsMonotonic(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	w, err := s.UpsertOpenAlert(ctx, Alert{ClusterID: "c1", AlertType: "disk_pressure", Severity: SeverityWarning, ThresholdValue: 90, CurrentValue: 91, Message: "disk"}, true)
	if err != nil {
		t.Fatalf("upsert alert: %v", err)
	}

	acked, err := s.AcknowledgeAlert(ctx, w.Alert.ID)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !acked.Acknowledged || acked.Resolved {
		t.Fatalf("unexpected state after ack: %+v", acked)
	}

	resolved, err := s.ResolveAlert(ctx, w.Alert.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Resolved || resolved.ResolvedAt == nil || !resolved.Acknowledged {
		t.Fatalf("unexpected state after resolve: %+v", resolved)
	}
	first := *resolved.ResolvedAt

	again, err := s.ResolveAlert(ctx, w.Alert.ID)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if !again.ResolvedAt.Equal(first) {
		t.Fatalf("resolved_at changed: %v -> %v", first, *again.ResolvedAt)
	}

	if _, err := s.AcknowledgeAlert(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSmartAlertsAndSuggestions(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	sa := SmartAlert{ClusterID: "c1", AlertType: SmartOOMKill, Severity: SeverityCritical, ResourceType: "pod", ResourceName: "api-0", Namespace: "prod", Title: "OOM", Description: "v1"}
	w, err := s.UpsertOpenSmartAlert(ctx, sa)
	if err != nil {
		t.Fatalf("upsert smart alert: %v", err)
	}
	if !w.Created {
		t.Fatalf("expected created")
	}
	sa.Description = "v2"
	w2, err := s.UpsertOpenSmartAlert(ctx, sa)
	if err != nil {
		t.Fatalf("upsert smart alert again: %v", err)
	}
	if w2.Created || w2.Alert.ID != w.Alert.ID || w2.Alert.Description != "v2" {
		t.Fatalf("unexpected dedup result: %+v", w2)
	}

	pending, err := s.OpenSmartAlertsWithoutSuggestions(ctx, "c1")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending alert, got %d", len(pending))
	}

	err = s.InsertSuggestions(ctx, []Suggestion{
		{AlertID: w.Alert.ID, SuggestionType: "resource_optimization", Priority: 2, Title: "raise limit", EstimatedImpact: "high", ImplementationDifficulty: "easy", AIConfidence: 0.8},
		{AlertID: w.Alert.ID, SuggestionType: "configuration", Priority: 1, Title: "check leak", EstimatedImpact: "medium", ImplementationDifficulty: "medium", AIConfidence: 0.6},
	})
	if err != nil {
		t.Fatalf("insert suggestions: %v", err)
	}

	pending, err = s.OpenSmartAlertsWithoutSuggestions(ctx, "c1")
	if err != nil {
		t.Fatalf("pending after insert: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending alert, got %d", len(pending))
	}

	list, err := s.ListSuggestions(ctx, w.Alert.ID)
	if err != nil {
		t.Fatalf("list suggestions: %v", err)
	}
	if len(list) != 2 || list[0].Priority != 1 {
		t.Fatalf("unexpected suggestions: %+v", list)
	}
}

func TestPodHealthAppendsSampleOnRestartChange(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	t0 := time.Now().Add(-time.Hour).UTC()
	row := PodHealth{ClusterID: "c1", PodName: "api-0", Namespace: "prod", ContainerName: "app", RestartCount: 0, Status: PodRunning}

	n, err := s.UpsertPodHealth(ctx, []PodHealth{row}, t0)
	if err != nil || n != 1 {
		t.Fatalf("first upsert: n=%d err=%v", n, err)
	}
	n, err = s.UpsertPodHealth(ctx, []PodHealth{row}, t0.Add(time.Minute))
	if err != nil || n != 0 {
		t.Fatalf("unchanged upsert: n=%d err=%v", n, err)
	}
	row.RestartCount = 2
	n, err = s.UpsertPodHealth(ctx, []PodHealth{row}, t0.Add(2*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("changed upsert: n=%d err=%v", n, err)
	}

	current, err := s.ListPodHealth(ctx, "c1", time.Time{})
	if err != nil {
		t.Fatalf("list pod health: %v", err)
	}
	if len(current) != 1 || current[0].RestartCount != 2 {
		t.Fatalf("unexpected current pod health: %+v", current)
	}

	hist, err := s.QueryPodHealthSamples(ctx, "c1", t0.Add(-time.Minute), time.Now().UTC())
	if err != nil {
		t.Fatalf("query samples: %v", err)
	}
	if len(hist) != 2 || hist[0].RestartCount != 0 || hist[1].RestartCount != 2 {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestClusterEventUpsertKeepsMax(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	t0 := time.Now().Add(-10 * time.Minute).UTC().Truncate(time.Second)
	ev := ClusterEvent{ClusterID: "c1", EventUID: "uid-1", Reason: "BackOff", Type: "Warning", LastTimestamp: t0.Add(5 * time.Minute), Count: 5}
	if err := s.UpsertClusterEvents(ctx, []ClusterEvent{ev}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	stale := ev
	stale.LastTimestamp = t0
	stale.Count = 2
	if err := s.UpsertClusterEvents(ctx, []ClusterEvent{stale}); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}

	since := t0.Add(-time.Hour)
	got, err := s.QueryClusterEvents(ctx, EventQuery{ClusterID: "c1", Since: &since})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	if got[0].Count != 5 || !got[0].LastTimestamp.Equal(t0.Add(5*time.Minute)) {
		t.Fatalf("count/last_timestamp regressed: %+v", got[0])
	}
}

func TestCorrelationBucketLookup(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	bucket := time.Now().UTC().Truncate(5 * time.Minute)
	ok, err := s.HasCorrelationForBucket(ctx, "c1", bucket)
	if err != nil || ok {
		t.Fatalf("expected empty bucket: ok=%v err=%v", ok, err)
	}

	c := EventCorrelation{ClusterID: "c1", CorrelationID: "corr-1", PrimaryEventID: "uid-1", RelatedEventIDs: []string{"uid-2"}, ConfidenceScore: 0.9, CorrelationType: "causal", BucketStart: bucket}
	if err := s.InsertCorrelation(ctx, &c); err != nil {
		t.Fatalf("insert correlation: %v", err)
	}
	ok, err = s.HasCorrelationForBucket(ctx, "c1", bucket)
	if err != nil || !ok {
		t.Fatalf("expected bucket hit: ok=%v err=%v", ok, err)
	}

	dup := c
	dup.ID = 0
	if err := s.InsertCorrelation(ctx, &dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestSyncClustersDisablesRemovedSources(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	clusters := []Cluster{{ID: "c1", Name: "prod", OwnerID: "u1", Runtime: "none"}}
	sources := []MetricSource{
		{ClusterID: "c1", Name: "prom", Kind: "prometheus", Endpoint: "http://prom:9090"},
		{ClusterID: "c1", Name: "ms", Kind: "metrics_server"},
	}
	if err := s.SyncClusters(ctx, clusters, sources); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := s.SyncClusters(ctx, clusters, sources[:1]); err != nil {
		t.Fatalf("resync: %v", err)
	}

	got, err := s.ListMetricSources(ctx, "c1")
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(got) != 1 || got[0].Name != "prom" {
		t.Fatalf("unexpected enabled sources: %+v", got)
	}

	at := time.Now().UTC().Truncate(time.Second)
	if err := s.MarkSourceScraped(ctx, got[0].ID, at); err != nil {
		t.Fatalf("mark scraped: %v", err)
	}
	got, _ = s.ListMetricSources(ctx, "c1")
	if got[0].LastScrapeAt == nil || !got[0].LastScrapeAt.Equal(at) {
		t.Fatalf("last_scrape_at not updated: %+v", got[0].LastScrapeAt)
	}
}

func TestAuditInsertQueryUpdate(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	rec := AuditRecord{
		TraceID:   "trace-1",
		Action:    "oracle.correlation",
		Status:    "running",
		StartedAt: time.Now().Add(-1 * time.Second).UTC(),
	}
	if err := s.InsertAuditRecord(ctx, &rec); err != nil {
		t.Fatalf("insert audit: %v", err)
	}
	if rec.ID == 0 {
		t.Fatalf("expected audit id to be set")
	}

	status := "success"
	result := `{"confidence":0.9}`
	finished := time.Now().UTC()
	if err := s.UpdateAuditRecord(ctx, rec.ID, AuditUpdate{
		Status:     &status,
		ResultJSON: &result,
		FinishedAt: &finished,
	}); err != nil {
		t.Fatalf("update audit: %v", err)
	}

	got, err := s.QueryAuditRecords(ctx, AuditQuery{TraceID: "trace-1", Limit: 10})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 audit record, got %d", len(got))
	}
	if got[0].Status != "success" || got[0].ResultJSON != result {
		t.Fatalf("unexpected updated record: status=%s result=%s", got[0].Status, got[0].ResultJSON)
	}

	if err := s.UpdateAuditRecord(ctx, 9999, AuditUpdate{Status: &status}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTableCounts(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	if err := s.InsertMetricSamples(ctx, []MetricSample{
		{ClusterID: "c1", MetricType: MetricCPU, MetricName: "node_cpu_percent", Value: 10, Timestamp: time.Now().UTC()},
	}); err != nil {
		t.Fatalf("insert samples: %v", err)
	}

	counts, err := s.TableCounts(ctx)
	if err != nil {
		t.Fatalf("table counts: %v", err)
	}
	got := make(map[string]int64, len(counts))
	for _, c := range counts {
		got[c.Table] = c.Rows
	}
	if got["metric_samples"] != 1 {
		t.Fatalf("metric_samples = %d, want 1", got["metric_samples"])
	}
	if _, ok := got["audit_records"]; !ok {
		t.Fatalf("audit_records missing from %v", got)
	}
}

func TestOpenAlertIndexAllowsOneOpenRowPerKey(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	a := Alert{ClusterID: "c1", AlertType: "cpu_high", Severity: "warning", ThresholdValue: 80, CurrentValue: 85, NodeName: "n1", Message: "cpu"}
	if _, err := s.UpsertOpenAlert(ctx, a, false); err != nil {
		t.Fatalf("upsert alert: %v", err)
	}

	dup := a
	if err := s.DB().WithContext(ctx).Create(&dup).Error; err == nil {
		t.Fatalf("expected second open alert with the same key to be rejected")
	}

	resolvedAt := time.Now().UTC()
	old := a
	old.Resolved = true
	old.ResolvedAt = &resolvedAt
	if err := s.DB().WithContext(ctx).Create(&old).Error; err != nil {
		t.Fatalf("resolved alert with the same key: %v", err)
	}
}
