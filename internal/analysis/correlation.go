package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

// 关联判定阈值：置信度必须严格大于它才落库。
const correlationMinConfidence = 0.7

type CorrelationReport struct {
	Buckets    int
	Scored     int
	Correlated int
	Skipped    int
}

// EventCorrelator 将近期事件按固定时间桶分组，交给 oracle 判断同桶事件是否相关。
type EventCorrelator struct {
	store    *storage.Storage
	oracle   CorrelationOracle
	lookback time.Duration
	bucket   time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

func NewEventCorrelator(store *storage.Storage, oracle CorrelationOracle) *EventCorrelator {
	return &EventCorrelator{
		store:    store,
		oracle:   oracle,
		lookback: 2 * time.Hour,
		bucket:   5 * time.Minute,
		timeout:  30 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
	}
}

func (c *EventCorrelator) WithLookback(d time.Duration) *EventCorrelator {
	if d > 0 {
		c.lookback = d
	}
	return c
}

func (c *EventCorrelator) WithBucket(d time.Duration) *EventCorrelator {
	if d > 0 {
		c.bucket = d
	}
	return c
}

// WithTimeout 设置单次 oracle 调用的超时；超时视为置信度为 0。
func (c *EventCorrelator) WithTimeout(d time.Duration) *EventCorrelator {
	if d > 0 {
		c.timeout = d
	}
	return c
}

func (c *EventCorrelator) WithLogger(l *slog.Logger) *EventCorrelator {
	if l != nil {
		c.logger = l
	}
	return c
}

func (c *EventCorrelator) WithClock(now func() time.Time) *EventCorrelator {
	if now != nil {
		c.now = now
	}
	return c
}

// Bucket 是一个时间桶内的事件，Start 为桶起点（UTC）。
type Bucket struct {
	Start  time.Time
	Events []storage.ClusterEvent
}

// GroupBuckets 按 last_timestamp 将事件划入 size 宽的不重叠时间桶。
// 桶按起点升序，桶内保持输入顺序。
func GroupBuckets(events []storage.ClusterEvent, size time.Duration) []Bucket {
	idx := make(map[int64]int)
	var out []Bucket
	for _, ev := range events {
		start := ev.LastTimestamp.UTC().Truncate(size)
		i, ok := idx[start.UnixNano()]
		if !ok {
			i = len(out)
			idx[start.UnixNano()] = i
			out = append(out, Bucket{Start: start})
		}
		out[i].Events = append(out[i].Events, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Correlate 只处理已经结束的桶；同一个桶只会被关联一次。
func (c *EventCorrelator) Correlate(ctx context.Context, clusterID string) (CorrelationReport, error) {
	now := c.now().UTC()
	since := now.Add(-c.lookback)
	events, err := c.store.QueryClusterEvents(ctx, storage.EventQuery{
		ClusterID: clusterID,
		Since:     &since,
		Limit:     storage.Unlimited,
	})
	if err != nil {
		return CorrelationReport{}, err
	}

	var rep CorrelationReport
	for _, b := range GroupBuckets(events, c.bucket) {
		rep.Buckets++
		if len(b.Events) < 2 || b.Start.Add(c.bucket).After(now) {
			rep.Skipped++
			continue
		}
		done, err := c.store.HasCorrelationForBucket(ctx, clusterID, b.Start)
		if err != nil {
			return rep, err
		}
		if done {
			rep.Skipped++
			continue
		}

		rep.Scored++
		verdict, ok := c.score(ctx, clusterID, b)
		// NaN 视同零置信度。
		if !ok || !(verdict.Confidence > correlationMinConfidence) {
			continue
		}

		row := NewCorrelation(clusterID, b, verdict, now)
		if err := c.store.InsertCorrelation(ctx, row); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				c.logger.Warn("correlation id collision", "cluster", clusterID, "correlation_id", row.CorrelationID)
				continue
			}
			return rep, err
		}
		rep.Correlated++
		c.logger.Info("events correlated",
			"cluster", clusterID, "correlation_id", row.CorrelationID, "events", len(b.Events),
			"type", row.CorrelationType, "confidence", row.ConfidenceScore)
	}
	return rep, nil
}

func (c *EventCorrelator) score(ctx context.Context, clusterID string, b Bucket) (CorrelationVerdict, bool) {
	if c.oracle == nil {
		return CorrelationVerdict{}, false
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	v, err := c.oracle.ScoreCorrelation(callCtx, b.Events)
	if err != nil {
		c.logger.Warn("correlation oracle failed",
			"cluster", clusterID, "bucket", b.Start.Format(time.RFC3339), "error", err)
		return CorrelationVerdict{}, false
	}
	return v, true
}

// NewCorrelation 构造关联结果：桶内第一个事件为主事件，其余为相关事件。
func NewCorrelation(clusterID string, b Bucket, v CorrelationVerdict, now time.Time) *storage.EventCorrelation {
	related := make([]string, 0, len(b.Events)-1)
	for _, ev := range b.Events[1:] {
		related = append(related, ev.EventUID)
	}
	return &storage.EventCorrelation{
		ClusterID:         clusterID,
		CorrelationID:     NewCorrelationID(now),
		PrimaryEventID:    b.Events[0].EventUID,
		RelatedEventIDs:   related,
		RootCauseAnalysis: v.RootCause,
		ConfidenceScore:   clamp(v.Confidence, 0, 1),
		CorrelationType:   NormalizeCorrelationType(v.Type),
		AffectedResources: affectedResources(b.Events),
		BucketStart:       b.Start,
	}
}

// NewCorrelationID 生成 corr-<unix毫秒>-<随机后缀>。
func NewCorrelationID(now time.Time) string {
	return fmt.Sprintf("corr-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

// NormalizeCorrelationType 将未知类型归为 cascade。
func NormalizeCorrelationType(t string) string {
	switch t {
	case CorrelationCascade, CorrelationResourceContention, CorrelationNetwork, CorrelationConfiguration:
		return t
	default:
		return CorrelationCascade
	}
}

func affectedResources(events []storage.ClusterEvent) []string {
	seen := make(map[string]struct{}, len(events))
	var out []string
	for _, ev := range events {
		r := ev.Kind + "/" + ev.Namespace + "/" + ev.Name
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
