package analysis

import (
	"context"
	"log/slog"
	"time"

	"github.com/wwwzy/KubeSentry/internal/cluster"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

// PodHealthTracker 将运行时上报的 Pod 快照写入 PodHealth（按键覆盖）与历史样本。
type PodHealthTracker struct {
	store  *storage.Storage
	logger *slog.Logger
	now    func() time.Time
}

func NewPodHealthTracker(store *storage.Storage) *PodHealthTracker {
	return &PodHealthTracker{store: store, logger: slog.Default(), now: time.Now}
}

func (t *PodHealthTracker) WithLogger(l *slog.Logger) *PodHealthTracker {
	if l != nil {
		t.logger = l
	}
	return t
}

func (t *PodHealthTracker) WithClock(now func() time.Time) *PodHealthTracker {
	if now != nil {
		t.now = now
	}
	return t
}

type TrackReport struct {
	Containers int
	Samples    int
}

// Track 覆盖写入每个容器的最新状态。oom_killed 当且仅当上一次终止原因为 OOMKilled。
func (t *PodHealthTracker) Track(ctx context.Context, clusterID string, pods []cluster.PodStatus) (TrackReport, error) {
	observedAt := t.now().UTC()
	rows := ToPodHealth(clusterID, pods)
	n, err := t.store.UpsertPodHealth(ctx, rows, observedAt)
	if err != nil {
		return TrackReport{}, err
	}
	t.logger.Debug("pod health tracked", "cluster", clusterID, "containers", len(rows), "samples", n)
	return TrackReport{Containers: len(rows), Samples: n}, nil
}

// ToPodHealth 将 Pod 快照展开为容器级行。
func ToPodHealth(clusterID string, pods []cluster.PodStatus) []storage.PodHealth {
	var rows []storage.PodHealth
	for _, p := range pods {
		status := cluster.NormalizePhase(p.Phase)
		for _, c := range p.Containers {
			rows = append(rows, storage.PodHealth{
				ClusterID:       clusterID,
				PodName:         p.Name,
				Namespace:       p.Namespace,
				ContainerName:   c.Name,
				NodeName:        p.NodeName,
				RestartCount:    c.RestartCount,
				LastRestartTime: c.LastRestartTime,
				ExitCode:        c.ExitCode,
				ExitReason:      c.ExitReason,
				WaitingReason:   c.WaitingReason,
				OOMKilled:       c.OOMKilled(),
				Status:          status,
			})
		}
	}
	return rows
}

// EventIngester 按 (cluster_id, event_uid) 写入集群事件。
type EventIngester struct {
	store  *storage.Storage
	logger *slog.Logger
}

func NewEventIngester(store *storage.Storage) *EventIngester {
	return &EventIngester{store: store, logger: slog.Default()}
}

func (e *EventIngester) WithLogger(l *slog.Logger) *EventIngester {
	if l != nil {
		e.logger = l
	}
	return e
}

// Ingest 写入事件并返回写入条数；缺少 UID 的事件被丢弃。
func (e *EventIngester) Ingest(ctx context.Context, clusterID string, events []cluster.RawEvent) (int, error) {
	rows := make([]storage.ClusterEvent, 0, len(events))
	for _, ev := range events {
		if ev.UID == "" {
			e.logger.Debug("drop event without uid", "cluster", clusterID, "reason", ev.Reason)
			continue
		}
		typ := ev.Type
		if typ == "" {
			typ = "Normal"
		}
		rows = append(rows, storage.ClusterEvent{
			ClusterID:       clusterID,
			EventUID:        ev.UID,
			Namespace:       ev.Namespace,
			Name:            ev.Name,
			Kind:            ev.Kind,
			Reason:          ev.Reason,
			Message:         ev.Message,
			Type:            typ,
			SourceComponent: ev.SourceComponent,
			SourceHost:      ev.SourceHost,
			FirstTimestamp:  ev.FirstTimestamp,
			LastTimestamp:   ev.LastTimestamp,
			Count:           ev.Count,
		})
	}
	if err := e.store.UpsertClusterEvents(ctx, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}
