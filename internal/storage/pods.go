package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// UpsertPodHealth 覆盖写入容器状态快照。
// 容器首次出现或 restart_count 变化时，额外追加一条 PodHealthSample；返回追加的样本数。
func (s *Storage) UpsertPodHealth(ctx context.Context, rows []PodHealth, observedAt time.Time) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}

	appended := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			row := rows[i]
			row.ID = 0
			row.UpdatedAt = observedAt

			var prev PodHealth
			err := tx.Where("cluster_id = ? AND pod_name = ? AND namespace = ? AND container_name = ?",
				row.ClusterID, row.PodName, row.Namespace, row.ContainerName).
				First(&prev).Error
			firstSeen := errors.Is(err, gorm.ErrRecordNotFound)
			if err != nil && !firstSeen {
				return fmt.Errorf("find pod health: %w", err)
			}

			if err := upsertByKey(tx, &row, []string{"cluster_id", "pod_name", "namespace", "container_name"},
				[]string{"node_name", "restart_count", "last_restart_time", "exit_code", "exit_reason",
					"waiting_reason", "oom_killed", "status", "updated_at"}); err != nil {
				return fmt.Errorf("upsert pod health %s/%s/%s: %w", row.Namespace, row.PodName, row.ContainerName, err)
			}

			if !firstSeen && prev.RestartCount == row.RestartCount {
				continue
			}
			sample := PodHealthSample{
				ClusterID:     row.ClusterID,
				PodName:       row.PodName,
				Namespace:     row.Namespace,
				ContainerName: row.ContainerName,
				RestartCount:  row.RestartCount,
				OOMKilled:     row.OOMKilled,
				Status:        row.Status,
				ObservedAt:    observedAt,
			}
			if err := tx.Create(&sample).Error; err != nil {
				return fmt.Errorf("insert pod health sample: %w", err)
			}
			appended++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return appended, nil
}

// ListPodHealth 返回集群当前全部容器状态；since 非零时只返回该时间之后更新过的行。
func (s *Storage) ListPodHealth(ctx context.Context, clusterID string, since time.Time) ([]PodHealth, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx).Where("cluster_id = ?", clusterID)
	if !since.IsZero() {
		db = db.Where("updated_at >= ?", since)
	}
	var out []PodHealth
	if err := db.Order("namespace ASC, pod_name ASC, container_name ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list pod health: %w", err)
	}
	return out, nil
}

// QueryPodHealthSamples 返回 [from, to] 内的历史样本，按观测时间升序。
func (s *Storage) QueryPodHealthSamples(ctx context.Context, clusterID string, from, to time.Time) ([]PodHealthSample, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []PodHealthSample
	err := s.db.WithContext(ctx).
		Where("cluster_id = ? AND observed_at >= ? AND observed_at <= ?", clusterID, from, to).
		Order("observed_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("query pod health samples: %w", err)
	}
	return out, nil
}

func (s *Storage) DeletePodHealthSamplesBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	db := s.db.WithContext(ctx).Model(&PodHealthSample{}).Where("observed_at < ?", before)
	return s.deleteIDs(ctx, db, &PodHealthSample{}, limit, "pod health samples")
}

// UpsertPodRestartTrend 按 (cluster_id, pod_name, namespace, time_window) 覆盖写入趋势。
func (s *Storage) UpsertPodRestartTrend(ctx context.Context, t PodRestartTrend) error {
	if err := s.ready(); err != nil {
		return err
	}
	t.ID = 0
	if err := upsertByKey(s.db.WithContext(ctx), &t, []string{"cluster_id", "pod_name", "namespace", "time_window"},
		[]string{"restart_count", "avg_restart_interval", "trend_direction", "trend_score", "updated_at"}); err != nil {
		return fmt.Errorf("upsert pod restart trend: %w", err)
	}
	return nil
}

func (s *Storage) ListPodRestartTrends(ctx context.Context, clusterID string, limit int) ([]PodRestartTrend, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []PodRestartTrend
	db := s.db.WithContext(ctx).Where("cluster_id = ?", clusterID).Order("time_window DESC, trend_score DESC")
	if err := applyLimit(db, limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list pod restart trends: %w", err)
	}
	return out, nil
}

// LatestPodHealthSnapshot 返回最近一次导入写入的容器状态：updated_at 等于集群内最大值的行。
// 之后消失的容器不会被计入。
func (s *Storage) LatestPodHealthSnapshot(ctx context.Context, clusterID string) ([]PodHealth, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	latest := s.db.Model(&PodHealth{}).Select("MAX(updated_at)").Where("cluster_id = ?", clusterID)
	var out []PodHealth
	err := s.db.WithContext(ctx).
		Where("cluster_id = ? AND updated_at = (?)", clusterID, latest).
		Order("namespace ASC, pod_name ASC, container_name ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("latest pod health snapshot: %w", err)
	}
	return out, nil
}
