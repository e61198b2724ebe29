package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertClusterEvents 按 (cluster_id, event_uid) 写入事件。
// 重复观测时 count 与 last_timestamp 取较大值，其余字段以最新观测为准。
func (s *Storage) UpsertClusterEvents(ctx context.Context, events []ClusterEvent) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range events {
			ev := events[i]
			ev.ID = 0
			if ev.Count <= 0 {
				ev.Count = 1
			}
			ev.LastTimestamp = ev.LastTimestamp.UTC()
			if ev.FirstTimestamp.IsZero() {
				ev.FirstTimestamp = ev.LastTimestamp
			}
			ev.FirstTimestamp = ev.FirstTimestamp.UTC()
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "cluster_id"}, {Name: "event_uid"}},
				DoUpdates: clause.Set{
					{Column: clause.Column{Name: "message"}, Value: ev.Message},
					{Column: clause.Column{Name: "type"}, Value: ev.Type},
					{Column: clause.Column{Name: "count"}, Value: gorm.Expr("MAX(count, ?)", ev.Count)},
					{Column: clause.Column{Name: "last_timestamp"}, Value: gorm.Expr("MAX(last_timestamp, ?)", ev.LastTimestamp)},
				},
			}).Create(&ev).Error
			if err != nil {
				return fmt.Errorf("upsert event %s: %w", ev.EventUID, err)
			}
		}
		return nil
	})
}

type EventQuery struct {
	ClusterID string
	// Since 过滤 last_timestamp >= Since。
	Since *time.Time
	Type  string
	Limit int
}

// QueryClusterEvents 按 last_timestamp 升序返回事件。
func (s *Storage) QueryClusterEvents(ctx context.Context, q EventQuery) ([]ClusterEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx).Model(&ClusterEvent{})
	if q.ClusterID != "" {
		db = db.Where("cluster_id = ?", q.ClusterID)
	}
	if q.Since != nil {
		db = db.Where("last_timestamp >= ?", *q.Since)
	}
	if q.Type != "" {
		db = db.Where("type = ?", q.Type)
	}
	var out []ClusterEvent
	if err := applyLimit(db.Order("last_timestamp ASC, id ASC"), q.Limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query cluster events: %w", err)
	}
	return out, nil
}

func (s *Storage) DeleteClusterEventsBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	db := s.db.WithContext(ctx).Model(&ClusterEvent{}).Where("last_timestamp < ?", before)
	return s.deleteIDs(ctx, db, &ClusterEvent{}, limit, "cluster events")
}

// InsertCorrelation 写入一条关联结果；correlation_id 冲突时返回 ErrConflict。
func (s *Storage) InsertCorrelation(ctx context.Context, c *EventCorrelation) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("correlation %s: %w", c.CorrelationID, ErrConflict)
		}
		return fmt.Errorf("insert correlation: %w", err)
	}
	return nil
}

// HasCorrelationForBucket 判断某个时间桶是否已经产生过关联结果。
func (s *Storage) HasCorrelationForBucket(ctx context.Context, clusterID string, bucketStart time.Time) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&EventCorrelation{}).
		Where("cluster_id = ? AND bucket_start = ?", clusterID, bucketStart.UTC()).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check correlation bucket: %w", err)
	}
	return n > 0, nil
}

func (s *Storage) ListCorrelations(ctx context.Context, clusterID string, limit int) ([]EventCorrelation, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []EventCorrelation
	db := s.db.WithContext(ctx).Where("cluster_id = ?", clusterID).Order("created_at DESC, id DESC")
	if err := applyLimit(db, limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list correlations: %w", err)
	}
	return out, nil
}
