package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// InsertHealthScore 追加一条健康评分；(cluster_id, calculated_at) 冲突时返回 ErrConflict。
func (s *Storage) InsertHealthScore(ctx context.Context, score *HealthScore) error {
	if err := s.ready(); err != nil {
		return err
	}
	if score == nil {
		return errors.New("health score is nil")
	}
	if score.CalculatedAt.IsZero() {
		score.CalculatedAt = time.Now()
	}
	score.CalculatedAt = score.CalculatedAt.UTC()
	if err := s.db.WithContext(ctx).Create(score).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("health score %s@%s: %w", score.ClusterID, score.CalculatedAt.Format(time.RFC3339Nano), ErrConflict)
		}
		return fmt.Errorf("insert health score: %w", err)
	}
	return nil
}

// LatestHealthScore 返回集群最新的健康评分（即“当前”评分）。
func (s *Storage) LatestHealthScore(ctx context.Context, clusterID string) (*HealthScore, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var hs HealthScore
	err := s.db.WithContext(ctx).
		Where("cluster_id = ?", clusterID).
		Order("calculated_at DESC").
		First(&hs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("health score for %s: %w", clusterID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest health score: %w", err)
	}
	return &hs, nil
}

func (s *Storage) QueryHealthScores(ctx context.Context, clusterID string, from, to *time.Time, limit int) ([]HealthScore, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx).Model(&HealthScore{}).Where("cluster_id = ?", clusterID)
	if from != nil {
		db = db.Where("calculated_at >= ?", *from)
	}
	if to != nil {
		db = db.Where("calculated_at <= ?", *to)
	}
	var out []HealthScore
	if err := applyLimit(db.Order("calculated_at DESC"), limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query health scores: %w", err)
	}
	return out, nil
}

func (s *Storage) DeleteHealthScoresBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	db := s.db.WithContext(ctx).Model(&HealthScore{}).Where("calculated_at < ?", before)
	return s.deleteIDs(ctx, db, &HealthScore{}, limit, "health scores")
}
