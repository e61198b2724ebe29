package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// SyncClusters 将配置中声明的集群及其指标源写入数据库（按自然键覆盖）。
// 不在配置中的旧指标源会被禁用而不是删除，以保留 last_scrape_at。
func (s *Storage) SyncClusters(ctx context.Context, clusters []Cluster, sources []MetricSource) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range clusters {
			if err := upsertByKey(tx, &clusters[i], []string{"id"},
				[]string{"name", "owner_id", "runtime", "kubeconfig", "context", "docker_host", "updated_at"}); err != nil {
				return fmt.Errorf("upsert cluster %s: %w", clusters[i].ID, err)
			}
		}
		if err := tx.Model(&MetricSource{}).Where("1 = 1").Update("enabled", false).Error; err != nil {
			return fmt.Errorf("disable metric sources: %w", err)
		}
		for i := range sources {
			sources[i].ID = 0
			sources[i].Enabled = true
			if err := upsertByKey(tx, &sources[i], []string{"cluster_id", "name"},
				[]string{"kind", "endpoint", "auth_token", "enabled", "updated_at"}); err != nil {
				return fmt.Errorf("upsert metric source %s/%s: %w", sources[i].ClusterID, sources[i].Name, err)
			}
		}
		return nil
	})
}

func (s *Storage) ListClusters(ctx context.Context) ([]Cluster, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []Cluster
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	return out, nil
}

func (s *Storage) GetCluster(ctx context.Context, id string) (*Cluster, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var c Cluster
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("cluster %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	return &c, nil
}

func (s *Storage) ListMetricSources(ctx context.Context, clusterID string) ([]MetricSource, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []MetricSource
	err := s.db.WithContext(ctx).
		Where("cluster_id = ? AND enabled = ?", clusterID, true).
		Order("name ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list metric sources: %w", err)
	}
	return out, nil
}

func (s *Storage) MarkSourceScraped(ctx context.Context, id uint64, at time.Time) error {
	if err := s.ready(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&MetricSource{}).Where("id = ?", id).Update("last_scrape_at", at.UTC())
	if res.Error != nil {
		return fmt.Errorf("mark source scraped: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("metric source", id)
	}
	return nil
}

// SyncChannels 按 (user_id, name) 覆盖写入通知渠道配置。
func (s *Storage) SyncChannels(ctx context.Context, channels []NotificationChannel) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range channels {
			channels[i].ID = 0
			if err := upsertByKey(tx, &channels[i], []string{"user_id", "name"},
				[]string{"kind", "target", "severity_threshold", "enabled", "updated_at"}); err != nil {
				return fmt.Errorf("upsert channel %s/%s: %w", channels[i].UserID, channels[i].Name, err)
			}
		}
		return nil
	})
}

// ListEnabledChannels 返回某用户所有启用的通知渠道。
func (s *Storage) ListEnabledChannels(ctx context.Context, userID string) ([]NotificationChannel, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []NotificationChannel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND enabled = ?", userID, true).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	return out, nil
}
