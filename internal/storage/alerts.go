package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AlertOutcome 描述一次阈值告警写入的结果。
type AlertOutcome int

const (
	// AlertCreated 表示插入了新的未解决告警。
	AlertCreated AlertOutcome = iota
	// AlertRefreshed 表示已存在未解决告警，并刷新了其当前值/级别/消息。
	AlertRefreshed
	// AlertSuppressed 表示已存在未解决告警，且未做任何写入。
	AlertSuppressed
)

type AlertWrite struct {
	Alert            Alert
	Outcome          AlertOutcome
	PreviousSeverity string
}

// UpsertOpenAlert 在事务内按 (cluster_id, alert_type, node_name, resolved=false) 去重写入阈值告警。
// refresh=false 时已存在的告警保持不变。
func (s *Storage) UpsertOpenAlert(ctx context.Context, a Alert, refresh bool) (AlertWrite, error) {
	if err := s.ready(); err != nil {
		return AlertWrite{}, err
	}

	var out AlertWrite
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Alert
		err := tx.Where("cluster_id = ? AND alert_type = ? AND node_name = ? AND resolved = ?",
			a.ClusterID, a.AlertType, a.NodeName, false).
			Order("id ASC").
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			a.ID = 0
			a.Acknowledged = false
			a.Resolved = false
			a.ResolvedAt = nil
			if err := tx.Create(&a).Error; err != nil {
				return fmt.Errorf("insert alert: %w", err)
			}
			out = AlertWrite{Alert: a, Outcome: AlertCreated}
			return nil
		}
		if err != nil {
			return fmt.Errorf("find open alert: %w", err)
		}

		out = AlertWrite{Alert: existing, Outcome: AlertSuppressed, PreviousSeverity: existing.Severity}
		if !refresh {
			return nil
		}

		now := time.Now().UTC()
		updates := map[string]any{
			"current_value":   a.CurrentValue,
			"threshold_value": a.ThresholdValue,
			"severity":        a.Severity,
			"message":         a.Message,
			"updated_at":      now,
		}
		if err := tx.Model(&Alert{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("refresh alert: %w", err)
		}
		existing.CurrentValue = a.CurrentValue
		existing.ThresholdValue = a.ThresholdValue
		existing.Severity = a.Severity
		existing.Message = a.Message
		existing.UpdatedAt = now
		out.Alert = existing
		out.Outcome = AlertRefreshed
		return nil
	})
	if err != nil {
		return AlertWrite{}, err
	}
	return out, nil
}

type AlertQuery struct {
	ClusterID string
	// OpenOnly 只返回未解决告警。
	OpenOnly bool
	Limit    int
}

func (s *Storage) QueryAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx).Model(&Alert{})
	if q.ClusterID != "" {
		db = db.Where("cluster_id = ?", q.ClusterID)
	}
	if q.OpenOnly {
		db = db.Where("resolved = ?", false)
	}
	var out []Alert
	if err := applyLimit(db.Order("created_at DESC, id DESC"), q.Limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	return out, nil
}

func (s *Storage) GetAlert(ctx context.Context, id uint64) (*Alert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var a Alert
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("alert", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return &a, nil
}

// AcknowledgeAlert 将告警标记为已确认；重复调用是幂等的。
func (s *Storage) AcknowledgeAlert(ctx context.Context, id uint64) (*Alert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Model(&Alert{}).
		Where("id = ? AND acknowledged = ?", id, false).
		Updates(map[string]any{"acknowledged": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return nil, fmt.Errorf("acknowledge alert: %w", res.Error)
	}
	return s.GetAlert(ctx, id)
}

// ResolveAlert 将告警标记为已解决并记录 resolved_at。已解决的告警不会被重置。
func (s *Storage) ResolveAlert(ctx context.Context, id uint64) (*Alert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&Alert{}).
		Where("id = ? AND resolved = ?", id, false).
		Updates(map[string]any{"resolved": true, "resolved_at": now, "updated_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("resolve alert: %w", res.Error)
	}
	return s.GetAlert(ctx, id)
}

type SmartAlertWrite struct {
	Alert   SmartAlert
	Created bool
}

// UpsertOpenSmartAlert 按 (cluster_id, alert_type, resource_name, is_resolved=false) 去重写入智能告警。
// 已存在时刷新 severity/description/related_events/updated_at。
func (s *Storage) UpsertOpenSmartAlert(ctx context.Context, a SmartAlert) (SmartAlertWrite, error) {
	if err := s.ready(); err != nil {
		return SmartAlertWrite{}, err
	}

	var out SmartAlertWrite
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SmartAlert
		err := tx.Where("cluster_id = ? AND alert_type = ? AND resource_name = ? AND is_resolved = ?",
			a.ClusterID, a.AlertType, a.ResourceName, false).
			Order("id ASC").
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			a.ID = 0
			a.IsResolved = false
			a.ResolvedAt = nil
			if err := tx.Create(&a).Error; err != nil {
				return fmt.Errorf("insert smart alert: %w", err)
			}
			out = SmartAlertWrite{Alert: a, Created: true}
			return nil
		}
		if err != nil {
			return fmt.Errorf("find open smart alert: %w", err)
		}

		now := time.Now().UTC()
		existing.Severity = a.Severity
		existing.Description = a.Description
		existing.RelatedEvents = a.RelatedEvents
		existing.UpdatedAt = now
		if err := tx.Model(&existing).Select("severity", "description", "related_events", "updated_at").Updates(&existing).Error; err != nil {
			return fmt.Errorf("refresh smart alert: %w", err)
		}
		out = SmartAlertWrite{Alert: existing}
		return nil
	})
	if err != nil {
		return SmartAlertWrite{}, err
	}
	return out, nil
}

type SmartAlertQuery struct {
	ClusterID string
	AlertType string
	OpenOnly  bool
	Limit     int
}

func (s *Storage) QuerySmartAlerts(ctx context.Context, q SmartAlertQuery) ([]SmartAlert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx).Model(&SmartAlert{})
	if q.ClusterID != "" {
		db = db.Where("cluster_id = ?", q.ClusterID)
	}
	if q.AlertType != "" {
		db = db.Where("alert_type = ?", q.AlertType)
	}
	if q.OpenOnly {
		db = db.Where("is_resolved = ?", false)
	}
	var out []SmartAlert
	if err := applyLimit(db.Order("created_at DESC, id DESC"), q.Limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query smart alerts: %w", err)
	}
	return out, nil
}

func (s *Storage) GetSmartAlert(ctx context.Context, id uint64) (*SmartAlert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var a SmartAlert
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound("smart alert", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get smart alert: %w", err)
	}
	return &a, nil
}

func (s *Storage) ResolveSmartAlert(ctx context.Context, id uint64) (*SmartAlert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&SmartAlert{}).
		Where("id = ? AND is_resolved = ?", id, false).
		Updates(map[string]any{"is_resolved": true, "resolved_at": now, "updated_at": now})
	if res.Error != nil {
		return nil, fmt.Errorf("resolve smart alert: %w", res.Error)
	}
	return s.GetSmartAlert(ctx, id)
}

// SmartAlertResolvedSince 报告同一 (cluster_id, alert_type, resource_name) 是否有在 since 之后解决的告警。
// PatternDetector 据此避免对已处理、且之后没有新迹象的资源重复告警。
func (s *Storage) SmartAlertResolvedSince(ctx context.Context, clusterID, alertType, resource string, since time.Time) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&SmartAlert{}).
		Where("cluster_id = ? AND alert_type = ? AND resource_name = ? AND is_resolved = ? AND resolved_at >= ?",
			clusterID, alertType, resource, true, since.UTC()).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("smart alert resolved since: %w", err)
	}
	return n > 0, nil
}

// CountOpenAlerts 返回集群未解决的阈值告警与智能告警数量。
func (s *Storage) CountOpenAlerts(ctx context.Context, clusterID string) (threshold, smart int64, err error) {
	if err := s.ready(); err != nil {
		return 0, 0, err
	}
	db := s.db.WithContext(ctx)
	if err := db.Model(&Alert{}).Where("cluster_id = ? AND resolved = ?", clusterID, false).Count(&threshold).Error; err != nil {
		return 0, 0, fmt.Errorf("count open alerts: %w", err)
	}
	if err := db.Model(&SmartAlert{}).Where("cluster_id = ? AND is_resolved = ?", clusterID, false).Count(&smart).Error; err != nil {
		return 0, 0, fmt.Errorf("count open smart alerts: %w", err)
	}
	return threshold, smart, nil
}

// OpenSmartAlertsWithoutSuggestions 返回集群内尚无任何建议的未解决智能告警。
func (s *Storage) OpenSmartAlertsWithoutSuggestions(ctx context.Context, clusterID string) ([]SmartAlert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []SmartAlert
	err := s.db.WithContext(ctx).
		Where("cluster_id = ? AND is_resolved = ?", clusterID, false).
		Where("NOT EXISTS (SELECT 1 FROM suggestions WHERE suggestions.alert_id = smart_alerts.id)").
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("open smart alerts without suggestions: %w", err)
	}
	return out, nil
}

// InsertSuggestions 为告警写入一组建议。
func (s *Storage) InsertSuggestions(ctx context.Context, items []Suggestion) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&items).Error; err != nil {
		return fmt.Errorf("insert suggestions: %w", err)
	}
	return nil
}

// ListSuggestions 按优先级（1 最高）返回告警的建议。
func (s *Storage) ListSuggestions(ctx context.Context, alertID uint64) ([]Suggestion, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var out []Suggestion
	err := s.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("priority ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	return out, nil
}
