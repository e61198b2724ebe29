package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultLimit = 200
	maxLimit     = 5000

	defaultDeleteLimit = 500
	maxDeleteLimit     = 900
)

// Unlimited 作为查询的 Limit 时表示不限制返回条数（窗口查询使用）。
const Unlimited = -1

type MetricQuery struct {
	// ClusterID 为必填过滤条件以外的所有字段都是可选过滤，零值表示不参与过滤。
	ClusterID  string
	MetricType string
	MetricName string
	NodeName   string
	// AlertableOnly 只返回百分比类（参与评分与阈值检查）的样本。
	AlertableOnly bool
	// From/To 过滤 Timestamp 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；0 使用默认值，Unlimited 不限制。
	Limit int
	// Desc 按 Timestamp 倒序返回（优先返回最新样本）。
	Desc bool
}

func (s *Storage) InsertMetricSamples(ctx context.Context, samples []MetricSample) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for i := range samples {
		if samples[i].Timestamp.IsZero() {
			samples[i].Timestamp = now
		}
		samples[i].Timestamp = samples[i].Timestamp.UTC()
		if samples[i].CreatedAt.IsZero() {
			samples[i].CreatedAt = now
		}
	}
	if err := s.db.WithContext(ctx).CreateInBatches(samples, 200).Error; err != nil {
		return fmt.Errorf("insert metric samples: %w", err)
	}
	return nil
}

func (s *Storage) QueryMetricSamples(ctx context.Context, q MetricQuery) ([]MetricSample, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx).Model(&MetricSample{})
	if q.ClusterID != "" {
		db = db.Where("cluster_id = ?", q.ClusterID)
	}
	if q.MetricType != "" {
		db = db.Where("metric_type = ?", q.MetricType)
	}
	if q.MetricName != "" {
		db = db.Where("metric_name = ?", q.MetricName)
	}
	if q.NodeName != "" {
		db = db.Where("node_name = ?", q.NodeName)
	}
	if q.AlertableOnly {
		db = db.Where("alertable = ?", true)
	}
	if q.From != nil {
		db = db.Where("timestamp >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("timestamp <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("timestamp DESC")
	} else {
		db = db.Order("timestamp ASC")
	}
	db = applyLimit(db, q.Limit)

	var out []MetricSample
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query metric samples: %w", err)
	}
	return out, nil
}

func (s *Storage) CountMetricSamples(ctx context.Context) (int64, error) {
	return s.count(ctx, &MetricSample{})
}

func (s *Storage) DeleteMetricSamplesBeforeLimited(ctx context.Context, before time.Time, limit int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	db := s.db.WithContext(ctx).Model(&MetricSample{}).Where("timestamp < ?", before)
	return s.deleteIDs(ctx, db, &MetricSample{}, limit, "metric samples")
}

// DeleteMetricSamplesNonAnomalyInRangeLimited 删除 [from, to) 区间内的“非异常”样本。
// 异常样本指 alertable 且数值达到其类型阈值的样本；highs 为空时区间内全部删除。
func (s *Storage) DeleteMetricSamplesNonAnomalyInRangeLimited(ctx context.Context, from time.Time, to time.Time, highs map[string]float64, limit int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if !to.After(from) {
		return 0, nil
	}

	db := s.db.WithContext(ctx).Model(&MetricSample{}).
		Where("timestamp >= ? AND timestamp < ?", from, to)
	if len(highs) > 0 {
		conds := make([]string, 0, len(highs))
		args := make([]any, 0, len(highs)*2+1)
		args = append(args, true)
		for metricType, high := range highs {
			conds = append(conds, "(metric_type = ? AND value >= ?)")
			args = append(args, metricType, high)
		}
		db = db.Where("NOT (alertable = ? AND ("+strings.Join(conds, " OR ")+"))", args...)
	}
	return s.deleteIDs(ctx, db, &MetricSample{}, limit, "metric samples")
}

// AuditQuery 用于查询审计记录的过滤条件。所有字段都是可选过滤条件，零值表示不参与过滤。
type AuditQuery struct {
	TraceID string
	Action  string
	Status  string
	// From/To 过滤 CreatedAt 区间：[From, To]（两端包含）。
	From *time.Time
	To   *time.Time
	// Limit 限制返回条数；<=0 使用默认值。
	Limit int
	// Desc 按 CreatedAt 倒序返回（优先返回最新记录）。
	Desc bool
}

func (s *Storage) InsertAuditRecord(ctx context.Context, rec *AuditRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if rec == nil {
		return errors.New("audit record is nil")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *Storage) QueryAuditRecords(ctx context.Context, q AuditQuery) ([]AuditRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	db := s.db.WithContext(ctx).Model(&AuditRecord{})
	if q.TraceID != "" {
		db = db.Where("trace_id = ?", q.TraceID)
	}
	if q.Action != "" {
		db = db.Where("action = ?", q.Action)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.From != nil {
		db = db.Where("created_at >= ?", *q.From)
	}
	if q.To != nil {
		db = db.Where("created_at <= ?", *q.To)
	}
	if q.Desc {
		db = db.Order("created_at DESC")
	} else {
		db = db.Order("created_at ASC")
	}
	db = applyLimit(db, q.Limit)

	var out []AuditRecord
	if err := db.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	return out, nil
}

type AuditUpdate struct {
	Status       *string
	ResultJSON   *string
	ErrorMessage *string
	FinishedAt   *time.Time
}

func (s *Storage) UpdateAuditRecord(ctx context.Context, id uint64, up AuditUpdate) error {
	if err := s.ready(); err != nil {
		return err
	}

	updates := make(map[string]interface{})
	if up.Status != nil {
		updates["status"] = *up.Status
	}
	if up.ResultJSON != nil {
		updates["result_json"] = *up.ResultJSON
	}
	if up.ErrorMessage != nil {
		updates["error_message"] = *up.ErrorMessage
	}
	if up.FinishedAt != nil {
		updates["finished_at"] = *up.FinishedAt
	}

	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).Model(&AuditRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update audit record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound("audit record", id)
	}
	return nil
}

func (s *Storage) CountAuditRecords(ctx context.Context) (int64, error) {
	return s.count(ctx, &AuditRecord{})
}

func (s *Storage) DeleteAuditRecordsBefore(ctx context.Context, before time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&AuditRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// DeleteAuditRecordsKeepLatest 只保留最新的 keep 条审计记录。
func (s *Storage) DeleteAuditRecordsKeepLatest(ctx context.Context, keep int) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	if keep <= 0 {
		return 0, errors.New("keep must be positive")
	}
	sub := s.db.Model(&AuditRecord{}).Select("id").Order("created_at DESC, id DESC").Limit(keep)
	res := s.db.WithContext(ctx).Where("id NOT IN (?)", sub).Delete(&AuditRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete audit records: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// upsertByKey 按自然唯一键执行 insert-or-replace：冲突时只覆盖 updates 列。
// 所有“按自然键覆盖写入”的实体都经由这里，而不是各自先查后写。
func upsertByKey(db *gorm.DB, value any, keys []string, updates []string) error {
	cols := make([]clause.Column, 0, len(keys))
	for _, k := range keys {
		cols = append(cols, clause.Column{Name: k})
	}
	return db.Clauses(clause.OnConflict{
		Columns:   cols,
		DoUpdates: clause.AssignmentColumns(updates),
	}).Create(value).Error
}

func (s *Storage) count(ctx context.Context, model any) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(model).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// deleteIDs 先按 id 升序选出至多 limit 条，再按 id 删除，避免长时间持有写锁。
func (s *Storage) deleteIDs(ctx context.Context, selectDB *gorm.DB, model any, limit int, entity string) (int64, error) {
	limit = normalizeDeleteLimit(limit)

	var ids []uint64
	if err := selectDB.Select("id").Order("id ASC").Limit(limit).Find(&ids).Error; err != nil {
		return 0, fmt.Errorf("select %s ids: %w", entity, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(model)
	if res.Error != nil {
		return 0, fmt.Errorf("delete %s: %w", entity, res.Error)
	}
	return res.RowsAffected, nil
}

func applyLimit(db *gorm.DB, v int) *gorm.DB {
	if v == Unlimited {
		return db
	}
	return db.Limit(normalizeLimit(v))
}

func normalizeLimit(v int) int {
	if v <= 0 {
		return defaultLimit
	}
	if v > maxLimit {
		return maxLimit
	}
	return v
}

func normalizeDeleteLimit(v int) int {
	if v <= 0 {
		return defaultDeleteLimit
	}
	if v > maxDeleteLimit {
		return maxDeleteLimit
	}
	return v
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type notFoundError struct {
	Entity string
	ID     uint64
}

func (e notFoundError) Error() string {
	return fmt.Sprintf("%s not found: %d", e.Entity, e.ID)
}

func (e notFoundError) Unwrap() error { return ErrNotFound }

func notFound(entity string, id uint64) error {
	return notFoundError{Entity: entity, ID: id}
}

type TableCount struct {
	Table string
	Rows  int64
}

// TableCounts 返回各业务表的行数，storage info 命令使用。
func (s *Storage) TableCounts(ctx context.Context) ([]TableCount, error) {
	models := []struct {
		name  string
		model any
	}{
		{"clusters", &Cluster{}},
		{"metric_sources", &MetricSource{}},
		{"metric_samples", &MetricSample{}},
		{"health_scores", &HealthScore{}},
		{"alerts", &Alert{}},
		{"smart_alerts", &SmartAlert{}},
		{"pod_health", &PodHealth{}},
		{"pod_health_samples", &PodHealthSample{}},
		{"cluster_events", &ClusterEvent{}},
		{"event_correlations", &EventCorrelation{}},
		{"pod_restart_trends", &PodRestartTrend{}},
		{"suggestions", &Suggestion{}},
		{"notification_channels", &NotificationChannel{}},
		{"audit_records", &AuditRecord{}},
	}
	out := make([]TableCount, 0, len(models))
	for _, m := range models {
		n, err := s.count(ctx, m.model)
		if err != nil {
			return out, fmt.Errorf("%s: %w", m.name, err)
		}
		out = append(out, TableCount{Table: m.name, Rows: n})
	}
	return out, nil
}
