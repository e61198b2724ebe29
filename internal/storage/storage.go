package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrNotFound 表示按主键查找的记录不存在。
	ErrNotFound = errors.New("record not found")
	// ErrConflict 表示写入违反了自然唯一键（例如同一时刻重复写入健康评分）。
	ErrConflict = errors.New("uniqueness conflict")
)

// Config 描述 sqlite 存储；InMemory 主要用于测试。
type Config struct {
	Path            string           `mapstructure:"path"`
	InMemory        bool             `mapstructure:"in_memory"`
	EnableWAL       bool             `mapstructure:"enable_wal"`
	BusyTimeout     time.Duration    `mapstructure:"busy_timeout"`
	MaxOpenConns    int              `mapstructure:"max_open_conns"`
	MaxIdleConns    int              `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration    `mapstructure:"conn_max_lifetime"`
	Logger          logger.Interface `mapstructure:"-"`
}

// Storage 持有监控流水线的全部持久化状态。
type Storage struct {
	db    *gorm.DB
	sqlDB *sql.DB
}

func Open(ctx context.Context, cfg Config) (*Storage, error) {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn, err := dsnFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if cfg.Logger != nil {
		gormCfg.Logger = cfg.Logger
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Storage{db: db, sqlDB: sqlDB}

	if cfg.EnableWAL {
		if err := s.db.WithContext(ctx).Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("enable wal: %w", err)
		}
	}

	if err := s.db.WithContext(ctx).Exec("PRAGMA foreign_keys=ON;").Error; err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Storage) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.sqlDB.PingContext(ctx)
}

// Migrate 建表并补充 gorm 标签无法表达的部分唯一索引。
func (s *Storage) Migrate(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Cluster{},
		&MetricSource{},
		&MetricSample{},
		&HealthScore{},
		&Alert{},
		&SmartAlert{},
		&PodHealth{},
		&PodHealthSample{},
		&ClusterEvent{},
		&EventCorrelation{},
		&PodRestartTrend{},
		&Suggestion{},
		&NotificationChannel{},
		&AuditRecord{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	// 每个去重键最多一条未解决告警；已解决的历史行不受约束。
	for _, stmt := range openAlertIndexes {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("create open alert index: %w", err)
		}
	}
	return nil
}

var openAlertIndexes = []string{
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_one_open
		ON alerts (cluster_id, alert_type, node_name) WHERE resolved = 0`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_smart_alerts_one_open
		ON smart_alerts (cluster_id, alert_type, resource_name) WHERE is_resolved = 0`,
}

func (s *Storage) DB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

func (s *Storage) ready() error {
	if s == nil || s.db == nil || s.sqlDB == nil {
		return errors.New("storage not initialized")
	}
	return nil
}

func dsnFromConfig(cfg Config) (string, error) {
	timeoutMS := int(cfg.BusyTimeout / time.Millisecond)
	if timeoutMS <= 0 {
		timeoutMS = 5000
	}

	if cfg.InMemory {
		return fmt.Sprintf("file:kubesentry?mode=memory&cache=shared&_pragma=busy_timeout(%d)", timeoutMS), nil
	}

	if cfg.Path == "" {
		return "", errors.New("sqlite path is required when InMemory=false")
	}

	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", cfg.Path, timeoutMS), nil
}
