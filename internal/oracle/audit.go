package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/wwwzy/KubeSentry/internal/analysis"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

const (
	auditTruncateLimit = 2048

	ActionCorrelation = "oracle.correlation"
	ActionTrend       = "oracle.trend"
	ActionSuggestion  = "oracle.suggestion"
)

// AuditStore 为审计记录的写入接口，*storage.Storage 满足它。
type AuditStore interface {
	InsertAuditRecord(ctx context.Context, rec *storage.AuditRecord) error
	UpdateAuditRecord(ctx context.Context, id uint64, up storage.AuditUpdate) error
}

// auditor 在 oracle 调用前后写入审计记录（running → success/failed）。
// 审计写入失败只记日志，不影响调用本身。
type auditor struct {
	store  AuditStore
	logger *slog.Logger
}

func (a auditor) run(ctx context.Context, action, params string, call func(ctx context.Context) (string, error)) (string, error) {
	if a.store == nil {
		return call(ctx)
	}

	record := &storage.AuditRecord{
		TraceID:    analysis.GetTraceID(ctx),
		Action:     action,
		ParamsJSON: truncate(params, auditTruncateLimit),
		Status:     "running",
		StartedAt:  time.Now().UTC(),
	}
	// 调用可能因超时而取消 ctx，审计写入使用独立的 context。
	auditCtx := context.WithoutCancel(ctx)
	if err := a.store.InsertAuditRecord(auditCtx, record); err != nil {
		a.logger.Warn("failed to insert audit record", "action", action, "error", err)
	}

	result, callErr := call(ctx)

	if record.ID == 0 {
		return result, callErr
	}
	finishedAt := time.Now().UTC()
	status := "success"
	update := storage.AuditUpdate{Status: &status, FinishedAt: &finishedAt}
	if callErr != nil {
		status = "failed"
		msg := truncate(callErr.Error(), auditTruncateLimit)
		update.ErrorMessage = &msg
	}
	if result != "" {
		r := truncate(result, auditTruncateLimit)
		update.ResultJSON = &r
	}
	if err := a.store.UpdateAuditRecord(auditCtx, record.ID, update); err != nil {
		a.logger.Warn("failed to update audit record", "action", action, "id", record.ID, "error", err)
	}
	return result, callErr
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "...(truncated)"
}
