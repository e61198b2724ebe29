package analysis

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wwwzy/KubeSentry/internal/notify"
	"github.com/wwwzy/KubeSentry/internal/storage"
)

// AlertLifecycle 执行告警的确认与解决，并在状态实际发生变化时外发通知。
// 标志位只会从 false 变为 true；重复调用不会再次通知。
type AlertLifecycle struct {
	store    *storage.Storage
	notifier Notifier
	logger   *slog.Logger
}

func NewAlertLifecycle(store *storage.Storage) *AlertLifecycle {
	return &AlertLifecycle{store: store, logger: slog.Default()}
}

func (l *AlertLifecycle) WithNotifier(n Notifier) *AlertLifecycle {
	l.notifier = n
	return l
}

func (l *AlertLifecycle) WithLogger(lg *slog.Logger) *AlertLifecycle {
	if lg != nil {
		l.logger = lg
	}
	return l
}

// Acknowledge 确认阈值告警，首次确认时发送 action=update。
func (l *AlertLifecycle) Acknowledge(ctx context.Context, id uint64) (*storage.Alert, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("alert lifecycle not initialized")
	}
	prev, err := l.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := l.store.AcknowledgeAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if !prev.Acknowledged {
		l.dispatchAlert(ctx, *a, notify.ActionUpdate)
	}
	return a, nil
}

// Resolve 解决阈值告警，首次解决时发送 action=resolve。
func (l *AlertLifecycle) Resolve(ctx context.Context, id uint64) (*storage.Alert, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("alert lifecycle not initialized")
	}
	prev, err := l.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := l.store.ResolveAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if !prev.Resolved {
		l.dispatchAlert(ctx, *a, notify.ActionResolve)
	}
	return a, nil
}

func (l *AlertLifecycle) ResolveSmart(ctx context.Context, id uint64) (*storage.SmartAlert, error) {
	if l == nil || l.store == nil {
		return nil, errors.New("alert lifecycle not initialized")
	}
	prev, err := l.store.GetSmartAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	a, err := l.store.ResolveSmartAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if !prev.IsResolved && l.notifier != nil {
		cl, ok := l.cluster(ctx, a.ClusterID)
		if ok {
			l.send(ctx, SmartAlertEvent(cl, *a, notify.ActionResolve))
		}
	}
	return a, nil
}

func (l *AlertLifecycle) dispatchAlert(ctx context.Context, a storage.Alert, action notify.Action) {
	if l.notifier == nil {
		return
	}
	cl, ok := l.cluster(ctx, a.ClusterID)
	if !ok {
		return
	}
	l.send(ctx, AlertEvent(cl, a, action))
}

func (l *AlertLifecycle) cluster(ctx context.Context, id string) (storage.Cluster, bool) {
	cl, err := l.store.GetCluster(ctx, id)
	if err != nil {
		l.logger.Warn("lookup alert cluster failed", "cluster", id, "error", err)
		return storage.Cluster{}, false
	}
	return *cl, true
}

// send 的失败只记录日志，状态变更已经落库。
func (l *AlertLifecycle) send(ctx context.Context, ev notify.Event) {
	if _, err := l.notifier.Dispatch(ctx, ev); err != nil {
		l.logger.Warn("dispatch lifecycle notification failed",
			"cluster", ev.ClusterID, "alert_id", ev.AlertID, "action", ev.Action, "error", err)
	}
}
