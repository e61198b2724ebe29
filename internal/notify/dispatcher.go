package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

// 渠道类型（NotificationChannel.Kind）。
const (
	KindSlack = "slack"
	KindNATS  = "nats"
)

// Result 汇总一次分发的结果；Filtered 为因级别阈值被过滤掉的渠道数。
type Result struct {
	Sent     int
	Failed   int
	Filtered int
}

// Sender 负责把消息投递到某一类渠道。
type Sender interface {
	Send(ctx context.Context, ch storage.NotificationChannel, msg Message) error
}

// ChannelLister 返回用户启用的通知渠道，*storage.Storage 满足它。
type ChannelLister interface {
	ListEnabledChannels(ctx context.Context, userID string) ([]storage.NotificationChannel, error)
}

// DeliveryHook 在每个渠道投递完成后被调用，err 为 nil 表示成功。
type DeliveryHook func(ch storage.NotificationChannel, err error)

// Dispatcher 将事件并发投递到所属用户的所有渠道，单个渠道失败互不影响，不重试。
type Dispatcher struct {
	channels    ChannelLister
	senders     map[string]Sender
	timeout     time.Duration
	concurrency int
	hook        DeliveryHook
	logger      *slog.Logger
}

func NewDispatcher(channels ChannelLister) *Dispatcher {
	return &Dispatcher{
		channels:    channels,
		senders:     make(map[string]Sender),
		timeout:     10 * time.Second,
		concurrency: 8,
		logger:      slog.Default(),
	}
}

// WithSender 注册某类渠道的投递实现。
func (d *Dispatcher) WithSender(kind string, s Sender) *Dispatcher {
	d.senders[kind] = s
	return d
}

func (d *Dispatcher) WithTimeout(t time.Duration) *Dispatcher {
	if t > 0 {
		d.timeout = t
	}
	return d
}

func (d *Dispatcher) WithConcurrency(n int) *Dispatcher {
	if n > 0 {
		d.concurrency = n
	}
	return d
}

func (d *Dispatcher) WithDeliveryHook(h DeliveryHook) *Dispatcher {
	d.hook = h
	return d
}

func (d *Dispatcher) WithLogger(l *slog.Logger) *Dispatcher {
	if l != nil {
		d.logger = l
	}
	return d
}

// Dispatch 只在无法读取渠道配置时返回错误；投递失败计入 Result.Failed。
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Result, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	if ev.OwnerID == "" {
		return Result{}, nil
	}
	channels, err := d.channels.ListEnabledChannels(ctx, ev.OwnerID)
	if err != nil {
		return Result{}, fmt.Errorf("list channels for %s: %w", ev.OwnerID, err)
	}

	var res Result
	targets := make([]storage.NotificationChannel, 0, len(channels))
	for _, ch := range channels {
		if !Allows(ch.SeverityThreshold, ev.Severity) {
			res.Filtered++
			continue
		}
		targets = append(targets, ch)
	}
	if len(targets) == 0 {
		return res, nil
	}

	msg := Format(ev)
	errs := make([]error, len(targets))
	p := pool.New().WithMaxGoroutines(d.concurrency)
	for i, ch := range targets {
		p.Go(func() {
			errs[i] = d.deliver(ctx, ch, msg)
		})
	}
	p.Wait()

	for i, err := range errs {
		ch := targets[i]
		if d.hook != nil {
			d.hook(ch, err)
		}
		if err != nil {
			res.Failed++
			d.logger.Warn("notification delivery failed",
				"channel", ch.Name, "kind", ch.Kind, "cluster", ev.ClusterID, "alert_id", ev.AlertID, "error", err)
			continue
		}
		res.Sent++
	}
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, ch storage.NotificationChannel, msg Message) (err error) {
	sender, ok := d.senders[ch.Kind]
	if !ok {
		return fmt.Errorf("no sender for channel kind %q", ch.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sender panic: %v", r)
		}
	}()
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return sender.Send(callCtx, ch, msg)
}
