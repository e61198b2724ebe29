package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/wwwzy/KubeSentry/internal/storage"
)

// Publisher 为 NATS 连接中用到的发布方法，*nats.Conn 满足它。
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSender 将通知以 JSON 发布到 channel.Target 指定的 subject。
// 连接在第一次发送时建立。
type NATSSender struct {
	url string

	mu   sync.Mutex
	pub  Publisher
	conn *nats.Conn
}

func NewNATSSender(url string) *NATSSender {
	return &NATSSender{url: url}
}

// NewNATSSenderWithPublisher 使用已有的发布者，主要用于测试。
func NewNATSSenderWithPublisher(pub Publisher) *NATSSender {
	return &NATSSender{pub: pub}
}

func (s *NATSSender) publisher() (Publisher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pub != nil {
		return s.pub, nil
	}
	if s.url == "" {
		return nil, errors.New("nats url is not configured")
	}
	conn, err := nats.Connect(s.url,
		nats.Name("kubesentry"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	s.conn = conn
	s.pub = conn
	return conn, nil
}

func (s *NATSSender) Send(ctx context.Context, ch storage.NotificationChannel, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pub, err := s.publisher()
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal nats payload: %w", err)
	}
	if err := pub.Publish(ch.Target, data); err != nil {
		return fmt.Errorf("publish %s: %w", ch.Target, err)
	}
	return nil
}

// Close 排空并关闭由发送方建立的连接。
func (s *NATSSender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Drain()
		s.conn.Close()
		s.conn = nil
		s.pub = nil
	}
}
