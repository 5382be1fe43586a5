package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"tokenchat-server/internal/config"
	"tokenchat-server/internal/model"
)

// NATSBus 基于 NATS 主题的消息总线
// 主题格式: <prefix>.<userID>
type NATSBus struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSBus 连接 NATS 并创建 NATSBus
func NewNATSBus(cfg config.NATSConfig) (*NATSBus, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("tokenchat-server"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSBusWithConn(nc, cfg.SubjectPrefix), nil
}

// NewNATSBusWithConn 使用已有连接创建 NATSBus
func NewNATSBusWithConn(nc *nats.Conn, prefix string) *NATSBus {
	return &NATSBus{nc: nc, prefix: prefix}
}

// Subject 用户消息主题
func (b *NATSBus) Subject(userID int64) string {
	return fmt.Sprintf("%s.%d", b.prefix, userID)
}

// PublishMessage 发布消息到用户主题
func (b *NATSBus) PublishMessage(ctx context.Context, msg *model.Message) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	if err := b.nc.Publish(b.Subject(msg.UserID), data); err != nil {
		return fmt.Errorf("failed to publish message to subject '%s': %w", b.Subject(msg.UserID), err)
	}
	return nil
}

// Subscribe 订阅用户主题
// Flush 保证服务端已登记订阅后才返回
func (b *NATSBus) Subscribe(ctx context.Context, userID int64) (Subscription, error) {
	raw := make(chan *nats.Msg, eventBuffer)
	natsSub, err := b.nc.ChanSubscribe(b.Subject(userID), raw)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe '%s': %w", b.Subject(userID), err)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = natsSub.Unsubscribe()
		return nil, err
	}

	sub := &natsSubscription{
		sub:    natsSub,
		events: make(chan *model.Message, eventBuffer),
		done:   make(chan struct{}),
	}
	go sub.pump(raw)
	return sub, nil
}

// Close 排空并关闭连接
func (b *NATSBus) Close() error {
	return b.nc.Drain()
}

type natsSubscription struct {
	sub    *nats.Subscription
	events chan *model.Message
	done   chan struct{}
	once   sync.Once
}

func (s *natsSubscription) pump(raw <-chan *nats.Msg) {
	defer close(s.events)
	for {
		select {
		case m := <-raw:
			msg, err := decodeMessage(m.Data)
			if err != nil {
				slog.Warn("dropping malformed message event", "subject", m.Subject, "error", err)
				continue
			}
			select {
			case s.events <- msg:
			case <-s.done:
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *natsSubscription) Events() <-chan *model.Message {
	return s.events
}

func (s *natsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		close(s.done)
	})
	return err
}
