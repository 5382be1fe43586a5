package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"tokenchat-server/internal/cache"
	"tokenchat-server/internal/model"
)

// RedisBus 基于 Redis Pub/Sub 的消息总线
type RedisBus struct {
	cache *cache.RedisCache
}

// NewRedisBus 创建 RedisBus
func NewRedisBus(c *cache.RedisCache) *RedisBus {
	return &RedisBus{cache: c}
}

// PublishMessage 发布到 user:<id>:messages 频道
func (b *RedisBus) PublishMessage(ctx context.Context, msg *model.Message) error {
	return b.cache.PublishUserMessage(ctx, msg.UserID, msg)
}

// Subscribe 订阅用户频道
func (b *RedisBus) Subscribe(ctx context.Context, userID int64) (Subscription, error) {
	pubsub, err := b.cache.SubscribeUserMessages(ctx, userID)
	if err != nil {
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan *model.Message, eventBuffer),
		done:   make(chan struct{}),
	}
	go sub.pump(pubsub.Channel())
	return sub, nil
}

// Close Redis 连接由 RedisCache 的持有者关闭
func (b *RedisBus) Close() error {
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan *model.Message
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) pump(ch <-chan *redis.Message) {
	defer close(s.events)
	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return
			}
			msg, err := decodeMessage([]byte(raw.Payload))
			if err != nil {
				slog.Warn("dropping malformed message event", "channel", raw.Channel, "error", err)
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

func (s *redisSubscription) Events() <-chan *model.Message {
	return s.events
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
