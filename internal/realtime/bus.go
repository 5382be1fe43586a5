// Package realtime 负责新消息事件的发布与订阅
// 消息写入数据库后发布到用户频道，订阅方按到达顺序逐条处理
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"tokenchat-server/internal/cache"
	"tokenchat-server/internal/config"
	"tokenchat-server/internal/model"
)

// Publisher 发布新写入的消息
type Publisher interface {
	PublishMessage(ctx context.Context, msg *model.Message) error
}

// Subscription 一个用户频道的订阅
// Close 之后 Events 不再产生新消息（通道可能被关闭）
type Subscription interface {
	Events() <-chan *model.Message
	Close() error
}

// Subscriber 订阅指定用户的新消息
type Subscriber interface {
	Subscribe(ctx context.Context, userID int64) (Subscription, error)
}

// Bus 消息总线，Redis 和 NATS 两种实现
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// 订阅通道缓冲大小
const eventBuffer = 64

// Broker 名称
const (
	BrokerRedis = "redis"
	BrokerNATS  = "nats"
)

// ValidateBroker 检查配置的 broker 是否受支持
func ValidateBroker(cfg config.RealtimeConfig) error {
	switch cfg.Broker {
	case BrokerRedis, BrokerNATS:
		return nil
	default:
		return fmt.Errorf("unsupported realtime broker %q", cfg.Broker)
	}
}

func encodeMessage(msg *model.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func decodeMessage(data []byte) (*model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("message event without id")
	}
	return &msg, nil
}

// Open 按配置创建消息总线
// redis 模式复用已有的 RedisCache 连接
func Open(cfg *config.Config, c *cache.RedisCache) (Bus, error) {
	if err := ValidateBroker(cfg.Realtime); err != nil {
		return nil, err
	}
	if cfg.Realtime.Broker == BrokerNATS {
		return NewNATSBus(cfg.NATS)
	}
	return NewRedisBus(c), nil
}
