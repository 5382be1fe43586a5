// Package cache 提供 Redis 缓存操作的封装
// 处理新消息推送、语音会话标记、JWT 黑名单等需要快速访问的数据
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tokenchat-server/internal/config"
)

// RedisCache 封装 Redis 客户端，提供业务相关的缓存操作
type RedisCache struct {
	client *redis.Client // Redis 客户端实例
}

// NewRedisCache 创建 RedisCache 实例
// 参数:
//   - cfg: 应用配置（包含 Redis 连接信息）
//
// 返回:
//   - *RedisCache: 缓存实例
//   - error: 连接错误
func NewRedisCache(cfg *config.Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Username: cfg.Redis.Username, // 阿里云 Redis 需要用户名
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheWithClient 使用已有客户端创建 RedisCache
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Close 关闭 Redis 连接
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Ping 检查 Redis 连接
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// ==================== 语音会话标记 ====================

// SetActiveVoiceSession 记录用户进行中的语音会话
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//   - sessionID: 语音会话ID
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) SetActiveVoiceSession(ctx context.Context, userID int64, sessionID string) error {
	// 不设置过期时间，会话结束时清理
	return c.client.Set(ctx, voiceSessionKey(userID), sessionID, 0).Err()
}

// GetActiveVoiceSession 获取用户进行中的语音会话
// 返回:
//   - string: 会话ID，没有进行中的会话返回空字符串
//   - error: Redis 操作错误
func (c *RedisCache) GetActiveVoiceSession(ctx context.Context, userID int64) (string, error) {
	id, err := c.client.Get(ctx, voiceSessionKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return id, err
}

// ClearActiveVoiceSession 清除用户的语音会话标记
func (c *RedisCache) ClearActiveVoiceSession(ctx context.Context, userID int64) error {
	return c.client.Del(ctx, voiceSessionKey(userID)).Err()
}

func voiceSessionKey(userID int64) string {
	return fmt.Sprintf("user:%d:voice_session", userID)
}

// ==================== JWT 黑名单 ====================
// 用于实现 Token 强制失效功能

// BlacklistToken 将 Token 加入黑名单
// 参数:
//   - ctx: 上下文
//   - tokenHash: Token 的哈希值（不存储原始 Token）
//   - expireAt: Token 的原始过期时间
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) BlacklistToken(ctx context.Context, tokenHash string, expireAt time.Time) error {
	// 计算剩余有效时间
	ttl := time.Until(expireAt)
	if ttl <= 0 {
		// Token 已过期，无需加入黑名单
		return nil
	}
	// TTL 设置为 Token 的剩余有效期，过期后自动删除
	return c.client.Set(ctx, fmt.Sprintf("jwt:blacklist:%s", tokenHash), "1", ttl).Err()
}

// IsTokenBlacklisted 检查 Token 是否在黑名单中
// JWT 验证中间件调用
func (c *RedisCache) IsTokenBlacklisted(ctx context.Context, tokenHash string) bool {
	// EXISTS 命令返回存在的 Key 数量
	return c.client.Exists(ctx, fmt.Sprintf("jwt:blacklist:%s", tokenHash)).Val() > 0
}

// ==================== Pub/Sub ====================
// 新消息写入数据库后通过频道推送给该用户的所有订阅者

// UserMessagesChannel 用户新消息频道名
func UserMessagesChannel(userID int64) string {
	return fmt.Sprintf("user:%d:messages", userID)
}

// PublishUserMessage 发布用户消息
// 参数:
//   - ctx: 上下文
//   - userID: 用户ID
//   - message: 消息内容（会被 JSON 序列化）
//
// 返回:
//   - error: Redis 操作错误
func (c *RedisCache) PublishUserMessage(ctx context.Context, userID int64, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	// PUBLISH 发布消息到指定频道
	return c.client.Publish(ctx, UserMessagesChannel(userID), data).Err()
}

// SubscribeUserMessages 订阅用户消息
// 等待订阅确认后才返回，之后发布的消息不会丢失
// 调用方负责关闭返回的 PubSub
func (c *RedisCache) SubscribeUserMessages(ctx context.Context, userID int64) (*redis.PubSub, error) {
	pubsub := c.client.Subscribe(ctx, UserMessagesChannel(userID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe %s: %w", UserMessagesChannel(userID), err)
	}
	return pubsub, nil
}
