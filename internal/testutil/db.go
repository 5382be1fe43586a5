// Package testutil 提供测试用的内存数据库和 Redis
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tokenchat-server/internal/database"
	"tokenchat-server/internal/model"
)

var dbSeq atomic.Int64

// NewDB 创建迁移好的内存 SQLite 数据库
// 每个测试使用独立的共享缓存库，单连接保证事务串行执行
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:tokenchat_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

// SeedUser 创建指定余额的用户
func SeedUser(t *testing.T, db *gorm.DB, id, tokens int64) {
	t.Helper()
	if err := db.Create(&model.User{ID: id, TokensRemaining: tokens}).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
}

// NewRedis 启动 miniredis 并返回连接到它的客户端
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}
