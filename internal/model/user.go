// Package model 定义了与数据库表对应的数据结构
// 这些结构体类似于 Java 中的 Entity 类
package model

import (
	"time"
)

// User 用户余额模型
// 对应数据库表 users
// 认证由外部服务完成，这里只保存 Token 余额
type User struct {
	// ID 用户唯一标识，与认证服务签发的 user_id 一致
	ID int64 `gorm:"primaryKey;autoIncrement:false" json:"id"`

	// TokensRemaining 剩余 Token 数量
	// 只能通过账本的扣减/充值操作修改，任何已提交的操作之后都不会小于 0
	TokensRemaining int64 `gorm:"not null;default:0" json:"tokens_remaining"`

	// CreatedAt 创建时间，由 GORM 自动填充
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`

	// UpdatedAt 更新时间，由 GORM 自动更新
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
// GORM 会使用这个方法返回的表名，而不是默认的复数形式
func (User) TableName() string {
	return "users"
}
