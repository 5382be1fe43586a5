// Package jwt 提供 JWT Token 的验证功能
// Token 由外部认证服务签发，服务端只校验签名、过期时间和用户 ID
package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 定义错误类型
var (
	ErrInvalidToken = errors.New("invalid token")    // Token 无效
	ErrExpiredToken = errors.New("token has expired") // Token 已过期
)

// Issuer 本服务签发的开发用 Token 的签发者
const Issuer = "tokenchat"

// UserClaims 用户 JWT 的声明（Payload）
type UserClaims struct {
	UserID int64 `json:"user_id"` // 用户 ID
	jwt.RegisteredClaims
}

// JWTService 提供 JWT 相关操作
type JWTService struct {
	secret []byte // JWT 签名密钥
}

// NewJWTService 创建 JWTService 实例
// 参数:
//   - secret: JWT 签名密钥，至少 32 个字符
//
// 返回:
//   - *JWTService: JWT 服务实例
func NewJWTService(secret string) *JWTService {
	return &JWTService{secret: []byte(secret)}
}

// GenerateAccessToken 生成 Access Token
// 正式环境由认证服务签发，这里用于命令行工具和测试
// 参数:
//   - userID: 用户 ID
//   - ttl: 有效期
//
// 返回:
//   - string: JWT Token 字符串
//   - error: 生成错误
func (s *JWTService) GenerateAccessToken(userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   "access",
		},
	}

	// jwt.SigningMethodHS256: 使用 HMAC SHA256 算法签名
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken 验证用户 Token
// 参数:
//   - tokenString: JWT Token 字符串
//
// 返回:
//   - *UserClaims: Token 中的声明信息
//   - error: ErrExpiredToken / ErrInvalidToken
func (s *JWTService) ValidateToken(tokenString string) (*UserClaims, error) {
	return parse(tokenString, s.secret)
}

// ParseUserToken 解析用户 Token（独立函数，供 WebSocket 使用）
func ParseUserToken(tokenString, secret string) (*UserClaims, error) {
	return parse(tokenString, []byte(secret))
}

func parse(tokenString string, secret []byte) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 确保使用的是我们期望的算法（HMAC）
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid || claims.UserID <= 0 {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
