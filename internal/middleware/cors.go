// Package middleware 提供 HTTP 请求的中间件
package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// 预检请求结果缓存 24 小时
const corsMaxAge = 24 * 60 * 60

// 浏览器端只会调用 GET/POST 接口，带 JSON 请求体和 Bearer Token
// 支付回调由 Stripe 服务端直接调用，不经过 CORS
var (
	corsAllowMethods = strings.Join([]string{http.MethodGet, http.MethodPost}, ", ")
	corsAllowHeaders = strings.Join([]string{"Content-Type", "Authorization"}, ", ")
)

// CORSConfig CORS 跨域配置
type CORSConfig struct {
	AllowOrigins []string // 允许的来源，["*"] 表示全部
}

// allowAll 是否允许所有来源
func (cfg CORSConfig) allowAll() bool {
	return len(cfg.AllowOrigins) == 1 && cfg.AllowOrigins[0] == "*"
}

// allowOrigin 返回应写入 Access-Control-Allow-Origin 的值，不允许时为空
func (cfg CORSConfig) allowOrigin(origin string) string {
	if cfg.allowAll() {
		return "*"
	}
	for _, o := range cfg.AllowOrigins {
		if o == origin {
			return origin
		}
	}
	return ""
}

// CORSConfigFromOrigins 使用配置文件中的来源列表
// 列表为空时允许所有来源
func CORSConfigFromOrigins(origins []string) CORSConfig {
	if len(origins) == 0 {
		return CORSConfig{AllowOrigins: []string{"*"}}
	}
	return CORSConfig{AllowOrigins: origins}
}

// CORSMiddleware 创建 CORS 跨域中间件
// 只有明确列出的来源才允许携带凭据，"*" 时不发送 Allow-Credentials
func CORSMiddleware(cfg CORSConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		c.Header("Vary", "Origin")

		allowed := ""
		if origin != "" {
			allowed = cfg.allowOrigin(origin)
		}
		if allowed != "" {
			c.Header("Access-Control-Allow-Origin", allowed)
			if allowed != "*" {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		// 预检请求直接返回 204
		if c.Request.Method == http.MethodOptions {
			if allowed != "" {
				c.Header("Access-Control-Allow-Methods", corsAllowMethods)
				c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
				c.Header("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
			}
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
