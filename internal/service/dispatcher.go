package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tokenchat-server/internal/config"
)

// FallbackReply 回复服务不可用时展示的回复
const FallbackReply = "This is a simulated AI response. Connect to your preferred AI service for real responses."

// DefaultDispatchTimeout 未配置时的请求超时
const DefaultDispatchTimeout = 30 * time.Second

// DispatchKind 回复服务失败的类型
type DispatchKind int

const (
	DispatchTimeout     DispatchKind = iota + 1 // 请求超时
	DispatchUnreachable                         // 未配置或连接失败
	DispatchBadResponse                         // 状态码或响应体不合法
)

func (k DispatchKind) String() string {
	switch k {
	case DispatchTimeout:
		return "timeout"
	case DispatchUnreachable:
		return "unreachable"
	case DispatchBadResponse:
		return "bad_response"
	default:
		return "unknown"
	}
}

// DispatchError 回复服务调用失败
type DispatchError struct {
	Kind DispatchKind
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// HTTPDispatcher 把用户消息 POST 到外部回复服务
// 不重试，失败由调用方使用 FallbackReply 兜底
type HTTPDispatcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPDispatcher 创建 HTTPDispatcher 实例
func NewHTTPDispatcher(cfg config.DispatchConfig) *HTTPDispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &HTTPDispatcher{
		endpoint: cfg.Endpoint,
		client: &http.Client{
			Timeout: timeout, // 设置超时
		},
	}
}

// dispatchRequest 回复服务请求体
type dispatchRequest struct {
	Message   string `json:"message"`
	UserID    string `json:"user_id"` // 字符串形式的用户ID
	Timestamp string `json:"timestamp"`
}

// dispatchResponse 回复服务响应体
type dispatchResponse struct {
	Response *string `json:"response"`
}

// Send 发送用户消息并返回回复文本
// 失败时返回 *DispatchError
func (d *HTTPDispatcher) Send(ctx context.Context, text string, userID int64) (string, error) {
	if strings.TrimSpace(d.endpoint) == "" {
		return "", &DispatchError{Kind: DispatchUnreachable, Err: errors.New("reply endpoint not configured")}
	}

	// 1. 构造请求 Body
	jsonData, err := json.Marshal(dispatchRequest{
		Message:   text,
		UserID:    strconv.FormatInt(userID, 10),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", err
	}

	// 2. 发送 HTTP 请求
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", &DispatchError{Kind: DispatchUnreachable, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &DispatchError{
			Kind: DispatchBadResponse,
			Err:  fmt.Errorf("reply service returned status %d", resp.StatusCode),
		}
	}

	// 3. 解析响应
	var out dispatchResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return "", &DispatchError{Kind: DispatchBadResponse, Err: fmt.Errorf("failed to parse reply: %w", err)}
	}
	if out.Response == nil || strings.TrimSpace(*out.Response) == "" {
		return "", &DispatchError{Kind: DispatchBadResponse, Err: errors.New("reply has no response field")}
	}
	return *out.Response, nil
}

func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &DispatchError{Kind: DispatchTimeout, Err: err}
	}
	return &DispatchError{Kind: DispatchUnreachable, Err: err}
}
