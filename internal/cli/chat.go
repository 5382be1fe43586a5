package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"tokenchat-server/internal/controller"
	"tokenchat-server/internal/realtime"
	"tokenchat-server/internal/service"
)

// newChatCmd 在终端里以指定用户身份聊天
// 与服务端走同一套计费流程，AI 回复服务未配置时使用默认回复
func newChatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <user-id>",
		Short: "以指定用户身份在终端聊天",
		Long: `以指定用户身份在终端聊天，每条消息消耗 5 Token。

输入文字直接发送，另外支持：
  /voice start   开始语音会话（10 Token）
  /voice end     结束语音会话
  /balance       查询余额
  /quit          退出`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			e, err := a.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			bus := realtime.NewLocalBus()
			defer bus.Close()

			conv := controller.NewConversation(userID, controller.Deps{
				Ledger:     e.ledger,
				Dispatcher: service.NewHTTPDispatcher(e.cfg.Dispatch),
				Store:      service.NewMessageStore(e.messages, bus),
				Sessions:   e.voices,
				Subscriber: bus,
			})
			if err := conv.Start(ctx); err != nil {
				return fmt.Errorf("会话初始化失败: %w", err)
			}
			defer conv.Close()

			out := &lockedWriter{w: cmd.OutOrStdout()}
			cancel := conv.Subscribe(func(ev controller.Event) {
				switch ev.Type {
				case controller.EventTokensInsufficient:
					out.printf("! Token 不足：需要 %d，当前 %d\n", ev.Required, ev.Balance)
				case controller.EventNotice:
					out.printf("! %s\n", ev.Notice)
				case controller.EventVoiceState:
					out.printf("~ 语音会话: %s\n", ev.Voice.State)
				}
			})
			defer cancel()

			out.printf("已加载 %d 条记录，语音会话: %s\n", len(conv.Chat.View()), conv.Voice.State().State)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" {
					return nil
				}
				if err := runChatLine(cmd, conv, e.ledger, line, out); err != nil {
					return err
				}
			}
			return scanner.Err()
		},
	}
}

// runChatLine 处理一行输入，只有无法继续的错误才返回
func runChatLine(cmd *cobra.Command, conv *controller.Conversation, ledger *service.LedgerService, line string, out *lockedWriter) error {
	ctx := cmd.Context()

	switch line {
	case "/voice start":
		if err := conv.Voice.Start(ctx); err != nil && !errors.Is(err, service.ErrInsufficientTokens) {
			out.printf("! 语音会话开始失败: %v\n", err)
		}
		return nil
	case "/voice end":
		if err := conv.Voice.End(ctx); err != nil {
			out.printf("! 语音会话结束失败: %v\n", err)
		}
		return nil
	case "/balance":
		balance, err := ledger.GetBalance(ctx, conv.UserID)
		if err != nil {
			return err
		}
		out.printf("余额 %d\n", balance)
		return nil
	}

	result, err := conv.Chat.Send(ctx, line)
	switch {
	case err == nil:
		out.printf("AI: %s\n余额 %d\n", *result.Message.Response, result.Balance)
	case errors.Is(err, service.ErrUserNotFound):
		return fmt.Errorf("用户 %d 未开户", conv.UserID)
	case errors.Is(err, service.ErrInsufficientTokens), errors.Is(err, service.ErrPersistence):
		// 已通过事件提示
	default:
		out.printf("! %v\n", err)
	}
	return nil
}

// lockedWriter 事件回调和主循环共用输出
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}
