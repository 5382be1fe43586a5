// Package cli 实现 tokenctl 运维命令
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"tokenchat-server/internal/config"
	"tokenchat-server/internal/logging"
	"tokenchat-server/internal/repository"
	"tokenchat-server/internal/service"
)

// DBOpener 根据配置打开数据库
type DBOpener func(cfg *config.Config) (*gorm.DB, error)

// env 命令运行时依赖，首次使用时初始化
type env struct {
	cfg       *config.Config
	db        *gorm.DB
	ledger    *service.LedgerService
	messages  *repository.MessageRepository
	voices    *service.VoiceSessionService
	purchases *service.PurchaseService
}

type app struct {
	configDir string
	open      DBOpener
	env       *env
}

// NewRootCommand 创建 tokenctl 根命令
func NewRootCommand(open DBOpener) *cobra.Command {
	a := &app{open: open}

	root := &cobra.Command{
		Use:   "tokenctl",
		Short: "tokenchat 运维工具",
		Long: `tokenctl 直接操作 tokenchat 数据库

用于开户、查询余额、手动入账和查看历史记录，
也可以在终端里模拟一次聊天会话。`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&a.configDir, "config", "c", "./configs", "配置文件目录")

	root.AddCommand(
		newAccountCmd(a),
		newBalanceCmd(a),
		newCreditCmd(a),
		newPackagesCmd(a),
		newHistoryCmd(a),
		newTokenCmd(a),
		newChatCmd(a),
	)
	return root
}

// load 加载配置并初始化依赖
func (a *app) load() (*env, error) {
	if a.env != nil {
		return a.env, nil
	}

	cfg, err := config.Load(a.configDir)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	// 日志输出到 stderr，不干扰命令输出
	slog.SetDefault(logging.New(os.Stderr, cfg.Log))

	db, err := a.open(cfg)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	ledger := service.NewLedgerService(repository.NewUserRepository(db), cfg.Ledger.InitialTokens)
	a.env = &env{
		cfg:       cfg,
		db:        db,
		ledger:    ledger,
		messages:  repository.NewMessageRepository(db),
		voices:    service.NewVoiceSessionService(repository.NewVoiceSessionRepository(db), nil),
		purchases: service.NewPurchaseService(repository.NewPurchaseRepository(db), ledger, cfg.Stripe.WebhookSecret),
	}
	return a.env, nil
}

// parseUserID 解析用户 ID 参数
func parseUserID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("无效的用户 ID: %q", arg)
	}
	return id, nil
}

func printf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}
