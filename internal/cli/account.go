package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"tokenchat-server/pkg/util"
)

func newAccountCmd(a *app) *cobra.Command {
	account := &cobra.Command{
		Use:   "account",
		Short: "账户管理",
	}
	account.AddCommand(&cobra.Command{
		Use:   "open <user-id>",
		Short: "开户，新用户获得初始 Token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			e, err := a.load()
			if err != nil {
				return err
			}

			user, err := e.ledger.OpenAccount(cmd.Context(), userID)
			if err != nil {
				return fmt.Errorf("开户失败: %w", err)
			}
			printf(cmd.OutOrStdout(), "用户 %d 余额 %d\n", user.ID, user.TokensRemaining)
			return nil
		},
	})
	return account
}

func newBalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "查询余额",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			e, err := a.load()
			if err != nil {
				return err
			}

			balance, err := e.ledger.GetBalance(cmd.Context(), userID)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%d\n", balance)
			return nil
		},
	}
}

// newCreditCmd 手动完成一笔套餐购买
// 用于补单，和支付回调一样按订单引用去重
func newCreditCmd(a *app) *cobra.Command {
	var ref string

	cmd := &cobra.Command{
		Use:   "credit <user-id> <package-id>",
		Short: "手动入账一个套餐",
		Long: `手动入账一个套餐，用于支付回调丢失时补单。

--ref 填写支付服务的订单号，同一订单号只会入账一次。
不填时生成一个 manual_ 开头的引用。`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			e, err := a.load()
			if err != nil {
				return err
			}

			if util.IsBlank(ref) {
				ref = "manual_" + util.GenerateUUID()
			}
			purchase, balance, err := e.purchases.Complete(cmd.Context(), userID, args[1], ref)
			if err != nil {
				return fmt.Errorf("入账失败: %w", err)
			}
			printf(cmd.OutOrStdout(), "已入账 %d Token (%s)，当前余额 %d\n", purchase.TokensPurchased, purchase.ExternalRef, balance)
			return nil
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "支付订单引用")
	return cmd
}

func newPackagesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "packages",
		Short: "列出可购买的套餐",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := a.load()
			if err != nil {
				return err
			}
			for _, p := range e.purchases.Packages() {
				mark := ""
				if p.Popular {
					mark = " *"
				}
				printf(cmd.OutOrStdout(), "%-8s %-12s %6d tokens  $%d.%02d%s\n",
					p.ID, p.Name, p.Tokens, p.AmountCents/100, p.AmountCents%100, mark)
			}
			return nil
		},
	}
}
