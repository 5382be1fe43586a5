package cli

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"tokenchat-server/pkg/jwt"
)

// newTokenCmd 签发测试用访问 Token
// 正式环境由外部认证服务签发，密钥相同即可通过校验
func newTokenCmd(a *app) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "签发访问 Token",
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
			if e.cfg.JWT.Secret == "" {
				return errors.New("未配置 jwt.secret")
			}

			token, err := jwt.NewJWTService(e.cfg.JWT.Secret).GenerateAccessToken(userID, ttl)
			if err != nil {
				return err
			}
			printf(cmd.OutOrStdout(), "%s\n", token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "有效期")
	return cmd
}
