package cli

import (
	"time"

	"github.com/spf13/cobra"

	"tokenchat-server/internal/service"
	"tokenchat-server/pkg/util"
)

const timeLayout = "2006-01-02 15:04:05"

func newHistoryCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <user-id>",
		Short: "查看消息、语音会话和购买记录",
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
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			store := service.NewMessageStore(e.messages, nil)
			messages, err := store.List(ctx, userID, limit)
			if err != nil {
				return err
			}
			total, err := store.Count(ctx, userID)
			if err != nil {
				return err
			}
			printf(out, "消息 (%d/%d)\n", len(messages), total)
			for _, m := range messages {
				reply := "-"
				if m.Response != nil {
					reply = util.TruncateString(*m.Response, 40)
				}
				billed := ""
				if m.Unbilled {
					billed = " [未计费]"
				}
				printf(out, "  %s  %s -> %s%s\n", m.CreatedAt.Format(timeLayout), util.TruncateString(m.Message, 40), reply, billed)
			}

			sessions, err := e.voices.List(ctx, userID, limit)
			if err != nil {
				return err
			}
			printf(out, "语音会话 (%d)\n", len(sessions))
			for _, s := range sessions {
				state := "进行中"
				if !s.IsOpen() {
					state = s.EndedAt.Sub(s.StartedAt).Round(time.Second).String()
				}
				printf(out, "  %s  %d tokens  %s\n", s.StartedAt.Format(timeLayout), s.TokensHeld, state)
			}

			purchases, err := e.purchases.History(ctx, userID)
			if err != nil {
				return err
			}
			printf(out, "购买记录 (%d)\n", len(purchases))
			for _, p := range purchases {
				printf(out, "  %s  %-8s +%d  %s\n", p.CreatedAt.Format(timeLayout), p.PackageID, p.TokensPurchased, p.ExternalRef)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "每类最多显示的条数")
	return cmd
}
