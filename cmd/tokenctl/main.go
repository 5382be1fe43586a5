// Package main 是 tokenctl 运维工具的入口点
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"tokenchat-server/internal/cli"
	"tokenchat-server/internal/database"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCommand(database.Open).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
