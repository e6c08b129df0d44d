package main

import (
	"context"
	"os"

	"github.com/sandevgo/memoria/internal/config"
	"github.com/sandevgo/memoria/pkg/log"
	"github.com/spf13/cobra"
)

var debug bool

var rootCmd = &cobra.Command{
	Use:   "memoria",
	Short: "Memoria — a Telegram bot with conversation memory",
	Long:  `Memoria ingests chat history, indexes it as embedding chunks and grounds replies in the most relevant past conversation.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", config.IsDebug(), "enable debug logging")
}

func setupLogger(ctx context.Context) (context.Context, func()) {
	return log.NewContextWithLogger(ctx, debug || config.IsDebug())
}
