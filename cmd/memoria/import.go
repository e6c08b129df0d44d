package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/sandevgo/memoria/internal/importer"
	"github.com/sandevgo/memoria/pkg/log"
	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <result.json>",
	Short: "Import a Telegram chat export",
	Long:  `Replays a Telegram desktop export (result.json) through the memory engine so past history becomes retrievable context.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		var flushLog func()
		ctx, flushLog = setupLogger(ctx)
		defer flushLog()

		logger := log.FromCtx(ctx)

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.db.Close()

		n, err := importer.New(a.engine).ImportFile(ctx, args[0])
		if err != nil {
			return err
		}

		// Drain whatever the import queued before exiting.
		drainPending(ctx, a)

		logger.Info().Int("messages", n).Msg("import finished")
		return nil
	},
}

// drainPending makes a bounded number of passes over queued chunks; what
// still fails is reported rather than spun on forever.
func drainPending(ctx context.Context, a *app) {
	const maxPasses = 3
	for pass := 0; pass < maxPasses && a.engine.PendingChunks() > 0 && ctx.Err() == nil; pass++ {
		a.engine.RetryPending(ctx)
	}
	if n := a.engine.PendingChunks(); n > 0 {
		log.FromCtx(ctx).Warn().Int("pending", n).Msg("chunks left unembedded, re-run import to retry")
	}
}

func init() {
	rootCmd.AddCommand(importCmd)
}
