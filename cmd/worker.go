package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the mapping worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.migrate(ctx); err != nil {
			return err
		}

		zap.L().Info("starting mapping workers",
			zap.Int("workers", cfg.Dispatch.Workers),
			zap.String("queue", cfg.Queue.Driver),
		)

		g, gctx := errgroup.WithContext(ctx)
		d := env.dispatcher()
		g.Go(func() error { return d.Run(gctx) })
		if checker := env.checker(); checker != nil {
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		return g.Wait()
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
