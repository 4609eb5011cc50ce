package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-ingest/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and redrive dead-lettered mapping jobs",
}

var (
	dlqErrorType string
	dlqLimit     int
)

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered mapping jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "queue")
		if err != nil {
			return err
		}
		defer env.Close()

		dead, err := env.Queue.DeadLetters(cmd.Context(), resilience.DeadLetterFilter{
			ErrorType: dlqErrorType,
			Limit:     dlqLimit,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), dead)
	},
}

var dlqRedriveCmd = &cobra.Command{
	Use:   "redrive <id>",
	Short: "Re-enqueue a dead-lettered job and remove it from the dead-letter channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "queue")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Queue.Redrive(cmd.Context(), args[0]); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]string{"status": "redriven", "id": args[0]})
	},
}

func init() {
	dlqListCmd.Flags().StringVar(&dlqErrorType, "error-type", "", "filter by error type (transient, permanent)")
	dlqListCmd.Flags().IntVar(&dlqLimit, "limit", 100, "maximum entries to list")
	dlqCmd.AddCommand(dlqListCmd, dlqRedriveCmd)
	rootCmd.AddCommand(dlqCmd)
}
