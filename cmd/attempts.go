package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var attemptCmd = &cobra.Command{
	Use:   "attempt <id>",
	Short: "Show a processing attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Recorder.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), a)
	},
}

var lineageCmd = &cobra.Command{
	Use:   "lineage <id>",
	Short: "List every attempt in the lineage of an attempt, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		list, err := env.Lineage.List(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), list)
	},
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess <id>",
	Short: "Create a new attempt from an attempt's OCR result and queue its mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "queue")
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Lineage.Reprocess(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		zap.L().Info("reprocess queued",
			zap.String("attempt_id", a.ID),
			zap.String("root_id", a.RootID),
			zap.Int("attempt_index", a.AttemptIndex),
		)
		return printJSON(cmd.OutOrStdout(), a)
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote <id>",
	Short: "Export a completed attempt's products into the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Promote.Promote(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]any{"attempt_id": args[0], "exported_count": n})
	},
}

var (
	reviewer     string
	rejectReason string
)

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a completed attempt so it is never exported",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Promote.Reject(cmd.Context(), args[0], reviewer, rejectReason); err != nil {
			return err
		}
		a, err := env.Recorder.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), a)
	},
}

var reviewCmd = &cobra.Command{
	Use:   "review <id>",
	Short: "Mark a completed attempt as reviewed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		a, err := env.Promote.Review(cmd.Context(), args[0], reviewer)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), a)
	},
}

var purgeWholeLineage bool

var purgeCmd = &cobra.Command{
	Use:   "purge <id>",
	Short: "Delete a reprocessed attempt, or with --lineage every attempt in its lineage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		if purgeWholeLineage {
			n, err := env.Lineage.PurgeLineage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"deleted": n})
		}
		if err := env.Lineage.PurgeAttempt(cmd.Context(), args[0]); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), map[string]int{"deleted": 1})
	},
}

func init() {
	rejectCmd.Flags().StringVar(&reviewer, "reviewer", "", "who rejected the attempt")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "why the attempt was rejected")
	_ = rejectCmd.MarkFlagRequired("reviewer")
	reviewCmd.Flags().StringVar(&reviewer, "reviewer", "", "who reviewed the attempt")
	_ = reviewCmd.MarkFlagRequired("reviewer")
	purgeCmd.Flags().BoolVar(&purgeWholeLineage, "lineage", false, "delete the whole lineage")

	rootCmd.AddCommand(attemptCmd, lineageCmd, reprocessCmd, promoteCmd, rejectCmd, reviewCmd, purgeCmd)
}
