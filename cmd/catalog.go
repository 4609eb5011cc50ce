package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/promote"
	"github.com/sells-group/catalog-ingest/internal/store"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Work with exported catalog entries",
}

var (
	exportVendor  string
	exportAttempt string
	exportOut     string
	exportLimit   int
)

var catalogExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write catalog entries to an xlsx workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "store")
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Promote.Catalog(cmd.Context(), store.CatalogFilter{
			VendorKey:       exportVendor,
			SourceAttemptID: exportAttempt,
			Limit:           exportLimit,
		})
		if err != nil {
			return err
		}

		f, err := os.Create(exportOut)
		if err != nil {
			return eris.Wrap(err, "create export file")
		}
		if err := promote.WriteXLSX(f, entries); err != nil {
			f.Close() //nolint:errcheck
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrap(err, "close export file")
		}

		zap.L().Info("catalog exported", zap.String("path", exportOut), zap.Int("entries", len(entries)))
		return nil
	},
}

func init() {
	catalogExportCmd.Flags().StringVar(&exportVendor, "vendor", "", "only entries for this vendor key")
	catalogExportCmd.Flags().StringVar(&exportAttempt, "attempt", "", "only entries promoted from this attempt")
	catalogExportCmd.Flags().StringVar(&exportOut, "out", "catalog.xlsx", "output workbook path")
	catalogExportCmd.Flags().IntVar(&exportLimit, "limit", 0, "maximum entries (0 uses the store default)")
	catalogCmd.AddCommand(catalogExportCmd)
	rootCmd.AddCommand(catalogCmd)
}
