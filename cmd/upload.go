package main

import (
	"mime"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/pipeline"
)

var (
	uploadVendor    string
	uploadMediaType string
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Submit a vendor document and run its OCR stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "read %s", args[0])
		}

		env, err := initEnv(cmd.Context(), "ocr")
		if err != nil {
			return err
		}
		defer env.Close()

		pipe, err := env.pipeline()
		if err != nil {
			return err
		}

		name := filepath.Base(args[0])
		mediaType := uploadMediaType
		if mediaType == "" {
			mediaType = mime.TypeByExtension(filepath.Ext(name))
		}
		a, err := pipe.Ingest(cmd.Context(), pipeline.Upload{
			DocumentName: name,
			MediaType:    mediaType,
			VendorKey:    uploadVendor,
			Data:         data,
		})
		if err != nil {
			return err
		}
		logIngest(a)
		return printJSON(cmd.OutOrStdout(), a)
	},
}

// logIngest reports the outcome of an upload's OCR stage.
func logIngest(a *model.Attempt) {
	if a.Status == model.StatusFailed {
		zap.L().Error("ocr stage failed", zap.String("attempt_id", a.ID), zap.String("error", a.LastError))
		return
	}
	zap.L().Info("document ingested",
		zap.String("attempt_id", a.ID),
		zap.String("vendor", a.Source.VendorKey),
		zap.String("status", string(a.Status)),
	)
}

func init() {
	uploadCmd.Flags().StringVar(&uploadVendor, "vendor", "", "vendor key the document belongs to")
	uploadCmd.Flags().StringVar(&uploadMediaType, "media-type", "", "media type (default from the file extension)")
	_ = uploadCmd.MarkFlagRequired("vendor")
	rootCmd.AddCommand(uploadCmd)
}
