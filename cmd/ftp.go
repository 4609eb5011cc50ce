package main

import (
	"mime"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/catalog-ingest/internal/fetcher"
	"github.com/sells-group/catalog-ingest/internal/model"
	"github.com/sells-group/catalog-ingest/internal/pipeline"
)

var ftpCmd = &cobra.Command{
	Use:   "ftp",
	Short: "Ingest documents from vendor FTP drops",
}

var ftpVendor string

var ftpPullCmd = &cobra.Command{
	Use:   "pull [ftp-url]",
	Short: "Download a vendor drop and ingest it (default URL from the vendor registry)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context(), "ocr")
		if err != nil {
			return err
		}
		defer env.Close()

		url, err := dropURL(env, ftpVendor, args)
		if err != nil {
			return err
		}

		f := fetcher.NewFTPFetcher(fetcher.FTPOptions{
			User:     cfg.FTP.User,
			Password: cfg.FTP.Password,
			Timeout:  time.Duration(cfg.FTP.TimeoutSecs) * time.Second,
		})
		doc, err := f.Fetch(cmd.Context(), url)
		if err != nil {
			return err
		}

		pipe, err := env.pipeline()
		if err != nil {
			return err
		}
		a, err := pipe.Ingest(cmd.Context(), pipeline.Upload{
			DocumentName: doc.Name,
			MediaType:    mime.TypeByExtension(filepath.Ext(doc.Name)),
			VendorKey:    ftpVendor,
			Data:         doc.Data,
		})
		if err != nil {
			return err
		}
		logIngest(a)
		return printJSON(cmd.OutOrStdout(), a)
	},
}

// dropURL picks the explicit URL argument or the vendor's registered drop.
func dropURL(env *appEnv, vendor string, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	v, ok := env.Vendors.Lookup(vendor)
	if !ok || v.FTPURL == "" {
		return "", eris.Wrapf(model.ErrValidation, "no ftp url given and vendor %q has no ftp_url", vendor)
	}
	return v.FTPURL, nil
}

func init() {
	ftpPullCmd.Flags().StringVar(&ftpVendor, "vendor", "", "vendor key the drop belongs to")
	_ = ftpPullCmd.MarkFlagRequired("vendor")
	ftpCmd.AddCommand(ftpPullCmd)
	rootCmd.AddCommand(ftpCmd)
}
