package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func subcommands(t *testing.T) map[string]bool {
	t.Helper()
	got := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		got[c.Name()] = true
		for _, sub := range c.Commands() {
			got[c.Name()+" "+sub.Name()] = true
		}
	}
	return got
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := subcommands(t)

	expected := []string{
		"serve", "worker", "upload", "attempt", "lineage", "reprocess",
		"promote", "reject", "review", "purge", "migrate",
		"dlq list", "dlq redrive", "catalog export", "ftp pull",
	}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "catalog-ingest", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
	assert.NotNil(t, serveCmd.Flags().Lookup("no-worker"))
}

func TestUploadCommand_Flags(t *testing.T) {
	flag := uploadCmd.Flags().Lookup("vendor")
	require.NotNil(t, flag)
	assert.Equal(t, []string{"true"}, flag.Annotations[cobra.BashCompOneRequiredFlag])
}

func TestDecisionCommands_RequireReviewer(t *testing.T) {
	for _, c := range []string{"reject", "review"} {
		cmd, _, err := rootCmd.Find([]string{c})
		require.NoError(t, err)
		flag := cmd.Flags().Lookup("reviewer")
		require.NotNil(t, flag, c)
		assert.Contains(t, flag.Annotations, cobra.BashCompOneRequiredFlag, c)
	}
}

func TestDLQListCommand_Flags(t *testing.T) {
	flag := dlqListCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "100", flag.DefValue)
	assert.NotNil(t, dlqListCmd.Flags().Lookup("error-type"))
}

func TestCatalogExportCommand_Flags(t *testing.T) {
	flag := catalogExportCmd.Flags().Lookup("out")
	require.NotNil(t, flag)
	assert.Equal(t, "catalog.xlsx", flag.DefValue)
}
