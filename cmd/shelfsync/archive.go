package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shelfsync/shelfsync/internal/archive"
)

var exportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export the local library to a JSONL archive",
	Long: `Write every local record, tombstones included, as JSONL.

  shelfsync export library.jsonl
  shelfsync export -                 # to stdout`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a JSONL archive into the local library",
	Long: `Read a JSONL archive and apply its records locally.

Records older than what the library already holds are skipped, so
importing an old backup never rolls a book backwards. Use "shelfsync
sync" afterwards to propagate the imported records.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	user := viper.GetString("user")
	if user == "" {
		return fmt.Errorf("no user configured (set --user, SHELFSYNC_USER, or user in ~/.shelfsync.yaml)")
	}

	out := os.Stdout
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Create(args[0])
		if err != nil {
			return fmt.Errorf("failed to create archive: %w", err)
		}
		defer f.Close()
		out = f
	}

	result, err := archive.Export(cmd.Context(), st, user, out)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Exported %d records\n", result.Total)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	user := viper.GetString("user")
	if user == "" {
		return fmt.Errorf("no user configured (set --user, SHELFSYNC_USER, or user in ~/.shelfsync.yaml)")
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	result, err := archive.Import(cmd.Context(), st, user, f, nil)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d records (%d skipped)\n", result.Total, result.Skipped)
	return nil
}
