package main

import (
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync cycle",
	Long: `Run one pull-then-push cycle for every record kind.

Pulls changes since each kind's checkpoint, applies them locally,
advances the checkpoints, then flushes the push queue.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	session, err := newSession(st)
	if err != nil {
		return err
	}

	if err := session.SyncAll(cmd.Context()); err != nil {
		return err
	}
	return printStatus(cmd.Context(), session)
}
