package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/record"
	"github.com/shelfsync/shelfsync/internal/syncer"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoints and queued work",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	session, err := newSession(st)
	if err != nil {
		return err
	}
	return printStatus(cmd.Context(), session)
}

func printStatus(ctx context.Context, session *syncer.Session) error {
	checkpoints, err := session.Checkpoints(ctx)
	if err != nil {
		return err
	}
	counts, err := session.PendingCounts(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%-10s %-25s %s\n", "KIND", "CHECKPOINT", "QUEUED")
	for _, kind := range record.Kinds() {
		cp := "never synced"
		if checkpoints[kind] > 0 {
			cp = time.UnixMilli(checkpoints[kind]).Format(time.RFC3339)
		}
		fmt.Printf("%-10s %-25s %d\n", kind, cp, counts[kind])
	}
	return nil
}
