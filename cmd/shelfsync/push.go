package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/record"
)

var pushCmd = &cobra.Command{
	Use:   "push [file...]",
	Short: "Queue record files and push them to the server",
	Long: `Queue one or more record JSON files and flush the push queue.

Each file holds a single record of the kind given by --type:

  shelfsync push --type books new-book.json
  shelfsync push --type notes highlight1.json highlight2.json

Without files, only the already-queued records are flushed (for
retrying after the server was unreachable).`,
	RunE: runPush,
}

func init() {
	pushCmd.Flags().String("type", "", "record kind of the given files")
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	session, err := newSession(st)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	kinds := record.Kinds()
	if len(args) > 0 {
		typeStr, _ := cmd.Flags().GetString("type")
		if typeStr == "" {
			return fmt.Errorf("--type is required when pushing files")
		}
		kind, err := record.ParseKind(typeStr)
		if err != nil {
			return err
		}
		kinds = []record.Kind{kind}

		for _, path := range args {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", path, err)
			}
			rec, err := record.Decode(kind, session.UserID(), json.RawMessage(data))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			if rec.UpdatedAt == 0 {
				if rec, err = rec.Stamp(record.NowMillis()); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			if err := session.Enqueue(ctx, rec); err != nil {
				return err
			}
			fmt.Printf("Queued %s record %s\n", kind, rec.Key)
		}
	}

	for _, kind := range kinds {
		if err := session.SyncKind(ctx, kind); err != nil {
			return err
		}
	}

	counts, err := session.PendingCounts(ctx)
	if err != nil {
		return err
	}
	remaining := 0
	for _, n := range counts {
		remaining += n
	}
	if remaining > 0 {
		fmt.Printf("%d records still queued\n", remaining)
	} else {
		fmt.Println("Push queue empty")
	}
	return nil
}
