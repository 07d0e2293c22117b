package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/shelfsync/shelfsync/internal/client"
	"github.com/shelfsync/shelfsync/internal/record"
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Fetch changes from the server into the local database",
	Long: `Fetch records changed since a point in time and apply them locally.

Without --since, the per-kind checkpoints decide what is fetched (the
normal incremental pull). --since overrides them for this one call and
accepts epoch milliseconds or a phrase:

  shelfsync pull --since "3 days ago"
  shelfsync pull --since "last monday" --type notes --book a1b2c3
  shelfsync pull --since 0                       # everything`,
	RunE: runPull,
}

func init() {
	pullCmd.Flags().String("since", "", "lower bound: epoch millis or a phrase like \"3 days ago\"")
	pullCmd.Flags().String("type", "", "restrict to one kind (books, configs, notes, sessions, goals)")
	pullCmd.Flags().String("book", "", "restrict to one book by book hash")
	pullCmd.Flags().String("meta-hash", "", "also match the book's metadata hash")
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) error {
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

	sinceStr, _ := cmd.Flags().GetString("since")
	typeStr, _ := cmd.Flags().GetString("type")

	kinds := record.Kinds()
	if typeStr != "" {
		kind, err := record.ParseKind(typeStr)
		if err != nil {
			return err
		}
		kinds = []record.Kind{kind}
	}

	if sinceStr == "" {
		// Checkpoint-driven incremental pull.
		for _, kind := range kinds {
			if err := session.SyncKind(ctx, kind); err != nil {
				return err
			}
		}
		return printStatus(ctx, session)
	}

	since, err := parseSince(sinceStr)
	if err != nil {
		return err
	}

	cl, err := newClient()
	if err != nil {
		return err
	}
	bookHash, _ := cmd.Flags().GetString("book")
	metaHash, _ := cmd.Flags().GetString("meta-hash")

	total := 0
	for _, kind := range kinds {
		batch, err := cl.Pull(ctx, client.PullOptions{
			Since:    since,
			Kind:     kind,
			BookHash: bookHash,
			MetaHash: metaHash,
		})
		if err != nil {
			return err
		}
		n, err := session.Apply(ctx, kind, batch[kind])
		if err != nil {
			return err
		}
		fmt.Printf("%-10s %d\n", kind, n)
		total += n
	}
	fmt.Printf("\nPulled %d records since %s\n", total, time.UnixMilli(since).Format(time.RFC3339))
	return nil
}

// parseSince accepts epoch milliseconds or natural language.
func parseSince(s string) (int64, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("since must not be negative")
		}
		return ms, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(s, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to parse since %q: %w", s, err)
	}
	if result == nil {
		return 0, fmt.Errorf("cannot make sense of since %q", s)
	}
	return result.Time.UnixMilli(), nil
}
