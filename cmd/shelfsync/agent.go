package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shelfsync/shelfsync/internal/syncer"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the background sync agent",
	Long: `Keep the local library in sync on an interval.

With --spool, the agent also watches a directory the reading app drops
record JSON files into (<spool>/<kind>/<key>.json); new or changed
files are queued for push, removed files queue tombstones.

  shelfsync agent
  shelfsync agent --interval 1m --spool ~/.shelfsync/spool

When the server is unreachable the agent keeps queueing locally and
resumes pushing once it is back.`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().Duration("interval", 30*time.Second, "time between sync cycles")
	agentCmd.Flags().String("spool", "", "spool directory to watch for record files")
	viper.BindPFlag("agent.interval", agentCmd.Flags().Lookup("interval"))
	viper.BindPFlag("agent.spool", agentCmd.Flags().Lookup("spool"))
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	session, err := newSession(st)
	if err != nil {
		return err
	}
	cl, err := newClient()
	if err != nil {
		return err
	}

	config := syncer.DefaultAgentConfig()
	if iv := viper.GetDuration("agent.interval"); iv > 0 {
		config.Interval = iv
	}
	config.Spool = viper.GetString("agent.spool")

	agent, err := syncer.NewAgent(session, cl, config)
	if err != nil {
		return err
	}
	if err := agent.Start(); err != nil {
		return err
	}

	fmt.Printf("Agent running (interval %s)", config.Interval)
	if config.Spool != "" {
		fmt.Printf(", watching %s", config.Spool)
	}
	fmt.Println("\nPress Ctrl+C to stop...")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("\nStopping agent...")
	return agent.Stop()
}
