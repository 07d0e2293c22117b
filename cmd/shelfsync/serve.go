package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shelfsync/shelfsync/internal/server"
	"github.com/shelfsync/shelfsync/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Run the central sync server devices pull from and push to.

Tokens map bearer credentials to user ids and come from config:

  # ~/.shelfsync.yaml
  serve:
    addr: ":7530"
    db: /var/lib/shelfsync/server.db
    log: /var/log/shelfsync/server.log
    tokens:
      s3cret-alice: alice
      s3cret-bob: bob

Monitoring clients can subscribe to pull/push/conflict events:

  ws://<addr>/events`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default: :7530)")
	viper.BindPFlag("serve.addr", serveCmd.Flags().Lookup("addr"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	tokens := viper.GetStringMapString("serve.tokens")
	if len(tokens) == 0 {
		return fmt.Errorf("no tokens configured (set serve.tokens in the config file)")
	}

	logger := log.New(serverLogWriter(), "[serve] ", log.LstdFlags)

	path := viper.GetString("serve.db")
	if path == "" {
		var err error
		if path, err = dbPath(); err != nil {
			return err
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()
	if err := st.InitSchema(); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	events := server.NewBroadcaster(logger)
	handler := server.NewHandler(
		server.NewEngine(st, logger),
		server.NewResolver(st, logger),
		server.StaticTokens(tokens),
		events,
		logger,
	)

	config := server.DefaultConfig()
	if addr := viper.GetString("serve.addr"); addr != "" {
		config.Addr = addr
	}
	config.Logger = logger

	srv := server.NewServer(config, handler, events)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	fmt.Printf("Sync server listening on %s (db: %s)\n", srv.Addr(), path)
	fmt.Println("Press Ctrl+C to stop...")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("\nShutting down...")
	return srv.Stop()
}

// serverLogWriter returns the server log destination: a size-rotated
// file when serve.log is configured, stderr otherwise.
func serverLogWriter() io.Writer {
	path := viper.GetString("serve.log")
	if path == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 3,
		MaxAge:     30, // days
		Compress:   true,
	}
}
