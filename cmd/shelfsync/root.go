package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shelfsync/shelfsync/internal/client"
	"github.com/shelfsync/shelfsync/internal/store"
	"github.com/shelfsync/shelfsync/internal/syncer"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "shelfsync",
	Short: "Multi-device sync for your reading library",
	Long: `shelfsync keeps a personal reading library in sync across devices.

It synchronizes books, per-book configs, notes, reading sessions, and
reading goals through a central server, using per-kind checkpoints for
incremental pulls and a persistent queue for offline edits.

Run a server with "shelfsync serve", then point devices at it:

  shelfsync sync                      # one full cycle
  shelfsync agent --spool ~/spool     # keep syncing in the background
  shelfsync status                    # checkpoints and queued work`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.shelfsync.yaml)")
	rootCmd.PersistentFlags().String("db", "", "path to the local database (default: ~/.shelfsync/shelfsync.db)")
	rootCmd.PersistentFlags().String("server", "", "sync server base URL (default: http://localhost:7530)")
	rootCmd.PersistentFlags().String("token", "", "bearer token for the sync server")
	rootCmd.PersistentFlags().String("user", "", "user id records are filed under")

	viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".shelfsync")
		}
	}

	viper.SetEnvPrefix("SHELFSYNC")
	viper.AutomaticEnv()

	viper.SetDefault("server", "http://localhost:7530")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}
}

// dbPath resolves the local database path from flags/config.
func dbPath() (string, error) {
	if p := viper.GetString("db"); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(home, ".shelfsync", "shelfsync.db"), nil
}

// openStore opens and initializes the local database.
func openStore() (*store.Store, error) {
	path, err := dbPath()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return st, nil
}

// newClient builds the protocol client from config. The token is
// required for every command that talks to the server.
func newClient() (*client.Client, error) {
	token := viper.GetString("token")
	if token == "" {
		return nil, fmt.Errorf("no token configured (set --token, SHELFSYNC_TOKEN, or token in ~/.shelfsync.yaml)")
	}
	cfg := client.DefaultConfig()
	cfg.BaseURL = viper.GetString("server")
	return client.NewClient(cfg, client.StaticToken(token)), nil
}

// newSession wires a sync session over the local store.
func newSession(st *store.Store) (*syncer.Session, error) {
	cl, err := newClient()
	if err != nil {
		return nil, err
	}
	user := viper.GetString("user")
	if user == "" {
		return nil, fmt.Errorf("no user configured (set --user, SHELFSYNC_USER, or user in ~/.shelfsync.yaml)")
	}
	return syncer.NewSession(st, cl, user, nil), nil
}
