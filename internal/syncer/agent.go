package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/client"
)

// AgentConfig holds background agent configuration.
type AgentConfig struct {
	// Interval between sync cycles (default: 30s).
	Interval time.Duration

	// Spool directory to watch, empty to disable the watcher.
	Spool string

	// Logger for agent activity (default: "[agent]"-prefixed stderr).
	Logger *log.Logger
}

// DefaultAgentConfig returns sensible defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Interval: 30 * time.Second,
		Logger:   log.New(os.Stderr, "[agent] ", log.LstdFlags),
	}
}

// Agent runs sync cycles on an interval in the background, feeding the
// push queue from the spool directory when one is configured. When the
// server is unreachable the cycle is skipped and queued work simply
// waits; the queue is persistent, so nothing is lost across restarts
// either.
type Agent struct {
	session *Session
	client  *client.Client
	config  *AgentConfig
	logger  *log.Logger

	watcher *Watcher

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	offline bool
}

// NewAgent creates a background sync agent over the session.
func NewAgent(session *Session, cl *client.Client, config *AgentConfig) (*Agent, error) {
	if config == nil {
		config = DefaultAgentConfig()
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[agent] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		session: session,
		client:  cl,
		config:  config,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	if config.Spool != "" {
		w, err := NewWatcher(session, config.Spool, &WatcherConfig{Logger: logger})
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to set up spool watcher: %w", err)
		}
		a.watcher = w
	}
	return a, nil
}

// Start begins the agent's loop. An immediate first cycle runs before
// the interval kicks in.
func (a *Agent) Start() error {
	if a.watcher != nil {
		if err := a.watcher.Start(); err != nil {
			return err
		}
	}

	a.wg.Add(1)
	go a.run()

	a.logger.Printf("Agent started (interval %s)", a.config.Interval)
	return nil
}

// Stop stops the loop and the spool watcher, waiting for an in-flight
// cycle to finish.
func (a *Agent) Stop() error {
	a.cancel()
	a.wg.Wait()
	if a.watcher != nil {
		return a.watcher.Stop()
	}
	return nil
}

func (a *Agent) run() {
	defer a.wg.Done()

	a.cycle()

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.cycle()
		}
	}
}

// cycle runs one full sync if the server is reachable. Offline and
// online transitions are logged once, not every tick.
func (a *Agent) cycle() {
	if err := a.client.Health(a.ctx); err != nil {
		if !a.offline {
			a.logger.Printf("Server unreachable, pausing sync: %v", err)
			a.offline = true
		}
		return
	}
	if a.offline {
		a.logger.Printf("Server reachable again, resuming sync")
		a.offline = false
	}

	if err := a.session.SyncAll(a.ctx); err != nil {
		a.logger.Printf("Sync cycle finished with errors: %v", err)
	}
}
