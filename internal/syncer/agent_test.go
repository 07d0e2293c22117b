package syncer

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfsync/shelfsync/internal/client"
	"github.com/shelfsync/shelfsync/internal/record"
)

func quietAgentConfig() *AgentConfig {
	return &AgentConfig{
		Interval: time.Hour,
		Logger:   log.New(io.Discard, "", 0),
	}
}

func TestAgent_RunsImmediateCycle(t *testing.T) {
	session, serverStore := newEnv(t)
	ctx := context.Background()

	_, err := serverStore.Insert(ctx, bookRecord(t, "alice", "h1", record.NowMillis(), 0))
	require.NoError(t, err)

	agent, err := NewAgent(session, session.client, quietAgentConfig())
	require.NoError(t, err)
	require.NoError(t, agent.Start())
	t.Cleanup(func() { agent.Stop() })

	require.Eventually(t, func() bool {
		n, err := session.store.CountRecords(ctx, "alice", record.KindBooks)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond, "first cycle pulls the server record")
}

func TestAgent_IngestsSpoolFiles(t *testing.T) {
	session, _ := newEnv(t)
	spool := t.TempDir()

	config := quietAgentConfig()
	config.Spool = spool

	agent, err := NewAgent(session, session.client, config)
	require.NoError(t, err)
	require.NoError(t, agent.Start())
	t.Cleanup(func() { agent.Stop() })

	data := []byte(`{"book_hash": "h9", "title": "Spooled", "updated_at": 123}`)
	require.NoError(t, os.WriteFile(filepath.Join(spool, "books", "h9.json"), data, 0o644))

	require.Eventually(t, func() bool {
		_, err := session.store.Get(context.Background(), "alice", record.KindBooks, "h9")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "spooled file lands in the device store")

	pending, err := session.store.PendingPushCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending[record.KindBooks])
}

func TestAgent_PausesWhileServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	cfg := client.DefaultConfig()
	cfg.BaseURL = srv.URL
	cl := client.NewClient(cfg, client.StaticToken("tok"))
	session := NewSession(openDeviceStore(t, "device"), cl, "alice", nil)

	agent, err := NewAgent(session, cl, quietAgentConfig())
	require.NoError(t, err)

	agent.cycle()
	assert.True(t, agent.offline)

	cp, err := session.store.Checkpoint(context.Background(), record.KindBooks)
	require.NoError(t, err)
	assert.Zero(t, cp, "no sync ran against the dead server")
}
