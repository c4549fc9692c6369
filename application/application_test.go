package application

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/collab-sync-go/internal/config"
	"github.com/lk2023060901/collab-sync-go/internal/json"
	"github.com/lk2023060901/collab-sync-go/internal/network/connector"
	"github.com/lk2023060901/collab-sync-go/internal/network/handshake"
	"github.com/lk2023060901/collab-sync-go/internal/storage"
)

type updateRecorder struct {
	connector.BaseHandler
	texts chan string
}

func (r *updateRecorder) OnText(_ *connector.Client, text string) { r.texts <- text }

func loadTestConfig(t *testing.T) *config.Config {
	t.Chdir(t.TempDir())
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv("COLLAB_SERVER_LISTEN", "127.0.0.1:0")
	t.Setenv("COLLAB_LOG_STDOUT", "false")
	t.Setenv("COLLAB_STORAGE_BADGER_DIR", t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Membership.Static = map[string]map[string]string{"ws-1": {"alice": "OWNER"}}
	return cfg
}

func TestApplicationLifecycle(t *testing.T) {
	cfg := loadTestConfig(t)
	app := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	select {
	case <-app.Ready():
	case err := <-done:
		t.Fatalf("application exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("application not ready")
	}
	base := "http://" + app.Addr().String()

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, app.Service().NodeID(), health["nodeId"])

	// 写入一条更新后退出，快照应在排空时落盘。
	rec := &updateRecorder{texts: make(chan string, 4)}
	client, err := connector.Dial(ctx, connector.Config{
		Endpoint: "ws://" + app.Addr().String() + cfg.Acceptor.Path,
		Request:  handshake.Request{WorkspaceID: "ws-1", DocumentID: "doc-1", UserID: "alice"},
	}, rec)
	require.NoError(t, err)
	require.NoError(t, client.SendUpdate(ctx, []byte("U1")))
	require.NoError(t, client.Ping(ctx))
	select {
	case text := <-rec.texts:
		require.Equal(t, "pong", text)
	case <-time.After(3 * time.Second):
		t.Fatal("no pong")
	}

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "collab_active_sessions 1")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("application did not stop")
	}
	assert.Eventually(t, func() bool { return client.Err() != nil }, 3*time.Second, 10*time.Millisecond)

	store, err := storage.New(context.Background(), cfg.Storage, storage.Dependencies{})
	require.NoError(t, err)
	defer store.Close()
	record, err := store.Get(context.Background(), "ws-1/doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("U1"), record.Snapshot)
}

func TestApplicationInitFailure(t *testing.T) {
	cfg := loadTestConfig(t)
	cfg.Codec.Backend = "unknown"

	err := New(cfg).Run(context.Background())
	assert.Error(t, err)
}
