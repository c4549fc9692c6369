package acceptor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config, h Handler) (*Acceptor, string) {
	gin.SetMode(gin.TestMode)
	a := New(cfg, h)
	engine := gin.New()
	a.Register(engine)
	srv := httptest.NewServer(engine)
	t.Cleanup(srv.Close)
	return a, "ws" + strings.TrimPrefix(srv.URL, "http") + a.Path()
}

func TestAcceptorUpgrade(t *testing.T) {
	got := make(chan string, 1)
	_, url := newTestServer(t, Config{}, HandlerFunc(func(ctx context.Context, conn *websocket.Conn, r *http.Request) {
		defer conn.Close()
		got <- r.URL.Query().Get("workspaceId")
		_, data, err := conn.ReadMessage()
		if err == nil {
			conn.WriteMessage(websocket.BinaryMessage, data)
		}
	}))

	client, _, err := websocket.DefaultDialer.Dial(url+"?workspaceId=ws-1", nil)
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, "ws-1", <-got)

	require.NoError(t, client.WriteMessage(websocket.BinaryMessage, []byte("x")))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)
}

func TestAcceptorRejectsPlainHTTP(t *testing.T) {
	a, url := newTestServer(t, Config{}, HandlerFunc(func(context.Context, *websocket.Conn, *http.Request) {
		t.Error("handler must not be called")
	}))
	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, a.Active())
}

func TestAcceptorOrigin(t *testing.T) {
	_, url := newTestServer(t, Config{AllowedOrigins: []string{"https://app.example.com"}},
		HandlerFunc(func(_ context.Context, conn *websocket.Conn, _ *http.Request) { conn.Close() }))

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.com")
	client, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	client.Close()
}

func TestAcceptorShutdown(t *testing.T) {
	entered := make(chan struct{})
	a, url := newTestServer(t, Config{}, HandlerFunc(func(ctx context.Context, conn *websocket.Conn, _ *http.Request) {
		defer conn.Close()
		close(entered)
		<-ctx.Done()
	}))

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()
	<-entered
	assert.EqualValues(t, 1, a.Active())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	assert.Zero(t, a.Active())

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
