package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/collab-sync-go/internal/network/handshake"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// recorder 记录所有回调，供测试断言。
type recorder struct {
	BaseHandler
	updates chan []byte
	texts   chan string
	closed  chan error
}

func newRecorder() *recorder {
	return &recorder{
		updates: make(chan []byte, 16),
		texts:   make(chan string, 16),
		closed:  make(chan error, 1),
	}
}

func (r *recorder) OnUpdate(_ *Client, update []byte) { r.updates <- update }
func (r *recorder) OnText(_ *Client, text string)     { r.texts <- text }
func (r *recorder) OnClosed(_ *Client, err error)     { r.closed <- err }

// startServer 模拟协作服务：下发补齐增量、回显更新、应答 ping，收到 "bye" 时以策略违规关闭。
func startServer(t *testing.T, check func(r *http.Request)) string {
	var upgrader websocket.Upgrader
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		if check != nil {
			check(r)
		}
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.BinaryMessage, []byte("catch-up"))
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch {
			case typ == websocket.TextMessage && string(data) == "ping":
				conn.WriteMessage(websocket.TextMessage, []byte("pong"))
			case string(data) == "bye":
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "read-only session"),
					time.Now().Add(time.Second))
				return
			default:
				conn.WriteMessage(typ, data)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func receive[T any](t *testing.T, ch <-chan T) T {
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for callback")
		var zero T
		return zero
	}
}

func TestBuildURL(t *testing.T) {
	u, err := BuildURL("ws://127.0.0.1:8080/ws", handshake.Request{
		WorkspaceID: "ws-1",
		DocumentID:  "doc 1",
		Vector:      "AAE=",
		UserID:      "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/ws?documentId=doc+1&userId=alice&vector=AAE%3D&workspaceId=ws-1", u)

	_, err = BuildURL("http://127.0.0.1/ws", handshake.Request{})
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
	_, err = BuildURL("ws://%zz", handshake.Request{})
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
}

func TestClientRoundTrip(t *testing.T) {
	endpoint := startServer(t, func(r *http.Request) {
		assert.Equal(t, "ws-1", r.URL.Query().Get(handshake.QueryWorkspaceID))
		assert.Equal(t, "bob", r.Header.Get(handshake.HeaderUserID))
	})
	rec := newRecorder()
	ctx := context.Background()

	c, err := Dial(ctx, Config{
		Endpoint: endpoint,
		Request:  handshake.Request{WorkspaceID: "ws-1"},
		Header:   http.Header{handshake.HeaderUserID: {"bob"}},
	}, rec)
	require.NoError(t, err)
	assert.NotNil(t, c.RemoteAddr())
	assert.NotNil(t, c.LocalAddr())

	assert.Equal(t, "catch-up", string(receive(t, rec.updates)))

	require.NoError(t, c.SendUpdate(ctx, []byte("U1")))
	assert.Equal(t, "U1", string(receive(t, rec.updates)))

	require.NoError(t, c.Ping(ctx))
	assert.Equal(t, "pong", receive(t, rec.texts))
	assert.NoError(t, c.Err())

	require.NoError(t, c.Close())
	assert.NoError(t, receive(t, rec.closed))
	assert.ErrorIs(t, c.SendUpdate(ctx, []byte("late")), merr.ErrSessionClosed)
}

func TestClientServerClose(t *testing.T) {
	endpoint := startServer(t, nil)
	rec := newRecorder()
	ctx := context.Background()

	c, err := Dial(ctx, Config{Endpoint: endpoint, Request: handshake.Request{WorkspaceID: "ws-1", UserID: "victor"}}, rec)
	require.NoError(t, err)
	receive(t, rec.updates)

	require.NoError(t, c.SendUpdate(ctx, []byte("bye")))
	err = receive(t, rec.closed)
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "read-only session", closeErr.Text)
	assert.ErrorAs(t, c.Err(), &closeErr)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Dial(ctx, Config{Endpoint: "ws://127.0.0.1:1/ws"}, nil)
	assert.Error(t, err)
}
