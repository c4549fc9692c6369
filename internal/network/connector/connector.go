// Package connector 为协作服务的 WebSocket 客户端，供示例程序、压测与集成测试使用。
package connector

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"

	network "github.com/lk2023060901/collab-sync-go/internal/network"
	"github.com/lk2023060901/collab-sync-go/internal/network/handshake"
	"github.com/lk2023060901/collab-sync-go/pkg/util/conc"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// Config 描述客户端连接的基础配置。
type Config struct {
	// Endpoint 为服务端升级地址，例如 ws://127.0.0.1:8080/ws。
	Endpoint string
	// Request 为握手参数，Vector 为 base64 编码的客户端状态向量。
	Request handshake.Request
	// Header 为附加的升级请求头。Request.UserID 为空时可通过 X-User-Id 传递用户。
	Header http.Header

	SendQueueSize int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
}

func defaultConfig() Config {
	return Config{
		SendQueueSize: 1024,
		WriteTimeout:  10 * time.Second,
	}
}

// Handler 描述客户端在各阶段的回调能力。回调在接收协程中同步执行。
type Handler interface {
	OnConnected(c *Client)
	// OnUpdate 收到二进制帧：首帧可能是补齐增量，其后为其他会话的更新。
	OnUpdate(c *Client, update []byte)
	OnText(c *Client, text string)
	// OnClosed 在连接关闭时调用一次。服务端主动关闭时 err 为 *websocket.CloseError。
	OnClosed(c *Client, err error)
	OnError(c *Client, stage network.Stage, err error)
}

// BaseHandler 为 Handler 的空实现，便于只关心部分回调的调用方嵌入。
type BaseHandler struct{}

func (BaseHandler) OnConnected(*Client)                  {}
func (BaseHandler) OnUpdate(*Client, []byte)             {}
func (BaseHandler) OnText(*Client, string)               {}
func (BaseHandler) OnClosed(*Client, error)              {}
func (BaseHandler) OnError(*Client, network.Stage, error) {}

// BuildURL 把握手参数拼接到 endpoint 的查询串上。
func BuildURL(endpoint string, req handshake.Request) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", merr.WrapErrParameterInvalidMsg("invalid endpoint %q: %s", endpoint, err.Error())
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", merr.WrapErrParameterInvalid("ws|wss", u.Scheme, "endpoint scheme")
	}
	q := u.Query()
	for key, val := range map[string]string{
		handshake.QueryWorkspaceID: req.WorkspaceID,
		handshake.QueryDocumentID:  req.DocumentID,
		handshake.QueryVector:      req.Vector,
		handshake.QueryUserID:      req.UserID,
		handshake.QueryProtocol:    req.Protocol,
	} {
		if val != "" {
			q.Set(key, val)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type outboundFrame struct {
	typ  int
	data []byte
}

// Client 为一条到协作服务的连接。
type Client struct {
	conn *websocket.Conn
	cfg  Config
	h    Handler

	ctx    context.Context
	cancel context.CancelFunc

	remoteAddr net.Addr
	localAddr  net.Addr

	sendChan chan outboundFrame

	closeOnce sync.Once
	closeErr  error
}

// Dial 建立连接。握手被拒绝时服务端先完成升级再以 1008 关闭，错误通过 OnClosed 返回。
func Dial(ctx context.Context, cfg Config, h Handler) (*Client, error) {
	if h == nil {
		h = BaseHandler{}
	}
	def := defaultConfig()
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = def.SendQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	target, err := BuildURL(cfg.Endpoint, cfg.Request)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, cfg.Header)
	if err != nil {
		return nil, network.WrapStage(network.StageUpgrade, errors.Wrapf(err, "failed to dial %s", cfg.Endpoint))
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:       conn,
		cfg:        cfg,
		h:          h,
		ctx:        connCtx,
		cancel:     cancel,
		remoteAddr: conn.RemoteAddr(),
		localAddr:  conn.LocalAddr(),
		sendChan:   make(chan outboundFrame, cfg.SendQueueSize),
	}
	h.OnConnected(c)

	_ = conc.Go(func() (struct{}, error) {
		c.recvLoop()
		return struct{}{}, nil
	})
	_ = conc.Go(func() (struct{}, error) {
		c.sendLoop()
		return struct{}{}, nil
	})
	return c, nil
}

func (c *Client) Context() context.Context { return c.ctx }
func (c *Client) RemoteAddr() net.Addr     { return c.remoteAddr }
func (c *Client) LocalAddr() net.Addr      { return c.localAddr }

// SendUpdate 发送一条二进制更新，队列满时阻塞直到 ctx 结束或连接关闭。
func (c *Client) SendUpdate(ctx context.Context, update []byte) error {
	return c.enqueue(ctx, outboundFrame{typ: websocket.BinaryMessage, data: update})
}

// Ping 发送文本 ping，服务端以文本 pong 回应，回应经 OnText 送达。
func (c *Client) Ping(ctx context.Context) error {
	return c.enqueue(ctx, outboundFrame{typ: websocket.TextMessage, data: []byte("ping")})
}

func (c *Client) enqueue(ctx context.Context, frame outboundFrame) error {
	select {
	case <-c.ctx.Done():
		return merr.ErrSessionClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return merr.ErrSessionClosed
	case c.sendChan <- frame:
		return nil
	}
}

// Close 以正常关闭码结束连接。
func (c *Client) Close() error {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.close(nil)
}

// Err 返回连接关闭的原因，连接仍存活时为 nil。
func (c *Client) Err() error {
	select {
	case <-c.ctx.Done():
		return c.closeErr
	default:
		return nil
	}
}

func (c *Client) close(cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.closeErr = cause
		c.cancel()
		err = c.conn.Close()
		c.h.OnClosed(c, cause)
	})
	return err
}

// recvLoop 持续读取服务端帧并分发给 Handler。
func (c *Client) recvLoop() {
	for {
		if c.cfg.ReadTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code == websocket.CloseNormalClosure {
					c.close(nil)
				} else {
					c.close(closeErr)
				}
				return
			}
			c.h.OnError(c, network.StageRecv, err)
			c.close(err)
			return
		}
		switch typ {
		case websocket.BinaryMessage:
			c.h.OnUpdate(c, data)
		case websocket.TextMessage:
			c.h.OnText(c, string(data))
		}
	}
}

// sendLoop 为唯一的写协程。
func (c *Client) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.sendChan:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(frame.typ, frame.data); err != nil {
				c.h.OnError(c, network.StageSend, err)
				c.close(err)
				return
			}
		}
	}
}
