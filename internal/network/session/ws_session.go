package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// Config 描述单条连接的收发参数。
type Config struct {
	// SendQueueSize 为发送队列容量，队列满时 Send 立即失败。
	SendQueueSize int `mapstructure:"sendQueueSize"`
	// WriteTimeout 为单次写出的超时。
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	// PingInterval 为服务端发送 ping 的间隔，0 表示不发送。
	PingInterval time.Duration `mapstructure:"pingInterval"`
	// ReadTimeout 为读超时，收到任意帧或 pong 后顺延。0 表示不设置。
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	// MaxMessageSize 为入站帧的最大字节数，0 表示不限制。
	MaxMessageSize int64 `mapstructure:"maxMessageSize"`
}

func DefaultConfig() Config {
	return Config{
		SendQueueSize:  256,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		ReadTimeout:    75 * time.Second,
		MaxMessageSize: 8 << 20,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	return c
}

// WSSession 为基于 gorilla/websocket 的 Session 实现。
//
// 连接上只有 sendLoop 一个写协程；ReadLoop 由调用方在单个协程中驱动。
type WSSession struct {
	id         string
	documentID string

	ctx    context.Context
	cancel context.CancelFunc

	conn       *websocket.Conn
	remoteAddr net.Addr
	cfg        Config

	sendQueue chan Frame
	sendDone  chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var _ Session = (*WSSession)(nil)

// NewWSSession 创建会话并启动发送协程。parent 取消时会话随之取消，但不会主动发送关闭帧。
func NewWSSession(parent context.Context, id, documentID string, conn *websocket.Conn, cfg Config) *WSSession {
	if parent == nil {
		parent = context.Background()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(parent)

	s := &WSSession{
		id:         id,
		documentID: documentID,
		ctx:        ctx,
		cancel:     cancel,
		conn:       conn,
		remoteAddr: conn.RemoteAddr(),
		cfg:        cfg,
		sendQueue:  make(chan Frame, cfg.SendQueueSize),
		sendDone:   make(chan struct{}),
	}
	go s.sendLoop()
	return s
}

func (s *WSSession) ID() string {
	return s.id
}

func (s *WSSession) DocumentID() string {
	return s.documentID
}

func (s *WSSession) Context() context.Context {
	return s.ctx
}

func (s *WSSession) RemoteAddr() net.Addr {
	return s.remoteAddr
}

// Send 实现 Session.Send。
func (s *WSSession) Send(frame Frame) error {
	if s.closed.Load() || s.ctx.Err() != nil {
		return merr.ErrSessionClosed
	}
	select {
	case s.sendQueue <- frame:
		return nil
	default:
		return merr.WrapErrSendQueueFull(s.id, cap(s.sendQueue))
	}
}

// Close 先尝试发送关闭帧，再关闭底层连接。
func (s *WSSession) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		<-s.sendDone

		deadline := time.Now().Add(s.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
			log.Debug("failed to write close frame", log.FieldSession(s.id), zap.Error(err))
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Closed 返回会话是否已经关闭。
func (s *WSSession) Closed() bool {
	return s.closed.Load()
}

// ReadLoop 阻塞读取客户端帧并交给 onFrame，直到连接出错或会话关闭。
//
// 对端正常关闭时返回 nil。onFrame 返回错误时停止读取并返回该错误。
func (s *WSSession) ReadLoop(onFrame func(Frame) error) error {
	if s.cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() || websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		s.extendReadDeadline()
		if err := onFrame(Frame{Type: FrameType(typ), Data: data}); err != nil {
			return err
		}
	}
}

func (s *WSSession) extendReadDeadline() {
	if s.cfg.ReadTimeout > 0 {
		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
}

// sendLoop 为会话唯一的写协程，负责数据帧与 ping。
//
// 写出失败视为连接异常，取消会话上下文以触发上层清理。
func (s *WSSession) sendLoop() {
	defer close(s.sendDone)

	var ping <-chan time.Time
	if s.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.sendQueue:
			s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := s.conn.WriteMessage(int(frame.Type), frame.Data); err != nil {
				log.Debug("session write failed", log.FieldSession(s.id), zap.Error(err))
				s.cancel()
				return
			}
		case <-ping:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug("session ping failed", log.FieldSession(s.id), zap.Error(err))
				s.cancel()
				return
			}
		}
	}
}
