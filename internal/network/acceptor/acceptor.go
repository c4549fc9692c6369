// Package acceptor 负责 WebSocket 接入：注册 HTTP 路由、完成协议升级并把连接交给上层。
package acceptor

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	network "github.com/lk2023060901/collab-sync-go/internal/network"
	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/metrics"
)

// Config 描述接入层配置。
type Config struct {
	// Path 为 WebSocket 升级路径。
	Path string `mapstructure:"path"`

	ReadBufferSize  int           `mapstructure:"readBufferSize"`
	WriteBufferSize int           `mapstructure:"writeBufferSize"`
	UpgradeTimeout  time.Duration `mapstructure:"upgradeTimeout"`

	// AllowedOrigins 为允许的 Origin 列表，为空时不校验。
	AllowedOrigins []string `mapstructure:"allowedOrigins"`

	// EnableCompression 开启 permessage-deflate 协商。
	EnableCompression bool `mapstructure:"enableCompression"`
}

func DefaultConfig() Config {
	return Config{
		Path:            "/ws",
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		UpgradeTimeout:  10 * time.Second,
	}
}

// Handler 由上层实现，接管升级后的连接。
//
// OnConnect 在连接的整个生命周期内阻塞，返回时连接必须已经关闭。
// ctx 在 Acceptor 关闭时被取消。
type Handler interface {
	OnConnect(ctx context.Context, conn *websocket.Conn, r *http.Request)
}

// HandlerFunc 把普通函数适配为 Handler。
type HandlerFunc func(ctx context.Context, conn *websocket.Conn, r *http.Request)

func (f HandlerFunc) OnConnect(ctx context.Context, conn *websocket.Conn, r *http.Request) {
	f(ctx, conn, r)
}

// Acceptor 为基于 gin 与 gorilla/websocket 的接入层。
type Acceptor struct {
	cfg      Config
	upgrader websocket.Upgrader
	handler  Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed atomic.Bool
	active atomic.Int64
}

func New(cfg Config, h Handler) *Acceptor {
	def := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.UpgradeTimeout <= 0 {
		cfg.UpgradeTimeout = def.UpgradeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Acceptor{
		cfg:     cfg,
		handler: h,
		ctx:     ctx,
		cancel:  cancel,
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:    cfg.ReadBufferSize,
		WriteBufferSize:   cfg.WriteBufferSize,
		HandshakeTimeout:  cfg.UpgradeTimeout,
		EnableCompression: cfg.EnableCompression,
		CheckOrigin:       a.checkOrigin,
	}
	return a
}

func (a *Acceptor) checkOrigin(r *http.Request) bool {
	if len(a.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(a.cfg.AllowedOrigins, origin)
}

// Register 在 routes 上注册升级路由。
func (a *Acceptor) Register(routes gin.IRoutes) {
	routes.GET(a.cfg.Path, a.Serve)
}

// Serve 为升级路由的 gin handler。
func (a *Acceptor) Serve(c *gin.Context) {
	a.mu.Lock()
	if a.closed.Load() {
		a.mu.Unlock()
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 失败时已向客户端写回 HTTP 错误。
		metrics.SessionErrors.WithLabelValues(network.StageUpgrade.String()).Inc()
		log.RatedWarn(1, "websocket upgrade failed",
			zap.String("remote", c.Request.RemoteAddr),
			zap.Error(network.WrapStage(network.StageUpgrade, err)))
		return
	}

	a.active.Inc()
	defer a.active.Dec()
	a.handler.OnConnect(a.ctx, conn, c.Request)
}

// Active 返回当前仍在处理中的连接数。
func (a *Acceptor) Active() int64 {
	return a.active.Load()
}

// Path 返回升级路径。
func (a *Acceptor) Path() string {
	return a.cfg.Path
}

// Shutdown 拒绝新的连接，取消现有连接的 ctx，并等待其处理结束或 ctx 超时。
func (a *Acceptor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closed.Store(true)
	a.mu.Unlock()
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Warn("acceptor shutdown timed out", zap.Int64("active", a.active.Load()))
		return ctx.Err()
	}
}
