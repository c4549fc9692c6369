// Package application 负责 collabd 进程的组装与生命周期：按配置构造各组件，
// 对外提供 HTTP 服务，并在退出时按依赖顺序优雅排空。
package application

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/collab-sync-go/internal/bus"
	"github.com/lk2023060901/collab-sync-go/internal/collab"
	"github.com/lk2023060901/collab-sync-go/internal/config"
	"github.com/lk2023060901/collab-sync-go/internal/crdt"
	"github.com/lk2023060901/collab-sync-go/internal/docstate"
	"github.com/lk2023060901/collab-sync-go/internal/membership"
	"github.com/lk2023060901/collab-sync-go/internal/network/acceptor"
	"github.com/lk2023060901/collab-sync-go/internal/network/handshake"
	"github.com/lk2023060901/collab-sync-go/internal/storage"
	"github.com/lk2023060901/collab-sync-go/internal/util/sessionutil"
	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/metrics"
	"github.com/lk2023060901/collab-sync-go/pkg/util/conc"
	"github.com/lk2023060901/collab-sync-go/pkg/util/etcd"
	"github.com/lk2023060901/collab-sync-go/pkg/util/hardware"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

const roleName = "collabd"

// Version 为 collabd 的版本，随节点注册写入 etcd。
var Version = semver.MustParse("1.0.0")

// Application 为 collabd 的运行时容器，持有全部组件。
type Application struct {
	cfg *config.Config

	etcdCli  *clientv3.Client
	store    storage.SnapshotStore
	codec    crdt.Codec
	resolver membership.Resolver
	bus      bus.Bus
	pool     *conc.Pool[any]
	docs     *docstate.Manager
	service  *collab.Service
	acceptor *acceptor.Acceptor
	registry *prometheus.Registry
	server   *http.Server
	session  *sessionutil.Session

	ready chan struct{}
	addr  net.Addr

	healthy      atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New 创建 Application，cfg 应已通过 config.Load 校验。
func New(cfg *config.Config) *Application {
	return &Application{cfg: cfg, ready: make(chan struct{})}
}

// Run 初始化全部组件并对外服务，直到 ctx 结束或服务出错，返回前完成优雅退出。
func (a *Application) Run(ctx context.Context) error {
	if err := a.initLogging(); err != nil {
		return err
	}
	if err := a.init(ctx); err != nil {
		a.release(context.Background())
		return err
	}

	lis, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		a.release(context.Background())
		return errors.Wrapf(err, "failed to listen on %s", a.cfg.Server.Listen)
	}
	a.addr = lis.Addr()
	if err := a.register(); err != nil {
		lis.Close()
		a.release(context.Background())
		return err
	}
	a.healthy.Store(true)
	close(a.ready)
	log.Info("collabd serving",
		zap.String("addr", a.addr.String()),
		zap.String("path", a.acceptor.Path()),
		zap.String("nodeID", a.service.NodeID()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server stopped")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Ready 在监听地址就绪后关闭。
func (a *Application) Ready() <-chan struct{} {
	return a.ready
}

// Addr 返回实际监听地址，Ready 之前为 nil。
func (a *Application) Addr() net.Addr {
	return a.addr
}

func (a *Application) Service() *collab.Service {
	return a.service
}

// register 在配置了 etcd 时把本节点注册为存活实例。
func (a *Application) register() error {
	if a.etcdCli == nil {
		return nil
	}
	addr := a.cfg.Cluster.AdvertiseAddr
	if addr == "" {
		addr = a.addr.String()
	}
	opts := []sessionutil.SessionOption{sessionutil.WithRoot(a.cfg.Cluster.Root)}
	if a.cfg.Cluster.TTL > 0 {
		opts = append(opts, sessionutil.WithTTL(a.cfg.Cluster.TTL))
	}
	a.session = sessionutil.NewSession(context.Background(), a.etcdCli, a.service.NodeID(), addr, Version, opts...)
	return a.session.Register()
}

// initLogging 根据配置替换全局 logger。
func (a *Application) initLogging() error {
	logger, props, err := log.InitLogger(&a.cfg.Log)
	if err != nil {
		return errors.Wrap(err, "failed to init logger")
	}
	log.ReplaceGlobals(logger, props)
	log.SetRateLimiter(a.cfg.Log.RateLimit)
	return nil
}

// init 按依赖顺序构造组件。失败时已构造的部分由调用方通过 release 释放。
func (a *Application) init(ctx context.Context) error {
	cfg := a.cfg
	var err error

	if cfg.NeedsEtcd() {
		if a.etcdCli, err = etcd.Connect(ctx, cfg.Etcd); err != nil {
			return err
		}
	}
	if a.store, err = storage.New(ctx, cfg.Storage, storage.Dependencies{Etcd: a.etcdCli}); err != nil {
		return errors.Wrap(err, "failed to open snapshot store")
	}
	if a.codec, err = crdt.New(ctx, cfg.Codec); err != nil {
		return errors.Wrap(err, "failed to create crdt codec")
	}
	if a.resolver, err = membership.New(ctx, cfg.Membership, a.etcdCli); err != nil {
		return errors.Wrap(err, "failed to create membership resolver")
	}
	if a.bus, err = bus.New(ctx, cfg.Bus, bus.Dependencies{Etcd: a.etcdCli}); err != nil {
		return errors.Wrap(err, "failed to create broadcast bus")
	}

	poolSize := cfg.Pool.Size
	if poolSize <= 0 {
		poolSize = hardware.DefaultPoolSize()
	}
	a.pool = conc.NewPool[any](poolSize, conc.WithConcealPanic(true))
	a.docs = docstate.NewManager(a.codec, a.store, cfg.DocState,
		docstate.WithPool(a.pool),
		docstate.WithErrorHandler(func(documentID string, err error) {
			log.Error("snapshot persistence failed, document state may be lost on eviction",
				log.FieldDocument(documentID), zap.Error(err))
		}))

	auth, err := handshake.NewAuthorizer(a.resolver, cfg.Handshake)
	if err != nil {
		return err
	}
	a.service = collab.NewService(cfg.Collab, auth, a.docs, a.bus)
	if err := a.service.Start(); err != nil {
		return err
	}
	a.acceptor = acceptor.New(cfg.Acceptor, a.service)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(a.registry)
	metrics.NumNodes.WithLabelValues(a.service.NodeID(), roleName).Set(1)

	a.server = &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (a *Application) routes() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog())
	engine.GET("/healthz", a.healthz)
	engine.GET("/metrics", gin.WrapH(metrics.Handler(a.registry)))
	a.acceptor.Register(engine)
	return engine
}

func (a *Application) healthz(c *gin.Context) {
	status, code := "ok", http.StatusOK
	if !a.healthy.Load() {
		status, code = "draining", http.StatusServiceUnavailable
	}
	body := gin.H{
		"status":    status,
		"nodeId":    a.service.NodeID(),
		"sessions":  a.service.Sessions(),
		"rooms":     a.service.Registry().RoomCount(),
		"documents": a.docs.Len(),
	}
	if a.session != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		if nodes, _, err := sessionutil.GetSessions(ctx, a.etcdCli, a.cfg.Cluster.Root); err == nil {
			body["nodes"] = len(nodes)
		}
	}
	c.JSON(code, body)
}

// accessLog 以 debug 级别记录普通 HTTP 请求，升级请求的生命周期由 collab 记录。
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Shutdown 依次停止接入、关闭所有会话、排空文档缓存并释放后端资源。可重复调用。
func (a *Application) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.healthy.Store(false)
		log.Info("collabd shutting down")

		var errs []error
		if a.session != nil {
			if err := a.session.GoingStop(); err != nil {
				log.Warn("failed to mark node stopping", zap.Error(err))
			}
		}
		// 关闭会话时最后离开的会话会立即持久化，必须先于缓存排空。
		if a.acceptor != nil {
			errs = append(errs, a.acceptor.Shutdown(ctx))
		}
		if a.server != nil {
			errs = append(errs, a.server.Shutdown(ctx))
		}
		errs = append(errs, a.release(ctx))
		a.shutdownErr = merr.Combine(errs...)
		if a.shutdownErr != nil {
			log.Warn("collabd shutdown finished with errors", zap.Error(a.shutdownErr))
		} else {
			log.Info("collabd stopped")
		}
		log.Sync()
	})
	return a.shutdownErr
}

// release 按构造的逆序释放组件，跳过尚未构造的部分。
func (a *Application) release(ctx context.Context) error {
	var errs []error
	if a.service != nil {
		errs = append(errs, a.service.Stop())
		metrics.NumNodes.DeleteLabelValues(a.service.NodeID(), roleName)
	}
	if a.docs != nil {
		errs = append(errs, a.docs.Close(ctx))
	}
	if a.pool != nil {
		a.pool.Release()
	}
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if closer, ok := a.resolver.(interface{ Close() }); ok {
		closer.Close()
	}
	if closer, ok := a.codec.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.session != nil {
		a.session.Stop()
	}
	if a.etcdCli != nil {
		errs = append(errs, a.etcdCli.Close())
		if a.cfg.Etcd.UseEmbed {
			etcd.StopEtcdServer()
		}
	}
	return merr.Combine(errs...)
}
