// Package collab 把握手、房间、文档状态与跨实例总线串联为单条协作连接的处理流程。
package collab

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/internal/bus"
	"github.com/lk2023060901/collab-sync-go/internal/docstate"
	network "github.com/lk2023060901/collab-sync-go/internal/network"
	"github.com/lk2023060901/collab-sync-go/internal/network/acceptor"
	"github.com/lk2023060901/collab-sync-go/internal/network/handshake"
	"github.com/lk2023060901/collab-sync-go/internal/network/session"
	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/metrics"
	"github.com/lk2023060901/collab-sync-go/pkg/util/typeutil"
)

const (
	pingText = "ping"
	pongText = "pong"

	shutdownReason = "server shutting down"
)

// Service 为协作同步服务，实现 acceptor.Handler。
type Service struct {
	cfg      Config
	nodeID   string
	auth     *handshake.Authorizer
	registry *session.Registry
	docs     *docstate.Manager
	bus      bus.Bus

	// conns 为本进程所有存活连接，按会话 ID 索引。
	conns *typeutil.ShardedMap[*connection]

	mu  sync.Mutex
	sub bus.Subscription
}

var _ acceptor.Handler = (*Service)(nil)

func NewService(cfg Config, auth *handshake.Authorizer, docs *docstate.Manager, b bus.Bus) *Service {
	cfg = cfg.withDefaults()
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	return &Service{
		cfg:      cfg,
		nodeID:   nodeID,
		auth:     auth,
		registry: session.NewRegistry(),
		docs:     docs,
		bus:      b,
		conns:    typeutil.NewShardedMap[*connection](typeutil.DefaultShardCount),
	}
}

// NodeID 返回本进程在总线上的标识。
func (s *Service) NodeID() string {
	return s.nodeID
}

func (s *Service) Registry() *session.Registry {
	return s.registry
}

func (s *Service) Docs() *docstate.Manager {
	return s.docs
}

// Start 订阅总线。
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	sub, err := s.bus.Subscribe(s.onBusMessage)
	if err != nil {
		return errors.Wrap(err, "failed to subscribe collab bus")
	}
	s.sub = sub
	log.Info("collab service started", zap.String("nodeID", s.nodeID))
	return nil
}

// Stop 取消总线订阅。连接由 acceptor 关闭，文档缓存由 docstate.Manager 排空。
func (s *Service) Stop() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// Sessions 返回本进程存活的会话数。
func (s *Service) Sessions() int {
	return s.conns.Len()
}

// onBusMessage 把其他进程发出的更新合并进本地缓存并广播给本地房间。
// 本进程发出的更新已在本地同步广播过，直接跳过。
func (s *Service) onBusMessage(ctx context.Context, msg bus.Message) {
	if msg.NodeID == s.nodeID {
		return
	}
	if msg.OriginID != "" && s.conns.Contain(msg.OriginID) {
		return
	}

	if _, err := s.docs.ApplyRemoteUpdate(ctx, msg.DocumentID, msg.Update); err != nil {
		metrics.SessionErrors.WithLabelValues(network.StageApply.String()).Inc()
		log.RatedWarn(1, "failed to apply remote update",
			log.FieldDocument(msg.DocumentID),
			zap.String("originNode", msg.NodeID),
			zap.Error(err))
	}
	s.registry.Broadcast(msg.DocumentID, msg.OriginID, session.BinaryFrame(msg.Update))
}

// OnConnect 实现 acceptor.Handler，在连接生命周期内阻塞。
func (s *Service) OnConnect(ctx context.Context, conn *websocket.Conn, r *http.Request) {
	ctx, span := log.NewIntentContext(ctx, "collab", "connect")
	defer span.End()

	c := &connection{service: s}

	desc, err := s.auth.Authorize(ctx, handshake.RequestFromHTTP(r))
	if err != nil {
		c.state.Close()
		metrics.SessionErrors.WithLabelValues(network.StageAuthorize.String()).Inc()
		rejectConn(conn, handshake.CloseReason(err), s.cfg.Session.WriteTimeout)
		return
	}
	c.state.Advance(StateConnecting, StateAuthorized)
	c.desc = desc

	ctx = log.WithFields(ctx,
		log.FieldDocument(desc.DocumentID),
		log.FieldSession(desc.SessionID),
		log.FieldUser(desc.UserID))
	c.ctx = ctx
	c.sess = session.NewWSSession(ctx, desc.SessionID, desc.DocumentID, conn, s.cfg.Session)

	s.conns.Insert(desc.SessionID, c)
	c.serve()
}

// rejectConn 以策略违规关闭尚未建立会话的连接。
func rejectConn(conn *websocket.Conn, reason string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = time.Second
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, handshake.BoundReason(reason))
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	conn.Close()
}
