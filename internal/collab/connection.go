package collab

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/internal/bus"
	network "github.com/lk2023060901/collab-sync-go/internal/network"
	"github.com/lk2023060901/collab-sync-go/internal/network/handshake"
	"github.com/lk2023060901/collab-sync-go/internal/network/session"
	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/metrics"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// connection 为单条已鉴权连接的处理状态。
type connection struct {
	service *Service
	state   stateMachine
	ctx     context.Context
	desc    *handshake.Descriptor
	sess    *session.WSSession

	joined    bool
	closeOnce sync.Once
}

// serve 依次完成入房、下发补齐增量与读循环，返回时连接已关闭并完成清理。
func (c *connection) serve() {
	logger := log.Ctx(c.ctx)
	s := c.service
	doc := c.desc.DocumentID

	if err := s.registry.Join(doc, c.sess); err != nil {
		c.fail(network.StageJoin, err)
		return
	}
	c.joined = true

	delta, err := s.docs.ComputeDelta(c.ctx, doc, c.desc.ClientVector)
	if err != nil {
		c.fail(network.StageCatchUp, err)
		return
	}
	if len(delta) > 0 {
		if err := c.sess.Send(session.BinaryFrame(delta)); err != nil {
			c.fail(network.StageCatchUp, err)
			return
		}
	}
	if !c.state.Advance(StateAuthorized, StateActive) {
		c.finish(websocket.CloseGoingAway, shutdownReason)
		return
	}
	logger.Info("session active",
		zap.String("role", string(c.desc.Role)),
		zap.Bool("readOnly", c.desc.ReadOnly),
		zap.Int("catchUpSize", len(delta)))

	// 会话上下文结束（服务关闭或写出失败）时主动关闭连接，解除 ReadLoop 的阻塞。
	go func() {
		<-c.sess.Context().Done()
		c.finish(websocket.CloseGoingAway, shutdownReason)
	}()

	err = c.sess.ReadLoop(c.onFrame)
	switch {
	case err == nil:
		c.finish(websocket.CloseNormalClosure, "")
	case errors.Is(err, merr.ErrReadOnlySession), errors.Is(err, merr.ErrProtocolViolation):
		metrics.SessionErrors.WithLabelValues(network.StageRecv.String()).Inc()
		logger.Warn("protocol violation, closing session", zap.Error(err))
		c.finish(websocket.ClosePolicyViolation, handshake.CloseReason(err))
	case network.StageOf(err) != "":
		c.fail(network.StageOf(err), err)
	default:
		metrics.SessionErrors.WithLabelValues(network.StageRecv.String()).Inc()
		logger.Debug("session read ended", zap.Error(err))
		c.finish(websocket.CloseGoingAway, "")
	}
}

// onFrame 处理一条客户端帧。返回错误将结束连接。
func (c *connection) onFrame(frame session.Frame) error {
	if c.state.Load() != StateActive {
		return merr.WrapErrSessionState(c.desc.SessionID, c.state.Load().String())
	}
	switch frame.Type {
	case session.FrameText:
		if string(frame.Data) == pingText {
			return c.sess.Send(session.TextFrame(pongText))
		}
		return nil
	case session.FrameBinary:
		if c.desc.ReadOnly {
			return merr.WrapErrReadOnlySession(c.desc.SessionID)
		}
		return c.applyUpdate(frame.Data)
	default:
		return nil
	}
}

// applyUpdate 合并客户端更新，并在文档锁内完成本地广播与总线发布。
func (c *connection) applyUpdate(update []byte) error {
	s := c.service
	doc, sid, uid := c.desc.DocumentID, c.desc.SessionID, c.desc.UserID

	err := s.docs.ApplyLocalUpdate(c.ctx, doc, update, sid, uid, func() {
		s.registry.Broadcast(doc, sid, session.BinaryFrame(update))

		ctx, cancel := context.WithTimeout(c.ctx, s.cfg.PublishTimeout)
		defer cancel()
		msg := bus.Message{DocumentID: doc, Update: update, OriginID: sid, NodeID: s.nodeID}
		if err := s.bus.Publish(ctx, msg); err != nil {
			metrics.SessionErrors.WithLabelValues(network.StagePublish.String()).Inc()
			log.Ctx(c.ctx).Warn("failed to publish update to bus", zap.Error(err))
		}
	})
	if err != nil {
		return network.WrapStage(network.StageApply, err)
	}
	s.docs.PersistSnapshot(doc, uid)
	return nil
}

// fail 记录阶段错误并以内部错误关闭连接。
func (c *connection) fail(stage network.Stage, err error) {
	metrics.SessionErrors.WithLabelValues(stage.String()).Inc()
	log.Ctx(c.ctx).Warn("session failed", log.FieldStage(stage.String()), zap.Error(err))
	c.finish(websocket.CloseInternalServerErr, handshake.CloseReason(err))
}

// finish 关闭连接并离开房间；最后一个离开的会话负责立即持久化并驱逐文档缓存。可重复调用。
func (c *connection) finish(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Close()
		s := c.service
		doc := c.desc.DocumentID
		logger := log.Ctx(c.ctx)

		c.sess.Close(code, reason)
		s.conns.Remove(c.desc.SessionID)
		if !c.joined {
			return
		}
		if !s.registry.Leave(doc, c.desc.SessionID) {
			logger.Info("session closed", zap.Int("code", code))
			return
		}

		// 连接上下文可能已经取消，持久化使用独立的超时。
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FinalizeTimeout)
		defer cancel()
		ctx = log.WithFields(ctx, log.FieldDocument(doc))
		if err := s.docs.PersistSnapshotImmediately(ctx, doc, c.desc.UserID); err != nil {
			metrics.SessionErrors.WithLabelValues(network.StagePersist.String()).Inc()
		}
		evicted := false
		if s.registry.Count(doc) == 0 {
			evicted = s.docs.EvictWorkspace(doc)
		}
		logger.Info("session closed, room empty", zap.Int("code", code), zap.Bool("evicted", evicted))
	})
}
