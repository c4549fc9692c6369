package session

import (
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/metrics"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
	"github.com/lk2023060901/collab-sync-go/pkg/util/typeutil"
)

// room 为一个文档在本进程内的在线会话集合，只在分片锁内修改。
type room struct {
	members map[string]Session
}

// Registry 按文档维护在线会话。
//
// 房间在第一个会话加入时创建，最后一个会话离开时销毁；
// 同一文档上的 Join/Leave 在分片锁内原子完成，不同文档互不阻塞。
type Registry struct {
	rooms  *typeutil.ShardedMap[*room]
	logger *log.MLogger
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: typeutil.NewShardedMap[*room](typeutil.DefaultShardCount),
		// 投递失败单独限频，慢连接刷屏时不挤占其他告警的额度。
		logger: log.With(log.FieldComponent("registry")).WithRateGroup("registry.broadcast", 1, 60),
	}
}

// Join 把会话加入文档房间，同一房间内重复的会话 ID 返回错误。
func (r *Registry) Join(documentID string, sess Session) error {
	var (
		err     error
		created bool
	)
	r.rooms.Compute(documentID, func(old *room, loaded bool) (*room, bool) {
		if !loaded {
			old = &room{members: make(map[string]Session)}
			created = true
		}
		if _, ok := old.members[sess.ID()]; ok {
			err = merr.WrapErrSessionDuplicated(documentID, sess.ID())
			return old, loaded
		}
		old.members[sess.ID()] = sess
		return old, true
	})
	if err != nil {
		return err
	}
	if created {
		metrics.ActiveRooms.Inc()
	}
	metrics.ActiveSessions.Inc()
	return nil
}

// Leave 把会话移出房间，返回房间是否因此变为空（并已销毁）。
// 会话不在房间内时返回 false。
func (r *Registry) Leave(documentID, sessionID string) bool {
	var removed, nowEmpty bool
	r.rooms.Compute(documentID, func(old *room, loaded bool) (*room, bool) {
		if !loaded {
			return nil, false
		}
		if _, ok := old.members[sessionID]; ok {
			delete(old.members, sessionID)
			removed = true
		}
		if len(old.members) == 0 {
			nowEmpty = removed
			return nil, false
		}
		return old, true
	})
	if removed {
		metrics.ActiveSessions.Dec()
	}
	if nowEmpty {
		metrics.ActiveRooms.Dec()
	}
	return nowEmpty
}

// members 返回房间成员的快照。
func (r *Registry) members(documentID string) []Session {
	var result []Session
	r.rooms.View(documentID, func(old *room, loaded bool) {
		if !loaded {
			return
		}
		result = make([]Session, 0, len(old.members))
		for _, sess := range old.members {
			result = append(result, sess)
		}
	})
	return result
}

// Broadcast 把帧发送给房间内除 originID 外的所有会话，返回成功投递数。
//
// 单个会话投递失败只记录与计数，不影响其他会话，也不改变房间成员。
func (r *Registry) Broadcast(documentID, originID string, frame Frame) int {
	delivered := 0
	for _, sess := range r.members(documentID) {
		if sess.ID() == originID {
			continue
		}
		if err := sess.Send(frame); err != nil {
			metrics.BroadcastFailures.Inc()
			r.logger.RatedWarn(1, "broadcast delivery failed",
				log.FieldDocument(documentID),
				log.FieldSession(sess.ID()),
				zap.Error(merr.WrapErrBroadcastFault(documentID, sess.ID(), err)))
			continue
		}
		delivered++
	}
	return delivered
}

// Count 返回文档房间内的会话数。
func (r *Registry) Count(documentID string) int {
	n := 0
	r.rooms.View(documentID, func(old *room, loaded bool) {
		if loaded {
			n = len(old.members)
		}
	})
	return n
}

// Contains 返回会话是否在文档房间内。
func (r *Registry) Contains(documentID, sessionID string) bool {
	found := false
	r.rooms.View(documentID, func(old *room, loaded bool) {
		if loaded {
			_, found = old.members[sessionID]
		}
	})
	return found
}

// RoomCount 返回当前房间数。
func (r *Registry) RoomCount() int {
	return r.rooms.Len()
}

// Documents 返回当前所有有会话的文档。
func (r *Registry) Documents() []string {
	return r.rooms.Keys()
}
