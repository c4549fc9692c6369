package membership

import (
	"context"
	"sync"

	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

// Static 是基于内存表的 Resolver，数据来自配置文件或测试。
type Static struct {
	mu    sync.RWMutex
	roles map[string]map[string]Role
}

var _ Resolver = (*Static)(nil)

// NewStatic 从 workspaceId → userId → role 的表构造 Resolver，未知角色名会报错。
func NewStatic(table map[string]map[string]string) (*Static, error) {
	s := &Static{roles: make(map[string]map[string]Role, len(table))}
	for ws, users := range table {
		for user, name := range users {
			role, err := ParseRole(name)
			if err != nil {
				return nil, err
			}
			s.Set(ws, user, role)
		}
	}
	return s, nil
}

// Set 写入或覆盖一条成员关系。
func (s *Static) Set(workspaceID, userID string, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.roles[workspaceID]
	if !ok {
		users = make(map[string]Role)
		s.roles[workspaceID] = users
	}
	users[userID] = role
}

// Remove 删除一条成员关系。
func (s *Static) Remove(workspaceID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.roles[workspaceID], userID)
}

func (s *Static) Role(_ context.Context, workspaceID, userID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[workspaceID][userID]
	if !ok {
		return "", merr.WrapErrNotMember(workspaceID, userID)
	}
	return role, nil
}
