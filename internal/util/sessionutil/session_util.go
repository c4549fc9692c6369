// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sessionutil 把 collabd 节点注册到 etcd，供运维与其他节点发现存活实例。
package sessionutil

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	v3rpc "go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/internal/json"
	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
	"github.com/lk2023060901/collab-sync-go/pkg/util/retry"
)

const (
	// DefaultServiceRoot 为节点注册的默认前缀。
	DefaultServiceRoot = "collab/nodes"

	defaultSessionTTL        = 10
	defaultSessionRetryTimes = 30
)

// NodeInfo 为节点注册信息，JSON 序列化后以租约写入 etcd。
type NodeInfo struct {
	NodeID    string    `json:"nodeId"`
	Address   string    `json:"address"`
	HostName  string    `json:"hostName,omitempty"`
	Version   string    `json:"version"`
	Stopping  bool      `json:"stopping,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

// SemVer 解析 Version，格式错误时返回零值版本。
func (n *NodeInfo) SemVer() semver.Version {
	v, err := semver.ParseTolerant(n.Version)
	if err != nil {
		return semver.Version{}
	}
	return v
}

// Session 表示本节点在 etcd 中的注册，租约到期或 Stop 后注册自动消失。
type Session struct {
	log.Binder

	ctx    context.Context
	cancel context.CancelFunc

	NodeInfo

	etcdCli *clientv3.Client
	root    string

	mu      sync.Mutex
	leaseID clientv3.LeaseID

	registered atomic.Bool
	wg         sync.WaitGroup

	sessionTTL        int64
	sessionRetryTimes uint
}

type SessionOption func(session *Session)

func WithTTL(ttl int64) SessionOption {
	return func(session *Session) { session.sessionTTL = ttl }
}

func WithRetryTimes(n uint) SessionOption {
	return func(session *Session) { session.sessionRetryTimes = n }
}

// WithRoot 指定注册前缀，为空时使用 DefaultServiceRoot。
func WithRoot(root string) SessionOption {
	return func(session *Session) {
		if root != "" {
			session.root = root
		}
	}
}

// NewSession 创建节点注册，调用 Register 后才会写入 etcd。
func NewSession(ctx context.Context, client *clientv3.Client, nodeID, address string, version semver.Version, opts ...SessionOption) *Session {
	hostName, err := os.Hostname()
	if err != nil {
		log.Ctx(ctx).Warn("get host name fail", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		ctx:    ctx,
		cancel: cancel,
		NodeInfo: NodeInfo{
			NodeID:   nodeID,
			Address:  address,
			HostName: hostName,
			Version:  version.String(),
		},
		etcdCli:           client,
		root:              DefaultServiceRoot,
		sessionTTL:        defaultSessionTTL,
		sessionRetryTimes: defaultSessionRetryTimes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.BindComponent("node-registration", zap.String("nodeID", nodeID), zap.String("address", address))
	return s
}

func (s *Session) String() string {
	return fmt.Sprintf("Session:<NodeID: %s, Address: %s, Version: %s>", s.NodeID, s.Address, s.Version)
}

func (s *Session) key() string {
	return path.Join(s.root, s.NodeID)
}

func (s *Session) marshal() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.NodeInfo)
}

func (s *Session) lease() clientv3.LeaseID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaseID
}

// Register 在 etcd 中注册节点并启动 keepalive 循环。
// 同一 NodeID 已被其他存活节点占用时返回错误。
func (s *Session) Register() error {
	if s.etcdCli == nil {
		return merr.WrapErrParameterMissing("etcd client", "node registration")
	}
	s.StartedAt = time.Now().UTC()
	if err := s.registerService(); err != nil {
		s.Logger().Error("register failed", zap.Error(err))
		return err
	}
	s.registered.Store(true)
	s.wg.Add(1)
	go s.processKeepAliveResponse()
	return nil
}

// registerService 以租约写入节点信息，只在 key 不存在时写入。
func (s *Session) registerService() error {
	completeKey := s.key()
	s.Logger().Info("node begin to register to etcd", zap.String("key", completeKey))

	registerFn := func() error {
		resp, err := s.etcdCli.Grant(s.ctx, s.sessionTTL)
		if err != nil {
			s.Logger().Warn("register node: failed to grant lease from etcd", zap.Error(err))
			return err
		}

		value, err := s.marshal()
		if err != nil {
			return retry.Unrecoverable(err)
		}

		txnResp, err := s.etcdCli.Txn(s.ctx).If(
			clientv3.Compare(clientv3.Version(completeKey), "=", 0)).
			Then(clientv3.OpPut(completeKey, string(value), clientv3.WithLease(resp.ID))).Commit()
		if err != nil {
			s.Logger().Warn("register on etcd error, check the availability of etcd", zap.Error(err))
			return err
		}
		if !txnResp.Succeeded {
			s.etcdCli.Revoke(s.ctx, resp.ID)
			return retry.Unrecoverable(merr.WrapErrServiceInternal("node id already registered", completeKey))
		}

		s.mu.Lock()
		s.leaseID = resp.ID
		s.mu.Unlock()
		s.Logger().Info("node registered successfully", zap.String("key", completeKey), zap.Int64("leaseID", int64(resp.ID)))
		return nil
	}
	return retry.Do(s.ctx, registerFn, retry.Attempts(s.sessionRetryTimes))
}

// processKeepAliveResponse 维持租约。KeepAlive 通道关闭后重新建立；
// 租约已经过期时重新注册。退出时撤销租约。
func (s *Session) processKeepAliveResponse() {
	defer func() {
		// 此时 s.ctx 已经结束，使用独立的超时撤销租约。
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := s.etcdCli.Revoke(ctx, s.lease()); err != nil {
			s.Logger().Warn("failed to revoke lease", zap.Error(err), zap.Int64("leaseID", int64(s.lease())))
		} else {
			s.Logger().Info("lease revoked successfully", zap.Int64("leaseID", int64(s.lease())))
		}
		s.registered.Store(false)
		s.wg.Done()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var ch <-chan *clientv3.LeaseKeepAliveResponse
	var lastErr error

	for {
		if s.ctx.Err() != nil {
			return
		}
		if lastErr != nil {
			next := bo.NextBackOff()
			s.Logger().Warn("failed to keep alive, wait for retry...", zap.Error(lastErr), zap.Duration("nextBackoffInterval", next))
			select {
			case <-time.After(next):
			case <-s.ctx.Done():
				return
			}
		}

		if ch == nil {
			if err := s.checkKeepaliveTTL(); err != nil {
				lastErr = err
				continue
			}
			newCh, err := s.etcdCli.KeepAlive(s.ctx, s.lease())
			if err != nil {
				lastErr = errors.Wrap(err, "failed to keep alive")
				continue
			}
			ch = newCh
		}

		// 阻塞直到 KeepAlive 通道关闭。
		for range ch {
		}
		ch = nil
		lastErr = nil
		bo.Reset()
	}
}

// checkKeepaliveTTL 确认租约仍然有效，租约丢失时重新注册。
func (s *Session) checkKeepaliveTTL() error {
	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.sessionTTL)*time.Second)
	defer cancel()

	ttlResp, err := s.etcdCli.TimeToLive(ctx, s.lease())
	switch {
	case err != nil && !errors.Is(err, v3rpc.ErrLeaseNotFound):
		return errors.Wrap(err, "failed to check TTL")
	case err != nil || ttlResp.TTL <= 0:
		s.Logger().Warn("lease expired without closing, register again")
		return s.registerService()
	default:
		return nil
	}
}

// GoingStop 把本节点标记为即将停止，其他节点与运维据此停止向本节点调度新连接。
func (s *Session) GoingStop() error {
	if !s.registered.Load() {
		return merr.WrapErrServiceNotReady("node registration", "session is not registered")
	}
	s.mu.Lock()
	s.Stopping = true
	s.mu.Unlock()
	value, err := s.marshal()
	if err != nil {
		return err
	}
	if _, err := s.etcdCli.Put(s.ctx, s.key(), string(value), clientv3.WithLease(s.lease())); err != nil {
		s.Logger().Warn("fail to update the session to stopping state", zap.Error(err))
		return err
	}
	return nil
}

// Registered 返回节点当前是否处于注册状态。
func (s *Session) Registered() bool {
	return s.registered.Load()
}

// Stop 停止 keepalive 并撤销租约。可重复调用。
func (s *Session) Stop() {
	s.Logger().Info("node session stopping")
	s.cancel()
	s.wg.Wait()
}

// GetSessions 返回 root 下所有已注册的节点，key 为 NodeID。
// 返回的 revision 可用于后续 watch。
func GetSessions(ctx context.Context, kv clientv3.KV, root string) (map[string]*NodeInfo, int64, error) {
	return GetSessionsWithVersionRange(ctx, kv, root, nil)
}

// GetSessionsWithVersionRange 与 GetSessions 相同，但只返回版本在 r 内的节点；r 为 nil 时不过滤。
func GetSessionsWithVersionRange(ctx context.Context, kv clientv3.KV, root string, r semver.Range) (map[string]*NodeInfo, int64, error) {
	if root == "" {
		root = DefaultServiceRoot
	}
	resp, err := kv.Get(ctx, root+"/", clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, 0, merr.WrapErrIoFailed(root, err)
	}
	res := make(map[string]*NodeInfo, len(resp.Kvs))
	for _, item := range resp.Kvs {
		info := &NodeInfo{}
		if err := json.Unmarshal(item.Value, info); err != nil {
			log.Ctx(ctx).Warn("skip malformed node session", zap.ByteString("key", item.Key), zap.Error(err))
			continue
		}
		if r != nil && !r(info.SemVer()) {
			continue
		}
		res[info.NodeID] = info
	}
	return res, resp.Header.Revision, nil
}
