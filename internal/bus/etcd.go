package bus

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	v3rpc "go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/metrics"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

const (
	DefaultEtcdPrefix = "collab/bus"
	// DefaultMessageTTL 为消息键在 etcd 中的存活时间，单位秒。
	DefaultMessageTTL int64 = 10
)

type EtcdConfig struct {
	Prefix     string `mapstructure:"prefix"`
	MessageTTL int64  `mapstructure:"messageTTL"`
}

// EtcdBus 把每条消息写成带租约的临时键，订阅者 watch 前缀获取新消息。
//
// 同一租约在其 TTL 的一半内被多条消息复用，消息键随租约过期被 etcd 回收。
type EtcdBus struct {
	cli    *clientv3.Client
	prefix string
	ttl    int64
	writer string
	seq    atomic.Int64
	codec  envelopeCodec

	leaseMu      sync.Mutex
	lease        clientv3.LeaseID
	leaseExpires time.Time

	mu     sync.Mutex
	subs   map[*etcdSubscription]struct{}
	closed bool
}

var _ Bus = (*EtcdBus)(nil)

func NewEtcdBus(cli *clientv3.Client, cfg EtcdConfig) (*EtcdBus, error) {
	if cli == nil {
		return nil, merr.WrapErrParameterMissing("etcd client", "bus backend etcd")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultEtcdPrefix
	}
	ttl := cfg.MessageTTL
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}
	return &EtcdBus{
		cli:    cli,
		prefix: prefix,
		ttl:    ttl,
		writer: uuid.NewString(),
		codec:  newEnvelopeCodec(),
		subs:   make(map[*etcdSubscription]struct{}),
	}, nil
}

// currentLease 返回仍处于有效期前半段的租约，否则重新申请。
func (b *EtcdBus) currentLease(ctx context.Context) (clientv3.LeaseID, error) {
	b.leaseMu.Lock()
	defer b.leaseMu.Unlock()
	if b.lease != clientv3.NoLease && time.Now().Before(b.leaseExpires) {
		return b.lease, nil
	}
	resp, err := b.cli.Grant(ctx, b.ttl)
	if err != nil {
		return clientv3.NoLease, errors.Wrap(err, "failed to grant bus lease")
	}
	b.lease = resp.ID
	b.leaseExpires = time.Now().Add(time.Duration(b.ttl) * time.Second / 2)
	return b.lease, nil
}

func (b *EtcdBus) Publish(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	if b.isClosed() {
		return merr.ErrBusClosed
	}
	err := b.publish(ctx, msg)
	if err != nil {
		metrics.BusMessages.WithLabelValues(BackendEtcd, metrics.PublishDirectionLabel, metrics.FailLabel).Inc()
		return merr.WrapErrBusPublish(msg.DocumentID, err)
	}
	metrics.BusMessages.WithLabelValues(BackendEtcd, metrics.PublishDirectionLabel, metrics.SuccessLabel).Inc()
	return nil
}

func (b *EtcdBus) publish(ctx context.Context, msg Message) error {
	data, err := b.codec.encode(msg)
	if err != nil {
		return err
	}
	lease, err := b.currentLease(ctx)
	if err != nil {
		return err
	}
	key := path.Join(b.prefix, b.writer, fmt.Sprintf("%020d", b.seq.Inc()))
	_, err = b.cli.Put(ctx, key, string(data), clientv3.WithLease(lease))
	if errors.Is(err, v3rpc.ErrLeaseNotFound) {
		b.leaseMu.Lock()
		b.lease = clientv3.NoLease
		b.leaseMu.Unlock()
	}
	return err
}

// Subscribe 从当前 revision 之后开始接收消息，订阅前写入的消息不会被投递。
func (b *EtcdBus) Subscribe(handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, merr.ErrBusClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := b.cli.Get(ctx, b.prefix+"/", clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "failed to read bus revision")
	}
	sub := &etcdSubscription{
		bus:     b,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		nextRev: resp.Header.Revision + 1,
		done:    make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	go sub.loop()
	return sub, nil
}

// Close 停止所有订阅并撤销当前租约。
func (b *EtcdBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*etcdSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}

	b.leaseMu.Lock()
	lease := b.lease
	b.lease = clientv3.NoLease
	b.leaseMu.Unlock()
	if lease != clientv3.NoLease {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := b.cli.Revoke(ctx, lease); err != nil && !errors.Is(err, v3rpc.ErrLeaseNotFound) {
			log.Warn("failed to revoke bus lease", zap.Int64("leaseID", int64(lease)), zap.Error(err))
		}
	}
	return nil
}

func (b *EtcdBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *EtcdBus) remove(sub *etcdSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

type etcdSubscription struct {
	bus     *EtcdBus
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	nextRev int64
	done    chan struct{}
	once    sync.Once
}

// loop 维持 watch，通道关闭或出错时按指数退避从上次处理的 revision 之后重建。
// 遇到 ErrCompacted 时跳到压缩点继续，被压缩掉的消息视为丢失。
func (s *etcdSubscription) loop() {
	defer close(s.done)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for {
		if s.ctx.Err() != nil {
			return
		}
		if lastErr != nil {
			next := bo.NextBackOff()
			log.Warn("bus watch interrupted, wait for retry...",
				zap.String("prefix", s.bus.prefix),
				zap.Int64("revision", s.nextRev),
				zap.Duration("nextBackoffInterval", next),
				zap.Error(lastErr))
			select {
			case <-time.After(next):
			case <-s.ctx.Done():
				return
			}
		}

		watchCh := s.bus.cli.Watch(clientv3.WithRequireLeader(s.ctx), s.bus.prefix+"/",
			clientv3.WithPrefix(), clientv3.WithRev(s.nextRev), clientv3.WithFilterDelete())
		progressed, err := s.consume(watchCh)
		if progressed {
			bo.Reset()
		}
		if err == nil {
			err = errors.New("watch channel closed")
		}
		lastErr = err
	}
}

// consume 处理 watch 事件直到通道关闭，返回期间是否收到过事件以及导致中断的错误。
func (s *etcdSubscription) consume(watchCh clientv3.WatchChan) (progressed bool, err error) {
	for resp := range watchCh {
		if resp.CompactRevision > 0 && errors.Is(resp.Err(), v3rpc.ErrCompacted) {
			log.Warn("bus watch compacted, skipping lost messages",
				zap.Int64("from", s.nextRev), zap.Int64("compactRevision", resp.CompactRevision))
			s.nextRev = resp.CompactRevision
			return progressed, resp.Err()
		}
		if err := resp.Err(); err != nil {
			return progressed, err
		}
		progressed = progressed || len(resp.Events) > 0
		for _, ev := range resp.Events {
			if ev.Type != clientv3.EventTypePut {
				continue
			}
			s.nextRev = ev.Kv.ModRevision + 1
			msg, err := s.bus.codec.decode(ev.Kv.Value)
			if err != nil {
				metrics.BusMessages.WithLabelValues(BackendEtcd, metrics.ReceiveDirectionLabel, metrics.FailLabel).Inc()
				log.RatedWarn(1, "drop malformed bus message", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
				continue
			}
			metrics.BusMessages.WithLabelValues(BackendEtcd, metrics.ReceiveDirectionLabel, metrics.SuccessLabel).Inc()
			s.handler(s.ctx, msg)
		}
	}
	return progressed, nil
}

func (s *etcdSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.remove(s)
		s.cancel()
		<-s.done
	})
	return nil
}
