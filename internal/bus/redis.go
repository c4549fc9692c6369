package bus

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/metrics"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

const DefaultRedisChannel = "collab:updates"

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Channel     string        `mapstructure:"channel"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`
}

// RedisBus 基于 Redis Pub/Sub 的总线实现。
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	codec   envelopeCodec
	ownCli  bool

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus 连接 Redis 并在 ctx 内以指数退避等待其可用。
func NewRedisBus(ctx context.Context, cfg RedisConfig) (*RedisBus, error) {
	if cfg.Addr == "" {
		return nil, merr.WrapErrParameterMissing("bus.redis.addr")
	}
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	client := redis.NewClient(opts)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second
	err := backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		client.Close()
		return nil, merr.WrapErrServiceNotReady("redis", err.Error())
	}

	b := NewRedisBusWithClient(client, cfg.Channel)
	b.ownCli = true
	log.Info("redis bus connected", zap.String("addr", cfg.Addr), zap.String("channel", b.channel))
	return b, nil
}

// NewRedisBusWithClient 复用调用方的 Redis 客户端，Close 时不会关闭该客户端。
func NewRedisBusWithClient(client redis.UniversalClient, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		codec:   newEnvelopeCodec(),
		subs:    make(map[*redisSubscription]struct{}),
	}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	if b.isClosed() {
		return merr.ErrBusClosed
	}
	data, err := b.codec.encode(msg)
	if err == nil {
		err = b.client.Publish(ctx, b.channel, data).Err()
	}
	if err != nil {
		metrics.BusMessages.WithLabelValues(BackendRedis, metrics.PublishDirectionLabel, metrics.FailLabel).Inc()
		return merr.WrapErrBusPublish(msg.DocumentID, err)
	}
	metrics.BusMessages.WithLabelValues(BackendRedis, metrics.PublishDirectionLabel, metrics.SuccessLabel).Inc()
	return nil
}

// Subscribe 在返回前确认订阅已在 Redis 端生效。
func (b *RedisBus) Subscribe(handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, merr.ErrBusClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, errors.Wrap(err, "failed to subscribe redis channel")
	}

	sub := &redisSubscription{
		bus:     b,
		pubsub:  pubsub,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.subs[sub] = struct{}{}
	go sub.loop()
	return sub, nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Unsubscribe())
	}
	if b.ownCli {
		errs = append(errs, b.client.Close())
	}
	return merr.Combine(errs...)
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *RedisBus) remove(sub *redisSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

type redisSubscription struct {
	bus     *RedisBus
	pubsub  *redis.PubSub
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	err     error
}

// loop 消费订阅通道。go-redis 会在连接断开后自动重连并重新订阅，断线期间的消息丢失。
func (s *redisSubscription) loop() {
	defer close(s.done)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			msg, err := s.bus.codec.decode([]byte(m.Payload))
			if err != nil {
				metrics.BusMessages.WithLabelValues(BackendRedis, metrics.ReceiveDirectionLabel, metrics.FailLabel).Inc()
				log.RatedWarn(1, "drop malformed bus message", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			metrics.BusMessages.WithLabelValues(BackendRedis, metrics.ReceiveDirectionLabel, metrics.SuccessLabel).Inc()
			s.handler(s.ctx, msg)
		}
	}
}

func (s *redisSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.remove(s)
		s.cancel()
		s.err = s.pubsub.Close()
		<-s.done
	})
	return s.err
}
