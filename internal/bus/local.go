package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lk2023060901/collab-sync-go/pkg/log"
	"github.com/lk2023060901/collab-sync-go/pkg/metrics"
	"github.com/lk2023060901/collab-sync-go/pkg/util/merr"
)

const defaultLocalQueueSize = 1024

// LocalHub 为进程内的消息中枢。多个 LocalBus 共享同一个 LocalHub
// 即可在单进程内模拟多个服务实例。
type LocalHub struct {
	mu        sync.RWMutex
	nextID    int64
	subs      map[int64]*localSubscription
	queueSize int
	codec     envelopeCodec
}

func NewLocalHub() *LocalHub {
	return &LocalHub{
		subs:      make(map[int64]*localSubscription),
		queueSize: defaultLocalQueueSize,
		codec:     newEnvelopeCodec(),
	}
}

// publish 把编码后的消息放入每个订阅者的队列，队列已满时丢弃。
func (h *LocalHub) publish(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.ch <- data:
		default:
			metrics.BusMessages.WithLabelValues(BackendLocal, metrics.ReceiveDirectionLabel, metrics.FailLabel).Inc()
			log.RatedWarn(1, "local bus subscriber queue full, message dropped", zap.Int64("subscription", sub.id))
		}
	}
}

func (h *LocalHub) subscribe(handler Handler) *localSubscription {
	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.nextID++
	sub := &localSubscription{
		id:      h.nextID,
		hub:     h,
		ch:      make(chan []byte, h.queueSize),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	go sub.loop()
	return sub
}

func (h *LocalHub) remove(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

type localSubscription struct {
	id      int64
	hub     *LocalHub
	ch      chan []byte
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

func (s *localSubscription) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.ch:
			msg, err := s.hub.codec.decode(data)
			if err != nil {
				metrics.BusMessages.WithLabelValues(BackendLocal, metrics.ReceiveDirectionLabel, metrics.FailLabel).Inc()
				log.RatedWarn(1, "drop malformed bus message", zap.Error(err))
				continue
			}
			metrics.BusMessages.WithLabelValues(BackendLocal, metrics.ReceiveDirectionLabel, metrics.SuccessLabel).Inc()
			s.handler(s.ctx, msg)
		}
	}
}

func (s *localSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.hub.remove(s.id)
		s.cancel()
		<-s.done
	})
	return nil
}

// LocalBus 为挂在 LocalHub 上的一个实例视角。
type LocalBus struct {
	hub    *LocalHub
	mu     sync.Mutex
	subs   []*localSubscription
	closed bool
}

var _ Bus = (*LocalBus)(nil)

func NewLocalBus(hub *LocalHub) *LocalBus {
	return &LocalBus{hub: hub}
}

func (b *LocalBus) Publish(_ context.Context, msg Message) error {
	if err := validate(msg); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return merr.ErrBusClosed
	}
	data, err := b.hub.codec.encode(msg)
	if err != nil {
		metrics.BusMessages.WithLabelValues(BackendLocal, metrics.PublishDirectionLabel, metrics.FailLabel).Inc()
		return merr.WrapErrBusPublish(msg.DocumentID, err)
	}
	b.hub.publish(data)
	metrics.BusMessages.WithLabelValues(BackendLocal, metrics.PublishDirectionLabel, metrics.SuccessLabel).Inc()
	return nil
}

func (b *LocalBus) Subscribe(handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, merr.ErrBusClosed
	}
	sub := b.hub.subscribe(handler)
	b.subs = append(b.subs, sub)
	return sub, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}
