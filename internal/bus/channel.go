package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/opensource-finance/fraudproof/internal/domain"
	"github.com/opensource-finance/fraudproof/internal/metrics"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// ChannelBus implements EventBus using Go channels.
// Used as the Community tier event bus. Delivery is at-most-once and a
// subscriber whose buffer is full loses the message.
type ChannelBus struct {
	mu         sync.RWMutex
	subs       map[string]map[string]*channelSubscription // topic -> id -> sub
	bufferSize int
	closed     bool
	dropped    atomic.Int64
	wg         sync.WaitGroup
}

type channelSubscription struct {
	id      string
	topic   string
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	done    chan struct{}
	once    sync.Once
	bus     *ChannelBus
}

// NewChannelBus creates a channel bus; each subscriber gets a buffer of
// bufferSize messages.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		subs:       make(map[string]map[string]*channelSubscription),
		bufferSize: bufferSize,
	}
}

// Publish delivers payload to every current subscriber of topic without
// blocking.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errors.New("topic is required")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for _, sub := range b.subs[topic] {
		msg := newMessage(ctx, topic, payload)
		select {
		case sub.msgCh <- msg:
			metrics.BusMessagesTotal.WithLabelValues(topic, "published").Inc()
		case <-sub.done:
		default:
			b.dropped.Add(1)
			metrics.BusMessagesTotal.WithLabelValues(topic, "dropped").Inc()
			slog.Warn("event bus subscriber buffer full, message dropped",
				"topic", topic,
				"subscription", sub.id,
			)
		}
	}
	return nil
}

// Subscribe registers handler for topic. Messages are handled sequentially
// on a dedicated goroutine until the subscription, ctx or the bus ends.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &channelSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		done:    make(chan struct{}),
		bus:     b,
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*channelSubscription)
	}
	b.subs[topic][sub.id] = sub

	b.wg.Add(1)
	go sub.run(ctx)

	return sub, nil
}

func (s *channelSubscription) run(ctx context.Context) {
	defer s.bus.wg.Done()
	for {
		select {
		case <-ctx.Done():
			_ = s.Unsubscribe()
			return
		case <-s.done:
			return
		case msg := <-s.msgCh:
			if err := deliver(ctx, s.handler, msg); err != nil {
				slog.Error("event handler failed",
					"topic", msg.Topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

// Ping reports whether the bus is still open.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops every subscription and waits for in-flight handlers.
// Buffered messages that were not yet handled are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.stop()
		}
	}
	b.subs = make(map[string]map[string]*channelSubscription)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// Dropped returns how many messages were lost to full subscriber buffers.
func (b *ChannelBus) Dropped() int64 {
	return b.dropped.Load()
}

func (s *channelSubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// Unsubscribe removes the subscription. It is safe to call more than once.
func (s *channelSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	if subs := s.bus.subs[s.topic]; subs != nil {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(s.bus.subs, s.topic)
		}
	}
	s.bus.mu.Unlock()

	s.stop()
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
