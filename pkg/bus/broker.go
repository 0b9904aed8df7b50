package bus

import (
	"context"
	"sync"
	"time"
)

// subscriber is one channel-scoped listener registered with the Broker.
type subscriber struct {
	channel string
	ch      chan Message
	broker  *Broker
}

func (s *subscriber) Messages() <-chan Message { return s.ch }

func (s *subscriber) Unsubscribe() {
	s.broker.unsubscribe(s)
}

// Broker is an in-process, single-node Bus: publishing is a non-blocking
// fan-out to every subscriber on the same channel, with no queueing - a
// subscriber with a full buffer simply misses the message, matching the
// broadcast semantics of the adapted event broker this is built from.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[*subscriber]bool
	eventCh     chan Message
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker starts the broker's delivery loop and returns it ready to use.
func NewBroker() *Broker {
	b := &Broker{
		subscribers: make(map[string]map[*subscriber]bool),
		eventCh:     make(chan Message, 256),
		stopCh:      make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	msg := Message{Channel: channel, Payload: payload, Timestamp: time.Now()}
	select {
	case b.eventCh <- msg:
		return nil
	case <-b.stopCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{channel: channel, ch: make(chan Message, 64), broker: b}
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[*subscriber]bool)
	}
	b.subscribers[channel][sub] = true
	return sub, nil
}

func (b *Broker) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subscribers[sub.channel]
	if !ok {
		return
	}
	if _, ok := set[sub]; ok {
		delete(set, sub)
		close(sub.ch)
	}
}

func (b *Broker) run() {
	for {
		select {
		case msg := <-b.eventCh:
			b.broadcast(msg)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers[msg.Channel] {
		select {
		case sub.ch <- msg:
		default:
			// subscriber buffer full, message dropped rather than blocking the broker
		}
	}
}

// Close stops the delivery loop. Subscribers are left to drain whatever
// is already buffered in their channel; no further messages arrive.
func (b *Broker) Close() error {
	b.stopOnce.Do(func() { close(b.stopCh) })
	return nil
}
