package bus

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus implements Bus over Redis PUBLISH/SUBSCRIBE, for deployments
// where more than one pool manager needs to see the same worker events.
type RedisBus struct {
	rdb *redis.Client
}

// NewRedisBus wraps an already-connected Redis client.
func NewRedisBus(rdb *redis.Client) *RedisBus {
	return &RedisBus{rdb: rdb}
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.rdb.Publish(ctx, channel, payload).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
	cancel context.CancelFunc
}

func (s *redisSubscription) Messages() <-chan Message { return s.ch }

func (s *redisSubscription) Unsubscribe() {
	s.cancel()
	_ = s.pubsub.Close()
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{pubsub: pubsub, ch: make(chan Message, 64), cancel: cancel}

	go func() {
		defer close(sub.ch)
		redisCh := pubsub.Channel()
		for {
			select {
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				select {
				case sub.ch <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload), Timestamp: time.Now()}:
				default:
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return sub, nil
}

// Close does not close the underlying Redis client. The pool manager owns
// the client's lifecycle elsewhere in single-process deployments; Close is
// a no-op guard against double-closing it from here.
func (b *RedisBus) Close() error {
	return nil
}

// RegisterPoolHeartbeat writes the pool's snapshot JSON into the
// "snapshot" field of a Redis hash with a TTL, the multi-node equivalent
// of a heartbeat publish: readers that missed the broadcast can still
// poll the hash.
func (b *RedisBus) RegisterPoolHeartbeat(ctx context.Context, poolID string, snapshotJSON []byte, ttl time.Duration) error {
	key := "pool:" + poolID + ":heartbeat"
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, "snapshot", snapshotJSON)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}
