// Package bus implements the pub/sub bus (C11): broadcast-only delivery
// (no queueing, no replay) on named channels such as worker:heartbeat,
// worker:scaling, worker:progress, worker:config_changed, cancel, and
// execution:results. Two implementations share one interface: an
// in-process Broker for single-node deployments and tests, and a
// Redis-backed bus for multi-node pool coordination.
package bus

import (
	"context"
	"time"
)

// Message is one published event.
type Message struct {
	Channel   string
	Payload   []byte
	Timestamp time.Time
}

// Subscription is a live subscription to a channel; Messages delivers
// published events, and Unsubscribe must be called to release it.
type Subscription interface {
	Messages() <-chan Message
	Unsubscribe()
}

// Bus is the channel-scoped broadcast interface both backends satisfy.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Well-known channel names used across the pool manager and worker processes.
const (
	ChannelWorkerHeartbeat    = "worker:heartbeat"
	ChannelWorkerScaling      = "worker:scaling"
	ChannelWorkerProgress     = "worker:progress"
	ChannelWorkerConfigChange = "worker:config_changed"
	ChannelCancel             = "cancel"
	ChannelExecutionResults   = "execution:results"
)

// WorkerCommandChannel is the command channel name of one pool manager
// instance: the pool subscribes with its own pool ID and receives
// recycle_process, recycle_all, and resize commands on it.
func WorkerCommandChannel(workerID string) string {
	return "pool:" + workerID + ":commands"
}
