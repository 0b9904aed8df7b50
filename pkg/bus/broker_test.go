package bus

import (
	"context"
	"testing"
	"time"
)

func TestBrokerDeliversToSubscribersOnChannel(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, ChannelWorkerHeartbeat)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, ChannelWorkerHeartbeat, []byte("ping")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if string(msg.Payload) != "ping" {
			t.Fatalf("expected payload ping, got %s", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestBrokerDoesNotCrossDeliverBetweenChannels(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, ChannelWorkerProgress)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, ChannelWorkerHeartbeat, []byte("ping")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message delivered across channels: %+v", msg)
	case <-time.After(100 * time.Millisecond):
		// expected: no delivery
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, ChannelCancel)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Unsubscribe()

	_, open := <-sub.Messages()
	if open {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
