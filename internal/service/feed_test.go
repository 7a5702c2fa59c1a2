package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/speedyspoon/internal/datamodels/order"
)

func publishN(f *Feed, orderID int64, n int) {
	for i := 0; i < n; i++ {
		f.Publish(context.Background(), Event{
			OrderID: orderID,
			Version: int64(i + 1),
			Status:  order.StatusPlaced,
		})
	}
}

func TestFeedSubscribe(t *testing.T) {
	f, err := NewFeed(nil)
	require.NoError(t, err)

	ch, cancel := f.Subscribe(1)
	defer cancel()
	other, cancelOther := f.Subscribe(2)
	defer cancelOther()

	publishN(f, 1, 3)

	for want := int64(1); want <= 3; want++ {
		select {
		case ev := <-ch:
			assert.Equal(t, int64(1), ev.OrderID)
			assert.Equal(t, want, ev.Version)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	// 别的订单的订阅收不到
	select {
	case ev := <-other:
		t.Fatalf("unexpected event for order %d", ev.OrderID)
	default:
	}
}

func TestFeedSubscribeAll(t *testing.T) {
	f, err := NewFeed(nil)
	require.NoError(t, err)

	ch, cancel := f.SubscribeAll()
	defer cancel()

	publishN(f, 1, 1)
	publishN(f, 2, 1)

	seen := map[int64]bool{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-ch:
			seen[ev.OrderID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}

func TestFeedCancelStopsDelivery(t *testing.T) {
	f, err := NewFeed(nil)
	require.NoError(t, err)

	ch, cancel := f.Subscribe(1)
	cancel()

	publishN(f, 1, 1)
	select {
	case <-ch:
		t.Fatal("cancelled subscription still receives events")
	default:
	}
}

func TestFeedSlowSubscriberDropsNotBlocks(t *testing.T) {
	f, err := NewFeed(nil)
	require.NoError(t, err)

	ch, cancel := f.Subscribe(1)
	defer cancel()

	// 超出缓冲的事件被丢弃，Publish 从不阻塞
	done := make(chan struct{})
	go func() {
		publishN(f, 1, 100)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}
	assert.Len(t, ch, cap(ch))
}
