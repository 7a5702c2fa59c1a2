package console

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/datamodels/user"
	"github.com/example/speedyspoon/internal/service"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCustomerConsoleTracking(t *testing.T) {
	feed, err := service.NewFeed(nil)
	require.NoError(t, err)
	me := service.Actor{UserID: 1, Role: user.RoleCustomer}
	c := NewCustomerConsole(me, nil, nil, nil, feed)
	defer c.Close()

	c.proj.Seed(&order.Order{ID: 1, CustomerID: 1, RestaurantID: 3, Status: order.StatusPlaced, Version: 1})
	c.Track(1)

	ctx := context.Background()
	feed.Publish(ctx, ev(1, 2, order.StatusConfirmed))
	waitFor(t, func() bool {
		v, ok := c.proj.Get(1)
		return ok && v.Status == order.StatusConfirmed
	})
	assert.Len(t, c.Active(), 1)

	// 终态事件到达后自动退役并退订
	feed.Publish(ctx, ev(1, 3, order.StatusDelivered))
	waitFor(t, func() bool {
		return len(c.Active()) == 0 && len(c.History()) == 1
	})
	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.stops) == 0
	})
}

func TestCustomerConsoleTrackIdempotent(t *testing.T) {
	feed, err := service.NewFeed(nil)
	require.NoError(t, err)
	me := service.Actor{UserID: 1, Role: user.RoleCustomer}
	c := NewCustomerConsole(me, nil, nil, nil, feed)
	defer c.Close()

	c.Track(1)
	c.Track(1)
	c.mu.Lock()
	n := len(c.stops)
	c.mu.Unlock()
	assert.Equal(t, 1, n)

	c.Untrack(1)
	c.Untrack(1)
	c.mu.Lock()
	n = len(c.stops)
	c.mu.Unlock()
	assert.Equal(t, 0, n)
}
