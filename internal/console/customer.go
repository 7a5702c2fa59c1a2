package console

import (
	"context"
	"sync"

	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/gateway"
	"github.com/example/speedyspoon/internal/service"
)

// CustomerConsole 顾客端：对每个自己下的订单做逐单订阅，
// 订单进入终态后自动退出 active 跟踪并取消订阅。
// 所有命令都走服务层，绝不直接读写 store。
type CustomerConsole struct {
	actor    service.Actor
	proj     *Projection
	orders   *service.OrderService
	fulfill  *service.FulfillmentService
	payments *service.PaymentService
	feed     *service.Feed

	mu    sync.Mutex
	stops map[int64]func()
}

// NewCustomerConsole 创建顾客控制台
func NewCustomerConsole(actor service.Actor, orders *service.OrderService, fulfill *service.FulfillmentService, payments *service.PaymentService, feed *service.Feed) *CustomerConsole {
	return &CustomerConsole{
		actor:    actor,
		proj:     NewProjection(),
		orders:   orders,
		fulfill:  fulfill,
		payments: payments,
		feed:     feed,
		stops:    make(map[int64]func()),
	}
}

// Checkout 下单并开始跟踪
func (c *CustomerConsole) Checkout(ctx context.Context, restaurantID int64, lines []service.CartLine, address, instructions string, method order.PaymentMethod) (*order.Order, error) {
	o, err := c.orders.PlaceOrder(ctx, c.actor, restaurantID, lines, address, instructions, method)
	if err != nil {
		return nil, err
	}
	c.proj.Seed(o)
	c.Track(o.ID)
	return o, nil
}

// Pay 发起在线支付，返回用户侧支付交互入口
func (c *CustomerConsole) Pay(ctx context.Context, orderID int64, email string) (*gateway.InitResult, error) {
	return c.payments.Initiate(ctx, c.actor, orderID, email)
}

// ConfirmPayment 用户侧支付交互完成后的回调通道
func (c *CustomerConsole) ConfirmPayment(ctx context.Context, reference string) (*service.Outcome, error) {
	return c.payments.HandleCallback(ctx, reference)
}

// AbortPayment 用户关闭支付交互，订单保持待支付
func (c *CustomerConsole) AbortPayment(ctx context.Context, reference string) error {
	return c.payments.HandleCallbackAbort(ctx, reference)
}

// Cancel 取消订单
func (c *CustomerConsole) Cancel(ctx context.Context, orderID int64) (*order.Order, error) {
	return c.fulfill.Cancel(ctx, c.actor, orderID, "cancelled by customer")
}

// Track 订阅一个订单的变更。终态事件到达后自动退订。
func (c *CustomerConsole) Track(orderID int64) {
	c.mu.Lock()
	if _, ok := c.stops[orderID]; ok {
		c.mu.Unlock()
		return
	}
	ch, cancel := c.feed.Subscribe(orderID)
	done := make(chan struct{})
	c.stops[orderID] = func() {
		cancel()
		close(done)
	}
	c.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-ch:
				c.proj.Apply(ev)
				if ev.Status.Terminal() {
					c.Untrack(orderID)
					return
				}
			case <-done:
				return
			}
		}
	}()
}

// Untrack 停止跟踪一个订单
func (c *CustomerConsole) Untrack(orderID int64) {
	c.mu.Lock()
	stop, ok := c.stops[orderID]
	if ok {
		delete(c.stops, orderID)
	}
	c.mu.Unlock()
	if ok {
		stop()
	}
}

// Refresh 从 store 整体重建投影（本地与事件流脱节时使用）
func (c *CustomerConsole) Refresh(ctx context.Context) error {
	list, err := c.orders.ListMine(ctx, c.actor)
	if err != nil {
		return err
	}
	for _, o := range list {
		c.proj.Seed(o)
		if !o.Status.Terminal() {
			c.Track(o.ID)
		}
	}
	return nil
}

// Active 跟踪中的订单投影
func (c *CustomerConsole) Active() []OrderView {
	return c.proj.Active()
}

// History 已完成/已取消的订单投影
func (c *CustomerConsole) History() []OrderView {
	return c.proj.History()
}

// Close 释放全部订阅
func (c *CustomerConsole) Close() {
	c.mu.Lock()
	stops := make([]func(), 0, len(c.stops))
	for id, stop := range c.stops {
		stops = append(stops, stop)
		delete(c.stops, id)
	}
	c.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}
