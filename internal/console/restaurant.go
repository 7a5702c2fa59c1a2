package console

import (
	"context"

	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/service"
)

// RestaurantConsole 餐厅端：宽订阅全部事件、按 restaurant_id 过滤。
// 终态订单保留在 history 里供对账。
type RestaurantConsole struct {
	actor   service.Actor
	proj    *Projection
	orders  *service.OrderService
	fulfill *service.FulfillmentService
	feed    *service.Feed
	stop    func()
}

// NewRestaurantConsole 创建餐厅控制台
func NewRestaurantConsole(actor service.Actor, orders *service.OrderService, fulfill *service.FulfillmentService, feed *service.Feed) *RestaurantConsole {
	return &RestaurantConsole{
		actor:   actor,
		proj:    NewProjection(),
		orders:  orders,
		fulfill: fulfill,
		feed:    feed,
	}
}

// Start 建立宽订阅并开始消费，ctx 取消时退出
func (r *RestaurantConsole) Start(ctx context.Context) {
	ch, cancel := r.feed.SubscribeAll()
	r.stop = cancel
	go func() {
		for {
			select {
			case ev := <-ch:
				if ev.RestaurantID == r.actor.UserID {
					r.proj.Apply(ev)
				}
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()
}

// Refresh 从 store 重建投影
func (r *RestaurantConsole) Refresh(ctx context.Context) error {
	list, err := r.orders.ListForRestaurant(ctx, r.actor)
	if err != nil {
		return err
	}
	for _, o := range list {
		r.proj.Seed(o)
	}
	return nil
}

// Accept 接单：placed -> confirmed（货到付款订单走这里，
// 在线支付订单由引擎在支付确认时自动推进）
func (r *RestaurantConsole) Accept(ctx context.Context, orderID int64) (*order.Order, error) {
	return r.fulfill.AdvanceStatus(ctx, r.actor, orderID, order.StatusConfirmed)
}

// StartPreparing confirmed -> preparing
func (r *RestaurantConsole) StartPreparing(ctx context.Context, orderID int64) (*order.Order, error) {
	return r.fulfill.AdvanceStatus(ctx, r.actor, orderID, order.StatusPreparing)
}

// MarkReady preparing -> ready
func (r *RestaurantConsole) MarkReady(ctx context.Context, orderID int64) (*order.Order, error) {
	return r.fulfill.AdvanceStatus(ctx, r.actor, orderID, order.StatusReady)
}

// Cancel 餐厅取消订单
func (r *RestaurantConsole) Cancel(ctx context.Context, orderID int64, note string) (*order.Order, error) {
	return r.fulfill.Cancel(ctx, r.actor, orderID, note)
}

// Incoming 进行中的订单投影
func (r *RestaurantConsole) Incoming() []OrderView {
	return r.proj.Active()
}

// History 终态订单投影
func (r *RestaurantConsole) History() []OrderView {
	return r.proj.History()
}
