package console

import (
	"context"

	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/service"
)

// DriverConsole 骑手端：宽订阅，关注可抢的 ready 订单和
// 自己名下的配送单。抢单失败（他人先到）时刷新可抢列表即可。
type DriverConsole struct {
	actor   service.Actor
	proj    *Projection
	orders  *service.OrderService
	fulfill *service.FulfillmentService
	feed    *service.Feed
	stop    func()
}

// NewDriverConsole 创建骑手控制台
func NewDriverConsole(actor service.Actor, orders *service.OrderService, fulfill *service.FulfillmentService, feed *service.Feed) *DriverConsole {
	return &DriverConsole{
		actor:   actor,
		proj:    NewProjection(),
		orders:  orders,
		fulfill: fulfill,
		feed:    feed,
	}
}

// Start 建立宽订阅并开始消费，ctx 取消时退出
func (d *DriverConsole) Start(ctx context.Context) {
	ch, cancel := d.feed.SubscribeAll()
	d.stop = cancel
	go func() {
		for {
			select {
			case ev := <-ch:
				if d.relevant(ev) {
					d.proj.Apply(ev)
				}
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()
}

// relevant 只合并：可抢的单（ready 且未分配）、自己名下的单。
func (d *DriverConsole) relevant(ev service.Event) bool {
	if ev.DriverID != nil {
		return *ev.DriverID == d.actor.UserID
	}
	if ev.Status == order.StatusReady {
		return true
	}
	// 已在投影里的订单继续跟踪（如 ready 单被取消）
	_, known := d.proj.Get(ev.OrderID)
	return known
}

// Refresh 从 store 重建投影：自己的单 + 可抢的 ready 单
func (d *DriverConsole) Refresh(ctx context.Context) error {
	mine, err := d.orders.ListForDriver(ctx, d.actor)
	if err != nil {
		return err
	}
	for _, o := range mine {
		d.proj.Seed(o)
	}
	avail, err := d.orders.ListAvailable(ctx, d.actor)
	if err != nil {
		return err
	}
	for _, o := range avail {
		d.proj.Seed(o)
	}
	return nil
}

// PickUp 抢单并取餐：ready -> picked_up，原子占有 driver_id。
// 输给并发对手时得到 order.ErrAlreadyAssigned，调用方应刷新列表。
func (d *DriverConsole) PickUp(ctx context.Context, orderID int64) (*order.Order, error) {
	return d.fulfill.AdvanceStatus(ctx, d.actor, orderID, order.StatusPickedUp)
}

// Deliver 送达：picked_up -> delivered
func (d *DriverConsole) Deliver(ctx context.Context, orderID int64) (*order.Order, error) {
	return d.fulfill.AdvanceStatus(ctx, d.actor, orderID, order.StatusDelivered)
}

// Available 当前可抢的订单投影
func (d *DriverConsole) Available() []OrderView {
	out := make([]OrderView, 0)
	for _, v := range d.proj.Active() {
		if v.Status == order.StatusReady && v.DriverID == nil {
			out = append(out, v)
		}
	}
	return out
}

// Mine 自己名下进行中的配送单
func (d *DriverConsole) Mine() []OrderView {
	out := make([]OrderView, 0)
	for _, v := range d.proj.Active() {
		if v.DriverID != nil && *v.DriverID == d.actor.UserID {
			out = append(out, v)
		}
	}
	return out
}

// History 终态订单投影
func (d *DriverConsole) History() []OrderView {
	return d.proj.History()
}
