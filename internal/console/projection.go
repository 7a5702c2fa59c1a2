package console

import (
	"sync"

	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/service"
)

// OrderView 控制台持有的订单读投影。它由变更事件反推而来，
// 从不作为权威数据使用；与 store 不一致时整体刷新即可。
type OrderView struct {
	OrderID       int64               `json:"order_id"`
	RestaurantID  int64               `json:"restaurant_id"`
	Version       int64               `json:"version"`
	Status        order.Status        `json:"status"`
	PaymentStatus order.PaymentStatus `json:"payment_status"`
	DriverID      *int64              `json:"driver_id"`
}

// Projection 本地投影集合。合并规则：只接受 Version 更大的事件，
// 重复投递与乱序到达的旧事件都被丢弃，本地乐观更新不会被回退。
// 进入终态的订单从 active 移入 history。
type Projection struct {
	mu      sync.RWMutex
	active  map[int64]*OrderView
	history map[int64]*OrderView
}

// NewProjection 创建空投影
func NewProjection() *Projection {
	return &Projection{
		active:  make(map[int64]*OrderView),
		history: make(map[int64]*OrderView),
	}
}

// Seed 用 store 的订单快照初始化/刷新一条投影
func (p *Projection) Seed(o *order.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := &OrderView{
		OrderID:       o.ID,
		RestaurantID:  o.RestaurantID,
		Version:       o.Version,
		Status:        o.Status,
		PaymentStatus: o.PaymentStatus,
		DriverID:      o.DriverID,
	}
	if o.Status.Terminal() {
		delete(p.active, o.ID)
		p.history[o.ID] = v
		return
	}
	delete(p.history, o.ID)
	p.active[o.ID] = v
}

// Apply 合并一条变更事件，返回是否真的发生了合并。
// Version 不大于本地版本的事件是重复/过期投递，直接丢弃。
func (p *Projection) Apply(ev service.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur, ok := p.active[ev.OrderID]
	if !ok {
		if cur, ok = p.history[ev.OrderID]; ok {
			// 已退役订单只接受更高版本的补充字段，不再回到 active
			if ev.Version <= cur.Version {
				return false
			}
			cur.Version = ev.Version
			cur.Status = ev.Status
			cur.PaymentStatus = ev.PaymentStatus
			cur.DriverID = ev.DriverID
			return true
		}
		// 第一次见到这个订单
		cur = &OrderView{OrderID: ev.OrderID, RestaurantID: ev.RestaurantID}
		p.active[ev.OrderID] = cur
	}
	if ev.Version <= cur.Version {
		return false
	}

	cur.Version = ev.Version
	cur.Status = ev.Status
	cur.PaymentStatus = ev.PaymentStatus
	cur.DriverID = ev.DriverID
	if ev.RestaurantID != 0 {
		cur.RestaurantID = ev.RestaurantID
	}

	if cur.Status.Terminal() {
		delete(p.active, ev.OrderID)
		p.history[ev.OrderID] = cur
	}
	return true
}

// Get 读取一条投影（active 优先）
func (p *Projection) Get(orderID int64) (OrderView, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.active[orderID]; ok {
		return *v, true
	}
	if v, ok := p.history[orderID]; ok {
		return *v, true
	}
	return OrderView{}, false
}

// Active 当前跟踪中的订单
func (p *Projection) Active() []OrderView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]OrderView, 0, len(p.active))
	for _, v := range p.active {
		out = append(out, *v)
	}
	return out
}

// History 已进入终态的订单
func (p *Projection) History() []OrderView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]OrderView, 0, len(p.history))
	for _, v := range p.history {
		out = append(out, *v)
	}
	return out
}

// Drop 从投影中彻底移除一条订单
func (p *Projection) Drop(orderID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, orderID)
	delete(p.history, orderID)
}
