package service

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/example/speedyspoon/internal/config"
	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/datamodels/user"
)

// Actor 一次操作的发起者身份，由鉴权中间件解析后传入
type Actor struct {
	UserID int64
	Role   user.Role
}

// Authenticated 是否携带有效身份
func (a Actor) Authenticated() bool {
	return a.UserID > 0 && a.Role.Valid()
}

// CartLine 下单时的购物车行
type CartLine struct {
	MenuItemID int64              `json:"menu_item_id"`
	Name       string             `json:"name"`
	UnitPrice  int64              `json:"unit_price"` // 单位：分
	Quantity   int64              `json:"quantity"`
	Options    []order.ItemOption `json:"options"`
}

// LineTotal 行小计：(单价 + 定制加价) * 数量
func (l CartLine) LineTotal() int64 {
	unit := l.UnitPrice
	for _, op := range l.Options {
		unit += op.PriceDelta
	}
	return unit * l.Quantity
}

// OrderService 下单与订单查询
type OrderService struct {
	orders order.Repository
	feed   Publisher
	cfg    *config.OrderConfig
	log    *zap.Logger
}

// NewOrderService 创建订单服务
func NewOrderService(orders order.Repository, feed Publisher, cfg *config.OrderConfig) *OrderService {
	return &OrderService{
		orders: orders,
		feed:   feed,
		cfg:    cfg,
		log:    zap.L(),
	}
}

// PlaceOrder 下单：校验 -> 计算金额 -> 落库 -> 发布变更事件。
// 校验失败不产生任何写入；落库失败时订单不存在，调用方整体重试即可。
func (s *OrderService) PlaceOrder(ctx context.Context, actor Actor, restaurantID int64, lines []CartLine, address, instructions string, method order.PaymentMethod) (*order.Order, error) {
	if !actor.Authenticated() || actor.Role != user.RoleCustomer {
		return nil, ErrUnauthenticated
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}
	minLen := s.cfg.MinAddressLen
	if minLen <= 0 {
		minLen = 8
	}
	if len(strings.TrimSpace(address)) < minLen {
		return nil, ErrInvalidAddress
	}
	if method == "" {
		method = order.MethodCard
	}

	items := make([]order.OrderItem, 0, len(lines))
	var itemsTotal int64
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		opts := ""
		if len(l.Options) > 0 {
			raw, err := json.Marshal(l.Options)
			if err != nil {
				return nil, err
			}
			opts = string(raw)
		}
		lineTotal := l.LineTotal()
		itemsTotal += lineTotal
		items = append(items, order.OrderItem{
			MenuItemID: l.MenuItemID,
			Name:       l.Name,
			UnitPrice:  l.UnitPrice,
			Quantity:   l.Quantity,
			Options:    opts,
			LineTotal:  lineTotal,
		})
	}

	o := &order.Order{
		CustomerID:    actor.UserID,
		RestaurantID:  restaurantID,
		Items:         items,
		ItemsTotal:    itemsTotal,
		DeliveryFee:   s.cfg.DeliveryFee,
		TotalAmount:   itemsTotal + s.cfg.DeliveryFee,
		Address:       strings.TrimSpace(address),
		Instructions:  instructions,
		Status:        order.StatusPlaced,
		PaymentStatus: order.PaymentPending,
		PaymentMethod: method,
		Version:       1,
	}
	if err := s.orders.Insert(ctx, o); err != nil {
		return nil, err
	}

	GetMonitor().RecordOrderPlaced()
	s.log.Info("order placed",
		zap.Int64("order_id", o.ID),
		zap.Int64("customer_id", o.CustomerID),
		zap.Int64("total_amount", o.TotalAmount),
		zap.String("method", string(o.PaymentMethod)))

	s.feed.Publish(ctx, NewEvent(o, "status", "payment_status"))
	return o, nil
}

// GetOrder 按身份读取订单：顾客/餐厅只能看自己的，骑手能看
// 自己接的单和待抢的 ready 单，admin 不受限。
func (s *OrderService) GetOrder(ctx context.Context, actor Actor, id int64) (*order.Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch actor.Role {
	case user.RoleAdmin:
	case user.RoleCustomer:
		if o.CustomerID != actor.UserID {
			return nil, ErrForbidden
		}
	case user.RoleRestaurant:
		if o.RestaurantID != actor.UserID {
			return nil, ErrForbidden
		}
	case user.RoleDriver:
		assigned := o.DriverID != nil && *o.DriverID == actor.UserID
		if !assigned && o.Status != order.StatusReady {
			return nil, ErrForbidden
		}
	default:
		return nil, ErrUnauthenticated
	}
	return o, nil
}

// ListMine 当前顾客的订单
func (s *OrderService) ListMine(ctx context.Context, actor Actor) ([]*order.Order, error) {
	if actor.Role != user.RoleCustomer {
		return nil, ErrForbidden
	}
	return s.orders.ListByCustomer(ctx, actor.UserID)
}

// ListForRestaurant 餐厅的进行中与历史订单
func (s *OrderService) ListForRestaurant(ctx context.Context, actor Actor) ([]*order.Order, error) {
	if actor.Role != user.RoleRestaurant {
		return nil, ErrForbidden
	}
	return s.orders.ListByRestaurant(ctx, actor.UserID)
}

// ListForDriver 骑手已接的订单
func (s *OrderService) ListForDriver(ctx context.Context, actor Actor) ([]*order.Order, error) {
	if actor.Role != user.RoleDriver {
		return nil, ErrForbidden
	}
	return s.orders.ListByDriver(ctx, actor.UserID)
}

// ListAvailable 可抢的 ready 订单
func (s *OrderService) ListAvailable(ctx context.Context, actor Actor) ([]*order.Order, error) {
	if actor.Role != user.RoleDriver {
		return nil, ErrForbidden
	}
	list, err := s.orders.ListByStatus(ctx, order.StatusReady)
	if err != nil {
		return nil, err
	}
	// ready 但已有骑手的不再展示
	out := list[:0]
	for _, o := range list {
		if o.DriverID == nil {
			out = append(out, o)
		}
	}
	return out, nil
}

// History 订单的状态流转审计
func (s *OrderService) History(ctx context.Context, actor Actor, id int64) ([]*order.StatusLog, error) {
	if _, err := s.GetOrder(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.orders.ListStatusLog(ctx, id)
}
