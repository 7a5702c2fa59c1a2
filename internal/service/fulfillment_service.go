package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/example/speedyspoon/internal/datamodels/order"
	"github.com/example/speedyspoon/internal/datamodels/user"
)

// FulfillmentService 履约状态机：所有状态推进的唯一入口。
// 邻接校验、角色校验、支付闸门都集中在这里，调用方不做任何判断。
type FulfillmentService struct {
	orders order.Repository
	feed   Publisher
	log    *zap.Logger
}

// NewFulfillmentService 创建履约服务
func NewFulfillmentService(orders order.Repository, feed Publisher) *FulfillmentService {
	return &FulfillmentService{
		orders: orders,
		feed:   feed,
		log:    zap.L(),
	}
}

// roleMayAdvance 各状态允许的推进者。接单到备餐完成归餐厅，
// 取餐与送达归骑手，admin 可代餐厅操作。
func roleMayAdvance(role user.Role, target order.Status) bool {
	switch target {
	case order.StatusConfirmed, order.StatusPreparing, order.StatusReady:
		return role == user.RoleRestaurant || role == user.RoleAdmin
	case order.StatusPickedUp, order.StatusDelivered:
		return role == user.RoleDriver
	}
	return false
}

// AdvanceStatus 把订单推进到 target。target 必须是当前状态的
// 直接后继或 cancelled，非邻接跳转一律拒绝，绝不静默纠正。
func (s *FulfillmentService) AdvanceStatus(ctx context.Context, actor Actor, orderID int64, target order.Status) (*order.Order, error) {
	if !actor.Authenticated() {
		return nil, ErrUnauthenticated
	}
	if !target.Valid() || target == order.StatusPlaced {
		return nil, ErrInvalidTransition
	}
	if target == order.StatusCancelled {
		return s.Cancel(ctx, actor, orderID, "")
	}

	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !o.Status.CanAdvanceTo(target) {
		GetMonitor().RecordTransitionDenied()
		s.log.Warn("transition rejected",
			zap.Int64("order_id", orderID),
			zap.String("from", string(o.Status)),
			zap.String("to", string(target)),
			zap.Int64("actor_id", actor.UserID))
		return nil, ErrInvalidTransition
	}
	if !roleMayAdvance(actor.Role, target) {
		return nil, ErrForbidden
	}
	if actor.Role == user.RoleRestaurant && o.RestaurantID != actor.UserID {
		return nil, ErrForbidden
	}
	// 支付闸门：confirmed 之后的推进要求已支付，货到付款豁免
	if target.RequiresPayment() && !o.PaymentSettled() {
		return nil, ErrPaymentRequired
	}

	entry := &order.StatusLog{
		OrderID:    orderID,
		FromStatus: o.Status,
		ToStatus:   target,
		ActorID:    actor.UserID,
		ActorRole:  string(actor.Role),
	}

	var updated *order.Order
	switch target {
	case order.StatusPickedUp:
		// 首次进入 picked_up 的同时原子地占有 driver_id，
		// 并发抢单由 store 的条件更新分出唯一胜者
		updated, err = s.orders.AssignDriverAndPickUp(ctx, orderID, actor.UserID, entry)
		if errors.Is(err, order.ErrAlreadyAssigned) {
			GetMonitor().RecordAssignConflict()
		}
	case order.StatusDelivered:
		if o.DriverID == nil || *o.DriverID != actor.UserID {
			return nil, ErrForbidden
		}
		// 货到付款在送达的同一条更新里结清应收
		settle := o.CashOnDelivery() && o.PaymentStatus == order.PaymentPending
		updated, err = s.orders.Deliver(ctx, orderID, actor.UserID, settle, entry)
	default:
		updated, err = s.orders.UpdateStatus(ctx, orderID, o.Status, target, entry)
	}
	if err != nil {
		return nil, err
	}

	GetMonitor().RecordTransition()
	s.log.Info("order status advanced",
		zap.Int64("order_id", orderID),
		zap.String("from", string(o.Status)),
		zap.String("to", string(updated.Status)),
		zap.Int64("actor_id", actor.UserID),
		zap.String("role", string(actor.Role)))

	changed := []string{"status"}
	if target == order.StatusPickedUp {
		changed = append(changed, "driver_id")
	}
	if updated.PaymentStatus != o.PaymentStatus {
		changed = append(changed, "payment_status")
	}
	s.feed.Publish(ctx, NewEvent(updated, changed...))
	return updated, nil
}

// Cancel 取消订单。顾客只能在 placed/confirmed 取消自己的单；
// 餐厅可取消自己的任何非终态订单；admin 不受限；骑手不能取消。
func (s *FulfillmentService) Cancel(ctx context.Context, actor Actor, orderID int64, note string) (*order.Order, error) {
	if !actor.Authenticated() {
		return nil, ErrUnauthenticated
	}
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return nil, ErrInvalidTransition
	}

	switch actor.Role {
	case user.RoleCustomer:
		if o.CustomerID != actor.UserID {
			return nil, ErrForbidden
		}
		if o.Status != order.StatusPlaced && o.Status != order.StatusConfirmed {
			return nil, ErrForbidden
		}
	case user.RoleRestaurant:
		if o.RestaurantID != actor.UserID {
			return nil, ErrForbidden
		}
	case user.RoleAdmin:
	default:
		return nil, ErrForbidden
	}

	entry := &order.StatusLog{
		OrderID:    orderID,
		FromStatus: o.Status,
		ToStatus:   order.StatusCancelled,
		ActorID:    actor.UserID,
		ActorRole:  string(actor.Role),
		Note:       note,
	}
	updated, err := s.orders.UpdateStatus(ctx, orderID, o.Status, order.StatusCancelled, entry)
	if err != nil {
		return nil, err
	}

	GetMonitor().RecordTransition()
	s.log.Info("order cancelled",
		zap.Int64("order_id", orderID),
		zap.Int64("actor_id", actor.UserID),
		zap.String("role", string(actor.Role)))

	s.feed.Publish(ctx, NewEvent(updated, "status"))
	return updated, nil
}
