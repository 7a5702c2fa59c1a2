package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/example/speedyspoon/internal/datamodels/order"
)

type orderRepo struct {
	db *gorm.DB
}

// NewOrderRepository 创建订单仓储
func NewOrderRepository(db *gorm.DB) order.Repository {
	return &orderRepo{db: db}
}

func (r *orderRepo) Insert(ctx context.Context, o *order.Order) error {
	// 订单与订单行一次性落库，失败则整体回滚，不留半写状态
	return r.db.WithContext(ctx).Create(o).Error
}

func (r *orderRepo) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	var o order.Order
	if err := r.db.WithContext(ctx).Preload("Items").First(&o, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, order.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *orderRepo) ListByCustomer(ctx context.Context, customerID int64) ([]*order.Order, error) {
	return r.list(ctx, "customer_id = ?", customerID)
}

func (r *orderRepo) ListByRestaurant(ctx context.Context, restaurantID int64) ([]*order.Order, error) {
	return r.list(ctx, "restaurant_id = ?", restaurantID)
}

func (r *orderRepo) ListByDriver(ctx context.Context, driverID int64) ([]*order.Order, error) {
	return r.list(ctx, "driver_id = ?", driverID)
}

func (r *orderRepo) ListByStatus(ctx context.Context, statuses ...order.Status) ([]*order.Order, error) {
	return r.list(ctx, "status IN ?", statuses)
}

func (r *orderRepo) list(ctx context.Context, query string, args ...interface{}) ([]*order.Order, error) {
	var list []*order.Order
	if err := r.db.WithContext(ctx).
		Preload("Items").
		Where(query, args...).
		Order("id DESC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// UpdateStatus 条件推进履约状态：guard 当前状态必须等于 from。
// 更新与审计记录在同一事务内完成。
func (r *orderRepo) UpdateStatus(ctx context.Context, id int64, from, to order.Status, entry *order.StatusLog) (*order.Order, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&order.Order{}).
			Where("id = ? AND status = ?", id, from).
			Updates(map[string]interface{}{
				"status":     to,
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return r.conditionMiss(tx, id)
		}
		return appendLog(tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// MarkPaid 置为已支付。guard 允许 pending 与 failed（支付重试成功），
// 绝不覆盖已有的 paid。
func (r *orderRepo) MarkPaid(ctx context.Context, id int64) (*order.Order, error) {
	return r.markPayment(ctx, id,
		"id = ? AND payment_status IN ?",
		[]interface{}{id, []order.PaymentStatus{order.PaymentPending, order.PaymentFailed}},
		order.PaymentPaid)
}

// MarkPaymentFailed 置为支付失败，仅允许从 pending 进入。
func (r *orderRepo) MarkPaymentFailed(ctx context.Context, id int64) (*order.Order, error) {
	return r.markPayment(ctx, id,
		"id = ? AND payment_status = ?",
		[]interface{}{id, order.PaymentPending},
		order.PaymentFailed)
}

func (r *orderRepo) markPayment(ctx context.Context, id int64, guard string, args []interface{}, to order.PaymentStatus) (*order.Order, error) {
	res := r.db.WithContext(ctx).Model(&order.Order{}).
		Where(guard, args...).
		Updates(map[string]interface{}{
			"payment_status": to,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if err := r.conditionMiss(r.db.WithContext(ctx), id); err != nil {
			return nil, err
		}
	}
	return r.GetByID(ctx, id)
}

// SetPaymentRef 写入网关引用，仅在尚未支付完成时允许
func (r *orderRepo) SetPaymentRef(ctx context.Context, id int64, ref string) error {
	res := r.db.WithContext(ctx).Model(&order.Order{}).
		Where("id = ? AND payment_status <> ?", id, order.PaymentPaid).
		Updates(map[string]interface{}{
			"payment_ref": ref,
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.conditionMiss(r.db.WithContext(ctx), id)
	}
	return nil
}

// AssignDriverAndPickUp 抢单。guard: 状态为 ready 且 driver_id 为空，
// 两个骑手并发调用时由这条 UPDATE 分出唯一胜者。
func (r *orderRepo) AssignDriverAndPickUp(ctx context.Context, id, driverID int64, entry *order.StatusLog) (*order.Order, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&order.Order{}).
			Where("id = ? AND status = ? AND driver_id IS NULL", id, order.StatusReady).
			Updates(map[string]interface{}{
				"status":     order.StatusPickedUp,
				"driver_id":  driverID,
				"version":    gorm.Expr("version + 1"),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var o order.Order
			if err := tx.First(&o, id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return order.ErrNotFound
				}
				return err
			}
			if o.DriverID != nil {
				return order.ErrAlreadyAssigned
			}
			return order.ErrConditionFailed
		}
		return appendLog(tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

// Deliver 送达。guard 要求当前骑手本人操作；settleCash 时同一条
// 语句把货到付款的应收置为 paid。
func (r *orderRepo) Deliver(ctx context.Context, id, driverID int64, settleCash bool, entry *order.StatusLog) (*order.Order, error) {
	fields := map[string]interface{}{
		"status":     order.StatusDelivered,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	}
	if settleCash {
		fields["payment_status"] = order.PaymentPaid
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&order.Order{}).
			Where("id = ? AND status = ? AND driver_id = ?", id, order.StatusPickedUp, driverID).
			Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return r.conditionMiss(tx, id)
		}
		return appendLog(tx, entry)
	})
	if err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *orderRepo) ListStatusLog(ctx context.Context, orderID int64) ([]*order.StatusLog, error) {
	var list []*order.StatusLog
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id ASC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// conditionMiss 区分记录不存在与 guard 不命中
func (r *orderRepo) conditionMiss(tx *gorm.DB, id int64) error {
	var count int64
	if err := tx.Model(&order.Order{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return order.ErrNotFound
	}
	return order.ErrConditionFailed
}

func appendLog(tx *gorm.DB, entry *order.StatusLog) error {
	if entry == nil {
		return nil
	}
	return tx.Create(entry).Error
}
