package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/example/speedyspoon/internal/datamodels/payment"
)

type paymentRepo struct {
	db *gorm.DB
}

// NewPaymentRepository 创建支付尝试仓储
func NewPaymentRepository(db *gorm.DB) payment.Repository {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) Create(ctx context.Context, a *payment.Attempt) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *paymentRepo) GetByReference(ctx context.Context, ref string) (*payment.Attempt, error) {
	var a payment.Attempt
	if err := r.db.WithContext(ctx).Where("reference = ?", ref).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payment.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *paymentRepo) ListByOrder(ctx context.Context, orderID int64) ([]*payment.Attempt, error) {
	var list []*payment.Attempt
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id DESC").
		Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

// Resolve 仅当尝试尚未有核实结果时写入终态，先到的通道胜出。
// cancelled 在 guard 之内：网关核实出的 success/failed 可以覆盖
// 用户上报的放弃。
func (r *paymentRepo) Resolve(ctx context.Context, ref string, status payment.AttemptStatus, channel, raw string) (*payment.Attempt, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&payment.Attempt{}).
		Where("reference = ? AND status IN ?", ref,
			[]payment.AttemptStatus{payment.AttemptPending, payment.AttemptCancelled}).
		Updates(map[string]interface{}{
			"status":      status,
			"channel":     channel,
			"raw_payload": raw,
			"resolved_at": now,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, payment.ErrAlreadyResolved
	}
	return r.GetByReference(ctx, ref)
}
